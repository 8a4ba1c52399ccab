package schema

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrInvalidValue     = errors.New("invalid value")
)

// AttributeError reports a bad attribute access on a persistable type
type AttributeError struct {
	Type   string
	Attr   string
	Err    error
	Reason string
}

func (e *AttributeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s.%s: %v: %s", e.Type, e.Attr, e.Err, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %v", e.Type, e.Attr, e.Err)
}

func (e *AttributeError) Unwrap() error {
	return e.Err
}
