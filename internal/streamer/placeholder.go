package streamer

import (
	"fmt"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
)

// IDAttr is the attribute repositories use to stamp an instance's ID
const IDAttr = "id"

// Placeholder stands in for a document that could not be reconstructed.
// It keeps the raw document for inspection and refuses every mutation
// except its ID.
type Placeholder struct {
	Category string
	Name     string
	Version  schema.Version
	Raw      *codec.Document
	Err      error

	schema *schema.Schema
	id     int64
}

// NewPlaceholder builds a placeholder for doc, which may be nil when the
// bytes could not be parsed at all
func NewPlaceholder(doc *codec.Document, err error) *Placeholder {
	p := &Placeholder{
		Category: "unknown",
		Name:     "Unknown",
		Raw:      doc,
		Err:      err,
		id:       -1,
	}
	if doc != nil {
		p.Category, p.Name, p.Version = doc.Category, doc.Name, doc.Version
		if id, ok := doc.Data[IDAttr].(int64); ok {
			p.id = id
		}
	}
	p.schema = schema.New(p.Category, p.Name, p.Version,
		schema.Int(IDAttr, -1).Hidden(),
	)
	return p
}

func (p *Placeholder) Schema() *schema.Schema {
	return p.schema
}

// Get returns the ID or, for any other name, the raw stored value
func (p *Placeholder) Get(name string) (schema.Value, error) {
	if name == IDAttr {
		return p.id, nil
	}
	if p.Raw != nil {
		if v, ok := p.Raw.Data[name]; ok {
			return v, nil
		}
	}
	return nil, &schema.AttributeError{Type: p.schema.TypeName(), Attr: name, Err: schema.ErrUnknownAttribute}
}

// Set only accepts the ID attribute
func (p *Placeholder) Set(name string, v schema.Value) error {
	if name != IDAttr {
		return &schema.AttributeError{Type: p.schema.TypeName(), Attr: name, Err: ErrIncomplete}
	}
	nv, err := p.schema.Validate(name, v)
	if err != nil {
		return err
	}
	p.id = nv.(int64)
	return nil
}

func (p *Placeholder) Error() string {
	return fmt.Sprintf("incomplete %s/%s: %v", p.Category, p.Name, p.Err)
}

func (p *Placeholder) Unwrap() error {
	return p.Err
}

// IsIncomplete reports whether obj is a placeholder
func IsIncomplete(obj schema.Persistable) bool {
	_, ok := obj.(*Placeholder)
	return ok
}

// Incomplete returns the placeholder behind obj, if any
func Incomplete(obj schema.Persistable) (*Placeholder, bool) {
	p, ok := obj.(*Placeholder)
	return p, ok
}
