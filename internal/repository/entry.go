package repository

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"gridrepo/internal/codec"
)

// MarshalEntry serializes an index entry for backend storage. MessagePack
// keeps integer and float attributes distinct, which a JSON round trip
// would not.
func MarshalEntry(e IndexEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&e); err != nil {
		return nil, fmt.Errorf("failed to encode index entry: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalEntry parses a stored index entry
func UnmarshalEntry(data []byte) (IndexEntry, error) {
	var e IndexEntry
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&e); err != nil {
		return IndexEntry{}, fmt.Errorf("failed to decode index entry: %w", err)
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	for k, v := range e.Attrs {
		nv, err := codec.Normalize(v)
		if err != nil {
			return IndexEntry{}, fmt.Errorf("index attribute %s: %w", k, err)
		}
		e.Attrs[k] = nv
	}
	return e, nil
}
