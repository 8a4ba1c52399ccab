package codec

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONCodec handles JSON documents
type JSONCodec struct {
	indent bool
}

// NewJSONCodec creates a new JSON codec writing indented output
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{indent: true}
}

// Format returns the codec format identifier
func (c *JSONCodec) Format() Format {
	return FormatJSON
}

// Encode writes doc as a JSON object
func (c *JSONCodec) Encode(w io.Writer, doc *Document) error {
	encoder := json.NewEncoder(w)
	if c.indent {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(ToMap(doc)); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// Decode reads one JSON document. Numbers are kept as json.Number until
// normalization so integers survive without float rounding.
func (c *JSONCodec) Decode(r io.Reader) (*Document, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return FromMap(raw)
}
