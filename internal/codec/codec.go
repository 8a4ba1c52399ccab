// Package codec converts wire documents to and from byte formats.
//
// A Document is the format-neutral form of one persisted instance: its type
// identity, schema version and a data map holding only nil, bool, int64,
// float64, string, *Document and []any values. The text formats write
// integral floats without a fraction, so they may decode as int64; schema
// validation widens them back.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"gridrepo/internal/schema"
)

// Format names a serialization format
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatMsgpack Format = "msgpack"
)

// Codec encodes and decodes documents in one format
type Codec interface {
	Format() Format
	Encode(w io.Writer, doc *Document) error
	Decode(r io.Reader) (*Document, error)
}

// Document is the wire form of a persisted instance
type Document struct {
	Category string
	Name     string
	Version  schema.Version
	Data     map[string]any
}

// TypeName returns "category/name"
func (d *Document) TypeName() string {
	return d.Category + "/" + d.Name
}

// Keys returns the data keys in sorted order
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.Data))
	for k := range d.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New returns the codec for a format name
func New(format Format) (Codec, error) {
	switch format {
	case FormatJSON, "":
		return NewJSONCodec(), nil
	case FormatYAML:
		return NewYAMLCodec(), nil
	case FormatMsgpack:
		return NewMsgpackCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec format %q", format)
	}
}

// Formats lists the supported formats
func Formats() []Format {
	return []Format{FormatJSON, FormatYAML, FormatMsgpack}
}

// Marshal encodes a document to bytes
func Marshal(c Codec, doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a document from bytes
func Unmarshal(c Codec, data []byte) (*Document, error) {
	return c.Decode(bytes.NewReader(data))
}

// ============================================================================
// Map form
// ============================================================================

// ToMap converts a document into its generic map form
func ToMap(doc *Document) map[string]any {
	data := make(map[string]any, len(doc.Data))
	for k, v := range doc.Data {
		data[k] = valueToMap(v)
	}
	return map[string]any{
		"category": doc.Category,
		"name":     doc.Name,
		"version": map[string]any{
			"major": int64(doc.Version.Major),
			"minor": int64(doc.Version.Minor),
		},
		"data": data,
	}
}

func valueToMap(v any) any {
	switch tv := v.(type) {
	case *Document:
		if tv == nil {
			return nil
		}
		return ToMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = valueToMap(e)
		}
		return out
	default:
		return v
	}
}

// FromMap parses the generic map form produced by a decoder
func FromMap(m map[string]any) (*Document, error) {
	category, ok := m["category"].(string)
	if !ok || category == "" {
		return nil, fmt.Errorf("document: missing category")
	}
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("document: missing name")
	}

	version, err := parseVersion(m["version"])
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w", category, name, err)
	}

	doc := &Document{
		Category: category,
		Name:     name,
		Version:  version,
		Data:     make(map[string]any),
	}

	rawData, err := asStringMap(m["data"])
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: data: %w", category, name, err)
	}
	for k, v := range rawData {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("document %s/%s: data.%s: %w", category, name, k, err)
		}
		doc.Data[k] = nv
	}
	return doc, nil
}

func parseVersion(v any) (schema.Version, error) {
	switch tv := v.(type) {
	case string:
		return schema.ParseVersion(tv)
	case nil:
		return schema.Version{}, fmt.Errorf("missing version")
	}

	m, err := asStringMap(v)
	if err != nil {
		return schema.Version{}, fmt.Errorf("version: %w", err)
	}
	major, err := Normalize(m["major"])
	if err != nil {
		return schema.Version{}, err
	}
	minor, err := Normalize(m["minor"])
	if err != nil {
		return schema.Version{}, err
	}
	maj, ok1 := major.(int64)
	mnr, ok2 := minor.(int64)
	if !ok1 || !ok2 || maj < 0 || mnr < 0 {
		return schema.Version{}, fmt.Errorf("invalid version %v", v)
	}
	return schema.Version{Major: int(maj), Minor: int(mnr)}, nil
}

func asStringMap(v any) (map[string]any, error) {
	switch tv := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return tv, nil
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			out[ks] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected map, got %T", v)
	}
}

// Normalize maps a decoder-produced value into the document value set.
// Integers of any width become int64, floats become float64, maps become
// nested documents.
func Normalize(v any) (any, error) {
	switch tv := v.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case *Document:
		return tv, nil
	case json.Number:
		if n, err := strconv.ParseInt(string(tv), 10, 64); err == nil {
			return n, nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tv)
		}
		return f, nil
	case int:
		return int64(tv), nil
	case int8:
		return int64(tv), nil
	case int16:
		return int64(tv), nil
	case int32:
		return int64(tv), nil
	case uint:
		return uintToInt(uint64(tv))
	case uint8:
		return int64(tv), nil
	case uint16:
		return int64(tv), nil
	case uint32:
		return int64(tv), nil
	case uint64:
		return uintToInt(tv)
	case float32:
		return float64(tv), nil
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			ne, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any, map[any]any:
		m, err := asStringMap(tv)
		if err != nil {
			return nil, err
		}
		return FromMap(m)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func uintToInt(n uint64) (any, error) {
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", n)
	}
	return int64(n), nil
}
