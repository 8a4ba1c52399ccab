package schema

import (
	"fmt"
	"math"
	"reflect"
)

// Value is any attribute value. After validation it is one of nil, string,
// int64, float64, bool, Persistable or []Value.
type Value = any

// Persistable is a value that can be stored in a repository. Its state is
// fully described by its schema items.
type Persistable interface {
	Schema() *Schema
	Get(name string) (Value, error)
	Set(name string, v Value) error
}

// Observable is implemented by persistables that report attribute changes
type Observable interface {
	SetObserver(fn func(attr string))
}

// Schema is the declared shape of a persistable type
type Schema struct {
	category string
	name     string
	version  Version
	items    []Item
	byName   map[string]int
}

// New declares a schema. It panics on a duplicate or empty item name since
// schemas are declared once at package init.
func New(category, name string, v Version, items ...Item) *Schema {
	s := &Schema{
		category: category,
		name:     name,
		version:  v,
		items:    make([]Item, 0, len(items)),
		byName:   make(map[string]int, len(items)),
	}
	for _, it := range items {
		if it.Name == "" {
			panic(fmt.Sprintf("schema %s/%s: item with empty name", category, name))
		}
		if _, dup := s.byName[it.Name]; dup {
			panic(fmt.Sprintf("schema %s/%s: duplicate item %q", category, name, it.Name))
		}
		s.byName[it.Name] = len(s.items)
		s.items = append(s.items, it)
	}
	return s
}

func (s *Schema) Category() string { return s.category }
func (s *Schema) Name() string     { return s.name }
func (s *Schema) Version() Version { return s.version }

// TypeName returns "category/name"
func (s *Schema) TypeName() string {
	return s.category + "/" + s.name
}

// Items returns the items in declaration order
func (s *Schema) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Item looks up an item by name
func (s *Schema) Item(name string) (Item, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Item{}, false
	}
	return s.items[idx], true
}

// IndexableItems returns the items marked indexable
func (s *Schema) IndexableItems() []Item {
	var out []Item
	for _, it := range s.items {
		if it.IsIndexable {
			out = append(out, it)
		}
	}
	return out
}

// Defaults builds a fresh map of default values for every item
func (s *Schema) Defaults() map[string]Value {
	out := make(map[string]Value, len(s.items))
	for _, it := range s.items {
		out[it.Name] = it.defaultValue()
	}
	return out
}

// Validate checks v against the named item and returns it in normal form
func (s *Schema) Validate(name string, v Value) (Value, error) {
	it, ok := s.Item(name)
	if !ok {
		return nil, &AttributeError{Type: s.TypeName(), Attr: name, Err: ErrUnknownAttribute}
	}
	out, err := it.coerce(v)
	if err != nil {
		return nil, &AttributeError{Type: s.TypeName(), Attr: name, Err: ErrInvalidValue, Reason: err.Error()}
	}
	return out, nil
}

func (i Item) coerce(v Value) (Value, error) {
	if !i.Sequence {
		return i.coerceScalar(v)
	}
	if v == nil {
		return []Value{}, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected sequence of %s, got %T", i.Kind, v)
	}
	out := make([]Value, rv.Len())
	for n := 0; n < rv.Len(); n++ {
		elem, err := i.coerceScalar(rv.Index(n).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", n, err)
		}
		out[n] = elem
	}
	return out, nil
}

func (i Item) coerceScalar(v Value) (Value, error) {
	switch i.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case KindFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case KindObject:
		if v == nil {
			return nil, nil
		}
		p, ok := v.(Persistable)
		if !ok {
			break
		}
		if i.Category != "" && p.Schema().Category() != i.Category {
			return nil, fmt.Errorf("expected %s instance, got %s", i.Category, p.Schema().TypeName())
		}
		return p, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", i.Kind, v)
}

func toInt64(v Value) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uint64ToInt(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uint64ToInt(n)
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1<<63 {
			return int64(n), true
		}
	case float32:
		f := float64(n)
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<63 {
			return int64(f), true
		}
	}
	return 0, false
}

func uint64ToInt(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func toFloat64(v Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
