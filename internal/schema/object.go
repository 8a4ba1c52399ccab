package schema

import (
	"fmt"
	"sync"
)

// Object is the generic persistable implementation. Concrete types embed a
// *Object and add typed accessors on top of it.
type Object struct {
	schema *Schema

	mu       sync.RWMutex
	values   map[string]Value
	observer func(attr string)
}

// NewObject creates an instance of s populated with its defaults
func NewObject(s *Schema) *Object {
	o := &Object{
		schema: s,
		values: s.Defaults(),
	}
	for name, v := range o.values {
		o.adopt(name, v)
	}
	return o
}

func (o *Object) Schema() *Schema {
	return o.schema
}

// Get returns the current value of an attribute. Sequences are returned as
// a copy.
func (o *Object) Get(name string) (Value, error) {
	o.mu.RLock()
	v, ok := o.values[name]
	o.mu.RUnlock()
	if !ok {
		return nil, &AttributeError{Type: o.schema.TypeName(), Attr: name, Err: ErrUnknownAttribute}
	}
	if seq, isSeq := v.([]Value); isSeq {
		out := make([]Value, len(seq))
		copy(out, seq)
		return out, nil
	}
	return v, nil
}

// Set validates and stores an attribute, then notifies the observer
func (o *Object) Set(name string, v Value) error {
	nv, err := o.schema.Validate(name, v)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.values[name] = nv
	o.mu.Unlock()

	o.adopt(name, nv)
	o.notify(name)
	return nil
}

// SetObserver installs a callback invoked after every successful Set on o
// or on any nested instance it holds
func (o *Object) SetObserver(fn func(attr string)) {
	o.mu.Lock()
	o.observer = fn
	o.mu.Unlock()
}

func (o *Object) notify(attr string) {
	o.mu.RLock()
	fn := o.observer
	o.mu.RUnlock()
	if fn != nil {
		fn(attr)
	}
}

// adopt makes nested instances held in v report their mutations as a
// change of attr on o
func (o *Object) adopt(attr string, v Value) {
	report := func(string) { o.notify(attr) }
	switch x := v.(type) {
	case Observable:
		x.SetObserver(report)
	case []Value:
		for _, elem := range x {
			if child, ok := elem.(Observable); ok {
				child.SetObserver(report)
			}
		}
	}
}

// MustSet is Set for callers holding values known to be valid
func (o *Object) MustSet(name string, v Value) {
	if err := o.Set(name, v); err != nil {
		panic(err)
	}
}

func (o *Object) GetString(name string) string {
	v, _ := o.Get(name)
	s, _ := v.(string)
	return s
}

func (o *Object) GetInt(name string) int64 {
	v, _ := o.Get(name)
	n, _ := v.(int64)
	return n
}

func (o *Object) GetFloat(name string) float64 {
	v, _ := o.Get(name)
	f, _ := v.(float64)
	return f
}

func (o *Object) GetBool(name string) bool {
	v, _ := o.Get(name)
	b, _ := v.(bool)
	return b
}

func (o *Object) GetObject(name string) Persistable {
	v, _ := o.Get(name)
	p, _ := v.(Persistable)
	return p
}

func (o *Object) GetSeq(name string) []Value {
	v, _ := o.Get(name)
	seq, _ := v.([]Value)
	return seq
}

// GetStrings returns a string sequence attribute
func (o *Object) GetStrings(name string) []string {
	seq := o.GetSeq(name)
	out := make([]string, 0, len(seq))
	for _, v := range seq {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (o *Object) String() string {
	return fmt.Sprintf("%s(v%s)", o.schema.TypeName(), o.schema.Version())
}
