package schema

// Kind is the value type of a schema item
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindObject
)

// String returns the kind name used in error messages
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Item describes one attribute of a persistable type.
//
// Items are built with the kind constructors and refined with the flag
// methods, each of which returns a modified copy:
//
//	schema.String("name", "").Copyable().Indexable()
//	schema.Nested("inputfiles", "files").Seq().Copyable()
type Item struct {
	Name string
	Kind Kind

	// Sequence marks a homogeneous ordered list of Kind values
	Sequence bool

	// Default is the scalar default. Ignored for sequences (always empty)
	// and for object items, which use NewDefault.
	Default Value

	// NewDefault builds the default nested instance of an object item.
	// A nil NewDefault means the attribute defaults to nil.
	NewDefault func() Persistable

	// Category restricts nested instances of an object item to one
	// plugin category. Empty accepts any category.
	Category string

	IsCopyable  bool
	IsHidden    bool
	IsTransient bool
	IsIndexable bool
}

// String declares a string item
func String(name, def string) Item {
	return Item{Name: name, Kind: KindString, Default: def}
}

// Int declares an integer item
func Int(name string, def int64) Item {
	return Item{Name: name, Kind: KindInt, Default: def}
}

// Float declares a floating point item
func Float(name string, def float64) Item {
	return Item{Name: name, Kind: KindFloat, Default: def}
}

// Bool declares a boolean item
func Bool(name string, def bool) Item {
	return Item{Name: name, Kind: KindBool, Default: def}
}

// Nested declares a nested-instance item restricted to category
func Nested(name, category string) Item {
	return Item{Name: name, Kind: KindObject, Category: category}
}

// Seq turns the item into a sequence of its kind
func (i Item) Seq() Item {
	i.Sequence = true
	return i
}

// WithDefault sets the factory for the default nested instance
func (i Item) WithDefault(fn func() Persistable) Item {
	i.NewDefault = fn
	return i
}

// Copyable marks the item as copied by plugin.Registry.Copy
func (i Item) Copyable() Item {
	i.IsCopyable = true
	return i
}

// Hidden marks the item as internal bookkeeping
func (i Item) Hidden() Item {
	i.IsHidden = true
	return i
}

// Transient excludes the item from wire documents
func (i Item) Transient() Item {
	i.IsTransient = true
	return i
}

// Indexable includes the item in repository index entries
func (i Item) Indexable() Item {
	i.IsIndexable = true
	return i
}

// defaultValue builds a fresh default for the item. Sequences are always
// returned as new empty slices so instances never share backing arrays.
func (i Item) defaultValue() Value {
	if i.Sequence {
		return []Value{}
	}
	if i.Kind == KindObject {
		if i.NewDefault != nil {
			return i.NewDefault()
		}
		return nil
	}
	return i.Default
}
