package schema

// Equal reports whether two persistables have the same type and the same
// non-transient attribute values, comparing nested instances recursively.
func Equal(a, b Persistable) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	sa, sb := a.Schema(), b.Schema()
	if sa.TypeName() != sb.TypeName() || sa.Version() != sb.Version() {
		return false
	}
	for _, it := range sa.Items() {
		if it.IsTransient {
			continue
		}
		va, err := a.Get(it.Name)
		if err != nil {
			return false
		}
		vb, err := b.Get(it.Name)
		if err != nil {
			return false
		}
		if !equalValue(va, vb) {
			return false
		}
	}
	return true
}

func equalValue(a, b Value) bool {
	switch av := a.(type) {
	case []Value:
		bv, ok := b.([]Value)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Persistable:
		bv, ok := b.(Persistable)
		if !ok {
			return false
		}
		return Equal(av, bv)
	case nil:
		return b == nil
	default:
		return a == b
	}
}
