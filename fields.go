package cktap

// Typed accessors over decoded result maps. The CBOR decoder yields
// map[string]any with int64 numbers, []byte byte strings and []any arrays;
// these helpers absorb the remaining shape variance in one place.

func fieldBytes(m map[string]any, key string) ([]byte, bool) {
	value, ok := m[key].([]byte)
	return value, ok
}

func fieldString(m map[string]any, key string) (string, bool) {
	value, ok := m[key].(string)
	return value, ok
}

func fieldInt(m map[string]any, key string) (int, bool) {
	switch value := m[key].(type) {
	case int64:
		return int(value), true
	case uint64:
		return int(value), true
	case int:
		return value, true
	default:
		return 0, false
	}
}

// fieldBool returns the field value and whether it was present at all.
// Callers that must distinguish "false" from "absent" (slot lifecycle
// classification) need both.
func fieldBool(m map[string]any, key string) (bool, bool) {
	value, ok := m[key].(bool)
	return value, ok
}

// fieldIntSlice decodes an array-of-integers field, such as the
// (active, total) slots pair or a derivation path.
func fieldIntSlice(m map[string]any, key string) ([]int, bool) {
	raw, ok := m[key].([]any)

	if !ok {
		return nil, false
	}

	values := make([]int, len(raw))
	for i, element := range raw {
		switch v := element.(type) {
		case int64:
			values[i] = int(v)
		case uint64:
			values[i] = int(v)
		case int:
			values[i] = v
		default:
			return nil, false
		}
	}

	return values, true
}

// fieldByteSlices decodes an array-of-byte-strings field, such as the
// certificate chain.
func fieldByteSlices(m map[string]any, key string) ([][]byte, bool) {
	raw, ok := m[key].([]any)

	if !ok {
		return nil, false
	}

	values := make([][]byte, len(raw))
	for i, element := range raw {
		bytes, ok := element.([]byte)
		if !ok {
			return nil, false
		}
		values[i] = bytes
	}

	return values, true
}
