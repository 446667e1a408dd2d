package message

import "reflect"

// DeepCopyValue recursively copies maps, slices and messages. Scalars are
// returned as-is.
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case *Message:
		return t.DeepCopy()
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, val := range t {
			c[k] = DeepCopyValue(val)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, val := range t {
			c[i] = DeepCopyValue(val)
		}
		return c
	case map[string]string:
		c := make(map[string]string, len(t))
		for k, val := range t {
			c[k] = val
		}
		return c
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// DeepCopySlice copies every entry of s with DeepCopyValue.
func DeepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	return DeepCopyValue(s).([]any)
}

func valuesEqual(a, b any) bool {
	am, aok := a.(*Message)
	bm, bok := b.(*Message)
	if aok || bok {
		return aok && bok && am.Equal(bm)
	}
	return reflect.DeepEqual(a, b)
}
