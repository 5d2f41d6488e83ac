package saga

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Sanitize coerces an arbitrary value into JSON-safe scalars and containers.
// Structured SDK values (maps with non-string keys, structs, nested slices)
// are collapsed recursively; anything that still resists serialization is
// stringified. Applied before every JSON boundary: broker bodies, state-store
// writes, tool-call records.
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case float32:
		return sanitizeFloat(float64(t))
	case float64:
		return sanitizeFloat(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case time.Duration:
		return t.Milliseconds()
	case json.Number:
		return t.String()
	case error:
		return t.Error()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Sanitize(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = Sanitize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Sanitize(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		// Round-trip through encoding/json so tags and unexported fields are
		// handled the same way the eventual serialization would handle them.
		if b, err := json.Marshal(v); err == nil {
			var m any
			if err := json.Unmarshal(b, &m); err == nil {
				return Sanitize(m)
			}
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

// sanitizeFloat guards against NaN and infinities, which encoding/json rejects.
func sanitizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}

// SanitizeMap applies Sanitize to every value of a string-keyed map.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Sanitize(v)
	}
	return out
}
