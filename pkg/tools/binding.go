package tools

import (
	"strconv"
	"strings"
)

// Ambient carries values injected into tool arguments by the calling worker:
// the saga's target database URL and the tenant account id. Providers declare
// these as ordinary schema parameters; the LLM never sees or supplies them.
type Ambient struct {
	DBURL     string
	AccountID string
}

func (a Ambient) value(param string) (string, bool) {
	switch param {
	case ParamDBURL:
		return a.DBURL, a.DBURL != ""
	case ParamAccountID:
		return a.AccountID, a.AccountID != ""
	}
	return "", false
}

// BindArguments filters args down to the schema's declared parameters,
// injects ambient values where the argument is absent or empty, and coerces
// values to the declared types. LLMs routinely send numbers as strings; the
// coercion tolerates that drift instead of failing the call.
func BindArguments(schema Schema, args map[string]any, ambient Ambient) map[string]any {
	out := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		v, present := args[name]
		if isAmbientParam(name) {
			if s, ok := v.(string); !present || (ok && s == "") {
				if av, ok := ambient.value(name); ok {
					out[name] = av
					continue
				}
			}
		}
		if !present {
			continue
		}
		out[name] = coerceValue(prop.Type, v)
	}
	return out
}

// coerceValue converts v toward the declared JSON-schema type where a lossless
// conversion exists; otherwise the value passes through unchanged.
func coerceValue(declared string, v any) any {
	switch declared {
	case "integer":
		switch t := v.(type) {
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return n
			}
		case float64:
			if t == float64(int64(t)) {
				return int64(t)
			}
		}
	case "number":
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	case "boolean":
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	case "string":
		switch t := v.(type) {
		case float64, int, int64, bool:
			return strings.TrimSpace(strconvAny(t))
		}
	}
	return v
}

func strconvAny(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
