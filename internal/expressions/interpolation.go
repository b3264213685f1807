package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {key} and {a.b.c}. Whitespace inside braces is allowed.
var placeholderRe = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}`)

// Interpolate replaces {key} placeholders in template with values from data.
// Dotted paths walk nested maps. Placeholders that do not resolve are left intact.
func Interpolate(template string, data map[string]any) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		val, ok := Lookup(data, sub[1])
		if !ok || val == nil {
			return match
		}
		return Stringify(val)
	})
}

// InterpolateValue applies Interpolate to every string inside v, walking maps and slices.
func InterpolateValue(v any, data map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, data)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, data)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = Interpolate(item, data)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves a dotted path against nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		switch m := current.(type) {
		case map[string]any:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, false
			}
			current = m[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a context value for text output. Integral floats drop the
// decimal part; maps and slices are rendered as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return Stringify(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
