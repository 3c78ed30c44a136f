package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Interpolate returns a copy of config in which every {{name}} token inside a
// string leaf is replaced by the string form of vars[name]. Tokens naming an
// unset variable are kept literally. Non-string leaves are copied unchanged
// and config itself is never modified.
func Interpolate(config map[string]any, vars map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out, _ := interpolateValue(config, vars).(map[string]any)
	return out
}

// InterpolateString resolves the {{name}} tokens of a single string.
func InterpolateString(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unclosed token, keep the remainder as-is.
			result.WriteString(s[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(s[start:end])
		val, ok := lookupVar(vars, name)
		if !ok {
			result.WriteString(s[i+idx : end+2])
		} else {
			result.WriteString(Stringify(val))
		}
		i = end + 2
	}
	return result.String()
}

// HasTokens reports whether any string leaf of v contains a {{name}} token.
func HasTokens(v any) bool {
	switch t := v.(type) {
	case string:
		open := strings.Index(t, "{{")
		return open >= 0 && strings.Contains(t[open:], "}}")
	case map[string]any:
		for _, child := range t {
			if HasTokens(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if HasTokens(child) {
				return true
			}
		}
	case []string:
		for _, child := range t {
			if HasTokens(child) {
				return true
			}
		}
	case map[string]string:
		for _, child := range t {
			if HasTokens(child) {
				return true
			}
		}
	}
	return false
}

func interpolateValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return InterpolateString(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = interpolateValue(child, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = interpolateValue(child, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, child := range t {
			out[k] = InterpolateString(child, vars)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, child := range t {
			out[i] = InterpolateString(child, vars)
		}
		return out
	default:
		return v
	}
}

// lookupVar resolves name as a flat key first, then as a dotted path into
// nested maps and slices.
func lookupVar(vars map[string]any, name string) (any, bool) {
	if name == "" || vars == nil {
		return nil, false
	}
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	parts := strings.Split(name, ".")
	current, ok := vars[parts[0]]
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		switch node := current.(type) {
		case map[string]any:
			if current, ok = node[p]; !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a variable value the way it is substituted into strings.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
