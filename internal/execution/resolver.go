package execution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Lookup resolves one template reference such as "agent1.response.content".
type Lookup func(ref string) (any, bool)

// Matches {{path.to.value}} or {{path[0].value}}
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveValue resolves templates inside strings, maps and slices. A string that is
// exactly one template yields the raw referenced value; otherwise references are
// string-interpolated. Unresolvable references are kept as written.
func ResolveValue(value any, lookup Lookup) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, lookup)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = ResolveValue(val, lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = ResolveValue(elem, lookup)
		}
		return out
	default:
		return value
	}
}

// ResolveMap is ResolveValue for a map, never returning nil.
func ResolveMap(data map[string]any, lookup Lookup) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return ResolveValue(data, lookup).(map[string]any)
}

func resolveString(s string, lookup Lookup) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if loc := templatePattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		ref := trimmed[loc[2]:loc[3]]
		if val, ok := lookup(ref); ok {
			return val
		}
		return s
	}
	return InterpolateTemplate(s, lookup)
}

// InterpolateTemplate replaces every {{reference}} in a string with its stringified value.
func InterpolateTemplate(template string, lookup Lookup) string {
	if template == "" {
		return ""
	}
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := lookup(ref)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ResolvePath resolves a dot-notation path. Supports field, nested.field, list[0].field
// and list.0.field.
func ResolvePath(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, false
		}
		field, indexes := splitIndexes(part)
		if field != "" {
			next, ok := step(current, field)
			if !ok {
				return nil, false
			}
			current = next
		}
		for _, idx := range indexes {
			next, ok := step(current, idx)
			if !ok {
				return nil, false
			}
			current = next
		}
	}
	return current, true
}

// splitIndexes turns "items[0][1]" into ("items", ["0", "1"]).
func splitIndexes(part string) (string, []string) {
	open := strings.Index(part, "[")
	if open == -1 {
		return part, nil
	}
	field := part[:open]
	var indexes []string
	for rest := part[open:]; strings.HasPrefix(rest, "["); {
		end := strings.Index(rest, "]")
		if end == -1 {
			break
		}
		indexes = append(indexes, rest[1:end])
		rest = rest[end+1:]
	}
	return field, indexes
}

func step(current any, key string) (any, bool) {
	switch c := current.(type) {
	case map[string]any:
		val, ok := c[key]
		return val, ok
	case map[string]string:
		val, ok := c[key]
		return val, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case []map[string]any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case []string:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}
	return nil, false
}

// StripTemplateBraces removes the {{ }} wrapper from a reference string.
func StripTemplateBraces(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		return strings.TrimSpace(s[2 : len(s)-2])
	}
	return s
}

// Helper functions for config access

func getString(config map[string]any, key, defaultVal string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

func getInt(config map[string]any, key string, defaultVal int) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	}
	return defaultVal
}

func getFloat(config map[string]any, key string) (float64, bool) {
	if v, ok := config[key]; ok {
		return toFloat(v)
	}
	return 0, false
}

func getBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

func getMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
