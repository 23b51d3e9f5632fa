package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Stringify renders a resolved value the way it appears in interpolated text.
// nil is empty, integral numbers have no decimals, objects and arrays are
// compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(val)
	case float32:
		return formatNumber(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func formatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Truthy reports the truthiness of a value: everything is true except
// false, the empty string, "false", 0, "0", null and "null".
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.TrimSpace(val) {
		case "", "false", "''", "0", "null":
			return false
		}
		return true
	case float64:
		return val != 0 && !math.IsNaN(val)
	case int:
		return val != 0
	case int64:
		return val != 0
	}
	return true
}

// quoteLiteral renders s as a single-quoted expression string.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// unquoteLiteral parses a complete single-quoted literal.
func unquoteLiteral(s string) (string, bool) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", false
	}
	inner := s[1 : len(s)-1]
	// Every quote inside must be doubled.
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\'' {
			if i+1 >= len(inner) || inner[i+1] != '\'' {
				return "", false
			}
			i++
		}
	}
	return strings.ReplaceAll(inner, "''", "'"), true
}

// segmentKind classifies one step of a property path.
type segmentKind int

const (
	segKey segmentKind = iota
	segIndex
	segStar
	segExpr // bracket holding a nested path, resolved at walk time
)

type pathSegment struct {
	kind  segmentKind
	key   string
	index int
}

// propertyPath is a parsed reference such as steps.build.outputs['tag'].
type propertyPath struct {
	root     string
	segments []pathSegment
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

// parsePath parses an identifier followed by .name, .*, [n], ['key'] or
// [bare] segments. It fails unless the whole string is consumed.
func parsePath(s string) (propertyPath, bool) {
	var p propertyPath
	if s == "" || !isIdentStart(s[0]) {
		return p, false
	}
	i := 1
	for i < len(s) && isIdentChar(s[i]) {
		i++
	}
	p.root = s[:i]

	segs, ok := parseSegments(s[i:])
	if !ok {
		return p, false
	}
	p.segments = segs
	return p, true
}

// parseSegments parses a property suffix such as .a[0].*['b'].
func parseSegments(s string) ([]pathSegment, bool) {
	var segs []pathSegment
	i := 0
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			if i < len(s) && s[i] == '*' {
				segs = append(segs, pathSegment{kind: segStar})
				i++
				continue
			}
			start := i
			for i < len(s) && isIdentChar(s[i]) {
				i++
			}
			if start == i {
				return nil, false
			}
			segs = append(segs, pathSegment{kind: segKey, key: s[start:i]})
		case '[':
			end := matchBracket(s, i)
			if end < 0 {
				return nil, false
			}
			inner := strings.TrimSpace(s[i+1 : end])
			i = end + 1
			switch {
			case inner == "*":
				segs = append(segs, pathSegment{kind: segStar})
			case strings.HasPrefix(inner, "'"):
				key, ok := unquoteLiteral(inner)
				if !ok {
					return nil, false
				}
				segs = append(segs, pathSegment{kind: segKey, key: key})
			default:
				if n, err := strconv.Atoi(inner); err == nil {
					segs = append(segs, pathSegment{kind: segIndex, index: n})
					continue
				}
				if inner == "" {
					return nil, false
				}
				segs = append(segs, pathSegment{kind: segExpr, key: inner})
			}
		default:
			return nil, false
		}
	}
	return segs, true
}

// matchBracket returns the index of the ']' closing the '[' at open, honouring quotes.
func matchBracket(s string, open int) int {
	depth := 0
	inQuote := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		switch c {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// walk applies segments to a value. Missing properties yield nil. After a
// wildcard the remaining segments apply to every element and the result is
// an array of the non-nil outcomes.
func walk(v any, segs []pathSegment, resolveKey func(string) string) any {
	for i, seg := range segs {
		switch seg.kind {
		case segKey, segExpr:
			key := seg.key
			if seg.kind == segExpr {
				key = resolveKey(seg.key)
			}
			v = property(v, key)
		case segIndex:
			v = element(v, seg.index)
		case segStar:
			items := elements(v)
			out := make([]any, 0, len(items))
			for _, item := range items {
				if r := walk(item, segs[i+1:], resolveKey); r != nil {
					out = append(out, r)
				}
			}
			return out
		}
		if v == nil {
			return nil
		}
	}
	return v
}

func property(v any, key string) any {
	switch m := v.(type) {
	case map[string]any:
		if val, ok := m[key]; ok {
			return val
		}
		for k, val := range m {
			if strings.EqualFold(k, key) {
				return val
			}
		}
	case map[string]string:
		if val, ok := m[key]; ok {
			return val
		}
		for k, val := range m {
			if strings.EqualFold(k, key) {
				return val
			}
		}
	case []any:
		if n, err := strconv.Atoi(key); err == nil {
			return element(m, n)
		}
	}
	return nil
}

func element(v any, n int) any {
	switch a := v.(type) {
	case []any:
		if n >= 0 && n < len(a) {
			return a[n]
		}
	case []string:
		if n >= 0 && n < len(a) {
			return a[n]
		}
	}
	return nil
}

// elements lists an array's items, or an object's values ordered by key.
func elements(v any) []any {
	switch a := v.(type) {
	case []any:
		return a
	case []string:
		out := make([]any, len(a))
		for i, s := range a {
			out[i] = s
		}
		return out
	case map[string]any:
		keys := mapKeys(a)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, a[k])
		}
		return out
	case map[string]string:
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sortStrings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, a[k])
		}
		return out
	}
	return nil
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

// sortStrings is an insertion sort for small slices.
func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
}
