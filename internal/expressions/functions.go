package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// builtins maps lower-cased function names to their arity bounds.
var builtins = map[string][2]int{
	"success":    {0, 0},
	"failure":    {0, 0},
	"cancelled":  {0, 0},
	"always":     {0, 0},
	"contains":   {2, 2},
	"startswith": {2, 2},
	"endswith":   {2, 2},
	"format":     {1, -1},
	"join":       {1, 2},
	"tojson":     {1, 1},
	"fromjson":   {1, 1},
}

// reduceCalls replaces every built-in function call, together with any
// property suffix applied to its result, by a stashed value.
func (st *evalState) reduceCalls(s string) (string, error) {
	from := 0
	for {
		pos, name, open := findCall(s, from)
		if pos < 0 {
			return s, nil
		}
		end := matchParen(s, open)
		if end < 0 {
			return "", unresolvable(s, "unclosed call to %s", name)
		}

		args := splitArgs(s[open+1 : end])
		v, err := st.call(strings.ToLower(name), args, s[pos:end+1])
		if err != nil {
			return "", err
		}

		after := end + 1
		suffixEnd := scanSuffix(s, after)
		if suffixEnd > after {
			segs, ok := parseSegments(s[after:suffixEnd])
			if !ok {
				return "", unresolvable(s, "invalid property access after %s()", name)
			}
			for i := range segs {
				if segs[i].kind == segExpr {
					segs[i] = pathSegment{kind: segKey, key: st.bracketKey(segs[i].key)}
				}
			}
			v, err = st.e.jq.Project(context.Background(), v, segs)
			if err != nil {
				return "", err
			}
		}

		ph := st.keep(v)
		s = s[:pos] + ph + s[suffixEnd:]
		from = pos + len(ph)
	}
}

func (st *evalState) call(name string, rawArgs []string, text string) (any, error) {
	bounds := builtins[name]
	if len(rawArgs) < bounds[0] || (bounds[1] >= 0 && len(rawArgs) > bounds[1]) {
		return nil, unresolvable(text, "%s() called with %d arguments", name, len(rawArgs))
	}

	switch name {
	case "success":
		return st.c.Status() == schema.ConclusionSuccess, nil
	case "failure":
		return st.c.Status() == schema.ConclusionFailure, nil
	case "cancelled":
		return st.c.Status() == schema.ConclusionCancelled, nil
	case "always":
		return true, nil
	}

	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := st.eval(raw)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch name {
	case "contains":
		return containsValue(args[0], args[1]), nil
	case "startswith":
		return strings.HasPrefix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
	case "endswith":
		return strings.HasSuffix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
	case "format":
		return formatString(Stringify(args[0]), args[1:]), nil
	case "join":
		sep := ","
		if len(args) == 2 {
			sep = Stringify(args[1])
		}
		return joinValue(args[0], sep), nil
	case "tojson":
		b, err := json.MarshalIndent(args[0], "", "  ")
		if err != nil {
			return nil, unresolvable(text, "toJSON: %s", err.Error())
		}
		return string(b), nil
	case "fromjson":
		var out any
		if err := json.Unmarshal([]byte(Stringify(args[0])), &out); err != nil {
			return nil, unresolvable(text, "fromJSON: %s", err.Error())
		}
		return out, nil
	}
	return nil, unresolvable(text, "unknown function %s", name)
}

// containsValue tests array membership or case-insensitive substring.
func containsValue(search, item any) bool {
	needle := strings.ToLower(Stringify(item))
	switch arr := search.(type) {
	case []any, []string:
		for _, el := range elements(arr) {
			if strings.ToLower(Stringify(el)) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(Stringify(search)), needle)
}

// formatString substitutes {n} placeholders; {{ and }} are literal braces.
func formatString(tmpl string, args []any) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				return b.String()
			}
			n, err := strconv.Atoi(tmpl[i+1 : i+end])
			if err != nil || n < 0 || n >= len(args) {
				b.WriteString(tmpl[i : i+end+1])
			} else {
				b.WriteString(Stringify(args[n]))
			}
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func joinValue(v any, sep string) string {
	switch v.(type) {
	case []any, []string:
		items := elements(v)
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, sep)
	}
	return Stringify(v)
}

// --- quote-aware scanning ---

// findCall locates the next built-in call at or after from. It returns the
// start of the name, the name and the index of its opening parenthesis.
func findCall(s string, from int) (int, string, int) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			inQuote = !inQuote
			continue
		}
		if inQuote || i < from || !isIdentStart(c) {
			continue
		}
		if i > 0 && (isIdentChar(s[i-1]) || s[i-1] == '.') {
			continue
		}
		j := i
		for j < len(s) && isIdentChar(s[j]) {
			j++
		}
		name := s[i:j]
		k := j
		for k < len(s) && s[k] == ' ' {
			k++
		}
		if k < len(s) && s[k] == '(' {
			if _, ok := builtins[strings.ToLower(name)]; ok {
				return i, name, k
			}
		}
		i = j - 1
	}
	return -1, "", -1
}

// scanSuffix returns the end of a property suffix (.name, .*, [..]) starting at i.
func scanSuffix(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case '.':
			j := i + 1
			if j < len(s) && s[j] == '*' {
				i = j + 1
				continue
			}
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			if j == i+1 {
				return i
			}
			i = j
		case '[':
			end := matchBracket(s, i)
			if end < 0 {
				return i
			}
			i = end + 1
		default:
			return i
		}
	}
	return i
}

// matchParen returns the index of the ')' closing the '(' at open.
func matchParen(s string, open int) int {
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
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitArgs splits call arguments on top-level commas.
func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		switch c {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

// indexUnquoted finds sub outside single-quoted literals.
func indexUnquoted(s, sub string) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && strings.HasPrefix(s[i:], sub) {
			return i
		}
	}
	return -1
}

// splitUnquoted splits s on sep outside single-quoted literals.
func splitUnquoted(s, sep string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && strings.HasPrefix(s[i:], sep) {
			out = append(out, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// forEachUnquoted calls fn with every maximal run of s outside quotes.
func forEachUnquoted(s string, fn func(segment string)) {
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '\'' {
			continue
		}
		if !inQuote {
			fn(s[start:i])
		}
		inQuote = !inQuote
		start = i + 1
	}
	if !inQuote {
		fn(s[start:])
	}
}

// findClose returns the index of the "}}" ending a token whose body starts
// at from, skipping braces inside quoted literals.
func findClose(s string, from int) int {
	inQuote := false
	for i := from; i < len(s)-1; i++ {
		if s[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && s[i] == '}' && s[i+1] == '}' {
			return i
		}
	}
	return -1
}
