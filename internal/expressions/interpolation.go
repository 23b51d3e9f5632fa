package expressions

import (
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// Interpolate resolves every ${{ ... }} token in template. In lenient mode
// a token that cannot be resolved is written back unchanged; in strict mode
// the first such token aborts with EXPRESSION_UNRESOLVABLE.
func (e *Evaluator) Interpolate(template string, c *Context) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		// Look for ${{ marker.
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(template[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}, ignoring braces inside string literals.
		end := findClose(template, start)
		if end == -1 {
			if e.mode == ModeStrict {
				return "", schema.NewError(schema.ErrCodeExpressionUnresolvable, "unclosed ${{ expression").
					WithDetails(map[string]any{"expression": template[i+idx:]})
			}
			result.WriteString(template[i+idx:])
			break
		}

		token := template[i+idx : end+2]
		expr := strings.TrimSpace(template[start:end])

		if strings.Contains(expr, "${{") {
			if e.mode == ModeStrict {
				return "", schema.NewError(schema.ErrCodeExpressionUnresolvable,
					"nested interpolation not allowed: ${{...}} cannot contain ${{").
					WithDetails(map[string]any{"expression": token})
			}
			result.WriteString(token)
			i = end + 2
			continue
		}

		v, err := e.evaluate(expr, c)
		if err != nil {
			if e.mode == ModeStrict {
				return "", err
			}
			result.WriteString(token)
		} else {
			result.WriteString(Stringify(v))
		}

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// HasInterpolation reports whether s contains any ${{ }} token.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// InterpolateMap interpolates every value of m, returning a new map.
func (e *Evaluator) InterpolateMap(m map[string]string, c *Context) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := e.Interpolate(v, c)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// References lists the namespace-rooted paths referenced by ${{ }} tokens in
// s, e.g. "needs.build.outputs.tag". Used by validation to check needs.
func References(s string) []string {
	var refs []string
	i := 0
	for {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			return refs
		}
		start := i + idx + 3
		end := findClose(s, start)
		if end == -1 {
			return refs
		}
		forEachUnquoted(s[start:end], func(segment string) {
			for _, word := range strings.FieldsFunc(segment, func(r rune) bool {
				return !(r == '.' || r == '_' || r == '-' || r == '*' ||
					(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
			}) {
				root, _, _ := strings.Cut(word, ".")
				if isNamespace(strings.ToLower(root)) && strings.Contains(word, ".") {
					refs = append(refs, word)
				}
			}
		})
		i = end + 2
	}
}
