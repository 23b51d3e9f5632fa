package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// Evaluator interprets the `${{ }}` expression language against a Context.
//
// Evaluation order for one expression: status functions and the other
// built-in functions are reduced to values, parenthesised groups are
// reduced, then the remainder is either a single operand (literal or
// context path) or a boolean expression over ||, &&, ! and comparisons,
// which is compiled to an expr-lang program over the context tree.
// Anything else is unresolvable: returned unchanged in lenient mode,
// reported as EXPRESSION_UNRESOLVABLE in strict mode.
type Evaluator struct {
	mode Mode
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(mode Mode) *Evaluator {
	return &Evaluator{
		mode: mode,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}
}

// Mode returns the configured unresolvable-expression policy.
func (e *Evaluator) Mode() Mode {
	return e.mode
}

// Evaluate evaluates an expression and stringifies the result. The input may
// be a bare expression ("github.ref") or text containing ${{ }} tokens.
func (e *Evaluator) Evaluate(expression string, c *Context) (string, error) {
	if inner, ok := unwrap(expression); ok {
		v, err := e.evaluate(inner, c)
		if err != nil {
			return e.unresolved(expression, err)
		}
		return Stringify(v), nil
	}
	if strings.Contains(expression, "${{") {
		return e.Interpolate(expression, c)
	}
	v, err := e.evaluate(expression, c)
	if err != nil {
		return e.unresolved(expression, err)
	}
	return Stringify(v), nil
}

// EvaluateValue is Evaluate without stringification. In lenient mode an
// unresolvable expression yields its original text.
func (e *Evaluator) EvaluateValue(expression string, c *Context) (any, error) {
	inner, ok := unwrap(expression)
	if !ok {
		if strings.Contains(expression, "${{") {
			return e.Interpolate(expression, c)
		}
		inner = expression
	}
	v, err := e.evaluate(inner, c)
	if err != nil {
		return e.unresolved(expression, err)
	}
	return v, nil
}

// EvaluateCondition evaluates an `if` guard. Without an explicit status
// function the guard is implicitly combined with success(). An empty guard
// is success().
func (e *Evaluator) EvaluateCondition(expression string, c *Context) (bool, error) {
	inner, ok := unwrap(expression)
	if !ok {
		inner = strings.TrimSpace(expression)
	}
	if inner == "" {
		inner = "success()"
	}
	if !HasStatusFunction(inner) {
		inner = "success() && (" + inner + ")"
	}

	v, err := e.evaluate(inner, c)
	if err != nil {
		if e.mode == ModeStrict {
			return false, err
		}
		// Lenient: the unresolved text stands in for the value.
		return c.Status() == schema.ConclusionSuccess && Truthy(expression), nil
	}
	return Truthy(v), nil
}

// EvaluateGuard evaluates an `if` guard as written, without the implicit
// success() check. An empty guard is false.
func (e *Evaluator) EvaluateGuard(expression string, c *Context) (bool, error) {
	inner, ok := unwrap(expression)
	if !ok {
		inner = strings.TrimSpace(expression)
	}
	if inner == "" {
		return false, nil
	}

	v, err := e.evaluate(inner, c)
	if err != nil {
		if e.mode == ModeStrict {
			return false, err
		}
		return Truthy(expression), nil
	}
	return Truthy(v), nil
}

func (e *Evaluator) unresolved(original string, err error) (string, error) {
	if e.mode == ModeStrict {
		return "", err
	}
	return original, nil
}

var statusFnPattern = regexp.MustCompile(`(?i)\b(success|failure|cancelled|always)\s*\(\s*\)`)

// HasStatusFunction reports whether expr calls success(), failure(),
// cancelled() or always() outside string literals.
func HasStatusFunction(expr string) bool {
	found := false
	forEachUnquoted(expr, func(segment string) {
		if statusFnPattern.MatchString(segment) {
			found = true
		}
	})
	return found
}

// unwrap strips a ${{ }} wrapper that spans the whole input.
func unwrap(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") {
		return "", false
	}
	end := findClose(t, 3)
	if end < 0 || end+2 != len(t) {
		return "", false
	}
	return strings.TrimSpace(t[3:end]), true
}

// evalState carries per-expression evaluation state. Intermediate values
// (function results, parenthesised groups) are stashed and referenced from
// the rewritten expression text by placeholder tokens.
type evalState struct {
	e     *Evaluator
	c     *Context
	stash []any
	bound int
}

const placeholderMark = "\x00"

func (e *Evaluator) evaluate(expr string, c *Context) (any, error) {
	st := &evalState{e: e, c: c}
	return st.eval(expr)
}

func (st *evalState) keep(v any) string {
	st.stash = append(st.stash, v)
	return placeholderMark + strconv.Itoa(len(st.stash)-1) + placeholderMark
}

func (st *evalState) eval(expr string) (any, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return "", nil
	}

	s, err := st.reduceCalls(s)
	if err != nil {
		return nil, err
	}
	s, err = st.reduceGroups(s)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)

	if v, known, ok := st.operand(s); ok {
		if !known {
			return nil, unresolvable(expr, "unknown identifier %q", s)
		}
		return v, nil
	}
	if isBooleanExpr(s) {
		return st.boolean(s)
	}
	return nil, unresolvable(expr, "unsupported expression syntax")
}

// reduceGroups replaces every parenthesised group with its stashed value.
// Function-call parentheses are already gone at this point.
func (st *evalState) reduceGroups(s string) (string, error) {
	for {
		open := indexUnquoted(s, "(")
		if open < 0 {
			return s, nil
		}
		end := matchParen(s, open)
		if end < 0 {
			return "", unresolvable(s, "unbalanced parentheses")
		}
		v, err := st.eval(s[open+1 : end])
		if err != nil {
			return "", err
		}
		s = s[:open] + st.keep(v) + s[end+1:]
	}
}

func isBooleanExpr(s string) bool {
	for _, op := range []string{"||", "&&", "==", "!=", "<", ">"} {
		if indexUnquoted(s, op) >= 0 {
			return true
		}
	}
	return strings.HasPrefix(s, "!")
}

// boolean compiles a boolean expression into an expr-lang program and runs
// it with the context tree as environment.
func (st *evalState) boolean(s string) (any, error) {
	env := st.c.Tree()
	for name, fn := range exprHelpers {
		env[name] = fn
	}
	st.bound = 0
	program, err := st.translate(s, env)
	if err != nil {
		return nil, err
	}
	return st.e.expr.Evaluate(context.Background(), program, env)
}

// translate splits on ||, then &&, then !, then comparisons, in that order.
func (st *evalState) translate(s string, env map[string]any) (string, error) {
	if parts := splitUnquoted(s, "||"); len(parts) > 1 {
		return st.join(parts, " || ", env)
	}
	if parts := splitUnquoted(s, "&&"); len(parts) > 1 {
		return st.join(parts, " && ", env)
	}

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		inner, err := st.translate(s[1:], env)
		if err != nil {
			return "", err
		}
		return "!truthy(" + inner + ")", nil
	}

	pos, op := firstComparison(s)
	if pos < 0 {
		return st.term(s, env)
	}
	left, err := st.term(s[:pos], env)
	if err != nil {
		return "", err
	}
	var right string
	if rest := s[pos+len(op):]; isBooleanExpr(strings.TrimSpace(rest)) {
		right, err = st.translate(rest, env)
	} else {
		right, err = st.term(rest, env)
	}
	if err != nil {
		return "", err
	}
	switch op {
	case "==":
		return "looseEq(" + left + ", " + right + ")", nil
	case "!=":
		return "!looseEq(" + left + ", " + right + ")", nil
	}
	return fmt.Sprintf("(numeric(%[1]s, %[2]s) ? toNum(%[1]s) %[3]s toNum(%[2]s) : toStr(%[1]s) %[3]s toStr(%[2]s))",
		left, right, op), nil
}

func (st *evalState) join(parts []string, op string, env map[string]any) (string, error) {
	out := make([]string, len(parts))
	for i, p := range parts {
		t, err := st.translate(p, env)
		if err != nil {
			return "", err
		}
		out[i] = "truthy(" + t + ")"
	}
	return "(" + strings.Join(out, op) + ")", nil
}

// term renders one operand. String and boolean literals are inlined, context
// paths become $env indexing, numbers and stashed values are bound as _vN
// variables. In lenient mode an unknown bare word stands for itself.
func (st *evalState) term(tok string, env map[string]any) (string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return `""`, nil
	}
	if v, ok := st.stashed(tok); ok {
		return st.bind(v, env), nil
	}
	if s, ok := unquoteLiteral(tok); ok {
		return strconv.Quote(s), nil
	}
	switch strings.ToLower(tok) {
	case "true", "false":
		return strings.ToLower(tok), nil
	case "null":
		return "nil", nil
	}

	p, parsed := parsePath(tok)
	if !parsed {
		v, known, ok := st.operand(tok)
		if !ok || !known {
			return "", unresolvable(tok, "unsupported operand")
		}
		return st.bind(v, env), nil
	}
	name := strings.ToLower(p.root)
	root, isNS := st.c.lookup(name)
	if !isNS {
		if st.e.mode == ModeStrict {
			return "", unresolvable(tok, "unknown identifier %q", tok)
		}
		return strconv.Quote(tok), nil
	}
	if _, ok := env[name]; !ok {
		env[name] = root
	}
	return st.access(name, root, p.segments, env), nil
}

// access renders a path as $env indexing. Keys are matched against the tree
// case-insensitively and written with their stored spelling; a missing key
// renders as nil. Wildcards and computed keys bind the walked value instead.
func (st *evalState) access(name string, root any, segs []pathSegment, env map[string]any) string {
	var b strings.Builder
	b.WriteString("$env[" + strconv.Quote(name) + "]")
	cur := root
	for _, seg := range segs {
		switch seg.kind {
		case segKey:
			m, isMap := cur.(map[string]any)
			if !isMap {
				return st.bind(walk(root, segs, st.bracketKey), env)
			}
			key, found := matchKey(m, seg.key)
			if !found {
				return "nil"
			}
			b.WriteString("[" + strconv.Quote(key) + "]")
			cur = m[key]
		case segIndex:
			a, isArr := cur.([]any)
			if !isArr || seg.index < 0 || seg.index >= len(a) {
				return "nil"
			}
			b.WriteString("[" + strconv.Itoa(seg.index) + "]")
			cur = a[seg.index]
		default:
			return st.bind(walk(root, segs, st.bracketKey), env)
		}
	}
	return b.String()
}

func (st *evalState) bind(v any, env map[string]any) string {
	name := "_v" + strconv.Itoa(st.bound)
	st.bound++
	env[name] = v
	return name
}

func matchKey(m map[string]any, key string) (string, bool) {
	if _, ok := m[key]; ok {
		return key, true
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			return k, true
		}
	}
	return "", false
}

// firstComparison finds the leftmost comparison operator outside quotes.
func firstComparison(s string) (int, string) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		two := ""
		if i+1 < len(s) {
			two = s[i : i+2]
		}
		switch two {
		case "==", "!=", "<=", ">=":
			return i, two
		}
		if c == '<' || c == '>' {
			return i, string(c)
		}
	}
	return -1, ""
}

// operand resolves a single token: a literal, a stashed value or a context
// path. ok is false when the token is not operand-shaped at all; known is
// false for a well-formed identifier rooted outside the known namespaces.
func (st *evalState) operand(tok string) (value any, known bool, ok bool) {
	if tok == "" {
		return "", true, true
	}
	if v, isStash := st.stashed(tok); isStash {
		return v, true, true
	}
	if s, isStr := unquoteLiteral(tok); isStr {
		return s, true, true
	}
	switch strings.ToLower(tok) {
	case "true":
		return true, true, true
	case "false":
		return false, true, true
	case "null":
		return nil, true, true
	}
	if isNumberStart(tok[0]) {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f, true, true
		}
	}
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		if n, err := strconv.ParseInt(tok[2:], 16, 64); err == nil {
			return float64(n), true, true
		}
	}

	p, parsed := parsePath(tok)
	if !parsed {
		return nil, false, false
	}
	root, isNS := st.c.lookup(strings.ToLower(p.root))
	if !isNS {
		return nil, false, true
	}
	return walk(root, p.segments, st.bracketKey), true, true
}

// stashed resolves a placeholder, optionally followed by a property suffix.
func (st *evalState) stashed(tok string) (any, bool) {
	if !strings.HasPrefix(tok, placeholderMark) {
		return nil, false
	}
	end := strings.Index(tok[1:], placeholderMark)
	if end < 0 {
		return nil, false
	}
	n, err := strconv.Atoi(tok[1 : end+1])
	if err != nil || n >= len(st.stash) {
		return nil, false
	}
	v := st.stash[n]
	rest := tok[end+2:]
	if rest == "" {
		return v, true
	}
	segs, ok := parseSegments(rest)
	if !ok {
		return nil, false
	}
	return walk(v, segs, st.bracketKey), true
}

// bracketKey resolves the inside of key[subkey]: a context path when it
// names one, the literal text otherwise.
func (st *evalState) bracketKey(inner string) string {
	if p, ok := parsePath(inner); ok {
		if root, isNS := st.c.lookup(strings.ToLower(p.root)); isNS {
			return Stringify(walk(root, p.segments, st.bracketKey))
		}
	}
	return inner
}

func isNumberStart(c byte) bool {
	return c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9')
}

func unresolvable(expr, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeExpressionUnresolvable, format, args...).
		WithDetails(map[string]any{"expression": expr})
}
