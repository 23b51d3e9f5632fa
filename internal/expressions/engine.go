package expressions

import (
	"context"
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// Engine evaluates an expression against a data environment.
// Two implementations back the evaluator: Expr (relational comparisons)
// and GoJQ (property projection of fromJSON results).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Mode selects how unresolvable expressions are handled.
type Mode int

const (
	// ModeLenient returns the original expression text unchanged.
	ModeLenient Mode = iota
	// ModeStrict returns an EXPRESSION_UNRESOLVABLE error.
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "lenient"
}

// ParseMode parses "lenient" or "strict". Empty means lenient.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return ModeLenient, nil
	case "strict":
		return ModeStrict, nil
	}
	return ModeLenient, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown expression mode %q; available: lenient, strict", s)
}
