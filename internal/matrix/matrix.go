// Package matrix expands a job's strategy matrix into concrete bindings.
package matrix

import (
	"strings"

	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/pkg/schema"
)

// MaxCombinations caps the number of job runs a single matrix may produce.
const MaxCombinations = 256

// maxProduct caps the cartesian product before excludes are applied.
const maxProduct = 4 * MaxCombinations

// Expand returns one binding per job run, in deterministic order: the
// cartesian product of the axes in declaration order, minus every
// combination matched by an exclude entry, plus every include entry that no
// remaining combination already contains. A nil strategy, or one without
// axes or includes, yields nil.
func Expand(s *schema.MatrixStrategy) ([]*schema.MatrixEntry, error) {
	if s == nil || (len(s.Axes) == 0 && len(s.Include) == 0) {
		return nil, nil
	}

	var combos []*schema.MatrixEntry
	if len(s.Axes) > 0 {
		total := 1
		for _, axis := range s.Axes {
			if len(axis.Values) == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"matrix axis %q has no values", axis.Name)
			}
			total *= len(axis.Values)
			if total > maxProduct {
				return nil, tooLarge(total)
			}
		}
		combos = product(s.Axes, 0, &schema.MatrixEntry{}, nil)
	}

	kept := combos[:0]
	for _, c := range combos {
		if !excluded(c, s.Exclude) {
			kept = append(kept, c)
		}
	}
	combos = kept

	for i := range s.Include {
		inc := &s.Include[i]
		if inc.Len() == 0 || containedIn(inc, combos) {
			continue
		}
		combos = append(combos, inc.Clone())
	}

	if len(combos) > MaxCombinations {
		return nil, tooLarge(len(combos))
	}
	return combos, nil
}

// product binds axes[i:] recursively on top of prefix.
func product(axes []schema.MatrixAxis, i int, prefix *schema.MatrixEntry, out []*schema.MatrixEntry) []*schema.MatrixEntry {
	if i == len(axes) {
		return append(out, prefix.Clone())
	}
	axis := axes[i]
	for _, v := range axis.Values {
		next := prefix.Clone()
		next.Set(axis.Name, v)
		out = product(axes, i+1, next, out)
	}
	return out
}

// excluded reports whether every pair of some exclude entry matches c.
func excluded(c *schema.MatrixEntry, excludes []schema.MatrixEntry) bool {
	for i := range excludes {
		if excludes[i].Len() > 0 && subset(&excludes[i], c) {
			return true
		}
	}
	return false
}

// containedIn reports whether some combination carries every pair of entry.
func containedIn(entry *schema.MatrixEntry, combos []*schema.MatrixEntry) bool {
	for _, c := range combos {
		if subset(entry, c) {
			return true
		}
	}
	return false
}

// subset reports whether every key of part is bound to an equal value in whole.
func subset(part, whole *schema.MatrixEntry) bool {
	for _, k := range part.Keys {
		v, ok := whole.Get(k)
		if !ok || !equal(part.Values[k], v) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	return expressions.Stringify(a) == expressions.Stringify(b)
}

// DisplayName renders "<job> (<axis>: <value>, ...)". Without bindings it
// returns the job name unchanged.
func DisplayName(job string, m *schema.MatrixEntry) string {
	if m.Len() == 0 {
		return job
	}
	parts := make([]string, 0, m.Len())
	for _, k := range m.Keys {
		parts = append(parts, k+": "+expressions.Stringify(m.Values[k]))
	}
	return job + " (" + strings.Join(parts, ", ") + ")"
}

func tooLarge(n int) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"matrix produces %d combinations; the maximum is %d", n, MaxCombinations).
		WithDetails(map[string]any{"combinations": n, "max": MaxCombinations})
}
