package secrets

import (
	"sort"
	"strings"
)

// MaskText replaces secret values in log output.
const MaskText = "***"

// Masker redacts a fixed set of secret values. A nil Masker is a no-op.
type Masker struct {
	r *strings.Replacer
}

// NewMasker builds a Masker for the given values. Empty and
// whitespace-only values are ignored; multi-line values are also masked
// line by line.
func NewMasker(values []string) *Masker {
	seen := map[string]bool{}
	var olds []string
	add := func(s string) {
		if strings.TrimSpace(s) == "" || seen[s] {
			return
		}
		seen[s] = true
		olds = append(olds, s)
	}
	for _, v := range values {
		add(v)
		if strings.Contains(v, "\n") {
			for _, line := range strings.Split(v, "\n") {
				add(strings.TrimRight(line, "\r"))
			}
		}
	}
	if len(olds) == 0 {
		return nil
	}
	// Longer values first so a secret containing another is masked whole.
	sort.Slice(olds, func(i, j int) bool {
		if len(olds[i]) != len(olds[j]) {
			return len(olds[i]) > len(olds[j])
		}
		return olds[i] < olds[j]
	})
	pairs := make([]string, 0, 2*len(olds))
	for _, o := range olds {
		pairs = append(pairs, o, MaskText)
	}
	return &Masker{r: strings.NewReplacer(pairs...)}
}

// Mask returns s with every known secret value replaced by MaskText.
func (m *Masker) Mask(s string) string {
	if m == nil {
		return s
	}
	return m.r.Replace(s)
}
