// Package isolation is the subprocess boundary for step commands.
package isolation

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/pipewright/pkg/schema"
)

// Limits constrains one wrapped process.
type Limits struct {
	// Timeout kills the process once exceeded. Zero relies on ctx alone.
	Timeout time.Duration
	// KillGrace is how long pipes may drain after a kill (default 5s).
	KillGrace time.Duration
}

// Caps describes what an Isolator enforces on this platform.
type Caps struct {
	Timeout          bool `json:"timeout"`
	ProcessGroupKill bool `json:"process_group_kill"`
}

// Isolator wraps a command so that cancelling ctx, or exceeding the limits,
// kills it. The returned cleanup must always be called once the process
// has exited, and the caller must run the returned *exec.Cmd.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// Confine resolves dir against root and rejects results outside root.
// An empty dir is root itself. Symlinks are resolved on the longest
// existing prefix so a link cannot escape the workspace.
func Confine(root, dir string) (string, error) {
	if strings.ContainsRune(dir, 0) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "working directory %q contains a null byte", dir)
	}
	base, err := resolve(root)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workspace %q", root).WithCause(err)
	}
	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	clean, err := resolve(target)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "working directory %q", dir).WithCause(err)
	}
	if !within(clean, base) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "working directory %q escapes the workspace", dir)
	}
	return clean, nil
}

func resolve(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	// Walk up to the longest existing ancestor and re-append the rest.
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(r, rel), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
	}
}

// within compares with filepath.Rel so /tmp/ws does not contain /tmp/wsx.
func within(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
