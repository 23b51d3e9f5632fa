package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*ProcessIsolator)(nil)

const defaultKillGrace = 5 * time.Second

// ProcessIsolator runs commands as plain child processes. On Unix each
// command gets its own process group, and the whole group is killed on
// cancellation so shells cannot leave orphans running.
type ProcessIsolator struct{}

// NewIsolator returns the isolator for this platform.
func NewIsolator() Isolator {
	return &ProcessIsolator{}
}

// Wrap clones cmd onto exec.CommandContext bound to ctx and the timeout.
func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// Cancel is only honored on commands built by exec.CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.ExtraFiles = cmd.ExtraFiles

	setProcessGroup(wrapped)
	wrapped.Cancel = func() error { return killProcessGroup(wrapped) }
	wrapped.WaitDelay = limits.KillGrace
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = defaultKillGrace
	}

	return wrapped, func() { cancel() }, nil
}

// Capabilities reports timeout enforcement and, on Unix, group kills.
func (p *ProcessIsolator) Capabilities() Caps {
	return Caps{Timeout: true, ProcessGroupKill: processGroups}
}
