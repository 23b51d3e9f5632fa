package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rendis/pipewright/internal/isolation"
	"github.com/rendis/pipewright/pkg/schema"
)

const defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB

// ShellConfig configures a ShellRunner.
type ShellConfig struct {
	Isolator isolation.Isolator
	// MaxOutputSize caps the captured stdout and stderr of one command.
	// Streamed output is not capped.
	MaxOutputSize int64
	// InheritEnv passes the engine's own environment to commands.
	InheritEnv bool
	Logger     *slog.Logger
}

// ShellRunner executes `run` scripts.
type ShellRunner struct {
	cfg ShellConfig
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner(cfg ShellConfig) *ShellRunner {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShellRunner{cfg: cfg}
}

// Command is one script invocation.
type Command struct {
	Script     string
	Shell      string
	WorkingDir string
	Env        map[string]string
	// PathPrepend entries go in front of PATH, first entry first.
	PathPrepend []string
	Timeout     time.Duration
	// Channels are shared with sibling composite sub-steps; when nil the
	// runner creates and collects its own.
	Channels *SideChannels
	// TempDir receives the script file; defaults to os.TempDir().
	TempDir string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result is the outcome of a Command. A non-zero exit is a Result, not an
// error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Killed   bool
	Duration time.Duration
	// Commands is nil when the caller supplied Channels.
	Commands *Commands
}

// shellTemplates map a shell name to its argv template and script suffix.
var shellTemplates = map[string]struct {
	argv []string
	ext  string
}{
	"bash":       {[]string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "{0}"}, ".sh"},
	"sh":         {[]string{"sh", "-e", "{0}"}, ".sh"},
	"pwsh":       {[]string{"pwsh", "-command", ". '{0}'"}, ".ps1"},
	"powershell": {[]string{"powershell", "-command", ". '{0}'"}, ".ps1"},
	"python":     {[]string{"python", "{0}"}, ".py"},
	"python3":    {[]string{"python3", "{0}"}, ".py"},
	"cmd":        {[]string{"cmd", "/D", "/E:ON", "/V:OFF", "/S", "/C", `CALL "{0}"`}, ".cmd"},
}

// ShellArgv returns the argv running scriptPath under shell, plus the
// file suffix the script should carry. An empty shell is bash. A custom
// shell is a command line containing {0}.
func ShellArgv(shell, scriptPath string) ([]string, string, error) {
	if shell == "" {
		shell = "bash"
	}
	tmpl, ok := shellTemplates[shell]
	if !ok {
		if !strings.Contains(shell, "{0}") {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown shell %q", shell)
		}
		tmpl.argv = strings.Fields(shell)
	}
	argv := make([]string, len(tmpl.argv))
	for i, a := range tmpl.argv {
		argv[i] = strings.ReplaceAll(a, "{0}", scriptPath)
	}
	return argv, tmpl.ext, nil
}

// Run writes the script to a file and executes it with the isolator.
func (r *ShellRunner) Run(ctx context.Context, c Command) (*Result, error) {
	tmp := c.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	dir, err := os.MkdirTemp(tmp, "step-")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "create step dir").WithCause(err)
	}
	defer os.RemoveAll(dir)

	// The suffix depends on the shell, so resolve once for it.
	_, ext, err := ShellArgv(c.Shell, "")
	if err != nil {
		return nil, err
	}
	script := filepath.Join(dir, "script"+ext)
	if err := os.WriteFile(script, []byte(c.Script), 0o700); err != nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "write script").WithCause(err)
	}
	argv, _, err := ShellArgv(c.Shell, script)
	if err != nil {
		return nil, err
	}

	channels := c.Channels
	own := channels == nil
	if own {
		if channels, err = NewSideChannels(dir); err != nil {
			return nil, schema.NewError(schema.ErrCodeCommandFailure, "side channels").WithCause(err)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.WorkingDir
	cmd.Env = r.environ(c, channels)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeTo(&limitedWriter{w: &stdout, limit: r.cfg.MaxOutputSize}, c.Stdout)
	cmd.Stderr = teeTo(&limitedWriter{w: &stderr, limit: r.cfg.MaxOutputSize}, c.Stderr)

	wrapped, cleanup, err := r.cfg.Isolator.Wrap(ctx, cmd, isolation.Limits{Timeout: c.Timeout})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "command not started").WithCause(err)
	}
	defer cleanup()

	start := time.Now()
	runErr := wrapped.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The shell itself could not be started.
			return nil, schema.NewErrorf(schema.ErrCodeCommandFailure, "start %s: %v", argv[0], runErr).WithCause(runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil || (c.Timeout > 0 && res.Duration >= c.Timeout) {
			res.Killed = true
		}
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}

	if own {
		cmds, err := channels.Collect()
		if err != nil {
			return res, err
		}
		res.Commands = cmds
	}
	return res, nil
}

func (r *ShellRunner) environ(c Command, channels *SideChannels) []string {
	env := map[string]string{}
	if r.cfg.InheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range channels.Environ() {
		env[k] = v
	}
	if len(c.PathPrepend) > 0 {
		parts := append([]string(nil), c.PathPrepend...)
		if cur := env["PATH"]; cur != "" {
			parts = append(parts, cur)
		} else if cur := os.Getenv("PATH"); cur != "" {
			parts = append(parts, cur)
		}
		env["PATH"] = strings.Join(parts, string(os.PathListSeparator))
	} else if _, ok := env["PATH"]; !ok {
		env["PATH"] = os.Getenv("PATH")
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func teeTo(capture io.Writer, stream io.Writer) io.Writer {
	if stream == nil {
		return capture
	}
	return io.MultiWriter(capture, stream)
}

// limitedWriter discards bytes past limit but always reports the full
// write, so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
