package isolation

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipewright/pkg/schema"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

// --- Confine ---

func TestConfine(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "app"), 0o755))
	resolvedRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"empty is root", "", resolvedRoot},
		{"relative", "src/app", filepath.Join(resolvedRoot, "src", "app")},
		{"not yet created", "build/out", filepath.Join(resolvedRoot, "build", "out")},
		{"dot segments", "src/../src/app", filepath.Join(resolvedRoot, "src", "app")},
		{"absolute inside", filepath.Join(root, "src"), filepath.Join(resolvedRoot, "src")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Confine(root, tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfine_Escapes(t *testing.T) {
	root := t.TempDir()
	sibling := root + "x"

	for _, dir := range []string{"..", "../etc", "/etc", sibling, "a\x00b"} {
		_, err := Confine(root, dir)
		require.Error(t, err, dir)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), dir)
	}
}

func TestConfine_SymlinkEscape(t *testing.T) {
	skipWindows(t)
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := Confine(root, "link/sub")
	require.Error(t, err)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/ws", "/ws"))
	assert.True(t, within("/ws/a/b", "/ws"))
	assert.False(t, within("/wsx", "/ws"))
	assert.False(t, within("/", "/ws"))
	assert.True(t, within("/ws/..data", "/ws"))
}

// --- ProcessIsolator ---

func TestProcessIsolator_Capabilities(t *testing.T) {
	caps := NewIsolator().Capabilities()
	assert.True(t, caps.Timeout)
	assert.Equal(t, processGroups, caps.ProcessGroupKill)
}

func TestProcessIsolator_PreservesFields(t *testing.T) {
	original := exec.Command("echo", "hello")
	original.Dir = os.TempDir()
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, cleanup, err := NewIsolator().Wrap(context.Background(), original, Limits{})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, original.Path, wrapped.Path)
	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, os.TempDir(), wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)
	assert.Equal(t, &buf, wrapped.Stdout)
	assert.Equal(t, defaultKillGrace, wrapped.WaitDelay)
}

func TestProcessIsolator_CapturesOutput(t *testing.T) {
	skipWindows(t)
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "echo hello")
	cmd.Stdout = &out

	wrapped, cleanup, err := NewIsolator().Wrap(context.Background(), cmd, Limits{})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Run())
	assert.Equal(t, "hello\n", out.String())
}

func TestProcessIsolator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewIsolator().Wrap(ctx, exec.Command("echo"), Limits{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessIsolator_TimeoutKillsProcess(t *testing.T) {
	skipWindows(t)
	wrapped, cleanup, err := NewIsolator().Wrap(context.Background(), exec.Command("sleep", "60"), Limits{
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = wrapped.Run()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestProcessIsolator_CancelKillsProcessGroup(t *testing.T) {
	skipWindows(t)
	ctx, cancel := context.WithCancel(context.Background())

	// The background sleep holds stdout open; only a group kill lets Wait
	// return before KillGrace.
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "sleep 60 & sleep 60")
	cmd.Stdout = &out

	wrapped, cleanup, err := NewIsolator().Wrap(ctx, cmd, Limits{KillGrace: 10 * time.Second})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Start())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err = wrapped.Wait()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessIsolator_CleanupIdempotent(t *testing.T) {
	_, cleanup, err := NewIsolator().Wrap(context.Background(), exec.Command("echo"), Limits{Timeout: time.Second})
	require.NoError(t, err)
	cleanup()
	cleanup()
}
