package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// SideChannels are the per-step files a script appends to in order to set
// outputs, export env vars, extend PATH and write a job summary.
type SideChannels struct {
	Output  string
	Env     string
	Path    string
	Summary string
}

// Commands are the parsed contents of SideChannels.
type Commands struct {
	Outputs map[string]string
	Env     map[string]string
	Path    []string
	Summary string
}

// NewSideChannels creates empty side-channel files in dir.
func NewSideChannels(dir string) (*SideChannels, error) {
	sc := &SideChannels{
		Output:  filepath.Join(dir, "github_output"),
		Env:     filepath.Join(dir, "github_env"),
		Path:    filepath.Join(dir, "github_path"),
		Summary: filepath.Join(dir, "step_summary.md"),
	}
	for _, f := range []string{sc.Output, sc.Env, sc.Path, sc.Summary} {
		if err := os.WriteFile(f, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create side-channel file: %w", err)
		}
	}
	return sc, nil
}

// Environ returns the variables that point scripts at the files.
func (sc *SideChannels) Environ() map[string]string {
	return map[string]string{
		"GITHUB_OUTPUT":       sc.Output,
		"GITHUB_ENV":          sc.Env,
		"GITHUB_PATH":         sc.Path,
		"GITHUB_STEP_SUMMARY": sc.Summary,
	}
}

// Collect reads and parses every file.
func (sc *SideChannels) Collect() (*Commands, error) {
	read := func(p string) (string, error) {
		b, err := os.ReadFile(p)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read side-channel file: %w", err)
		}
		return string(b), nil
	}

	out, err := read(sc.Output)
	if err != nil {
		return nil, err
	}
	env, err := read(sc.Env)
	if err != nil {
		return nil, err
	}
	path, err := read(sc.Path)
	if err != nil {
		return nil, err
	}
	summary, err := read(sc.Summary)
	if err != nil {
		return nil, err
	}

	cmds := &Commands{Summary: summary}
	if cmds.Outputs, err = ParseCommandFile(out); err != nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "GITHUB_OUTPUT").WithCause(err)
	}
	if cmds.Env, err = ParseCommandFile(env); err != nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "GITHUB_ENV").WithCause(err)
	}
	for _, line := range strings.Split(path, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cmds.Path = append(cmds.Path, line)
		}
	}
	return cmds, nil
}

// ParseCommandFile parses `name=value` lines and heredoc blocks:
//
//	name<<EOF
//	line one
//	line two
//	EOF
//
// Later assignments of the same name win.
func ParseCommandFile(data string) (map[string]string, error) {
	out := map[string]string{}
	lines := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		eq := strings.Index(line, "=")
		hd := strings.Index(line, "<<")
		if eq >= 0 && (hd < 0 || eq < hd) {
			name := line[:eq]
			if name == "" {
				return nil, fmt.Errorf("line %d: empty name", i+1)
			}
			out[name] = line[eq+1:]
			continue
		}
		if hd <= 0 {
			return nil, fmt.Errorf("line %d: expected name=value or name<<DELIMITER", i+1)
		}
		name, delim := line[:hd], line[hd+2:]
		if delim == "" {
			return nil, fmt.Errorf("line %d: empty heredoc delimiter", i+1)
		}
		var body []string
		closed := false
		for i++; i < len(lines); i++ {
			if lines[i] == delim {
				closed = true
				break
			}
			body = append(body, lines[i])
		}
		if !closed {
			return nil, fmt.Errorf("heredoc %q: missing delimiter %q", name, delim)
		}
		out[name] = strings.Join(body, "\n")
	}
	return out, nil
}
