package actions

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rendis/pipewright/internal/isolation"
	"github.com/rendis/pipewright/pkg/schema"
)

// RegisterBuiltins registers the built-in catalog in reg.
func RegisterBuiltins(reg *Registry) error {
	all := []*CompositeAction{
		checkoutAction(),
		cacheAction(),
		setupAction("actions/setup-go", "go", "go version"),
		setupAction("actions/setup-node", "node", "node --version"),
		setupAction("actions/setup-python", "python", "python3 --version"),
		uploadArtifactAction(),
		downloadArtifactAction(),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a Registry holding the built-in catalog.
func NewBuiltinRegistry() *Registry {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		panic(err)
	}
	return reg
}

// checkoutAction reports the commit the workspace is expected to hold. The
// workspace itself is prepared by the caller before the run starts.
func checkoutAction() *CompositeAction {
	return &CompositeAction{
		Ref:         "actions/checkout",
		Description: "Expose the checked-out ref and commit",
		Inputs: map[string]ActionInput{
			"ref":         {Description: "ref to report", Default: "${{ github.ref }}"},
			"fetch-depth": {Description: "accepted for compatibility", Default: "1"},
		},
		Outputs: map[string]ActionOutput{
			"ref":    {Description: "checked out ref"},
			"commit": {Description: "checked out commit"},
		},
		Steps: []schema.StepDefinition{{
			ID:    "checkout",
			Shell: "sh",
			Run: `echo "Using workspace $GITHUB_WORKSPACE at ${{ inputs.ref }}"
echo "ref=${{ inputs.ref }}" >> "$GITHUB_OUTPUT"
echo "commit=${{ github.sha }}" >> "$GITHUB_OUTPUT"`,
		}},
	}
}

// cacheAction never restores anything; the engine has no cache backend.
func cacheAction() *CompositeAction {
	return &CompositeAction{
		Ref:         "actions/cache",
		Description: "Dependency cache (always a miss)",
		Inputs: map[string]ActionInput{
			"path": {Description: "paths to cache", Required: true},
			"key":  {Description: "cache key", Required: true},
		},
		Outputs: map[string]ActionOutput{
			"cache-hit": {Description: "whether the key was restored"},
		},
		Steps: []schema.StepDefinition{{
			ID:    "restore",
			Shell: "sh",
			Run: `echo "Cache not found for key: ${{ inputs.key }}"
echo "cache-hit=false" >> "$GITHUB_OUTPUT"`,
		}},
	}
}

// setupAction checks that tool is already on PATH and reports its version.
func setupAction(ref, tool, versionCmd string) *CompositeAction {
	input := tool + "-version"
	return &CompositeAction{
		Ref:         ref,
		Description: fmt.Sprintf("Verify %s is installed", tool),
		Inputs: map[string]ActionInput{
			input: {Description: "requested version"},
		},
		Outputs: map[string]ActionOutput{
			"version": {Description: "installed version"},
		},
		Steps: []schema.StepDefinition{{
			ID:    "probe",
			Shell: "sh",
			Run: fmt.Sprintf(`if ! v="$(%s 2>&1)"; then
  echo "%s is not installed" >&2
  exit 1
fi
echo "Found $v (requested: ${{ inputs.%s }})"
echo "version=$v" >> "$GITHUB_OUTPUT"`, versionCmd, tool, input),
		}},
	}
}

func uploadArtifactAction() *CompositeAction {
	return &CompositeAction{
		Ref:         "actions/upload-artifact",
		Description: "Store files from the workspace as a run artifact",
		Inputs: map[string]ActionInput{
			"name":              {Description: "artifact name", Default: "artifact"},
			"path":              {Description: "newline-separated glob patterns", Required: true},
			"if-no-files-found": {Description: "warn, error or ignore", Default: "warn"},
		},
		Outputs: map[string]ActionOutput{
			"artifact-id": {Description: "content id of the artifact"},
		},
		Handler: uploadArtifact,
	}
}

func downloadArtifactAction() *CompositeAction {
	return &CompositeAction{
		Ref:         "actions/download-artifact",
		Description: "Extract a run artifact into the workspace",
		Inputs: map[string]ActionInput{
			"name": {Description: "artifact name", Default: "artifact"},
			"path": {Description: "destination directory", Default: "."},
		},
		Outputs: map[string]ActionOutput{
			"download-path": {Description: "where files were written"},
		},
		Handler: downloadArtifact,
	}
}

func uploadArtifact(ctx context.Context, call *Call) (map[string]string, error) {
	if call.Artifacts == nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "artifact storage is not configured")
	}
	name := call.Inputs["name"]
	files, err := MatchFiles(call.Workspace, splitPatterns(call.Inputs["path"]))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		msg := fmt.Sprintf("no files were found with the provided path: %s", call.Inputs["path"])
		switch call.Inputs["if-no-files-found"] {
		case "error":
			return nil, schema.NewError(schema.ErrCodeCommandFailure, msg)
		case "ignore":
		default:
			fmt.Fprintf(call.Log, "warning: %s\n", msg)
		}
		return map[string]string{}, nil
	}

	data, err := PackFiles(call.Workspace, files)
	if err != nil {
		return nil, err
	}
	art, err := call.Artifacts.Upload(ctx, name, data)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(call.Log, "Uploaded artifact %q: %d file(s), %d bytes\n", name, len(files), art.Size)
	return map[string]string{"artifact-id": art.ContentID}, nil
}

func downloadArtifact(ctx context.Context, call *Call) (map[string]string, error) {
	if call.Artifacts == nil {
		return nil, schema.NewError(schema.ErrCodeCommandFailure, "artifact storage is not configured")
	}
	dest, err := isolation.Confine(call.Workspace, call.Inputs["path"])
	if err != nil {
		return nil, err
	}
	data, err := call.Artifacts.Download(ctx, call.Inputs["name"])
	if err != nil {
		return nil, err
	}
	n, err := UnpackFiles(data, dest)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(call.Log, "Downloaded artifact %q: %d file(s) to %s\n", call.Inputs["name"], n, dest)
	return map[string]string{"download-path": dest}, nil
}

func splitPatterns(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MatchFiles resolves glob patterns relative to root into a sorted list of
// slash-separated regular file paths. A pattern naming a directory
// includes everything below it; a leading "!" excludes matches.
func MatchFiles(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	set := map[string]bool{}
	for _, p := range patterns {
		exclude := strings.HasPrefix(p, "!")
		p = path.Clean(strings.TrimPrefix(strings.TrimPrefix(p, "!"), "./"))
		if !doublestar.ValidatePattern(p) || strings.HasPrefix(p, "../") || path.IsAbs(p) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid artifact path %q", p)
		}
		matches, err := doublestar.Glob(fsys, p)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "glob %q", p).WithCause(err)
		}
		for _, m := range matches {
			err := fs.WalkDir(fsys, m, func(name string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					if exclude {
						delete(set, name)
					} else {
						set[name] = true
					}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", m, err)
			}
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// PackFiles writes files (relative to root) into a tar stream.
func PackFiles(root string, files []string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackFiles extracts a PackFiles stream under dest and returns the number
// of files written. Entries escaping dest are rejected.
func UnpackFiles(data []byte, dest string) (int, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	n := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, schema.NewError(schema.ErrCodeStore, "corrupt artifact").WithCause(err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := isolation.Confine(dest, hdr.Name)
		if err != nil {
			return n, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return n, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return n, fmt.Errorf("create %s: %w", target, err)
		}
		_, err = io.Copy(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return n, fmt.Errorf("write %s: %w", target, err)
		}
		n++
	}
}
