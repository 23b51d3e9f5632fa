package workflowdef

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"

	"github.com/rendis/pipewright/pkg/schema"
)

// Definition directories, relative to the repository root.
const (
	GitHubDir = ".github/workflows"
	NativeDir = ".pipewright/workflows"
)

// File is one definition file read from a repository.
type File struct {
	Path    string // repo-relative, slash separated
	Content []byte
}

// Snapshot is the set of definition files of a repository at one point in
// time, with the head it was read from.
type Snapshot struct {
	Files         []File
	DefaultBranch string
	CommitSHA     string
}

// Repository supplies definition files.
type Repository interface {
	Snapshot(ctx context.Context, repoID string) (*Snapshot, error)
}

// DirRepository reads definitions from checked-out working trees. Git
// metadata is read when the tree is a git repository.
type DirRepository struct {
	mu    sync.RWMutex
	roots map[string]string
}

// NewDirRepository creates an empty DirRepository.
func NewDirRepository() *DirRepository {
	return &DirRepository{roots: make(map[string]string)}
}

// Add registers dir under repoID. An empty repoID uses the directory name.
func (r *DirRepository) Add(repoID, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	if repoID == "" {
		repoID = filepath.Base(abs)
	}

	r.mu.Lock()
	r.roots[repoID] = abs
	r.mu.Unlock()
	return repoID, nil
}

// RepoIDs lists registered repositories in sorted order.
func (r *DirRepository) RepoIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.roots))
	for id := range r.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Root returns the checkout directory of repoID, or "" when unknown.
func (r *DirRepository) Root(repoID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots[repoID]
}

// Snapshot reads every *.yml and *.yaml file of both definition
// directories. Subdirectories are not scanned.
func (r *DirRepository) Snapshot(ctx context.Context, repoID string) (*Snapshot, error) {
	r.mu.RLock()
	root, ok := r.roots[repoID]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "unknown repository %q", repoID)
	}

	snap := &Snapshot{}
	for _, dir := range []string{GitHubDir, NativeDir} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isDefinitionFile(e.Name()) {
				continue
			}
			rel := path.Join(dir, e.Name())
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", rel, err)
			}
			snap.Files = append(snap.Files, File{Path: rel, Content: data})
		}
	}

	snap.DefaultBranch, snap.CommitSHA = headOf(root)
	return snap, nil
}

func isDefinitionFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// headOf returns the checked-out branch and commit of a git working tree,
// or empty strings when dir is not a repository or HEAD is unborn.
func headOf(dir string) (branch, sha string) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", ""
	}
	head, err := repo.Head()
	if err != nil {
		return "", ""
	}
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return branch, head.Hash().String()
}

// MemoryRepository serves fixed snapshots. Used by tests and embedders that
// already hold definitions in memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snaps: make(map[string]*Snapshot)}
}

// Put replaces the snapshot of repoID.
func (m *MemoryRepository) Put(repoID string, snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[repoID] = snap
}

// Snapshot returns the stored snapshot of repoID.
func (m *MemoryRepository) Snapshot(_ context.Context, repoID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[repoID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "unknown repository %q", repoID)
	}
	return snap, nil
}
