package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/pipewright/pkg/schema"
)

// DefaultRetainRuns bounds how many terminal runs are kept in memory.
const DefaultRetainRuns = 5000

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	RetainRuns int
	Logger     *slog.Logger
}

// MemoryStore keeps queued and in-progress runs pinned in a map and
// terminal runs in an LRU; the least recently used terminal run is evicted
// once RetainRuns is exceeded. Run number counters are never evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	active   map[string]*schema.Run
	done     *lru.Cache[string, *schema.Run]
	counters map[string]int64
	logger   *slog.Logger
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = DefaultRetainRuns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		active:   make(map[string]*schema.Run),
		counters: make(map[string]int64),
		logger:   logger,
	}
	done, err := lru.NewWithEvict(cfg.RetainRuns, func(id string, r *schema.Run) {
		s.logger.Debug("run evicted from retention",
			slog.String("run_id", id),
			slog.String("workflow_id", r.WorkflowID),
		)
	})
	if err != nil {
		return nil, err
	}
	s.done = done
	return s, nil
}

func counterKey(repoID, workflowID string) string {
	return repoID + "\x00" + workflowID
}

// NextRunNumber allocates the next run number of a (repo, workflow) pair.
func (s *MemoryStore) NextRunNumber(_ context.Context, repoID, workflowID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(repoID, workflowID)
	s.counters[key]++
	return s.counters[key], nil
}

// CreateRun stores a copy of run.
func (s *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(run.ID); ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	s.put(run.Clone())
	return nil
}

// GetRun returns a snapshot of the run.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	return r.Clone(), nil
}

// UpdateRun applies fn to a copy of the run and stores it when fn succeeds.
// A run that becomes terminal moves from the pinned set to the LRU.
func (s *MemoryStore) UpdateRun(_ context.Context, id string, fn func(*schema.Run) error) (*schema.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id

	if next.Status.Terminal() {
		delete(s.active, id)
	} else if s.done.Contains(id) {
		s.done.Remove(id)
	}
	s.put(next)
	return next.Clone(), nil
}

// ListRuns returns matching runs, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	s.mu.RLock()
	var out []*schema.Run
	for _, r := range s.active {
		if filter.match(r) {
			out = append(out, r.Clone())
		}
	}
	if !filter.ActiveOnly {
		for _, id := range s.done.Keys() {
			r, ok := s.done.Peek(id)
			if ok && filter.match(r) {
				out = append(out, r.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunNumber > out[j].RunNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats reports how many runs are pinned and retained.
func (s *MemoryStore) Stats() (active, retained int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), s.done.Len()
}

func (s *MemoryStore) lookup(id string) (*schema.Run, bool) {
	if r, ok := s.active[id]; ok {
		return r, true
	}
	return s.done.Get(id)
}

func (s *MemoryStore) put(r *schema.Run) {
	if r.Status.Terminal() {
		s.done.Add(r.ID, r)
		return
	}
	s.active[r.ID] = r
}

func notFound(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "run %q not found", id)
}
