// Package store holds run state in memory and persists blobs and secrets
// in libSQL.
package store

import (
	"context"

	"github.com/rendis/pipewright/pkg/schema"
)

// RunStore is the run state contract. All implementations must be safe for
// concurrent use and must return snapshots callers may keep.
type RunStore interface {
	// NextRunNumber allocates the next run number of a (repo, workflow)
	// pair. Numbers start at 1 and are never reused.
	NextRunNumber(ctx context.Context, repoID, workflowID string) (int64, error)

	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	// UpdateRun applies fn to a copy of the run and stores the copy only
	// when fn succeeds.
	UpdateRun(ctx context.Context, id string, fn func(*schema.Run) error) (*schema.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	RepoID           string
	WorkflowID       string
	Branch           string
	ConcurrencyGroup string
	Status           schema.Status
	// ActiveOnly keeps queued and in-progress runs.
	ActiveOnly bool
	Limit      int
}

func (f RunFilter) match(r *schema.Run) bool {
	if f.RepoID != "" && r.RepoID != f.RepoID {
		return false
	}
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Branch != "" && r.Trigger.Branch != f.Branch {
		return false
	}
	if f.ConcurrencyGroup != "" && r.ConcurrencyGroup != f.ConcurrencyGroup {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ActiveOnly && r.Status.Terminal() {
		return false
	}
	return true
}
