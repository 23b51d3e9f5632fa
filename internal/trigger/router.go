package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/pipewright/pkg/schema"
)

// WorkflowSource supplies the current definitions of a repository.
type WorkflowSource interface {
	Workflows(ctx context.Context, repoID string) ([]*schema.Workflow, error)
}

// RunStarter creates runs. Satisfied by the executor.
type RunStarter interface {
	TriggerRun(ctx context.Context, req schema.TriggerRequest) (*schema.Run, error)
}

// RouterConfig holds optional router collaborators.
type RouterConfig struct {
	HistorySize int
	// Inputs validates dispatch and call inputs. Nil skips validation.
	Inputs InputValidator
	Logger *slog.Logger
}

// Router is the event bus between event producers and the executor.
type Router struct {
	mu      sync.Mutex
	source  WorkflowSource
	starter RunStarter
	inputs  InputValidator
	history *History
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates a Router.
func NewRouter(source WorkflowSource, starter RunStarter, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		source:  source,
		starter: starter,
		inputs:  cfg.Inputs,
		history: NewHistory(cfg.HistorySize),
		logger:  logger,
		now:     time.Now,
	}
}

// Emit records ev and starts a run for every active workflow of the event's
// repository with a matching trigger. Emits are serialized. Failures for
// individual workflows are joined; runs started before a failure are still
// returned.
func (r *Router) Emit(ctx context.Context, ev schema.CIEvent) ([]*schema.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	r.history.Add(HistoryEntry{Event: ev, Timestamp: ev.Timestamp})

	if !ev.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown event kind %q", ev.Kind)
	}

	workflows, err := r.source.Workflows(ctx, ev.RepoID)
	if err != nil {
		return nil, fmt.Errorf("load workflows for %s: %w", ev.RepoID, err)
	}

	var (
		runs []*schema.Run
		errs []error
	)
	for _, wf := range workflows {
		if !wf.Active {
			continue
		}
		t, ok := firstMatch(wf, ev)
		if !ok {
			continue
		}

		req := BuildRequest(wf, t, ev)
		if r.inputs != nil && len(t.Inputs) > 0 {
			if err := r.inputs.ValidateInputs(t.Inputs, req.Inputs); err != nil {
				r.logger.Warn("rejected trigger inputs",
					slog.String("workflow_id", wf.ID),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
		}

		run, err := r.starter.TriggerRun(ctx, req)
		if err != nil {
			r.logger.Error("trigger run failed",
				slog.String("workflow_id", wf.ID),
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("trigger %s: %w", wf.ID, err))
			continue
		}
		r.logger.Info("workflow triggered",
			slog.String("workflow_id", wf.ID),
			slog.String("run_id", run.ID),
			slog.Int64("run_number", run.RunNumber),
			slog.String("event", string(ev.Kind)),
		)
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

// History returns recorded events matching f.
func (r *Router) History(f HistoryFilter) []HistoryEntry {
	return r.history.List(f)
}

func firstMatch(wf *schema.Workflow, ev schema.CIEvent) (schema.Trigger, bool) {
	for _, t := range wf.Triggers {
		if Match(t, ev, wf) {
			return t, true
		}
	}
	return schema.Trigger{}, false
}
