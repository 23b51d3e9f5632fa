// Package scheduler turns the `schedule` triggers of loaded workflows into
// cron entries that emit synthetic schedule events through the router.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/pipewright/pkg/schema"
)

// ScheduleActor is the actor recorded on schedule events.
const ScheduleActor = "pipewright[scheduler]"

// WorkflowSource supplies the current definitions of a repository.
type WorkflowSource interface {
	Workflows(ctx context.Context, repoID string) ([]*schema.Workflow, error)
}

// Emitter receives fired schedule events. Satisfied by the trigger router;
// the scheduler never starts runs itself.
type Emitter interface {
	Emit(ctx context.Context, ev schema.CIEvent) ([]*schema.Run, error)
}

// ScheduledJob is one (workflow, cron) registration.
type ScheduledJob struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	RepoID     string     `json:"repo_id"`
	Cron       string     `json:"cron"`
	Enabled    bool       `json:"enabled"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`

	entry    cron.EntryID
	schedule cron.Schedule
}

// JobID is the registration key of a workflow's cron expression.
func JobID(workflowID, expr string) string {
	return workflowID + ":" + expr
}

// Config holds optional scheduler settings.
type Config struct {
	// Location is the time zone cron expressions are evaluated in (default UTC).
	Location *time.Location
	Logger   *slog.Logger
}

// Scheduler owns the cron entries of every scheduled workflow.
type Scheduler struct {
	mu      sync.Mutex
	source  WorkflowSource
	emitter Emitter
	parser  cron.Parser
	cron    *cron.Cron
	jobs    map[string]*ScheduledJob
	ctx     context.Context
	running bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(source WorkflowSource, emitter Emitter, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger}
	return &Scheduler{
		source:  source,
		emitter: emitter,
		parser:  parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*ScheduledJob),
		ctx:    context.Background(),
		logger: logger,
		now:    time.Now,
	}
}

// LoadScheduledWorkflows registers a job for every schedule trigger of the
// active workflows of repoIDs. Jobs of those repositories whose trigger is
// gone are removed; a job that was disabled stays disabled. It returns the
// number of registered jobs.
func (s *Scheduler) LoadScheduledWorkflows(ctx context.Context, repoIDs []string) (int, error) {
	var errs []error
	loaded := 0
	for _, repoID := range repoIDs {
		workflows, err := s.source.Workflows(ctx, repoID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load workflows for %s: %w", repoID, err))
			continue
		}

		seen := map[string]bool{}
		for _, wf := range workflows {
			if !wf.Active {
				continue
			}
			for _, t := range wf.TriggersOf(schema.TriggerSchedule) {
				job, err := s.add(wf.ID, repoID, t.Cron, true)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if job != nil {
					seen[job.ID] = true
					loaded++
				}
			}
		}

		s.mu.Lock()
		for id, job := range s.jobs {
			if job.RepoID == repoID && !seen[id] {
				s.removeLocked(job)
			}
		}
		s.mu.Unlock()
	}

	s.logger.Info("scheduled workflows loaded",
		slog.Int("repos", len(repoIDs)),
		slog.Int("jobs", loaded),
	)
	return loaded, errors.Join(errs...)
}

// Start begins firing enabled jobs. Events are emitted with a context
// derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx = ctx
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop halts all timers and waits for in-flight emits to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob registers workflowID to fire on expr, replacing any job with the
// same key. An empty expression is a no-op and returns a nil job; an
// invalid one is SCHEDULING_MISCONFIGURATION.
func (s *Scheduler) AddJob(workflowID, repoID, expr string) (*ScheduledJob, error) {
	return s.add(workflowID, repoID, expr, false)
}

func (s *Scheduler) add(workflowID, repoID, expr string, keepDisabled bool) (*ScheduledJob, error) {
	if expr == "" {
		s.logger.Warn("schedule trigger has no cron expression",
			slog.String("code", schema.ErrCodeSchedulingMisconfiguration),
			slog.String("workflow_id", workflowID),
			slog.String("repo_id", repoID),
		)
		return nil, nil
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchedulingMisconfiguration,
			"workflow %s: invalid cron expression %q", workflowID, expr).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &ScheduledJob{
		ID:         JobID(workflowID, expr),
		WorkflowID: workflowID,
		RepoID:     repoID,
		Cron:       expr,
		Enabled:    true,
		schedule:   sched,
	}
	if old, ok := s.jobs[job.ID]; ok {
		job.LastRun = old.LastRun
		if keepDisabled {
			job.Enabled = old.Enabled
		}
		s.removeLocked(old)
	}
	s.jobs[job.ID] = job
	if job.Enabled {
		s.armLocked(job)
	}

	s.logger.Debug("scheduled job registered",
		slog.String("job_id", job.ID),
		slog.Bool("enabled", job.Enabled),
	)
	return job.snapshot(), nil
}

// RemoveJob unregisters a job. It reports whether the job existed.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.removeLocked(job)
	return true
}

// EnableJob resumes a disabled job.
func (s *Scheduler) EnableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	if !job.Enabled {
		job.Enabled = true
		s.armLocked(job)
	}
	return nil
}

// DisableJob stops a job from firing without forgetting it.
func (s *Scheduler) DisableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	if job.Enabled {
		job.Enabled = false
		s.disarmLocked(job)
	}
	return nil
}

// ListJobs returns snapshots of every job, ordered by id.
func (s *Scheduler) ListJobs() []*ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(id string) (*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return job.snapshot(), nil
}

// CalculateNextRun computes the next fire time of a cron expression.
func (s *Scheduler) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// fire records the tick and emits the schedule event.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || !job.Enabled {
		s.mu.Unlock()
		return
	}
	now := s.now()
	next := job.schedule.Next(now)
	job.LastRun = &now
	job.NextRun = &next
	ev := schema.CIEvent{
		Kind:      schema.TriggerSchedule,
		RepoID:    job.RepoID,
		Actor:     ScheduleActor,
		Timestamp: now,
		Schedule:  &schema.SchedulePayload{WorkflowID: job.WorkflowID, Cron: job.Cron},
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("scheduled job fired",
		slog.String("job_id", id),
		slog.String("workflow_id", ev.Schedule.WorkflowID),
		slog.Time("next_run", next),
	)
	runs, err := s.emitter.Emit(ctx, ev)
	if err != nil {
		s.logger.Error("schedule emit failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(runs) == 0 {
		s.logger.Warn("schedule matched no workflow", slog.String("job_id", id))
	}
}

func (s *Scheduler) armLocked(job *ScheduledJob) {
	id := job.ID
	job.entry = s.cron.Schedule(job.schedule, cron.FuncJob(func() { s.fire(id) }))
	next := job.schedule.Next(s.now())
	job.NextRun = &next
}

func (s *Scheduler) disarmLocked(job *ScheduledJob) {
	if job.entry != 0 {
		s.cron.Remove(job.entry)
		job.entry = 0
	}
	job.NextRun = nil
}

func (s *Scheduler) removeLocked(job *ScheduledJob) {
	s.disarmLocked(job)
	delete(s.jobs, job.ID)
}

func (j *ScheduledJob) snapshot() *ScheduledJob {
	c := *j
	if j.NextRun != nil {
		t := *j.NextRun
		c.NextRun = &t
	}
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}
	return &c
}

func jobNotFound(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "scheduled job %q not found", id)
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
