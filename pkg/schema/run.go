package schema

import (
	"maps"
	"time"
)

// Status is the lifecycle state shared by runs, job runs and step runs.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Conclusion is the outcome recorded once a record reaches a terminal status.
type Conclusion string

const (
	ConclusionNone      Conclusion = ""
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionCancelled Conclusion = "cancelled"
	ConclusionSkipped   Conclusion = "skipped"
)

// TriggerInfo captures the event that created a run.
type TriggerInfo struct {
	Kind      TriggerKind    `json:"kind"`
	Actor     string         `json:"actor,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Ref       string         `json:"ref,omitempty"`
	HeadRef   string         `json:"head_ref,omitempty"`
	BaseRef   string         `json:"base_ref,omitempty"`
	CommitSHA string         `json:"commit_sha,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	PRNumber  int            `json:"pr_number,omitempty"`
}

// Run is one materialized execution of a workflow.
type Run struct {
	ID               string      `json:"id"`
	WorkflowID       string      `json:"workflow_id"`
	RepoID           string      `json:"repo_id"`
	WorkflowName     string      `json:"workflow_name"`
	RunNumber        int64       `json:"run_number"`
	Trigger          TriggerInfo `json:"trigger"`
	Status           Status      `json:"status"`
	Conclusion       Conclusion  `json:"conclusion,omitempty"`
	ConcurrencyGroup string      `json:"concurrency_group,omitempty"`
	Jobs             []*JobRun   `json:"jobs"`
	Artifacts        []Artifact  `json:"artifacts,omitempty"`
	LogsID           string      `json:"logs_id,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Job returns the job run with the given id, or nil.
func (r *Run) Job(id string) *JobRun {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// JobsOf returns the job runs expanded from the given job definition id.
func (r *Run) JobsOf(baseID string) []*JobRun {
	var out []*JobRun
	for _, j := range r.Jobs {
		if j.BaseID == baseID {
			out = append(out, j)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Trigger.Inputs = maps.Clone(r.Trigger.Inputs)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Artifacts = append([]Artifact(nil), r.Artifacts...)
	c.Jobs = make([]*JobRun, len(r.Jobs))
	for i, j := range r.Jobs {
		c.Jobs[i] = j.Clone()
	}
	return &c
}

// JobRun is one concrete, possibly matrix-expanded, instance of a job.
type JobRun struct {
	ID           string            `json:"id"`
	BaseID       string            `json:"base_id"`
	Name         string            `json:"name"`
	Status       Status            `json:"status"`
	Conclusion   Conclusion        `json:"conclusion,omitempty"`
	Matrix       *MatrixEntry      `json:"matrix,omitempty"`
	Steps        []*StepRun        `json:"steps"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	RunnerLabels []string          `json:"runner_labels,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job run.
func (j *JobRun) Clone() *JobRun {
	if j == nil {
		return nil
	}
	c := *j
	c.Matrix = j.Matrix.Clone()
	c.Outputs = maps.Clone(j.Outputs)
	c.RunnerLabels = append([]string(nil), j.RunnerLabels...)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.Steps = make([]*StepRun, len(j.Steps))
	for i, s := range j.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// StepRun is the execution record of one step.
type StepRun struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Conclusion Conclusion `json:"conclusion,omitempty"`
	// Outcome is the result before continue-on-error is applied.
	Outcome     Conclusion        `json:"outcome,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	ExitCode    int               `json:"exit_code"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a copy of the step run.
func (s *StepRun) Clone() *StepRun {
	if s == nil {
		return nil
	}
	c := *s
	c.Outputs = maps.Clone(s.Outputs)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// Artifact is an uploaded, content-addressed file bundle.
type Artifact struct {
	Name      string    `json:"name"`
	ContentID string    `json:"content_id"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// BadgeStatus is the label exposed for external status rendering.
type BadgeStatus string

const (
	BadgePassing   BadgeStatus = "passing"
	BadgeFailing   BadgeStatus = "failing"
	BadgeCancelled BadgeStatus = "cancelled"
	BadgeRunning   BadgeStatus = "running"
	BadgeQueued    BadgeStatus = "queued"
	BadgeUnknown   BadgeStatus = "unknown"
)

// BadgeFor maps a run to its badge label. A nil run is unknown.
func BadgeFor(r *Run) BadgeStatus {
	if r == nil {
		return BadgeUnknown
	}
	switch r.Status {
	case StatusQueued:
		return BadgeQueued
	case StatusInProgress:
		return BadgeRunning
	case StatusCancelled:
		return BadgeCancelled
	}
	switch r.Conclusion {
	case ConclusionSuccess:
		return BadgePassing
	case ConclusionFailure:
		return BadgeFailing
	case ConclusionCancelled:
		return BadgeCancelled
	}
	return BadgeUnknown
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
