package schema

import "time"

// Lifecycle event types published on the streaming hub.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunCancelled = "run_cancelled"
	EventRunEvicted   = "run_evicted"

	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobSkipped   = "job_skipped"
	EventJobCancelled = "job_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepSkipped   = "step_skipped"

	EventLogLine = "log_line"
)

// CIEvent is a normalized external event. Exactly one payload pointer is set,
// matching Kind.
type CIEvent struct {
	Kind        TriggerKind         `json:"kind"`
	RepoID      string              `json:"repo_id"`
	Actor       string              `json:"actor,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Push        *PushPayload        `json:"push,omitempty"`
	PullRequest *PullRequestPayload `json:"pull_request,omitempty"`
	Release     *ReleasePayload     `json:"release,omitempty"`
	Dispatch    *DispatchPayload    `json:"dispatch,omitempty"`
	Schedule    *SchedulePayload    `json:"schedule,omitempty"`
	Call        *DispatchPayload    `json:"call,omitempty"`
}

// PushPayload carries a branch or tag push.
type PushPayload struct {
	Ref          string   `json:"ref"` // refs/heads/<b> or refs/tags/<t>
	SHA          string   `json:"sha"`
	Before       string   `json:"before,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// PullRequestPayload carries a pull request activity.
type PullRequestPayload struct {
	Number       int      `json:"number"`
	Action       string   `json:"action"`
	HeadRef      string   `json:"head_ref"`
	BaseRef      string   `json:"base_ref"`
	HeadSHA      string   `json:"head_sha"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// ReleasePayload carries a release activity.
type ReleasePayload struct {
	Action  string `json:"action"`
	TagName string `json:"tag_name"`
	SHA     string `json:"sha,omitempty"`
}

// DispatchPayload carries a manual dispatch or a reusable-workflow call.
type DispatchPayload struct {
	WorkflowID string         `json:"workflow_id"`
	Ref        string         `json:"ref,omitempty"`
	SHA        string         `json:"sha,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// SchedulePayload carries a cron tick for one workflow.
type SchedulePayload struct {
	WorkflowID string `json:"workflow_id"`
	Cron       string `json:"cron"`
}

// TriggerRequest is what the router hands to the engine once a trigger matched.
type TriggerRequest struct {
	WorkflowID string         `json:"workflow_id"`
	RepoID     string         `json:"repo_id"`
	Kind       TriggerKind    `json:"kind"`
	Actor      string         `json:"actor,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	HeadRef    string         `json:"head_ref,omitempty"`
	BaseRef    string         `json:"base_ref,omitempty"`
	CommitSHA  string         `json:"commit_sha,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	PRNumber   int            `json:"pr_number,omitempty"`
}
