// Package streaming fans run lifecycle events and log lines out to live
// subscribers and persists each run's log as an NDJSON blob.
package streaming

import (
	"context"
	"time"
)

// Event is a live notification emitted while runs execute. Type is one of
// the schema.Event* constants.
type Event struct {
	Type       string    `json:"type"`
	RepoID     string    `json:"repo_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	RepoID     string   `json:"repo_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Hub is a publish/subscribe bus. Publish never blocks on slow subscribers.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns the event channel and an unsubscribe function that
	// closes it. The subscription also ends when ctx is done.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
