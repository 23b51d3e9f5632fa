package engine

import (
	"slices"
	"time"

	"github.com/rendis/pipewright/pkg/schema"
)

// transitions is an allowed-next-status table.
type transitions map[schema.Status][]schema.Status

// ValidRunTransitions defines the allowed status transitions for runs.
var ValidRunTransitions = transitions{
	schema.StatusQueued:     {schema.StatusInProgress, schema.StatusCancelled},
	schema.StatusInProgress: {schema.StatusCompleted, schema.StatusCancelled},
	schema.StatusCompleted:  {},
	schema.StatusCancelled:  {},
}

// ValidJobTransitions defines the allowed status transitions for job and
// step runs. queued → completed is the skip path: the record never ran.
var ValidJobTransitions = transitions{
	schema.StatusQueued:     {schema.StatusInProgress, schema.StatusCompleted, schema.StatusCancelled},
	schema.StatusInProgress: {schema.StatusCompleted, schema.StatusCancelled},
	schema.StatusCompleted:  {},
	schema.StatusCancelled:  {},
}

func (t transitions) allows(from, to schema.Status) bool {
	return slices.Contains(t[from], to)
}

func (t transitions) check(kind, id string, from, to schema.Status) error {
	if t.allows(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %s -> %s", kind, from, to).
		WithDetails(map[string]any{kind + "_id": id, "from": string(from), "to": string(to)})
}

// transitionRun moves r to status to. Terminal statuses record c and the
// completion time.
func transitionRun(r *schema.Run, to schema.Status, c schema.Conclusion, now time.Time) error {
	if err := ValidRunTransitions.check("run", r.ID, r.Status, to); err != nil {
		return err
	}
	r.Status = to
	stamp(&r.StartedAt, &r.CompletedAt, &r.Conclusion, to, c, now)
	return nil
}

func transitionJob(j *schema.JobRun, to schema.Status, c schema.Conclusion, now time.Time) error {
	if err := ValidJobTransitions.check("job", j.ID, j.Status, to); err != nil {
		return err
	}
	j.Status = to
	stamp(&j.StartedAt, &j.CompletedAt, &j.Conclusion, to, c, now)
	return nil
}

func transitionStep(s *schema.StepRun, to schema.Status, c schema.Conclusion, now time.Time) error {
	if err := ValidJobTransitions.check("step", s.ID, s.Status, to); err != nil {
		return err
	}
	s.Status = to
	stamp(&s.StartedAt, &s.CompletedAt, &s.Conclusion, to, c, now)
	return nil
}

func stamp(started, completed **time.Time, conclusion *schema.Conclusion, to schema.Status, c schema.Conclusion, now time.Time) {
	t := now
	switch {
	case to == schema.StatusInProgress:
		*started = &t
	case to.Terminal():
		*completed = &t
		*conclusion = c
	}
}

// cancelCascade moves every non-terminal job and step of r to cancelled.
func cancelCascade(r *schema.Run, now time.Time) {
	for _, j := range r.Jobs {
		for _, s := range j.Steps {
			if !s.Status.Terminal() {
				_ = transitionStep(s, schema.StatusCancelled, schema.ConclusionCancelled, now)
			}
		}
		if !j.Status.Terminal() {
			_ = transitionJob(j, schema.StatusCancelled, schema.ConclusionCancelled, now)
		}
	}
}

// Conclude aggregates job conclusions: failure if any job failed, else
// cancelled if every job was skipped or cancelled, else success.
func Conclude(jobs []*schema.JobRun) schema.Conclusion {
	if len(jobs) == 0 {
		return schema.ConclusionSuccess
	}
	inert := true
	for _, j := range jobs {
		switch j.Conclusion {
		case schema.ConclusionFailure:
			return schema.ConclusionFailure
		case schema.ConclusionSkipped, schema.ConclusionCancelled:
		default:
			inert = false
		}
	}
	if inert {
		return schema.ConclusionCancelled
	}
	return schema.ConclusionSuccess
}

func jobEventType(to schema.Status, c schema.Conclusion) string {
	switch {
	case to == schema.StatusInProgress:
		return schema.EventJobStarted
	case to == schema.StatusCancelled:
		return schema.EventJobCancelled
	case c == schema.ConclusionSkipped:
		return schema.EventJobSkipped
	default:
		return schema.EventJobCompleted
	}
}

func stepEventType(to schema.Status, c schema.Conclusion) string {
	switch {
	case to == schema.StatusInProgress:
		return schema.EventStepStarted
	case c == schema.ConclusionSkipped:
		return schema.EventStepSkipped
	default:
		return schema.EventStepCompleted
	}
}
