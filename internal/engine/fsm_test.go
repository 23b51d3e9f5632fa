package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipewright/pkg/schema"
)

var fsmNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunTransitions_Valid(t *testing.T) {
	r := &schema.Run{ID: "r1", Status: schema.StatusQueued}

	require.NoError(t, transitionRun(r, schema.StatusInProgress, schema.ConclusionNone, fsmNow))
	assert.Equal(t, schema.StatusInProgress, r.Status)
	require.NotNil(t, r.StartedAt)
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, transitionRun(r, schema.StatusCompleted, schema.ConclusionSuccess, fsmNow.Add(time.Minute)))
	assert.Equal(t, schema.ConclusionSuccess, r.Conclusion)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, fsmNow.Add(time.Minute), *r.CompletedAt)
}

func TestRunTransitions_Invalid(t *testing.T) {
	tests := []struct {
		from, to schema.Status
	}{
		{schema.StatusQueued, schema.StatusCompleted},
		{schema.StatusInProgress, schema.StatusQueued},
		{schema.StatusCompleted, schema.StatusInProgress},
		{schema.StatusCompleted, schema.StatusCancelled},
		{schema.StatusCancelled, schema.StatusInProgress},
		{schema.StatusCancelled, schema.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			r := &schema.Run{ID: "r1", Status: tt.from}
			err := transitionRun(r, tt.to, schema.ConclusionSuccess, fsmNow)
			assertCode(t, err, schema.ErrCodeInvalidTransition)
			assert.Equal(t, tt.from, r.Status)
		})
	}
}

func TestRunTransitions_CancelFromQueued(t *testing.T) {
	r := &schema.Run{ID: "r1", Status: schema.StatusQueued}
	require.NoError(t, transitionRun(r, schema.StatusCancelled, schema.ConclusionCancelled, fsmNow))
	assert.Equal(t, schema.ConclusionCancelled, r.Conclusion)
	assert.Nil(t, r.StartedAt)
	assert.NotNil(t, r.CompletedAt)
}

func TestJobTransitions_SkipPath(t *testing.T) {
	j := &schema.JobRun{ID: "build", Status: schema.StatusQueued}
	require.NoError(t, transitionJob(j, schema.StatusCompleted, schema.ConclusionSkipped, fsmNow))
	assert.Equal(t, schema.ConclusionSkipped, j.Conclusion)
	assert.Nil(t, j.StartedAt)
}

func TestJobTransitions_TerminalRejects(t *testing.T) {
	for _, from := range []schema.Status{schema.StatusCompleted, schema.StatusCancelled} {
		j := &schema.JobRun{ID: "build", Status: from}
		for _, to := range []schema.Status{schema.StatusQueued, schema.StatusInProgress, schema.StatusCompleted, schema.StatusCancelled} {
			assertCode(t, transitionJob(j, to, schema.ConclusionSuccess, fsmNow), schema.ErrCodeInvalidTransition)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	s := &schema.StepRun{ID: "compile", Status: schema.StatusQueued}
	require.NoError(t, transitionStep(s, schema.StatusInProgress, schema.ConclusionNone, fsmNow))
	require.NoError(t, transitionStep(s, schema.StatusCancelled, schema.ConclusionCancelled, fsmNow))
	assert.Equal(t, schema.ConclusionCancelled, s.Conclusion)

	err := transitionStep(s, schema.StatusCompleted, schema.ConclusionSuccess, fsmNow)
	assertCode(t, err, schema.ErrCodeInvalidTransition)

	var pwErr *schema.Error
	require.ErrorAs(t, err, &pwErr)
	assert.Equal(t, "compile", pwErr.Details["step_id"])
}

func TestCancelCascade_OnlyNonTerminal(t *testing.T) {
	r := &schema.Run{
		ID:     "r1",
		Status: schema.StatusCancelled,
		Jobs: []*schema.JobRun{
			{ID: "done", Status: schema.StatusCompleted, Conclusion: schema.ConclusionSuccess, Steps: []*schema.StepRun{
				{ID: "s1", Status: schema.StatusCompleted, Conclusion: schema.ConclusionSuccess},
			}},
			{ID: "running", Status: schema.StatusInProgress, Steps: []*schema.StepRun{
				{ID: "s1", Status: schema.StatusCompleted, Conclusion: schema.ConclusionSuccess},
				{ID: "s2", Status: schema.StatusInProgress},
				{ID: "s3", Status: schema.StatusQueued},
			}},
			{ID: "waiting", Status: schema.StatusQueued, Steps: []*schema.StepRun{
				{ID: "s1", Status: schema.StatusQueued},
			}},
		},
	}
	cancelCascade(r, fsmNow)

	assert.Equal(t, schema.ConclusionSuccess, r.Job("done").Conclusion)
	running := r.Job("running")
	assert.Equal(t, schema.StatusCancelled, running.Status)
	assert.Equal(t, schema.ConclusionSuccess, running.Steps[0].Conclusion)
	assert.Equal(t, schema.StatusCancelled, running.Steps[1].Status)
	assert.Equal(t, schema.StatusCancelled, running.Steps[2].Status)
	assert.Equal(t, schema.StatusCancelled, r.Job("waiting").Status)
	assert.Equal(t, schema.ConclusionCancelled, r.Job("waiting").Steps[0].Conclusion)
}

func TestConclude(t *testing.T) {
	jobs := func(cs ...schema.Conclusion) []*schema.JobRun {
		out := make([]*schema.JobRun, len(cs))
		for i, c := range cs {
			out[i] = &schema.JobRun{Conclusion: c}
		}
		return out
	}
	tests := []struct {
		name string
		jobs []*schema.JobRun
		want schema.Conclusion
	}{
		{"no jobs", nil, schema.ConclusionSuccess},
		{"all success", jobs(schema.ConclusionSuccess, schema.ConclusionSuccess), schema.ConclusionSuccess},
		{"one failure wins", jobs(schema.ConclusionSuccess, schema.ConclusionCancelled, schema.ConclusionFailure), schema.ConclusionFailure},
		{"all skipped", jobs(schema.ConclusionSkipped, schema.ConclusionSkipped), schema.ConclusionCancelled},
		{"skipped and cancelled", jobs(schema.ConclusionSkipped, schema.ConclusionCancelled), schema.ConclusionCancelled},
		{"success with skipped", jobs(schema.ConclusionSuccess, schema.ConclusionSkipped), schema.ConclusionSuccess},
		{"success with cancelled", jobs(schema.ConclusionCancelled, schema.ConclusionSuccess), schema.ConclusionSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conclude(tt.jobs))
		})
	}
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, schema.EventJobStarted, jobEventType(schema.StatusInProgress, schema.ConclusionNone))
	assert.Equal(t, schema.EventJobSkipped, jobEventType(schema.StatusCompleted, schema.ConclusionSkipped))
	assert.Equal(t, schema.EventJobCancelled, jobEventType(schema.StatusCancelled, schema.ConclusionCancelled))
	assert.Equal(t, schema.EventJobCompleted, jobEventType(schema.StatusCompleted, schema.ConclusionFailure))
	assert.Equal(t, schema.EventStepSkipped, stepEventType(schema.StatusCompleted, schema.ConclusionSkipped))
	assert.Equal(t, schema.EventStepCompleted, stepEventType(schema.StatusCancelled, schema.ConclusionCancelled))
}
