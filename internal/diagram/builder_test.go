package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipewright/pkg/schema"
)

// --- Test workflow builders ---

func pipelineWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   ".github/workflows/ci.yml",
		Name: "CI",
		Jobs: []schema.JobDefinition{
			{ID: "lint", Steps: []schema.StepDefinition{{Run: "make lint"}}},
			{ID: "build", RunsOn: []string{"ubuntu-latest"}, Steps: []schema.StepDefinition{
				{ID: "checkout", Uses: "actions/checkout@v4"},
				{ID: "compile", Name: "Compile", Run: "make"},
			}},
			{ID: "test", Needs: []string{"build"}, Strategy: &schema.MatrixStrategy{
				Axes: []schema.MatrixAxis{{Name: "os", Values: []any{"linux", "mac"}}},
			}, Steps: []schema.StepDefinition{{Run: "make test"}}},
			{ID: "deploy", Needs: []string{"lint", "test"}, Steps: []schema.StepDefinition{{Run: "make deploy"}}},
		},
	}
}

func finishedRun() *schema.Run {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(s int) *time.Time {
		t := t0.Add(time.Duration(s) * time.Second)
		return &t
	}
	job := func(id, base string, c schema.Conclusion, start, end int) *schema.JobRun {
		jr := &schema.JobRun{ID: id, BaseID: base, Name: id, Status: schema.StatusCompleted, Conclusion: c}
		if c != schema.ConclusionSkipped {
			jr.StartedAt, jr.CompletedAt = at(start), at(end)
		}
		return jr
	}
	build := job("build", "build", schema.ConclusionSuccess, 0, 4)
	build.Steps = []*schema.StepRun{
		{ID: "checkout", Status: schema.StatusCompleted, Conclusion: schema.ConclusionSuccess, StartedAt: at(0), CompletedAt: at(1)},
		{ID: "compile", Status: schema.StatusCompleted, Conclusion: schema.ConclusionFailure, Error: "exit code 2"},
	}
	return &schema.Run{
		ID:        "run-1",
		RunNumber: 7,
		Jobs: []*schema.JobRun{
			job("lint", "lint", schema.ConclusionSuccess, 0, 2),
			build,
			job("test-1", "test", schema.ConclusionSuccess, 4, 9),
			job("test-2", "test", schema.ConclusionFailure, 4, 10),
			job("deploy", "deploy", schema.ConclusionSkipped, 0, 0),
		},
	}
}

func findNode(t *testing.T, nodes []*Node, id string) *Node {
	t.Helper()
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	require.Failf(t, "node not found", "id %s", id)
	return nil
}

// --- Tests ---

func TestBuildWorkflow(t *testing.T) {
	model, err := Build(pipelineWorkflow(), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, "CI", model.Title)
	// 4 jobs + start + end
	assert.Len(t, model.Nodes, 6)

	assert.Equal(t, [][]string{
		{"__start__"},
		{"lint", "build"},
		{"test"},
		{"deploy"},
		{"__end__"},
	}, model.Levels)

	assert.Equal(t, []Edge{
		{From: "__start__", To: "lint"},
		{From: "__start__", To: "build"},
		{From: "build", To: "test"},
		{From: "lint", To: "deploy"},
		{From: "test", To: "deploy"},
		{From: "deploy", To: "__end__"},
	}, model.Edges)

	assert.Equal(t, NodeKindStart, findNode(t, model.Nodes, "__start__").Kind)
	assert.Equal(t, NodeKindEnd, findNode(t, model.Nodes, "__end__").Kind)
	assert.Equal(t, NodeKindJob, findNode(t, model.Nodes, "lint").Kind)
	assert.Equal(t, "build\n(ubuntu-latest)", findNode(t, model.Nodes, "build").Label)
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, n.ID)
	}
}

func TestBuildMatrixExpansion(t *testing.T) {
	model, err := Build(pipelineWorkflow(), nil, Options{})
	require.NoError(t, err)

	test := findNode(t, model.Nodes, "test")
	assert.Equal(t, NodeKindMatrix, test.Kind)
	require.Len(t, test.Children, 1)
	sg := test.Children[0]
	assert.Equal(t, "matrix", sg.Label)
	require.Len(t, sg.Nodes, 2)
	assert.Equal(t, "test-1", sg.Nodes[0].ID)
	assert.Equal(t, "test (os: linux)", sg.Nodes[0].Label)
	assert.Equal(t, "test (os: mac)", sg.Nodes[1].Label)
}

func TestBuildSteps(t *testing.T) {
	model, err := Build(pipelineWorkflow(), nil, Options{Steps: true})
	require.NoError(t, err)

	build := findNode(t, model.Nodes, "build")
	require.Len(t, build.Children, 1)
	steps := build.Children[0]
	assert.Equal(t, "steps", steps.Label)
	require.Len(t, steps.Nodes, 2)
	assert.Equal(t, "build.checkout", steps.Nodes[0].ID)
	assert.Equal(t, NodeKindStep, steps.Nodes[0].Kind)
	assert.Equal(t, "Compile", steps.Nodes[1].Label)
	assert.Equal(t, []Edge{{From: "build.checkout", To: "build.compile"}}, steps.Edges)

	lint := findNode(t, model.Nodes, "lint")
	assert.Equal(t, "lint.1", lint.Children[0].Nodes[0].ID, "unnamed steps are numbered")

	test := findNode(t, model.Nodes, "test")
	assert.Len(t, test.Children, 2, "matrix instances and steps")
}

func TestBuildWithRunOverlay(t *testing.T) {
	model, err := Build(pipelineWorkflow(), finishedRun(), Options{Steps: true})
	require.NoError(t, err)

	assert.Equal(t, "CI #7", model.Title)

	lint := findNode(t, model.Nodes, "lint")
	require.NotNil(t, lint.Status)
	assert.Equal(t, "success", lint.Status.State)
	assert.Equal(t, int64(2000), lint.Status.DurationMs)

	test := findNode(t, model.Nodes, "test")
	require.NotNil(t, test.Status)
	assert.Equal(t, "failure", test.Status.State, "one failed instance fails the job")
	assert.Equal(t, int64(6000), test.Status.DurationMs)

	instances := test.Children[0]
	require.Len(t, instances.Nodes, 2)
	assert.Equal(t, "success", instances.Nodes[0].Status.State)
	assert.Equal(t, "failure", instances.Nodes[1].Status.State)

	deploy := findNode(t, model.Nodes, "deploy")
	assert.Equal(t, "skipped", deploy.Status.State)
	assert.Zero(t, deploy.Status.DurationMs)

	steps := findNode(t, model.Nodes, "build").Children[0]
	assert.Equal(t, "success", steps.Nodes[0].Status.State)
	assert.Equal(t, int64(1000), steps.Nodes[0].Status.DurationMs)
	assert.Equal(t, "failure", steps.Nodes[1].Status.State)
	assert.Equal(t, "exit code 2", steps.Nodes[1].Status.Error)

	assert.Nil(t, findNode(t, model.Nodes, "__start__").Status)
}

func TestAggregate(t *testing.T) {
	jr := func(s schema.Status, c schema.Conclusion) *schema.JobRun {
		return &schema.JobRun{Status: s, Conclusion: c}
	}
	tests := []struct {
		name string
		in   []*schema.JobRun
		want string
	}{
		{"queued", []*schema.JobRun{jr(schema.StatusQueued, ""), jr(schema.StatusQueued, "")}, "queued"},
		{"running", []*schema.JobRun{jr(schema.StatusInProgress, ""), jr(schema.StatusQueued, "")}, "in_progress"},
		{"partly done", []*schema.JobRun{jr(schema.StatusCompleted, schema.ConclusionSuccess), jr(schema.StatusQueued, "")}, "in_progress"},
		{"cancelled", []*schema.JobRun{jr(schema.StatusCompleted, schema.ConclusionSuccess), jr(schema.StatusCancelled, schema.ConclusionCancelled)}, "cancelled"},
		{"failure wins", []*schema.JobRun{jr(schema.StatusCancelled, schema.ConclusionCancelled), jr(schema.StatusCompleted, schema.ConclusionFailure)}, "failure"},
		{"all skipped", []*schema.JobRun{jr(schema.StatusCompleted, schema.ConclusionSkipped)}, "skipped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregate(tt.in)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.State)
		})
	}
	assert.Nil(t, aggregate(nil))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, nil, Options{})
	require.Error(t, err)

	_, err = Build(&schema.Workflow{ID: "empty"}, nil, Options{})
	require.Error(t, err)

	cyclic := &schema.Workflow{ID: "cyclic", Jobs: []schema.JobDefinition{
		{ID: "a", Needs: []string{"b"}},
		{ID: "b", Needs: []string{"a"}},
	}}
	_, err = Build(cyclic, nil, Options{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}
