package validation

import (
	"testing"

	"github.com/rendis/pipewright/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func needing(id string, needs ...string) schema.JobDefinition {
	j := job(id)
	j.Needs = needs
	return j
}

func TestDAG_NoCycle_Linear(t *testing.T) {
	r := validateDAG(wfOf(needing("a"), needing("b", "a"), needing("c", "b")))
	assert.True(t, r.Valid())
}

func TestDAG_NoCycle_Diamond(t *testing.T) {
	r := validateDAG(wfOf(needing("a"), needing("b", "a"), needing("c", "a"), needing("d", "b", "c")))
	assert.True(t, r.Valid())
}

func TestDAG_SimpleCycle(t *testing.T) {
	r := validateDAG(wfOf(needing("a", "b"), needing("b", "a")))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, r.Errors[0].Code)
	assert.Contains(t, r.Errors[0].Message, "a, b")
}

func TestDAG_SelfCycle(t *testing.T) {
	r := validateDAG(wfOf(needing("a", "a")))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, r.Errors[0].Code)
}

func TestDAG_CycleDownstreamOfRoot(t *testing.T) {
	r := validateDAG(wfOf(needing("root"), needing("x", "root", "z"), needing("y", "x"), needing("z", "y"), needing("leaf", "root")))
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0].Message, "x, y, z")
	assert.NotContains(t, r.Errors[0].Message, "leaf")
}

func TestDAG_IgnoresUnknownAndDuplicateNeeds(t *testing.T) {
	r := validateDAG(wfOf(needing("a"), needing("b", "a", "a", "ghost")))
	assert.True(t, r.Valid())
}
