package expressions

import (
	"testing"

	"github.com/rendis/pipewright/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate_NoTokens(t *testing.T) {
	e := NewEvaluator(ModeStrict)
	out, err := e.Interpolate("echo hello", NewContext())
	require.NoError(t, err)
	assert.Equal(t, "echo hello", out)
}

func TestInterpolate_MultipleTokens(t *testing.T) {
	e := NewEvaluator(ModeLenient)
	out, err := e.Interpolate("deploy ${{ inputs.name }} to ${{ env.STAGE }} on ${{ matrix.os }}", testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "deploy Ada to prod on linux", out)
}

func TestInterpolate_BracesInsideLiteral(t *testing.T) {
	e := NewEvaluator(ModeLenient)
	out, err := e.Interpolate("x=${{ format('{{{0}}}', 'y') }}!", NewContext())
	require.NoError(t, err)
	assert.Equal(t, "x={y}!", out)
}

func TestInterpolate_LenientKeepsUnresolvedTokens(t *testing.T) {
	e := NewEvaluator(ModeLenient)
	out, err := e.Interpolate("Hello ${{ inputs.name }}, ${{ unknown( }}!", testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, ${{ unknown( }}!", out)
}

func TestInterpolate_Unclosed(t *testing.T) {
	out, err := NewEvaluator(ModeLenient).Interpolate("a ${{ inputs.name", testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "a ${{ inputs.name", out)

	_, err = NewEvaluator(ModeStrict).Interpolate("a ${{ inputs.name", testContext(t))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpressionUnresolvable))
}

func TestInterpolate_StrictUnknownNamespace(t *testing.T) {
	_, err := NewEvaluator(ModeStrict).Interpolate("${{ nope.value }}", testContext(t))
	require.Error(t, err)
	var pwErr *schema.Error
	require.ErrorAs(t, err, &pwErr)
	assert.Equal(t, "nope.value", pwErr.Details["expression"])
}

func TestInterpolate_MissingValueIsEmpty(t *testing.T) {
	out, err := NewEvaluator(ModeStrict).Interpolate("[${{ steps.x.outputs.y }}]", testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestEvaluate_MixedTextDelegatesToInterpolate(t *testing.T) {
	out, err := NewEvaluator(ModeLenient).Evaluate("v-${{ steps.build.outputs.tag }}", testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "v-v1.2.3", out)
}

func TestInterpolateMap(t *testing.T) {
	e := NewEvaluator(ModeLenient)
	out, err := e.InterpolateMap(map[string]string{"A": "${{ env.STAGE }}", "B": "plain"}, testContext(t))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "prod", "B": "plain"}, out)

	out, err = e.InterpolateMap(nil, testContext(t))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReferences(t *testing.T) {
	refs := References("${{ needs.build.outputs.tag }} and ${{ matrix.os == 'needs.fake' }} ${{ foo.bar }}")
	assert.Equal(t, []string{"needs.build.outputs.tag", "matrix.os"}, refs)
	assert.Empty(t, References("no tokens"))
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("a ${{ b }}"))
	assert.False(t, HasInterpolation("a { b }"))
}
