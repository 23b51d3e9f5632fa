package validation

import (
	"sync"
	"testing"

	"github.com/rendis/pipewright/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func decodeYAML(t *testing.T, src string) any {
	t.Helper()
	var doc any
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return doc
}

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func violations(t *testing.T, err error) []string {
	t.Helper()
	var sErr *schema.Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, schema.ErrCodeValidation, sErr.Code)
	v, _ := sErr.Details["violations"].([]string)
	return v
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newJSV(t)
	assert.NotNil(t, v.workflowSchema)
}

func TestValidateDocument_Nil(t *testing.T) {
	err := newJSV(t).ValidateDocument(nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidateDocument_Minimal(t *testing.T) {
	doc := decodeYAML(t, `
on: push
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - run: make
`)
	assert.NoError(t, newJSV(t).ValidateDocument(doc))
}

func TestValidateDocument_Full(t *testing.T) {
	doc := decodeYAML(t, `
name: CI
on:
  push:
    branches: [main, 'release/**']
    paths-ignore: ['docs/**']
  pull_request:
    types: [opened, synchronize]
  schedule:
    - cron: '0 3 * * *'
  workflow_dispatch:
    inputs:
      env:
        description: Target
        required: true
        type: choice
        options: [staging, prod]
env:
  GO_VERSION: "1.25"
  RETRIES: 3
concurrency:
  group: ci-${{ github.ref }}
  cancel-in-progress: true
defaults:
  run:
    shell: bash
jobs:
  test:
    runs-on: [self-hosted, linux]
    strategy:
      fail-fast: false
      max-parallel: 2
      matrix:
        os: [linux, darwin]
        go: ['1.24', '1.25']
    timeout-minutes: 30
    outputs:
      cov: ${{ steps.cover.outputs.pct }}
    steps:
      - uses: actions/checkout@v4
        with:
          fetch-depth: 0
      - id: cover
        name: Cover
        run: echo "pct=91" >> "$GITHUB_OUTPUT"
        continue-on-error: true
  deploy:
    needs: test
    if: github.ref == 'refs/heads/main'
    environment: production
    steps:
      - run: ./deploy.sh
`)
	assert.NoError(t, newJSV(t).ValidateDocument(doc))
}

func TestValidateDocument_MissingJobs(t *testing.T) {
	err := newJSV(t).ValidateDocument(decodeYAML(t, "on: push\n"))
	require.Error(t, err)
	assert.NotEmpty(t, violations(t, err))
}

func TestValidateDocument_StepNeedsExactlyOneOfUsesRun(t *testing.T) {
	v := newJSV(t)

	both := decodeYAML(t, `
on: push
jobs:
  a:
    steps:
      - uses: actions/checkout@v4
        run: echo
`)
	require.Error(t, v.ValidateDocument(both))

	neither := decodeYAML(t, `
on: push
jobs:
  a:
    steps:
      - name: nothing
`)
	require.Error(t, v.ValidateDocument(neither))
}

func TestValidateDocument_UnknownKeys(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateDocument(decodeYAML(t, `
on: push
jobs:
  a:
    runs_on: linux
    steps:
      - run: echo
`))
	require.Error(t, err)

	err = v.ValidateDocument(decodeYAML(t, `
on: push
jobs:
  a:
    steps:
      - run: echo
        retries: 3
`))
	require.Error(t, err)
}

func TestValidateDocument_BadJobID(t *testing.T) {
	err := newJSV(t).ValidateDocument(decodeYAML(t, `
on: push
jobs:
  "9lives":
    steps:
      - run: echo
`))
	require.Error(t, err)
}

func TestValidateDocument_ScheduleNeedsCron(t *testing.T) {
	err := newJSV(t).ValidateDocument(decodeYAML(t, `
on:
  schedule:
    - every: day
jobs:
  a:
    steps:
      - run: echo
`))
	require.Error(t, err)
}

func TestValidateDocument_ViolationLocations(t *testing.T) {
	err := newJSV(t).ValidateDocument(decodeYAML(t, `
on: push
jobs:
  a:
    timeout-minutes: [1]
    steps:
      - run: echo
`))
	require.Error(t, err)
	vs := violations(t, err)
	require.NotEmpty(t, vs)
	assert.Contains(t, vs[0], "/jobs/a/timeout-minutes")
}

func TestValidateDocument_Concurrent(t *testing.T) {
	v := newJSV(t)
	doc := decodeYAML(t, "on: push\njobs:\n  a:\n    steps:\n      - run: echo\n")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateDocument(doc))
		}()
	}
	wg.Wait()
}

// --- ValidateInputs ---

func deploySpecs() map[string]schema.InputSpec {
	return map[string]schema.InputSpec{
		"env":    {Required: true, Type: "choice", Options: []string{"staging", "prod"}},
		"debug":  {Type: "boolean"},
		"count":  {Type: "number"},
		"note":   {Type: "string"},
		"loose":  {},
		"target": {Type: "environment"},
	}
}

func TestValidateInputs_Valid(t *testing.T) {
	err := newJSV(t).ValidateInputs(deploySpecs(), map[string]any{
		"env": "prod", "debug": true, "count": 2, "note": "hi", "loose": []any{1}, "target": "eu",
	})
	assert.NoError(t, err)
}

func TestValidateInputs_NoSpecs(t *testing.T) {
	assert.NoError(t, newJSV(t).ValidateInputs(nil, map[string]any{"anything": 1}))
}

func TestValidateInputs_MissingRequired(t *testing.T) {
	err := newJSV(t).ValidateInputs(deploySpecs(), nil)
	require.Error(t, err)
	assert.NotEmpty(t, violations(t, err))
}

func TestValidateInputs_WrongTypes(t *testing.T) {
	v := newJSV(t)
	tests := []struct {
		name   string
		inputs map[string]any
	}{
		{"choice outside options", map[string]any{"env": "dev"}},
		{"boolean as string", map[string]any{"env": "prod", "debug": "yes"}},
		{"number as string", map[string]any{"env": "prod", "count": "two"}},
		{"string as number", map[string]any{"env": "prod", "note": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, v.ValidateInputs(deploySpecs(), tt.inputs))
		})
	}
}

func TestValidateInputs_ChoiceWithoutOptions(t *testing.T) {
	err := newJSV(t).ValidateInputs(map[string]schema.InputSpec{"x": {Type: "choice"}}, map[string]any{"x": "a"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidateInputs_SchemaCaching(t *testing.T) {
	v := newJSV(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInputs(deploySpecs(), map[string]any{"env": "prod"}))
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateInputs_Concurrent(t *testing.T) {
	v := newJSV(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInputs(deploySpecs(), map[string]any{"env": "staging"}))
		}()
	}
	wg.Wait()
}

func TestJSONSchemaValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*JSONSchemaValidator)(nil)
	var _ Validator = (*WorkflowValidator)(nil)
}
