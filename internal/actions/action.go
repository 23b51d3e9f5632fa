// Package actions holds the catalog of built-in actions that steps may
// reference with `uses`, and the shell runner that executes `run` scripts.
package actions

import (
	"context"
	"io"

	"github.com/rendis/pipewright/pkg/schema"
)

// CompositeAction is a catalog entry. Steps run inside the step that uses
// the action and share its side-channel files, so `echo x=1 >>
// "$GITHUB_OUTPUT"` in a sub-step sets an output of the calling step.
// Handler, when set, runs after Steps for behaviour a script cannot
// express, such as artifact transfer.
type CompositeAction struct {
	Ref         string                  `json:"ref"`
	Description string                  `json:"description,omitempty"`
	Inputs      map[string]ActionInput  `json:"inputs,omitempty"`
	Outputs     map[string]ActionOutput `json:"outputs,omitempty"`
	Steps       []schema.StepDefinition `json:"steps,omitempty"`
	Handler     Handler                 `json:"-"`
}

// ActionInput declares one `with` parameter.
type ActionInput struct {
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     string `json:"default,omitempty"`
}

// ActionOutput declares one output. Value is an expression evaluated over
// the sub-step results, e.g. "${{ steps.version.outputs.value }}"; an
// empty Value reads the output of the same name from GITHUB_OUTPUT.
type ActionOutput struct {
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
}

// Handler implements native action behaviour. Returned outputs are merged
// into the step outputs.
type Handler func(ctx context.Context, call *Call) (map[string]string, error)

// Call is what a Handler sees of the calling step.
type Call struct {
	Inputs    map[string]string
	Workspace string
	Artifacts ArtifactStore
	Log       io.Writer
}

// ArtifactStore is the run-scoped artifact surface given to handlers.
type ArtifactStore interface {
	Upload(ctx context.Context, name string, data []byte) (schema.Artifact, error)
	Download(ctx context.Context, name string) ([]byte, error)
}

// ActionInfo summarizes a catalog entry for listing.
type ActionInfo struct {
	Ref         string `json:"ref"`
	Description string `json:"description,omitempty"`
}
