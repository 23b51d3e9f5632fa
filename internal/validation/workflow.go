package validation

import (
	"errors"

	"github.com/rendis/pipewright/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema over the decoded YAML document)
// 2. Semantic (job and step refs, actions, cron, matrices)
// 3. DAG (needs cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
	}, nil
}

// ValidateStructure runs the structural stage on a decoded YAML document.
// Callers build the typed workflow only from a valid document.
func (wv *WorkflowValidator) ValidateStructure(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := wv.jsonSchema.ValidateDocument(doc)
	if err == nil {
		return result
	}

	var sErr *schema.Error
	if !errors.As(err, &sErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := sErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, sErr.Message)
	return result
}

// Validate runs the semantic and DAG stages on a typed workflow.
// The DAG stage is skipped when semantic errors exist.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateSemantic(wf, wv.actions)
	if result.Valid() {
		result.Merge(validateDAG(wf))
	}
	return result
}

// ValidateDocument satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDocument(doc any) error {
	return wv.ValidateStructure(doc).ToError()
}

// ValidateInputs delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInputs(specs map[string]schema.InputSpec, inputs map[string]any) error {
	return wv.jsonSchema.ValidateInputs(specs, inputs)
}
