package validation

import "github.com/rendis/pipewright/pkg/schema"

// Validator checks workflow documents before they are loaded and trigger
// inputs before a run is created. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDocument(doc any) error
	ValidateInputs(specs map[string]schema.InputSpec, inputs map[string]any) error
}

// ActionLookup reports whether an action reference resolves in the catalog.
type ActionLookup interface {
	Has(ref string) bool
}
