package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/pipewright/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const workflowSchemaURL = "https://pipewright.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for a decoded workflow YAML document.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipewright.dev/schemas/workflow.json",
  "type": "object",
  "required": ["on", "jobs"],
  "properties": {
    "name": { "type": "string" },
    "run-name": { "type": "string" },
    "on": {
      "oneOf": [
        { "type": "string" },
        { "type": "array", "items": { "type": "string" }, "minItems": 1 },
        { "$ref": "#/$defs/events" }
      ]
    },
    "env": { "$ref": "#/$defs/env" },
    "defaults": { "$ref": "#/$defs/defaults" },
    "concurrency": { "$ref": "#/$defs/concurrency" },
    "permissions": {},
    "jobs": {
      "type": "object",
      "minProperties": 1,
      "patternProperties": {
        "^[A-Za-z_][A-Za-z0-9_-]*$": { "$ref": "#/$defs/job" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stringOrList": {
      "oneOf": [
        { "type": "string" },
        { "type": "array", "items": { "type": "string" } }
      ]
    },
    "boolish": { "type": ["boolean", "string"] },
    "numberish": { "type": ["number", "string"] },
    "env": {
      "type": "object",
      "additionalProperties": { "type": ["string", "number", "boolean", "null"] }
    },
    "defaults": {
      "type": "object",
      "properties": {
        "run": {
          "type": "object",
          "properties": {
            "shell": { "type": "string" },
            "working-directory": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "concurrency": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "required": ["group"],
          "properties": {
            "group": { "type": "string", "minLength": 1 },
            "cancel-in-progress": { "$ref": "#/$defs/boolish" }
          },
          "additionalProperties": false
        }
      ]
    },
    "filters": {
      "type": ["object", "null"],
      "properties": {
        "branches": { "$ref": "#/$defs/stringOrList" },
        "branches-ignore": { "$ref": "#/$defs/stringOrList" },
        "tags": { "$ref": "#/$defs/stringOrList" },
        "tags-ignore": { "$ref": "#/$defs/stringOrList" },
        "paths": { "$ref": "#/$defs/stringOrList" },
        "paths-ignore": { "$ref": "#/$defs/stringOrList" },
        "types": { "$ref": "#/$defs/stringOrList" }
      },
      "additionalProperties": false
    },
    "inputs": {
      "type": ["object", "null"],
      "properties": {
        "inputs": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": ["object", "null"],
            "properties": {
              "description": { "type": "string" },
              "required": { "type": "boolean" },
              "default": {},
              "type": { "enum": ["string", "boolean", "number", "choice", "environment"] },
              "options": { "type": "array" }
            },
            "additionalProperties": false
          }
        },
        "outputs": {},
        "secrets": {}
      },
      "additionalProperties": false
    },
    "events": {
      "type": "object",
      "minProperties": 1,
      "properties": {
        "push": { "$ref": "#/$defs/filters" },
        "pull_request": { "$ref": "#/$defs/filters" },
        "release": { "$ref": "#/$defs/filters" },
        "workflow_dispatch": { "$ref": "#/$defs/inputs" },
        "workflow_call": { "$ref": "#/$defs/inputs" },
        "schedule": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["cron"],
            "properties": { "cron": { "type": "string", "minLength": 1 } },
            "additionalProperties": false
          }
        }
      }
    },
    "job": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "name": { "type": "string" },
        "runs-on": {
          "oneOf": [
            { "type": "string" },
            { "type": "array", "items": { "type": "string" } },
            { "type": "object" }
          ]
        },
        "needs": { "$ref": "#/$defs/stringOrList" },
        "if": { "type": ["string", "boolean"] },
        "strategy": {
          "type": "object",
          "properties": {
            "matrix": { "type": ["object", "string"] },
            "fail-fast": { "$ref": "#/$defs/boolish" },
            "max-parallel": { "$ref": "#/$defs/numberish" }
          },
          "additionalProperties": false
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "outputs": { "type": "object", "additionalProperties": { "type": "string" } },
        "env": { "$ref": "#/$defs/env" },
        "defaults": { "$ref": "#/$defs/defaults" },
        "concurrency": { "$ref": "#/$defs/concurrency" },
        "timeout-minutes": { "$ref": "#/$defs/numberish" },
        "continue-on-error": { "$ref": "#/$defs/boolish" },
        "environment": { "type": ["string", "object"] },
        "services": { "type": "object" },
        "container": { "type": ["string", "object"] },
        "permissions": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$" },
        "name": { "type": "string" },
        "uses": { "type": "string", "minLength": 1 },
        "run": { "type": "string" },
        "if": { "type": ["string", "boolean"] },
        "with": {
          "type": "object",
          "additionalProperties": { "type": ["string", "number", "boolean", "null"] }
        },
        "env": { "$ref": "#/$defs/env" },
        "shell": { "type": "string" },
        "working-directory": { "type": "string" },
        "continue-on-error": { "$ref": "#/$defs/boolish" },
        "timeout-minutes": { "$ref": "#/$defs/numberish" }
      },
      "oneOf": [
        { "required": ["uses"], "not": { "required": ["run"] } },
        { "required": ["run"], "not": { "required": ["uses"] } }
      ],
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded workflow YAML document.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not representable as JSON").WithCause(err)
	}

	if err := v.workflowSchema.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateInputs validates dispatch or call inputs against their declared
// specs. The JSON Schema generated from the specs is compiled once and cached.
func (v *JSONSchemaValidator) ValidateInputs(specs map[string]schema.InputSpec, inputs map[string]any) error {
	if len(specs) == 0 {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	schemaBytes, err := inputSchema(specs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input declarations").WithCause(err)
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input declarations").WithCause(err)
	}

	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize inputs").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// inputSchema renders InputSpecs as an object schema. Map keys marshal in
// sorted order, so equal specs produce equal bytes.
func inputSchema(specs map[string]schema.InputSpec) ([]byte, error) {
	props := make(map[string]any, len(specs))
	var required []string
	for name, spec := range specs {
		p := map[string]any{}
		switch spec.Type {
		case "boolean":
			p["type"] = "boolean"
		case "number":
			p["type"] = "number"
		case "string", "environment":
			p["type"] = "string"
		case "choice":
			if len(spec.Options) == 0 {
				return nil, fmt.Errorf("input %q: choice without options", name)
			}
			p["enum"] = spec.Options
		}
		if spec.Description != "" {
			p["description"] = spec.Description
		}
		props[name] = p
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("pipewright://input-schema/%d", len(v.cache))

	// Fresh compiler per schema: resources never collide.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a *schema.Error
// carrying every leaf violation.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
