// Package workflowdef loads workflow definition files from repositories and
// turns them into validated schema.Workflow values.
package workflowdef

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/pipewright/pkg/schema"
)

// Document is a decoded, not yet validated, definition file.
type Document struct {
	Path string
	// Value is the plain decoded form used for structural validation.
	Value any

	root *yaml.Node
}

type rawWorkflow struct {
	Name        string            `yaml:"name"`
	On          yaml.Node         `yaml:"on"`
	Env         map[string]string `yaml:"env"`
	Defaults    rawDefaults       `yaml:"defaults"`
	Concurrency yaml.Node         `yaml:"concurrency"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

type rawDefaults struct {
	Run struct {
		Shell            string `yaml:"shell"`
		WorkingDirectory string `yaml:"working-directory"`
	} `yaml:"run"`
}

type rawJob struct {
	Name            string            `yaml:"name"`
	RunsOn          yaml.Node         `yaml:"runs-on"`
	Needs           StringList        `yaml:"needs"`
	If              string            `yaml:"if"`
	Strategy        *rawStrategy      `yaml:"strategy"`
	Steps           []rawStep         `yaml:"steps"`
	Outputs         map[string]string `yaml:"outputs"`
	Env             map[string]string `yaml:"env"`
	Concurrency     yaml.Node         `yaml:"concurrency"`
	Defaults        rawDefaults       `yaml:"defaults"`
	TimeoutMinutes  flexNumber        `yaml:"timeout-minutes"`
	ContinueOnError flexBool          `yaml:"continue-on-error"`
	Environment     yaml.Node         `yaml:"environment"`
	Services        map[string]any    `yaml:"services"`
	Container       any               `yaml:"container"`
}

type rawStrategy struct {
	Matrix      yaml.Node  `yaml:"matrix"`
	FailFast    *flexBool  `yaml:"fail-fast"`
	MaxParallel flexNumber `yaml:"max-parallel"`
}

type rawStep struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Uses             string            `yaml:"uses"`
	Run              string            `yaml:"run"`
	If               string            `yaml:"if"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	Shell            string            `yaml:"shell"`
	WorkingDirectory string            `yaml:"working-directory"`
	ContinueOnError  flexBool          `yaml:"continue-on-error"`
	TimeoutMinutes   flexNumber        `yaml:"timeout-minutes"`
}

type rawInput struct {
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Default     any      `yaml:"default"`
	Type        string   `yaml:"type"`
	Options     []string `yaml:"options"`
}

type rawFilters struct {
	Branches       StringList          `yaml:"branches"`
	BranchesIgnore StringList          `yaml:"branches-ignore"`
	Tags           StringList          `yaml:"tags"`
	TagsIgnore     StringList          `yaml:"tags-ignore"`
	Paths          StringList          `yaml:"paths"`
	PathsIgnore    StringList          `yaml:"paths-ignore"`
	Types          StringList          `yaml:"types"`
	Inputs         map[string]rawInput `yaml:"inputs"`
}

// Decode parses a definition file into a Document.
func Decode(filePath string, data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML").
			WithCause(err).WithDetails(map[string]any{"path": filePath})
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty definition file").
			WithDetails(map[string]any{"path": filePath})
	}

	var value any
	if err := root.Decode(&value); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML").
			WithCause(err).WithDetails(map[string]any{"path": filePath})
	}
	return &Document{Path: filePath, Value: value, root: &root}, nil
}

// Workflow builds the typed workflow. Unsupported events are ignored and
// reported through the returned warnings.
func (d *Document) Workflow() (*schema.Workflow, []string, error) {
	var raw rawWorkflow
	if err := d.root.Decode(&raw); err != nil {
		return nil, nil, d.errorf(err, "decode workflow")
	}

	wf := &schema.Workflow{
		ID:     d.Path,
		Name:   raw.Name,
		Path:   d.Path,
		Env:    raw.Env,
		Active: true,
		Defaults: schema.Defaults{
			Shell:            raw.Defaults.Run.Shell,
			WorkingDirectory: raw.Defaults.Run.WorkingDirectory,
		},
		Dialect: DialectOf(d.Path),
	}
	if wf.Name == "" {
		wf.Name = d.Path
	}

	triggers, warnings, err := parseOn(&raw.On)
	if err != nil {
		return nil, nil, d.errorf(err, "parse on")
	}
	wf.Triggers = triggers

	if wf.Concurrency, err = parseConcurrency(&raw.Concurrency); err != nil {
		return nil, nil, d.errorf(err, "parse concurrency")
	}

	for _, pair := range mappingPairs(&raw.Jobs) {
		id := pair[0].Value
		job, err := parseJob(id, pair[1])
		if err != nil {
			return nil, nil, d.errorf(err, "parse job %q", id)
		}
		wf.Jobs = append(wf.Jobs, job)
	}
	if len(wf.Jobs) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow has no jobs").
			WithDetails(map[string]any{"path": d.Path})
	}

	return wf, warnings, nil
}

func (d *Document) errorf(cause error, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...).
		WithCause(cause).WithDetails(map[string]any{"path": d.Path})
}

// DialectOf classifies a repo-relative definition path.
func DialectOf(p string) schema.Dialect {
	if strings.HasPrefix(p, GitHubDir+"/") {
		return schema.DialectGitHub
	}
	return schema.DialectNative
}

func parseOn(n *yaml.Node) ([]schema.Trigger, []string, error) {
	var (
		triggers []schema.Trigger
		warnings []string
	)
	addKind := func(name string) bool {
		k := schema.TriggerKind(name)
		if !k.Valid() {
			warnings = append(warnings, fmt.Sprintf("event %q is not supported and was ignored", name))
			return false
		}
		return true
	}

	switch n.Kind {
	case yaml.ScalarNode:
		if addKind(n.Value) {
			triggers = append(triggers, schema.Trigger{Kind: schema.TriggerKind(n.Value)})
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if addKind(item.Value) {
				triggers = append(triggers, schema.Trigger{Kind: schema.TriggerKind(item.Value)})
			}
		}
	case yaml.MappingNode:
		for _, pair := range mappingPairs(n) {
			name, body := pair[0].Value, pair[1]
			if !addKind(name) {
				continue
			}
			kind := schema.TriggerKind(name)

			if kind == schema.TriggerSchedule {
				var entries []struct {
					Cron string `yaml:"cron"`
				}
				if err := body.Decode(&entries); err != nil {
					return nil, nil, fmt.Errorf("schedule: %w", err)
				}
				for _, e := range entries {
					triggers = append(triggers, schema.Trigger{Kind: kind, Cron: e.Cron})
				}
				continue
			}

			var f rawFilters
			if !isNull(body) {
				if err := body.Decode(&f); err != nil {
					return nil, nil, fmt.Errorf("%s: %w", name, err)
				}
			}
			t := schema.Trigger{
				Kind:           kind,
				Branches:       f.Branches,
				BranchesIgnore: f.BranchesIgnore,
				Tags:           f.Tags,
				TagsIgnore:     f.TagsIgnore,
				Paths:          f.Paths,
				PathsIgnore:    f.PathsIgnore,
				Types:          f.Types,
			}
			if len(f.Inputs) > 0 {
				t.Inputs = make(map[string]schema.InputSpec, len(f.Inputs))
				for in, spec := range f.Inputs {
					t.Inputs[in] = schema.InputSpec(spec)
				}
			}
			triggers = append(triggers, t)
		}
	case 0:
		// absent
	default:
		return nil, nil, fmt.Errorf("line %d: unsupported on form", n.Line)
	}
	return triggers, warnings, nil
}

func parseConcurrency(n *yaml.Node) (*schema.ConcurrencyConfig, error) {
	if !present(n) || isNull(n) {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode {
		return &schema.ConcurrencyConfig{Group: n.Value}, nil
	}
	var c struct {
		Group            string   `yaml:"group"`
		CancelInProgress flexBool `yaml:"cancel-in-progress"`
	}
	if err := n.Decode(&c); err != nil {
		return nil, err
	}
	return &schema.ConcurrencyConfig{Group: c.Group, CancelInProgress: bool(c.CancelInProgress)}, nil
}

func parseJob(id string, n *yaml.Node) (schema.JobDefinition, error) {
	var raw rawJob
	if err := n.Decode(&raw); err != nil {
		return schema.JobDefinition{}, err
	}

	job := schema.JobDefinition{
		ID:              id,
		Name:            raw.Name,
		Needs:           raw.Needs,
		If:              raw.If,
		Outputs:         raw.Outputs,
		Env:             raw.Env,
		TimeoutMinutes:  float64(raw.TimeoutMinutes),
		ContinueOnError: bool(raw.ContinueOnError),
		Services:        raw.Services,
		Container:       raw.Container,
		Defaults: schema.Defaults{
			Shell:            raw.Defaults.Run.Shell,
			WorkingDirectory: raw.Defaults.Run.WorkingDirectory,
		},
	}

	runsOn, err := parseRunsOn(&raw.RunsOn)
	if err != nil {
		return job, err
	}
	job.RunsOn = runsOn

	if job.Concurrency, err = parseConcurrency(&raw.Concurrency); err != nil {
		return job, err
	}

	switch raw.Environment.Kind {
	case yaml.ScalarNode:
		job.Environment = raw.Environment.Value
	case yaml.MappingNode:
		var env struct {
			Name string `yaml:"name"`
		}
		if err := raw.Environment.Decode(&env); err != nil {
			return job, err
		}
		job.Environment = env.Name
	}

	if raw.Strategy != nil {
		s, err := parseStrategy(raw.Strategy)
		if err != nil {
			return job, err
		}
		job.Strategy = s
	}

	for _, rs := range raw.Steps {
		job.Steps = append(job.Steps, schema.StepDefinition{
			ID:               rs.ID,
			Name:             rs.Name,
			Uses:             rs.Uses,
			Run:              rs.Run,
			If:               rs.If,
			With:             rs.With,
			Env:              rs.Env,
			Shell:            rs.Shell,
			WorkingDirectory: rs.WorkingDirectory,
			ContinueOnError:  bool(rs.ContinueOnError),
			TimeoutMinutes:   float64(rs.TimeoutMinutes),
		})
	}
	return job, nil
}

func parseRunsOn(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		var group struct {
			Group  string     `yaml:"group"`
			Labels StringList `yaml:"labels"`
		}
		if err := n.Decode(&group); err != nil {
			return nil, err
		}
		if group.Group != "" {
			return append([]string{group.Group}, group.Labels...), nil
		}
		return group.Labels, nil
	default:
		var labels StringList
		if err := n.Decode(&labels); err != nil {
			return nil, err
		}
		return labels, nil
	}
}

// parseStrategy reads the matrix keeping axis declaration order.
func parseStrategy(raw *rawStrategy) (*schema.MatrixStrategy, error) {
	s := &schema.MatrixStrategy{MaxParallel: int(raw.MaxParallel)}
	if raw.FailFast != nil {
		ff := bool(*raw.FailFast)
		s.FailFast = &ff
	}

	m := &raw.Matrix
	switch m.Kind {
	case 0:
		return s, nil
	case yaml.ScalarNode:
		return nil, fmt.Errorf("line %d: dynamic matrix %q is not supported", m.Line, m.Value)
	case yaml.MappingNode:
	default:
		return nil, fmt.Errorf("line %d: matrix must be a mapping", m.Line)
	}

	for _, pair := range mappingPairs(m) {
		key, body := pair[0].Value, pair[1]
		switch key {
		case "include", "exclude":
			entries, err := parseEntries(body)
			if err != nil {
				return nil, fmt.Errorf("matrix %s: %w", key, err)
			}
			if key == "include" {
				s.Include = entries
			} else {
				s.Exclude = entries
			}
		default:
			if body.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("line %d: matrix axis %q must be a list", body.Line, key)
			}
			axis := schema.MatrixAxis{Name: key}
			for _, item := range body.Content {
				var v any
				if err := item.Decode(&v); err != nil {
					return nil, err
				}
				axis.Values = append(axis.Values, v)
			}
			s.Axes = append(s.Axes, axis)
		}
	}
	return s, nil
}

func parseEntries(n *yaml.Node) ([]schema.MatrixEntry, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of mappings", n.Line)
	}
	out := make([]schema.MatrixEntry, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: expected a mapping", item.Line)
		}
		var e schema.MatrixEntry
		for _, pair := range mappingPairs(item) {
			var v any
			if err := pair[1].Decode(&v); err != nil {
				return nil, err
			}
			e.Set(pair[0].Value, v)
		}
		out = append(out, e)
	}
	return out, nil
}

