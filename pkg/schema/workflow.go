package schema

// TriggerKind enumerates the events a workflow can be started by.
type TriggerKind string

const (
	TriggerPush             TriggerKind = "push"
	TriggerPullRequest      TriggerKind = "pull_request"
	TriggerSchedule         TriggerKind = "schedule"
	TriggerWorkflowDispatch TriggerKind = "workflow_dispatch"
	TriggerRelease          TriggerKind = "release"
	TriggerWorkflowCall     TriggerKind = "workflow_call"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerPush, TriggerPullRequest, TriggerSchedule,
		TriggerWorkflowDispatch, TriggerRelease, TriggerWorkflowCall:
		return true
	}
	return false
}

// Dialect identifies which directory a definition was loaded from.
type Dialect string

const (
	DialectNative Dialect = "native" // .pipewright/workflows
	DialectGitHub Dialect = "github" // .github/workflows
)

// Workflow is a parsed definition file. It is immutable once loaded and
// replaced wholesale on reload.
type Workflow struct {
	ID          string             `json:"id"`
	RepoID      string             `json:"repo_id"`
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	Triggers    []Trigger          `json:"triggers"`
	Jobs        []JobDefinition    `json:"jobs"`
	Env         map[string]string  `json:"env,omitempty"`
	Concurrency *ConcurrencyConfig `json:"concurrency,omitempty"`
	Defaults    Defaults           `json:"defaults,omitempty"`
	Active      bool               `json:"active"`
	Dialect     Dialect            `json:"dialect"`

	// Repository head at load time; schedule events run against it.
	DefaultBranch string `json:"default_branch,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
}

// Job returns the job definition with the given id.
func (w *Workflow) Job(id string) (*JobDefinition, bool) {
	for i := range w.Jobs {
		if w.Jobs[i].ID == id {
			return &w.Jobs[i], true
		}
	}
	return nil, false
}

// TriggersOf returns the triggers of the given kind in declaration order.
func (w *Workflow) TriggersOf(kind TriggerKind) []Trigger {
	var out []Trigger
	for _, t := range w.Triggers {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Trigger is one entry of a workflow's `on` block.
type Trigger struct {
	Kind           TriggerKind          `json:"kind"`
	Branches       []string             `json:"branches,omitempty"`
	BranchesIgnore []string             `json:"branches_ignore,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	TagsIgnore     []string             `json:"tags_ignore,omitempty"`
	Paths          []string             `json:"paths,omitempty"`
	PathsIgnore    []string             `json:"paths_ignore,omitempty"`
	Types          []string             `json:"types,omitempty"` // pull_request / release action types
	Cron           string               `json:"cron,omitempty"`
	Inputs         map[string]InputSpec `json:"inputs,omitempty"`
}

// InputSpec declares one workflow_dispatch or workflow_call input.
type InputSpec struct {
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Type        string   `json:"type,omitempty"` // string | boolean | number | choice | environment
	Options     []string `json:"options,omitempty"`
}

// ConcurrencyConfig limits how many runs of a group may be active.
type ConcurrencyConfig struct {
	Group            string `json:"group"`
	CancelInProgress bool   `json:"cancel_in_progress,omitempty"`
}

// Defaults holds `defaults.run` settings.
type Defaults struct {
	Shell            string `json:"shell,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// JobDefinition describes a single job in a workflow.
type JobDefinition struct {
	ID              string             `json:"id"`
	Name            string             `json:"name,omitempty"`
	RunsOn          []string           `json:"runs_on,omitempty"`
	Needs           []string           `json:"needs,omitempty"`
	If              string             `json:"if,omitempty"`
	Strategy        *MatrixStrategy    `json:"strategy,omitempty"`
	Steps           []StepDefinition   `json:"steps"`
	Outputs         map[string]string  `json:"outputs,omitempty"`
	Env             map[string]string  `json:"env,omitempty"`
	Concurrency     *ConcurrencyConfig `json:"concurrency,omitempty"`
	Defaults        Defaults           `json:"defaults,omitempty"`
	TimeoutMinutes  float64            `json:"timeout_minutes,omitempty"`
	ContinueOnError bool               `json:"continue_on_error,omitempty"`
	Environment     string             `json:"environment,omitempty"`
	Services        map[string]any     `json:"services,omitempty"`
	Container       any                `json:"container,omitempty"`
}

// DisplayName returns Name when set, else ID.
func (j *JobDefinition) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// MatrixStrategy is a job's `strategy` block.
type MatrixStrategy struct {
	Axes        []MatrixAxis  `json:"axes,omitempty"`
	Include     []MatrixEntry `json:"include,omitempty"`
	Exclude     []MatrixEntry `json:"exclude,omitempty"`
	FailFast    *bool         `json:"fail_fast,omitempty"`
	MaxParallel int           `json:"max_parallel,omitempty"`
}

// FailFastEnabled reports the effective fail-fast setting (default true).
func (s *MatrixStrategy) FailFastEnabled() bool {
	return s == nil || s.FailFast == nil || *s.FailFast
}

// MatrixAxis is one named dimension of a matrix, in declaration order.
type MatrixAxis struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// MatrixEntry is an ordered set of matrix bindings. It is used both for
// include/exclude entries and for expanded combinations.
type MatrixEntry struct {
	Keys   []string       `json:"keys"`
	Values map[string]any `json:"values"`
}

// Set binds key to value, keeping first-insertion order.
func (m *MatrixEntry) Set(key string, value any) {
	if m.Values == nil {
		m.Values = make(map[string]any)
	}
	if _, ok := m.Values[key]; !ok {
		m.Keys = append(m.Keys, key)
	}
	m.Values[key] = value
}

// Get returns the value bound to key.
func (m *MatrixEntry) Get(key string) (any, bool) {
	if m == nil || m.Values == nil {
		return nil, false
	}
	v, ok := m.Values[key]
	return v, ok
}

// Len returns the number of bindings.
func (m *MatrixEntry) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Keys)
}

// Map returns a shallow copy of the bindings as a plain map.
func (m *MatrixEntry) Map() map[string]any {
	out := make(map[string]any, m.Len())
	if m == nil {
		return out
	}
	for _, k := range m.Keys {
		out[k] = m.Values[k]
	}
	return out
}

// Clone returns a copy with independent key and value containers.
func (m *MatrixEntry) Clone() *MatrixEntry {
	if m == nil {
		return nil
	}
	c := &MatrixEntry{Keys: append([]string(nil), m.Keys...), Values: make(map[string]any, len(m.Values))}
	for k, v := range m.Values {
		c.Values[k] = v
	}
	return c
}

// StepDefinition describes a single step of a job.
type StepDefinition struct {
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name,omitempty"`
	Uses             string            `json:"uses,omitempty"`
	Run              string            `json:"run,omitempty"`
	If               string            `json:"if,omitempty"`
	With             map[string]string `json:"with,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Shell            string            `json:"shell,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error,omitempty"`
	TimeoutMinutes   float64           `json:"timeout_minutes,omitempty"`
}

// DisplayName returns the step name, falling back to uses/run text.
func (s *StepDefinition) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return "Run " + s.Uses
	case s.Run != "":
		line := s.Run
		for i, r := range line {
			if r == '\n' {
				line = line[:i]
				break
			}
		}
		return "Run " + line
	}
	return s.ID
}
