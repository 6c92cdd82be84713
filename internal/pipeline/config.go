package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
)

// RetryPolicy names the gate result that triggers a retry, the retry
// budget, and the agent type to invoke for the fix-up attempt.
type RetryPolicy struct {
	On       string `json:"on"`
	Max      int    `json:"max"`
	FixAgent string `json:"fix_agent"`
}

// Step is one pipeline step descriptor.
type Step struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Readonly  bool            `json:"readonly"`
	Blocking  *bool           `json:"blocking"` // nil means "default true"
	EnabledBy string          `json:"enabled_by"`
	DependsOn string          `json:"depends_on"`
	Config    json.RawMessage `json:"config"`
	Retry     *RetryPolicy    `json:"retry"`
}

// IsBlocking reports whether a non-PASS result for this step halts the
// pipeline; the default, absent an explicit field, is true.
func (s Step) IsBlocking() bool {
	if s.Blocking == nil {
		return true
	}
	return *s.Blocking
}

// Pipeline is the full ordered step list loaded from a project's
// pipeline file.
type Pipeline struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// StepIndex returns the index of the named step, or -1 if absent.
func (p *Pipeline) StepIndex(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Load reads a pipeline file from disk. defaults, if non-nil, supplies
// built-in step definitions; any step in the project file with the same
// ID overrides the corresponding default entirely (the config hierarchy
// stops at the step level: project file beats built-in default, and a
// step's own config object beats both for its agent invocation).
func Load(path string, defaults *Pipeline) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading %s: %w", path, err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pipeline: parsing %s: %w", path, err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	if defaults == nil {
		return &p, nil
	}
	return mergeDefaults(&p, defaults), nil
}

// mergeDefaults layers project steps over built-in defaults by ID,
// preserving the project file's step order and appending any default
// steps the project file never mentions.
func mergeDefaults(project, defaults *Pipeline) *Pipeline {
	seen := make(map[string]bool, len(project.Steps))
	merged := &Pipeline{Name: project.Name, Steps: append([]Step(nil), project.Steps...)}
	for _, s := range merged.Steps {
		seen[s.ID] = true
	}
	for _, d := range defaults.Steps {
		if !seen[d.ID] {
			merged.Steps = append(merged.Steps, d)
		}
	}
	return merged
}

// Validate checks structural requirements: unique, non-empty step IDs;
// every agent type present; every depends_on reference resolves to an
// earlier step.
func Validate(p *Pipeline) error {
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("pipeline: step %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Agent == "" {
			return fmt.Errorf("pipeline: step %q: missing agent", s.ID)
		}
		if s.DependsOn != "" && !seen[s.DependsOn] {
			return fmt.Errorf("pipeline: step %q: depends_on %q must reference an earlier step", s.ID, s.DependsOn)
		}
		if s.Retry != nil && s.Retry.Max < 0 {
			return fmt.Errorf("pipeline: step %q: retry.max must be >= 0", s.ID)
		}
	}
	return nil
}
