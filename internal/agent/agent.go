// Package agent defines the sub-agent invocation contract and a registry
// of invocation backends. The orchestrator never assumes how an agent
// does its work; it only requires that, after being invoked with a
// worker directory, a project directory, and a step config, the agent
// eventually produces a results file containing a typed gate result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GateResult is a step's typed outcome.
type GateResult string

const (
	GatePass GateResult = "PASS"
	GateFail GateResult = "FAIL"
	GateFix  GateResult = "FIX"
	GateSkip GateResult = "SKIP"
	GateStop GateResult = "STOP"
)

// StepOutput is the JSON document an agent writes to
// <worker>/results/<step>-<epoch>.json.
type StepOutput struct {
	GateResult GateResult      `json:"gate_result"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

// Invocation carries everything a backend needs to run one step.
type Invocation struct {
	StepID      string
	TaskID      string
	AgentType   string
	WorkerDir   string
	ProjectDir  string
	Readonly    bool
	Config      json.RawMessage
	Prompt      string // rendered prompt text, if the agent type consumes one
	ResultsPath string // where the backend must leave its StepOutput
	LogDir      string // where raw logs may be written; never read back
}

// Invoker runs one agent invocation to completion (or returns an error
// if it could not even be started). It does not itself classify the
// gate result — that's the caller's job, reading ResultsPath back.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// Registry maps agent-type strings to invocation backends. An unknown
// agent type is a configuration error, never a silent no-op.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Invoker)}
}

// Register binds an agent-type string to a backend, replacing any
// existing binding.
func (r *Registry) Register(agentType string, backend Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[agentType] = backend
}

// ErrUnknownAgentType is returned by Invoke when no backend is
// registered for the requested agent type.
type ErrUnknownAgentType struct {
	AgentType string
}

func (e *ErrUnknownAgentType) Error() string {
	return fmt.Sprintf("agent: unknown agent type %q", e.AgentType)
}

// Invoke dispatches to the registered backend for inv.AgentType.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) error {
	r.mu.RLock()
	backend, ok := r.backends[inv.AgentType]
	r.mu.RUnlock()
	if !ok {
		return &ErrUnknownAgentType{AgentType: inv.AgentType}
	}
	return backend.Invoke(ctx, inv)
}

// ReadResult loads and validates the step output file an agent must
// have written. A missing or empty file is not an error here — callers
// synthesize FAIL with "missing output" themselves, per the invocation
// contract, so they can log the distinction between "agent crashed
// before writing" and "agent wrote garbage".
func ReadResult(path string) (StepOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StepOutput{}, nil
		}
		return StepOutput{}, fmt.Errorf("agent: reading result %s: %w", path, err)
	}
	if len(data) == 0 {
		return StepOutput{}, nil
	}
	var out StepOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return StepOutput{}, fmt.Errorf("agent: parsing result %s: %w", path, err)
	}
	return out, nil
}

// ResultPath builds the canonical <worker>/results/<step>-<epoch>.json path.
func ResultPath(workerDir, stepID string, epoch int64) string {
	return filepath.Join(workerDir, "results", fmt.Sprintf("%s-%d.json", stepID, epoch))
}
