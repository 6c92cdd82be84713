package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jorge-barreto/wiggum/internal/agent"
)

func blocking(b bool) *bool { return &b }

func newTestRunner(reg *agent.Registry) *Runner {
	return &Runner{Registry: reg}
}

// sequenceBackend returns its queued outputs one per invocation,
// repeating the last once the queue runs out — enough to model an agent
// that emits FIX on the first attempt and PASS after the fix pass.
type sequenceBackend struct {
	outputs []agent.StepOutput
	calls   []agent.Invocation
}

func (s *sequenceBackend) Invoke(ctx context.Context, inv agent.Invocation) error {
	s.calls = append(s.calls, inv)
	idx := len(s.calls) - 1
	if idx >= len(s.outputs) {
		idx = len(s.outputs) - 1
	}
	data, err := json.Marshal(s.outputs[idx])
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(inv.ResultsPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(inv.ResultsPath, data, 0644)
}

func TestRunAll_AllPass(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Name: "p", Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "build", Agent: "echo"},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeCompletedAll {
		t.Fatalf("got outcome %v, want COMPLETED_ALL", result.Outcome)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d step records, want 3", len(result.Steps))
	}
	for _, s := range result.Steps {
		if s.Result != agent.GatePass {
			t.Fatalf("step %s: got %v, want PASS", s.StepID, s.Result)
		}
	}
}

// Non-blocking soft failure: all three steps run, pipeline still
// reports success overall.
func TestRunAll_NonBlockingSoftFailure(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{
		Results: map[string]agent.StepOutput{
			"plan":  {GateResult: agent.GatePass},
			"audit": {GateResult: agent.GateFail, Errors: []string{"lint issue"}},
			"test":  {GateResult: agent.GatePass},
		},
	}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "audit", Agent: "echo", Blocking: blocking(false)},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeCompletedAll {
		t.Fatalf("got outcome %v, want COMPLETED_ALL", result.Outcome)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d step records, want 3 (all executed)", len(result.Steps))
	}
	if result.Steps[1].Result != agent.GateFail {
		t.Fatalf("got %v, want FAIL for audit", result.Steps[1].Result)
	}
}

// Gated downstream skip: validate fails non-blocking, docs
// (depends_on validate) is auto-skipped.
func TestRunAll_DependsOnSkip(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{
		Results: map[string]agent.StepOutput{
			"validate": {GateResult: agent.GateFail},
		},
	}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "validate", Agent: "echo", Blocking: blocking(false)},
		{ID: "docs", Agent: "echo", DependsOn: "validate"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeCompletedAll {
		t.Fatalf("got outcome %v, want COMPLETED_ALL", result.Outcome)
	}
	if result.Steps[1].Result != agent.GateSkip {
		t.Fatalf("got %v, want SKIP for docs", result.Steps[1].Result)
	}
	for _, call := range fake.Calls {
		if call.StepID == "docs" {
			t.Fatalf("docs step should never have invoked the agent")
		}
	}
}

func TestRunAll_BlockingFailureHalts(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{
		Results: map[string]agent.StepOutput{
			"plan":  {GateResult: agent.GatePass},
			"build": {GateResult: agent.GateFail, Errors: []string{"compile error"}},
		},
	}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "build", Agent: "echo"},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeHaltedBlocking {
		t.Fatalf("got outcome %v, want HALTED_BLOCKING", result.Outcome)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("got %d step records, want 2 (test never ran)", len(result.Steps))
	}
}

// A step whose agent emits FIX recovers when its retry policy invokes
// the fix agent and the next attempt passes: the pipeline completes,
// the step's final result is PASS, and the fix agent ran exactly once,
// between the two attempts of the step itself.
func TestRunAll_FixRetryRecovers(t *testing.T) {
	dir := t.TempDir()
	seq := &sequenceBackend{outputs: []agent.StepOutput{
		{GateResult: agent.GateFix, Errors: []string{"needs patch"}},
		{GateResult: agent.GatePass},
	}}
	fixer := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", seq)
	reg.Register("fixer", fixer)

	pl := &Pipeline{Steps: []Step{
		{ID: "build", Agent: "echo", Retry: &RetryPolicy{On: "FIX", Max: 2, FixAgent: "fixer"}},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeCompletedAll {
		t.Fatalf("got outcome %v, want COMPLETED_ALL", result.Outcome)
	}
	if result.Steps[0].Result != agent.GatePass {
		t.Fatalf("got %v, want PASS after retry", result.Steps[0].Result)
	}
	if len(seq.calls) != 2 {
		t.Fatalf("got %d build invocations, want 2 (FIX then PASS)", len(seq.calls))
	}
	if len(fixer.Calls) != 1 {
		t.Fatalf("got %d fix-agent invocations, want exactly 1", len(fixer.Calls))
	}
	if fixer.Calls[0].StepID != "build" {
		t.Fatalf("fix agent invoked for step %q, want build", fixer.Calls[0].StepID)
	}
}

// A step that keeps emitting FIX past its retry budget is treated per
// its blocking flag: with the default (blocking), the pipeline halts
// and the step's final persisted result stays FIX.
func TestRunAll_FixRetryBudgetExhaustedHalts(t *testing.T) {
	dir := t.TempDir()
	alwaysFix := &agent.FakeBackend{Result: agent.StepOutput{
		GateResult: agent.GateFix,
		Errors:     []string{"still broken"},
	}}
	fixer := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", alwaysFix)
	reg.Register("fixer", fixer)

	pl := &Pipeline{Steps: []Step{
		{ID: "build", Agent: "echo", Retry: &RetryPolicy{On: "FIX", Max: 1, FixAgent: "fixer"}},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Outcome != OutcomeHaltedBlocking {
		t.Fatalf("got outcome %v, want HALTED_BLOCKING", result.Outcome)
	}
	if result.Steps[0].Result != agent.GateFix {
		t.Fatalf("got %v, want FIX surfaced as the step's final result", result.Steps[0].Result)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("got %d step records, want 1 (test never ran)", len(result.Steps))
	}
	if len(fixer.Calls) != 1 {
		t.Fatalf("got %d fix-agent invocations, want 1 (budget of one retry)", len(fixer.Calls))
	}
}

func TestRunAll_EnabledByGate(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "optional", Agent: "echo", EnabledBy: "WIGGUM_TEST_ENABLE"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Steps[0].Result != agent.GateSkip {
		t.Fatalf("got %v, want SKIP (gate not set)", result.Steps[0].Result)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("gated-out step should never invoke the agent")
	}
}

func TestRunAll_MissingOutputSynthesizesFail(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Err: context.DeadlineExceeded}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Steps[0].Result != agent.GateFail {
		t.Fatalf("got %v, want FAIL", result.Steps[0].Result)
	}
	found := false
	for _, e := range result.Steps[0].Errors {
		if e == "missing output" {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors %v missing %q", result.Steps[0].Errors, "missing output")
	}
}

func TestResolveStartStep(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "build", Agent: "echo"},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	if _, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, ""); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if got := ResolveStartStep(dir, pl); got != "test" {
		t.Fatalf("got %q, want last step (all PASS, resume picks tail)", got)
	}
}

func TestResume_AgentPicksStartStep(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{
		GateResult: agent.GatePass,
		Outputs:    json.RawMessage(`{"start_from_step":"build"}`),
	}}
	reg := agent.NewRegistry()
	reg.Register("resume", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "build", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	got, err := r.Resume(context.Background(), dir, dir, "ABC-1", pl, "resume")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got != "build" {
		t.Fatalf("got %q, want build", got)
	}

	persisted, err := os.ReadFile(filepath.Join(dir, "resume-step.txt"))
	if err != nil {
		t.Fatalf("resume-step.txt: %v", err)
	}
	if strings.TrimSpace(string(persisted)) != "build" {
		t.Fatalf("got persisted decision %q, want build", persisted)
	}
}

func TestResume_AgentAborts(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{
		GateResult: agent.GateStop,
		Outputs:    json.RawMessage(`{"abort":true}`),
	}}
	reg := agent.NewRegistry()
	reg.Register("resume", fake)

	pl := &Pipeline{Steps: []Step{{ID: "plan", Agent: "echo"}}}

	r := newTestRunner(reg)
	if _, err := r.Resume(context.Background(), dir, dir, "ABC-1", pl, "resume"); !errors.Is(err, ErrAbort) {
		t.Fatalf("got %v, want ErrAbort", err)
	}

	persisted, err := os.ReadFile(filepath.Join(dir, "resume-step.txt"))
	if err != nil {
		t.Fatalf("resume-step.txt: %v", err)
	}
	if strings.TrimSpace(string(persisted)) != "ABORT" {
		t.Fatalf("got persisted decision %q, want ABORT", persisted)
	}
}

func TestRunAll_ResumeSkipsEarlierSteps(t *testing.T) {
	dir := t.TempDir()
	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &Pipeline{Steps: []Step{
		{ID: "plan", Agent: "echo"},
		{ID: "build", Agent: "echo"},
		{ID: "test", Agent: "echo"},
	}}

	r := newTestRunner(reg)
	result, err := r.RunAll(context.Background(), dir, dir, "ABC-1", pl, "build")
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("got %d step records, want 2 (plan skipped on resume)", len(result.Steps))
	}
	for _, call := range fake.Calls {
		if call.StepID == "plan" {
			t.Fatalf("plan should not re-invoke when resuming from build")
		}
	}
}
