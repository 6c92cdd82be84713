package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_InvokeUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Invoke(context.Background(), Invocation{AgentType: "nope"})
	var unknown *ErrUnknownAgentType
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want ErrUnknownAgentType", err)
	}
}

func TestRegistry_InvokeDispatches(t *testing.T) {
	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "results", "plan-1.json")

	fake := &FakeBackend{Result: StepOutput{GateResult: GatePass}}
	r := NewRegistry()
	r.Register("echo", fake)

	err := r.Invoke(context.Background(), Invocation{
		AgentType:   "echo",
		StepID:      "plan",
		ResultsPath: resultsPath,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(fake.Calls))
	}

	result, err := ReadResult(resultsPath)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if result.GateResult != GatePass {
		t.Fatalf("got %v, want PASS", result.GateResult)
	}
}

func TestReadResult_MissingFile(t *testing.T) {
	out, err := ReadResult(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if out.GateResult != "" {
		t.Fatalf("got %v, want empty gate result for missing file", out.GateResult)
	}
}

func TestReadResult_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	out, err := ReadResult(path)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if out.GateResult != "" {
		t.Fatalf("got %v, want empty gate result for empty file", out.GateResult)
	}
}

func TestExpandVars(t *testing.T) {
	got := ExpandVars("hello $NAME, from ${PLACE}", map[string]string{"NAME": "world", "PLACE": "here"})
	if got != "hello world, from here" {
		t.Fatalf("got %q", got)
	}
}

func TestResultPath(t *testing.T) {
	got := ResultPath("/workers/ABC-1", "plan", 1234)
	want := "/workers/ABC-1/results/plan-1234.json"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
