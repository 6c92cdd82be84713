package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FakeBackend is a deterministic in-process backend for tests and for
// the reference "echo" agent type: it writes a canned StepOutput to
// inv.ResultsPath without shelling out to anything, so pipeline and
// scheduler tests never depend on a real agent CLI being installed.
type FakeBackend struct {
	// Result is returned for every invocation unless Results has an
	// entry keyed by StepID.
	Result StepOutput
	// Results overrides Result per step identifier.
	Results map[string]StepOutput
	// Err, if set, is returned instead of writing a result at all —
	// simulating an agent crash that never produces its output file.
	Err error
	// Calls records every invocation seen, for assertions.
	Calls []Invocation
}

func (f *FakeBackend) Invoke(ctx context.Context, inv Invocation) error {
	f.Calls = append(f.Calls, inv)
	if f.Err != nil {
		return f.Err
	}

	out := f.Result
	if f.Results != nil {
		if o, ok := f.Results[inv.StepID]; ok {
			out = o
		}
	}

	if inv.ResultsPath == "" {
		return fmt.Errorf("agent: fake backend invoked without a results path")
	}
	if err := os.MkdirAll(filepath.Dir(inv.ResultsPath), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(inv.ResultsPath, data, 0644)
}
