// Package pipeline turns an ordered step list into a sequence of
// sub-agent invocations against one worker's directory, interpreting
// each step's gate result to decide continue, skip downstream, halt,
// or retry.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jorge-barreto/wiggum/internal/activity"
	"github.com/jorge-barreto/wiggum/internal/agent"
	"github.com/jorge-barreto/wiggum/internal/atomicfile"
	"github.com/jorge-barreto/wiggum/internal/vcs"
)

// ErrAbort is returned by Resume when the resume-decide agent chooses
// to abort rather than pick a step to resume from.
var ErrAbort = errors.New("pipeline: resume aborted by resume-decide agent")

// resumeDecision is the JSON shape the resume-decide agent type writes
// to its result file's Outputs field.
type resumeDecision struct {
	StartFromStep string `json:"start_from_step"`
	Abort         bool   `json:"abort"`
}

// StepState is one step's position in the per-step state machine.
type StepState string

const (
	StateNotStarted StepState = "NOT_STARTED"
	StateGatedOut   StepState = "GATED_OUT"
	StateDepBlocked StepState = "DEP_BLOCKED"
	StateRunning    StepState = "RUNNING"
	StateCompleted  StepState = "COMPLETED"
	StateRetrying   StepState = "RETRYING"
)

// Outcome is the pipeline's own terminal state.
type Outcome string

const (
	OutcomeCompletedAll   Outcome = "COMPLETED_ALL"
	OutcomeHaltedBlocking Outcome = "HALTED_BLOCKING"
	OutcomeHaltedByAgent  Outcome = "HALTED_BY_AGENT"
)

// StepRecord is the final outcome the runner reached for one step in
// this run, mirroring the persisted result file.
type StepRecord struct {
	StepID string
	State  StepState
	Result agent.GateResult
	Epoch  int64
	Errors []string
}

// RunResult is what RunAll returns: the pipeline's terminal outcome
// plus a record of every step touched this run, in execution order.
type RunResult struct {
	Outcome Outcome
	Steps   []StepRecord
}

// Runner drives a Pipeline against one worker directory.
type Runner struct {
	Registry *agent.Registry
	Activity *activity.Log // optional; nil disables activity logging
	VCS      *vcs.Repo     // optional; nil disables the commit after a non-read-only step
	Now      func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunAll executes pl against workerDir/workspace starting at the step
// named startFromStep (or the first step if empty). It resolves
// depends_on against both this run's in-memory results and, for steps
// before the resume point, the latest persisted result file on disk;
// enabled_by is checked against the environment.
func (r *Runner) RunAll(ctx context.Context, workerDir, projectDir, taskID string, pl *Pipeline, startFromStep string) (*RunResult, error) {
	startIdx := 0
	if startFromStep != "" {
		startIdx = pl.StepIndex(startFromStep)
		if startIdx < 0 {
			return nil, fmt.Errorf("pipeline: start_from_step %q not found", startFromStep)
		}
	}

	results := make(map[string]agent.StepOutput)
	run := &RunResult{}

	for i, step := range pl.Steps {
		if i < startIdx {
			// Steps before the resume point are assumed already settled;
			// their persisted result (if any) still participates in
			// depends_on checks for steps at or after startIdx.
			if out, ok, err := r.latestResult(workerDir, step.ID); err == nil && ok {
				results[step.ID] = out
			}
			continue
		}

		record, outcome, err := r.runStep(ctx, workerDir, projectDir, taskID, step, results)
		if err != nil {
			return nil, err
		}
		run.Steps = append(run.Steps, record)
		if out, ok, _ := r.latestResult(workerDir, step.ID); ok {
			results[step.ID] = out
		}

		if outcome != "" {
			run.Outcome = outcome
			return run, nil
		}
	}

	run.Outcome = OutcomeCompletedAll
	return run, nil
}

// runStep executes the gate/dependency/prepare/invoke/commit/classify
// sequence for one step, returning a non-empty Outcome only when the
// step halts the pipeline.
func (r *Runner) runStep(ctx context.Context, workerDir, projectDir, taskID string, step Step, priorResults map[string]agent.StepOutput) (StepRecord, Outcome, error) {
	// 1. Gate check.
	if step.EnabledBy != "" && os.Getenv(step.EnabledBy) != "true" {
		r.emit(activity.StepSkipped, taskID, step.ID, "gated out")
		return r.persistAndRecord(workerDir, step.ID, StateGatedOut, agent.GateSkip, nil, nil), "", nil
	}

	// 2. Dependency check.
	if step.DependsOn != "" {
		dep, ok := priorResults[step.DependsOn]
		if !ok || dep.GateResult != agent.GatePass {
			r.emit(activity.StepSkipped, taskID, step.ID, fmt.Sprintf("depends_on %q not PASS", step.DependsOn))
			return r.persistAndRecord(workerDir, step.ID, StateDepBlocked, agent.GateSkip, nil, nil), "", nil
		}
	}

	// 3. Prepare + 4. Invoke (with retry loop for FIX).
	maxAttempts := 1
	if step.Retry != nil && strings.EqualFold(step.Retry.On, "FIX") {
		maxAttempts = step.Retry.Max + 1
	}

	var out agent.StepOutput
	var epoch int64

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if step.Retry.FixAgent != "" {
				fixStep := step
				fixStep.Agent = step.Retry.FixAgent
				if _, _, err := r.invokeOnce(ctx, workerDir, projectDir, taskID, fixStep); err != nil {
					return StepRecord{}, "", err
				}
			}
		}

		var err error
		out, epoch, err = r.invokeOnce(ctx, workerDir, projectDir, taskID, step)
		if err != nil {
			return StepRecord{}, "", err
		}
		if out.GateResult != agent.GateFix {
			break
		}
	}

	// 5. Commit, if the step mutates the workspace.
	if !step.Readonly {
		workspace := filepath.Join(workerDir, "workspace")
		if r.VCS != nil {
			if _, err := r.VCS.Commit(ctx, workspace, vcs.StepCommitMessage(taskID, step.ID)); err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("commit failed: %v", err))
			}
		}
	}

	// 6. Classify.
	record := StepRecord{StepID: step.ID, Epoch: epoch, Result: out.GateResult, Errors: out.Errors}
	switch out.GateResult {
	case agent.GatePass:
		record.State = StateCompleted
		r.emit(activity.StepCompleted, taskID, step.ID, "")
		return record, "", nil
	case agent.GateSkip:
		record.State = StateCompleted
		r.emit(activity.StepSkipped, taskID, step.ID, "agent emitted SKIP")
		return record, "", nil
	case agent.GateStop:
		record.State = StateCompleted
		r.emit(activity.PipelineHaltedBy, taskID, step.ID, "")
		return record, OutcomeHaltedByAgent, nil
	case agent.GateFail, agent.GateFix:
		if step.IsBlocking() {
			record.State = StateCompleted
			r.emit(activity.PipelineHalted, taskID, step.ID, strings.Join(out.Errors, "; "))
			return record, OutcomeHaltedBlocking, nil
		}
		record.State = StateCompleted
		r.emit(activity.StepFailedSoft, taskID, step.ID, strings.Join(out.Errors, "; "))
		return record, "", nil
	default:
		record.State = StateCompleted
		record.Result = agent.GateFail
		record.Errors = append(record.Errors, fmt.Sprintf("unrecognized gate result %q", out.GateResult))
		if step.IsBlocking() {
			r.emit(activity.PipelineHalted, taskID, step.ID, "unrecognized gate result")
			return record, OutcomeHaltedBlocking, nil
		}
		r.emit(activity.StepFailedSoft, taskID, step.ID, "unrecognized gate result")
		return record, "", nil
	}
}

// invokeOnce writes step-config.json, sets up the step's log directory,
// dispatches to the registry, and reads back the result file —
// synthesizing FAIL with "missing output" if the agent never wrote one.
func (r *Runner) invokeOnce(ctx context.Context, workerDir, projectDir, taskID string, step Step) (agent.StepOutput, int64, error) {
	epoch := r.now().UnixNano()

	if err := writeStepConfig(workerDir, step.Config); err != nil {
		return agent.StepOutput{}, epoch, err
	}

	logDir := filepath.Join(workerDir, "logs", fmt.Sprintf("%s-%d", step.ID, epoch))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return agent.StepOutput{}, epoch, fmt.Errorf("pipeline: creating log dir: %w", err)
	}
	r.emit(activity.StepStarted, taskID, step.ID, "")

	resultsPath := agent.ResultPath(workerDir, step.ID, epoch)
	inv := agent.Invocation{
		StepID:      step.ID,
		TaskID:      taskID,
		AgentType:   step.Agent,
		WorkerDir:   workerDir,
		ProjectDir:  projectDir,
		Readonly:    step.Readonly,
		Config:      step.Config,
		Prompt:      renderPrompt(step, taskID, workerDir, projectDir),
		ResultsPath: resultsPath,
		LogDir:      logDir,
	}

	invokeErr := r.Registry.Invoke(ctx, inv)

	out, readErr := agent.ReadResult(resultsPath)
	if readErr != nil {
		return agent.StepOutput{}, epoch, readErr
	}
	if out.GateResult == "" {
		out.GateResult = agent.GateFail
		out.Errors = append(out.Errors, "missing output")
		if invokeErr != nil {
			out.Errors = append(out.Errors, invokeErr.Error())
		}
		if err := persistResult(resultsPath, out); err != nil {
			return out, epoch, err
		}
	}
	return out, epoch, nil
}

// persistAndRecord writes a synthesized result (gate check / dependency
// check outcomes never invoke an agent) and returns its StepRecord.
func (r *Runner) persistAndRecord(workerDir, stepID string, state StepState, result agent.GateResult, outputs json.RawMessage, errs []string) StepRecord {
	epoch := r.now().UnixNano()
	path := agent.ResultPath(workerDir, stepID, epoch)
	_ = persistResult(path, agent.StepOutput{GateResult: result, Outputs: outputs, Errors: errs})
	return StepRecord{StepID: stepID, State: state, Result: result, Epoch: epoch, Errors: errs}
}

func persistResult(path string, out agent.StepOutput) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("pipeline: creating results dir: %w", err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("pipeline: marshaling result: %w", err)
	}
	return atomicfile.Write(path, data, 0644)
}

// stepPrompt is the subset of a step's config object the runner reads
// on its own before handing the rest to the agent backend verbatim: a
// "prompt" key templated with $VAR / ${VAR} references, expanded
// against this invocation's identity before the agent ever sees it.
type stepPrompt struct {
	Prompt string `json:"prompt"`
}

// renderPrompt expands step.Config's "prompt" field, if present, with
// this invocation's own identifiers substituted for $TASK_ID,
// $STEP_ID, $WORKER_DIR, and $PROJECT_DIR. A step whose config carries
// no "prompt" key renders the empty string, leaving the agent backend
// to fall back to its own default prompt construction.
func renderPrompt(step Step, taskID, workerDir, projectDir string) string {
	if len(step.Config) == 0 {
		return ""
	}
	var sp stepPrompt
	if err := json.Unmarshal(step.Config, &sp); err != nil || sp.Prompt == "" {
		return ""
	}
	vars := map[string]string{
		"TASK_ID":     taskID,
		"STEP_ID":     step.ID,
		"WORKER_DIR":  workerDir,
		"PROJECT_DIR": projectDir,
	}
	return agent.ExpandVars(sp.Prompt, vars)
}

func writeStepConfig(workerDir string, config json.RawMessage) error {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	return os.WriteFile(filepath.Join(workerDir, "step-config.json"), config, 0644)
}

func (r *Runner) emit(event, taskID, stepID, detail string) {
	if r.Activity == nil {
		return
	}
	fields := map[string]any{"step_id": stepID}
	if detail != "" {
		fields["detail"] = detail
	}
	r.Activity.Emit(event, taskID, fields)
}

// latestResult finds the most recent persisted result for stepID in
// workerDir/results, by epoch suffix — reruns never clobber an earlier
// attempt's file, so the highest epoch is the current truth.
func (r *Runner) latestResult(workerDir, stepID string) (agent.StepOutput, bool, error) {
	return LatestResult(workerDir, stepID)
}

// LatestResult is the exported form used by Resume to inspect prior
// runs without constructing a Runner.
func LatestResult(workerDir, stepID string) (agent.StepOutput, bool, error) {
	dir := filepath.Join(workerDir, "results")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return agent.StepOutput{}, false, nil
		}
		return agent.StepOutput{}, false, fmt.Errorf("pipeline: scanning results: %w", err)
	}

	prefix := stepID + "-"
	var bestEpoch int64 = -1
	var bestName string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		epochStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			continue
		}
		if epoch > bestEpoch {
			bestEpoch = epoch
			bestName = name
		}
	}
	if bestName == "" {
		return agent.StepOutput{}, false, nil
	}
	out, err := agent.ReadResult(filepath.Join(dir, bestName))
	if err != nil {
		return agent.StepOutput{}, false, err
	}
	return out, true, nil
}

// Resume decides which step to start from: if resumeAgentType is set,
// it invokes that dedicated agent to choose (or abort) and persists
// the decision to workerDir/resume-step.txt; otherwise it falls back
// to ResolveStartStep's default rule.
func (r *Runner) Resume(ctx context.Context, workerDir, projectDir, taskID string, pl *Pipeline, resumeAgentType string) (string, error) {
	if resumeAgentType == "" {
		return ResolveStartStep(workerDir, pl), nil
	}

	resultsPath := agent.ResultPath(workerDir, "resume-decide", r.now().UnixNano())
	inv := agent.Invocation{
		StepID:      "resume-decide",
		TaskID:      taskID,
		AgentType:   resumeAgentType,
		WorkerDir:   workerDir,
		ProjectDir:  projectDir,
		ResultsPath: resultsPath,
	}
	if err := r.Registry.Invoke(ctx, inv); err != nil {
		return "", fmt.Errorf("pipeline: resume-decide: %w", err)
	}
	out, err := agent.ReadResult(resultsPath)
	if err != nil {
		return "", err
	}

	var decision resumeDecision
	if len(out.Outputs) > 0 {
		if err := json.Unmarshal(out.Outputs, &decision); err != nil {
			return "", fmt.Errorf("pipeline: parsing resume-decide outputs: %w", err)
		}
	}

	resumePath := filepath.Join(workerDir, "resume-step.txt")
	if decision.Abort {
		_ = os.WriteFile(resumePath, []byte("ABORT\n"), 0644)
		return "", ErrAbort
	}
	start := decision.StartFromStep
	if start == "" {
		start = ResolveStartStep(workerDir, pl)
	}
	_ = os.WriteFile(resumePath, []byte(start+"\n"), 0644)
	return start, nil
}

// ResolveStartStep picks the earliest step that has no persisted result
// file or whose latest result has an empty gate, for callers that skip
// the dedicated resume-decide agent; if every step has a result it
// returns the last step. The age of a result file is not checked.
func ResolveStartStep(workerDir string, pl *Pipeline) string {
	for _, step := range pl.Steps {
		out, ok, err := LatestResult(workerDir, step.ID)
		if err != nil || !ok || out.GateResult == "" {
			return step.ID
		}
	}
	if len(pl.Steps) == 0 {
		return ""
	}
	return pl.Steps[len(pl.Steps)-1].ID
}

// ReconstructRunResult replays runStep's gate/dependency/classify logic
// purely from each step's persisted result file, making no agent
// invocation and no workspace commit. Orphan reconciliation uses it to
// recover a crashed scheduler's already-completed work from disk
// instead of discarding it wholesale.
//
// complete is false the moment a step that was reached (its gate and
// depends_on checks passed) has no persisted result: that means the
// crash interrupted the step in flight and there is nothing genuine to
// recover, so the caller should treat the worker as failed rather than
// trust a partial reconstruction.
func ReconstructRunResult(workerDir string, pl *Pipeline) (run *RunResult, complete bool) {
	if pl == nil {
		return nil, false
	}

	results := make(map[string]agent.StepOutput)
	run = &RunResult{}

	for _, step := range pl.Steps {
		if step.EnabledBy != "" && os.Getenv(step.EnabledBy) != "true" {
			run.Steps = append(run.Steps, StepRecord{StepID: step.ID, State: StateGatedOut, Result: agent.GateSkip})
			continue
		}
		if step.DependsOn != "" {
			dep, ok := results[step.DependsOn]
			if !ok || dep.GateResult != agent.GatePass {
				run.Steps = append(run.Steps, StepRecord{StepID: step.ID, State: StateDepBlocked, Result: agent.GateSkip})
				continue
			}
		}

		out, ok, err := LatestResult(workerDir, step.ID)
		if err != nil || !ok || out.GateResult == "" {
			return nil, false
		}
		results[step.ID] = out

		record := StepRecord{StepID: step.ID, State: StateCompleted, Result: out.GateResult, Errors: out.Errors}
		switch out.GateResult {
		case agent.GatePass, agent.GateSkip:
			run.Steps = append(run.Steps, record)
		case agent.GateStop:
			run.Steps = append(run.Steps, record)
			run.Outcome = OutcomeHaltedByAgent
			return run, true
		case agent.GateFail, agent.GateFix:
			run.Steps = append(run.Steps, record)
			if step.IsBlocking() {
				run.Outcome = OutcomeHaltedBlocking
				return run, true
			}
		default:
			record.Result = agent.GateFail
			record.Errors = append(record.Errors, fmt.Sprintf("unrecognized gate result %q", out.GateResult))
			run.Steps = append(run.Steps, record)
			if step.IsBlocking() {
				run.Outcome = OutcomeHaltedBlocking
				return run, true
			}
		}
	}

	run.Outcome = OutcomeCompletedAll
	return run, true
}
