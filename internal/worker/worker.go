// Package worker owns the lifecycle of one task attempt: create an
// isolated workspace, run its pipeline, and tear everything down
// again, writing the board's final status as it goes. Each worker gets
// its own `workers/worker-<TASK>-<epoch>/` directory with one
// subdirectory per concern (logs, results, reports, workspace).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jorge-barreto/wiggum/internal/activity"
	"github.com/jorge-barreto/wiggum/internal/agent"
	"github.com/jorge-barreto/wiggum/internal/atomicfile"
	"github.com/jorge-barreto/wiggum/internal/batch"
	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/pr"
	"github.com/jorge-barreto/wiggum/internal/retry"
	"github.com/jorge-barreto/wiggum/internal/vcs"
	"github.com/jorge-barreto/wiggum/internal/wlog"
)

// ErrBatchFailed is returned (wrapped in a halted RunResult, never as an
// error from Run) when a worker joins a batch that another member has
// already marked failed; the worker exits immediately instead of
// waiting for a turn that will never come.
var ErrBatchFailed = errors.New("worker: batch marked failed")

// batchPollInterval is how often a worker re-checks its batch's turn.
const batchPollInterval = 200 * time.Millisecond

// Outcome is the worker's own exit classification, distinct from the
// pipeline's Outcome: it folds in the violation sentinel.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Spec describes one worker to create.
type Spec struct {
	WorkersRoot  string
	TaskID       string
	Kind         pool.Kind
	BaseRevision string
	PRD          string   // rendered product-requirements content for prd.md
	Batch        string   // optional batch identifier for serial coordination
	BatchOrder   []string // this batch's serial run order; only meaningful when Batch != ""
}

// Handle is a created worker's directory and identity.
type Handle struct {
	ID           string // directory name, e.g. "worker-ABC-123-<epoch>" or "worker-ABC-123-fix-<epoch>"
	Dir          string
	WorkspaceDir string
	TaskID       string
	Kind         pool.Kind
	Branch       string // the worker's own branch, pushed and opened as a PR on success
	WorkersRoot  string
	Batch        string // optional batch identifier this worker must coordinate through
}

// dirName builds the worker directory name:
// "workers/worker-<TASK-ID>-<epoch>" for a main worker, with a
// "-fix-<epoch>" / "-resolve-<epoch>" suffix for follow-ups, matching
// what internal/pool.inferKindAndTask expects to parse back.
func dirName(taskID string, kind pool.Kind, epoch int64) string {
	switch kind {
	case pool.KindFix:
		return fmt.Sprintf("worker-%s-fix-%d", taskID, epoch)
	case pool.KindResolve:
		return fmt.Sprintf("worker-%s-resolve-%d", taskID, epoch)
	default:
		return fmt.Sprintf("worker-%s-%d", taskID, epoch)
	}
}

// Create allocates a worker's directory, its worktree pinned to
// BaseRevision, its prd.md, and its own PID file.
// It does not start the pipeline or the violation monitor —
// callers do that via Run and ViolationMonitor.Start.
func Create(ctx context.Context, repo *vcs.Repo, spec Spec, now func() time.Time) (*Handle, error) {
	if now == nil {
		now = time.Now
	}
	epoch := now().UnixNano()
	name := dirName(spec.TaskID, spec.Kind, epoch)
	dir := filepath.Join(spec.WorkersRoot, name)

	for _, sub := range []string{"logs", "results", "reports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("worker: creating %s: %w", sub, err)
		}
	}

	workspace := filepath.Join(dir, "workspace")
	branch := fmt.Sprintf("wiggum/%s-%s", spec.TaskID, uuid.New().String()[:8])
	if err := repo.WorktreeAdd(ctx, workspace, branch, spec.BaseRevision); err != nil {
		return nil, fmt.Errorf("worker: creating worktree: %w", err)
	}

	if err := atomicfile.Write(filepath.Join(dir, "prd.md"), []byte(spec.PRD), 0644); err != nil {
		return nil, fmt.Errorf("worker: writing prd.md: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(dir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("worker: writing pid file: %w", err)
	}
	if spec.Batch != "" {
		order := spec.BatchOrder
		if len(order) == 0 {
			order = []string{spec.TaskID}
		}
		if err := batch.EnsureCreated(spec.WorkersRoot, spec.Batch, order); err != nil {
			return nil, fmt.Errorf("worker: seeding batch record: %w", err)
		}
		rec, err := batch.Load(spec.WorkersRoot, spec.Batch, order)
		if err != nil {
			return nil, fmt.Errorf("worker: loading batch record: %w", err)
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("worker: marshaling batch context: %w", err)
		}
		if err := atomicfile.Write(filepath.Join(dir, "batch-context.json"), data, 0644); err != nil {
			return nil, fmt.Errorf("worker: writing batch context: %w", err)
		}
	}

	return &Handle{
		ID:           name,
		Dir:          dir,
		WorkspaceDir: workspace,
		TaskID:       spec.TaskID,
		Kind:         spec.Kind,
		Branch:       branch,
		WorkersRoot:  spec.WorkersRoot,
		Batch:        spec.Batch,
	}, nil
}

// violationFlagPath is the sentinel file whose presence at reap time
// converts the worker's outcome to failure regardless of its pipeline
// gate vector.
func violationFlagPath(workerDir string) string {
	return filepath.Join(workerDir, "violation_flag.txt")
}

// HasViolation reports whether the violation monitor ever flagged this
// worker.
func HasViolation(workerDir string) bool {
	_, err := os.Stat(violationFlagPath(workerDir))
	return err == nil
}

// Run drives h's pipeline to completion (or halt) using r, writing the
// worker.log phase-level event trail as it goes. If h belongs to a
// batch, Run first blocks until the batch record gives h's task the
// turn, or returns a halted result immediately if the batch has already
// been marked failed.
func Run(ctx context.Context, r *pipeline.Runner, h *Handle, projectDir string, pl *pipeline.Pipeline, startFromStep string) (*pipeline.RunResult, error) {
	log := wlog.WithWorker(h.ID)

	if h.Batch != "" {
		if err := awaitBatchTurn(ctx, h.WorkersRoot, h.Batch, h.TaskID); err != nil {
			if errors.Is(err, ErrBatchFailed) {
				log.Warn().Str("batch", h.Batch).Msg("batch marked failed; aborting before pipeline run")
				return &pipeline.RunResult{Outcome: pipeline.OutcomeHaltedBlocking}, nil
			}
			return nil, err
		}
	}

	log.Info().Str("task_id", h.TaskID).Msg("pipeline run starting")
	result, err := r.RunAll(ctx, h.Dir, projectDir, h.TaskID, pl, startFromStep)
	if err != nil {
		log.Error().Err(err).Msg("pipeline run errored")
		return nil, err
	}
	log.Info().Str("outcome", string(result.Outcome)).Msg("pipeline run finished")
	return result, nil
}

// awaitBatchTurn blocks until batchID's record gives taskID the turn to
// run, polling at batchPollInterval.
func awaitBatchTurn(ctx context.Context, workersRoot, batchID, taskID string) error {
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()

	for {
		rec, err := batch.Load(workersRoot, batchID, nil)
		if err != nil {
			return fmt.Errorf("worker: loading batch %s: %w", batchID, err)
		}
		if rec.Failed() {
			return ErrBatchFailed
		}
		if rec.MyTurn(taskID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result is what the scheduler's reaper needs to finish a worker.
type Result struct {
	Outcome      Outcome
	PipelineOut  pipeline.Outcome
	LastStepGate agent.GateResult
	NeedsFix     bool // last step's gate was FIX; the scheduler checks the fix retry budget
	NeedsResolve bool // PR against base produced a merge conflict
	Violated     bool // the violation monitor dropped the sentinel for this worker
	FixErrors    []string
}

// GitState is the worker's git-state.json: the needs_fix/needs_resolve
// markers plus the pull request this worker's branch was opened
// against, if any.
type GitState struct {
	PRNumber     int    `json:"pr_number,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	NeedsFix     bool   `json:"needs_fix"`
	NeedsResolve bool   `json:"needs_resolve"`
}

func gitStatePath(workerDir string) string {
	return filepath.Join(workerDir, "git-state.json")
}

// ReadGitState loads a worker's git-state.json, for callers outside
// the lifecycle itself (the scheduler's optional auto-merge follow-up
// needs the PR number a finalized worker recorded).
func ReadGitState(workerDir string) (GitState, error) {
	data, err := os.ReadFile(gitStatePath(workerDir))
	if err != nil {
		return GitState{}, err
	}
	var gs GitState
	if err := json.Unmarshal(data, &gs); err != nil {
		return GitState{}, fmt.Errorf("worker: parsing git-state.json: %w", err)
	}
	return gs, nil
}

func writeGitState(workerDir string, gs GitState) error {
	data, err := json.MarshalIndent(gs, "", "  ")
	if err != nil {
		return fmt.Errorf("worker: marshaling git-state.json: %w", err)
	}
	return atomicfile.Write(gitStatePath(workerDir), data, 0644)
}

// Finalize pushes a successful worker's branch and opens a pull request
// against base. The created PR's number and URL are persisted to
// git-state.json so a later re-check of its mergeable state doesn't
// need to recreate it.
func Finalize(ctx context.Context, repo *vcs.Repo, h *Handle, base string) (*pr.Handle, error) {
	if err := repo.Push(ctx, h.WorkspaceDir, h.Branch); err != nil {
		return nil, fmt.Errorf("worker: pushing %s: %w", h.Branch, err)
	}
	handle, err := pr.Create(ctx, h.WorkspaceDir, base, h.TaskID, fmt.Sprintf("Automated change for %s.", h.TaskID))
	if err != nil {
		return nil, fmt.Errorf("worker: opening pull request for %s: %w", h.TaskID, err)
	}
	if err := writeGitState(h.Dir, GitState{PRNumber: handle.Number, PRURL: handle.URL}); err != nil {
		return nil, err
	}
	return handle, nil
}

// Classify computes a worker's final outcome from the last pipeline
// step's result and the violation sentinel. On success it also drives
// the finalization step — pushing the branch, opening the PR, and
// re-reading its mergeable state — so the scheduler's follow-up
// conflict-resolver spawn has NeedsResolve to act on. A finalization
// failure (no `gh` remote configured, network outage) is logged and
// does not flip a successful pipeline run to failure; it simply leaves
// no PR open for this attempt.
func Classify(ctx context.Context, repo *vcs.Repo, h *Handle, run *pipeline.RunResult, baseBranch string) Result {
	res := Result{Outcome: OutcomeSuccess}
	if run != nil {
		res.PipelineOut = run.Outcome
		if len(run.Steps) > 0 {
			last := run.Steps[len(run.Steps)-1]
			res.LastStepGate = last.Result
			res.FixErrors = last.Errors
			if last.Result == agent.GateFix {
				res.NeedsFix = true
			}
		}
		if run.Outcome == pipeline.OutcomeHaltedBlocking {
			res.Outcome = OutcomeFailure
		}
	}
	if HasViolation(h.Dir) {
		res.Outcome = OutcomeFailure
		res.Violated = true
	}

	log := wlog.WithWorker(h.ID)
	if res.Outcome == OutcomeSuccess {
		handle, err := Finalize(ctx, repo, h, baseBranch)
		if err != nil {
			log.Warn().Err(err).Msg("finalize (push/open pull request) failed")
		} else {
			// gh pr create only prints the new PR's URL; GitHub computes
			// mergeable asynchronously, so the conflict check needs a
			// follow-up pr.View before HasConflict means anything.
			refreshed, err := pr.View(ctx, h.WorkspaceDir, handle.Number)
			if err != nil {
				log.Warn().Err(err).Msg("refreshing pull request mergeable state failed")
			} else {
				res.NeedsResolve = refreshed.HasConflict()
			}
		}
	}

	gs := GitState{NeedsFix: res.NeedsFix, NeedsResolve: res.NeedsResolve}
	if existing, err := ReadGitState(h.Dir); err == nil {
		gs.PRNumber, gs.PRURL = existing.PRNumber, existing.PRURL
	}
	if err := writeGitState(h.Dir, gs); err != nil {
		log.Warn().Err(err).Msg("writing git-state.json failed")
	}
	return res
}

// Reap removes the worktree and updates the board to the terminal
// status the outcome implies. It does not stop the violation monitor;
// the caller that started it stops it. It never removes the worker's
// own directory — that is `clean`'s job, so logs, results, and reports
// survive for post-mortem inspection.
func Reap(ctx context.Context, repo *vcs.Repo, b *board.Board, h *Handle, res Result, act *activity.Log) error {
	log := wlog.WithWorker(h.ID)

	if err := repo.WorktreeRemove(ctx, h.WorkspaceDir); err != nil {
		log.Warn().Err(err).Msg("worktree removal failed")
	}

	status := board.StatusDone
	if res.Outcome == OutcomeFailure {
		status = board.StatusFailed
	}
	if err := b.SetStatusRetrying(ctx, h.TaskID, status, retry.DefaultPolicy); err != nil {
		return fmt.Errorf("worker: updating board for %s: %w", h.TaskID, err)
	}

	if h.Batch != "" {
		var err error
		if status == board.StatusDone {
			err = batch.Advance(h.WorkersRoot, h.Batch, h.TaskID)
		} else {
			err = batch.MarkFailed(h.WorkersRoot, h.Batch, h.TaskID)
		}
		if err != nil {
			log.Warn().Err(err).Str("batch", h.Batch).Msg("batch coordination update failed")
		}
	}

	if act != nil {
		act.Emit(activity.WorkerReaped, h.TaskID, map[string]any{
			"worker_id": h.ID,
			"outcome":   string(res.Outcome),
		})
	}
	log.Info().Str("outcome", string(res.Outcome)).Msg("worker reaped")
	return nil
}
