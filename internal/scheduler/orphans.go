package scheduler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/wlog"
	"github.com/jorge-barreto/wiggum/internal/worker"
)

// reconcileOrphans scans the workers directory before the first tick of
// a run, adopting any worker directory left behind by a prior scheduler
// process. This scheduler drives each worker's pipeline from a
// goroutine it owns directly rather than a literal second OS process
// (internal/worker's violation monitor already makes the same choice),
// so an orphan from a crashed process has no goroutine left to rejoin.
//
// Rather than unconditionally failing every orphan, it first replays
// the worker's persisted step results with pipeline.ReconstructRunResult
// to recover the true outcome a crashed scheduler never got to observe:
// a worker whose pipeline had already reached PASS/COMPLETED_ALL, a
// STOP, or a blocking halt before the crash is classified exactly as
// worker.Classify would have classified it live, including finalizing a
// successful run's PR. Only a worker whose reconstruction is incomplete
// — meaning the crash interrupted a step in flight, with no persisted
// result to recover — or one flagged by the violation monitor falls
// back to failure.
func (s *Scheduler) reconcileOrphans(ctx context.Context) error {
	restored, err := pool.RestoreFromDisk(s.WorkersRoot)
	if err != nil {
		return fmt.Errorf("scheduler: reconciling orphans: %w", err)
	}

	log := wlog.WithComponent("scheduler")
	restored.ForEach(func(e pool.Entry) {
		if e.PID > 0 && e.Status == pool.StatusRunning {
			log.Warn().Str("worker", e.WorkerID).Int("pid", e.PID).Msg("orphaned worker process still alive; reconciling from its persisted results")
		}
		h := &worker.Handle{
			ID:           e.WorkerID,
			Dir:          e.Dir,
			WorkspaceDir: filepath.Join(e.Dir, "workspace"),
			TaskID:       e.TaskID,
			Kind:         e.Kind,
			WorkersRoot:  s.WorkersRoot,
		}

		result := s.reconcileOne(ctx, h, log)
		s.pendingDone = append(s.pendingDone, workerDone{handle: h, result: result})
	})
	return nil
}

// reconcileOne recovers one orphaned worker's outcome from its
// persisted step results, falling back to failure only when the
// reconstruction can't establish a genuine terminal state.
func (s *Scheduler) reconcileOne(ctx context.Context, h *worker.Handle, log zerolog.Logger) worker.Result {
	run, complete := pipeline.ReconstructRunResult(h.Dir, s.Pipeline)
	if !complete {
		log.Warn().Str("worker", h.ID).Msg("orphan reconciliation: no complete persisted result, marking failed")
		return worker.Result{Outcome: worker.OutcomeFailure}
	}

	if branch, err := s.VCS.CurrentBranch(ctx, h.WorkspaceDir); err == nil {
		h.Branch = branch
	} else {
		log.Warn().Err(err).Str("worker", h.ID).Msg("orphan reconciliation: reading worktree branch failed")
	}

	return worker.Classify(ctx, s.VCS, h, run, s.BaseBranch)
}
