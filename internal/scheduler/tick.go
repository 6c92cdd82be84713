package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jorge-barreto/wiggum/internal/activity"
	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/claimpredict"
	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/pr"
	"github.com/jorge-barreto/wiggum/internal/retry"
	"github.com/jorge-barreto/wiggum/internal/ux"
	"github.com/jorge-barreto/wiggum/internal/worker"
)

// workerDone is what a worker's driving goroutine reports back to the
// tick loop once its pipeline run finishes. The scheduler itself stays
// single-threaded over board and pool mutations; only this struct
// crosses the goroutine boundary.
type workerDone struct {
	handle    *worker.Handle
	result    worker.Result
	runResult *pipeline.RunResult
	err       error
}

// tick runs one full scheduling cycle — reap, refresh, score, spawn,
// age, decay — and reports whether the run has reached its terminal
// condition.
func (s *Scheduler) tick(ctx context.Context, log zerolog.Logger) (bool, error) {
	var firstErr error
	schedulingEvent := false

	// 1. Reap.
	if s.reap(ctx, log) {
		schedulingEvent = true
	}

	// 2. Refresh.
	cyclic := s.Board.DetectCycles()
	s.warnNewCycles(cyclic, log)
	ready := s.Board.Ready(cyclicKeys(cyclic))

	// 3. Priority score.
	candidates := s.score(ready)

	// 4. Spawn filter.
	spawnedIDs, err := s.spawnReady(ctx, log, candidates)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if len(spawnedIDs) > 0 {
		schedulingEvent = true
	}

	// 6. Aging update — only for tasks that remained in ready without
	// being spawned this tick.
	if schedulingEvent {
		s.mu.Lock()
		for _, t := range ready {
			if spawnedIDs[t.ID] {
				continue
			}
			s.aging[t.ID]++
		}
		s.mu.Unlock()
		s.saveAging()
	}

	// Skip-counter decay (independent of scheduling_event).
	s.mu.Lock()
	for id, n := range s.skip {
		if n <= 1 {
			delete(s.skip, id)
		} else {
			s.skip[id] = n - 1
		}
	}
	s.mu.Unlock()

	// 7. Termination.
	done := s.terminal()
	return done, firstErr
}

// reap drains every worker-completion report queued since the last
// tick, updating the board and pool and spawning any fix/resolve
// follow-ups the result implies.
func (s *Scheduler) reap(ctx context.Context, log zerolog.Logger) bool {
	batch := s.pendingDone
	s.pendingDone = nil
	for {
		select {
		case wd := <-s.doneCh:
			batch = append(batch, wd)
		default:
			goto drained
		}
	}
drained:
	if len(batch) == 0 {
		return false
	}

	for _, wd := range batch {
		if wd.err != nil {
			log.Error().Err(wd.err).Str("worker", wd.handle.ID).Msg("worker run errored")
		}
		s.mu.Lock()
		delete(s.claims, wd.handle.ID)
		s.mu.Unlock()

		if wd.result.Violated {
			paths := worker.ViolationPaths(wd.handle.Dir)
			for _, p := range paths {
				ux.Violation(wd.handle.TaskID, p)
			}
			if s.Activity != nil {
				s.Activity.Emit(activity.WorkerViolation, wd.handle.TaskID, map[string]any{
					"worker_id": wd.handle.ID,
					"paths":     paths,
				})
			}
		}

		if err := worker.Reap(ctx, s.VCS, s.Board, wd.handle, wd.result, s.Activity); err != nil {
			log.Error().Err(err).Str("worker", wd.handle.ID).Msg("reap failed")
			s.noteSkip(wd.handle.TaskID)
		}
		if e, ok := s.Pool.Get(wd.handle.ID); ok {
			ux.WorkerReaped(wd.handle.TaskID, wd.result.Outcome == worker.OutcomeSuccess, s.Now().Sub(e.StartedAt))
		}
		s.Pool.Remove(wd.handle.ID)
		s.followUp(ctx, log, wd)
	}
	return true
}

// warnNewCycles reports each newly detected dependency cycle exactly
// once per run; the member set is stable, so warning on every tick
// would only repeat itself.
func (s *Scheduler) warnNewCycles(cyclic map[string][]string, log zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, scc := range cyclic {
		if s.warnedCycles[id] {
			continue
		}
		for _, member := range scc {
			s.warnedCycles[member] = true
		}
		ux.CycleWarning(scc)
		log.Warn().Strs("tasks", scc).Msg("dependency cycle detected; members permanently excluded from scheduling")
	}
}

// followUp spawns a fix worker when the gate result was FIX and a retry
// budget remains, and a conflict-resolver worker when the worker's PR
// produced a merge conflict.
func (s *Scheduler) followUp(ctx context.Context, log zerolog.Logger, wd workerDone) {
	taskID := wd.handle.TaskID

	if wd.result.NeedsFix {
		s.mu.Lock()
		tries := s.fixTries[taskID]
		s.mu.Unlock()
		if tries >= s.Config.MaxFixRetries {
			log.Warn().Str("task_id", taskID).Int("tries", tries).Msg("fix retry budget exhausted")
			s.propagateFailure(taskID, wd.result.FixErrors, log)
			return
		}
		if s.Pool.Count(pool.KindFix)+s.Pool.Count(pool.KindResolve) >= s.Config.MaxFollowupWorkers {
			log.Warn().Str("task_id", taskID).Msg("follow-up worker capacity reached, deferring fix spawn")
			return
		}
		s.mu.Lock()
		s.fixTries[taskID]++
		s.mu.Unlock()
		if err := s.spawn(ctx, taskID, pool.KindFix, "HEAD", wd.result.FixErrors); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("spawning fix worker failed")
		}
		return
	}

	if wd.result.NeedsResolve {
		if s.Pool.Count(pool.KindFix)+s.Pool.Count(pool.KindResolve) >= s.Config.MaxFollowupWorkers {
			log.Warn().Str("task_id", taskID).Msg("follow-up worker capacity reached, deferring resolve spawn")
			return
		}
		if err := s.spawn(ctx, taskID, pool.KindResolve, "HEAD", nil); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("spawning resolve worker failed")
		}
		return
	}

	// Optional auto-merge: a completed worker whose PR came back
	// conflict-free can be squash-merged right away instead of waiting
	// for a human. A merge failure is transient host trouble, never a
	// task failure — the PR simply stays open.
	if s.Config.AutoMerge && wd.result.Outcome == worker.OutcomeSuccess {
		gs, err := worker.ReadGitState(wd.handle.Dir)
		if err != nil || gs.PRNumber == 0 {
			return
		}
		if err := pr.Merge(ctx, s.ProjectDir, gs.PRNumber); err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Int("pr", gs.PRNumber).Msg("auto-merge failed; leaving pull request open")
			return
		}
		log.Info().Str("task_id", taskID).Int("pr", gs.PRNumber).Msg("pull request auto-merged")
	}
}

// propagateFailure records a task's final failure on the board. It is
// the one point where a failure is truly final within this run: the
// fix-worker retry budget is exhausted, so no further same-task fix
// attempt is coming. Rather than leave the task silently `failed`, it
// inserts a new board entry carrying the last fix worker's feedback
// forward as a fresh, independently schedulable task.
func (s *Scheduler) propagateFailure(parentID string, fixErrors []string, log zerolog.Logger) {
	id, ok := s.Board.NextFollowupID(parentID)
	if !ok {
		log.Warn().Str("task_id", parentID).Msg("failure propagation: could not derive a follow-up identifier")
		return
	}

	desc := fmt.Sprintf("Follow-up to %s: automated fix attempts exhausted.", parentID)
	if len(fixErrors) > 0 {
		desc += " Last feedback: " + strings.Join(fixErrors, "; ")
	}

	if _, err := s.Board.InsertFollowup(parentID, id, desc, board.PriorityHigh); err != nil {
		log.Error().Err(err).Str("task_id", parentID).Str("followup_id", id).Msg("failure propagation: inserting follow-up entry failed")
		return
	}
	if s.Activity != nil {
		s.Activity.Emit(activity.FailurePropagated, parentID, map[string]any{"followup_id": id})
	}
	log.Info().Str("task_id", parentID).Str("followup_id", id).Msg("failure propagated: follow-up entry inserted")
}

// score computes each ready task's priority score and returns
// candidates ordered highest score first, ties broken by lexicographic
// task identifier.
func (s *Scheduler) score(ready []board.Task) []candidate {
	pendingByDep := make(map[string]int)
	for _, t := range s.Board.List(board.StatusPending) {
		for _, dep := range t.Dependencies {
			pendingByDep[dep]++
		}
	}

	out := make([]candidate, 0, len(ready))
	s.mu.Lock()
	for _, t := range ready {
		score := int(t.Priority) * 1000
		score += s.aging[t.ID] * s.Config.AgingFactor
		if _, hasPlan := s.planFor(t.ID); hasPlan {
			score += s.Config.PlanBonus
		}
		score += pendingByDep[t.ID] * s.Config.DepFaninBonus
		if s.siblingInProgress(t.ID) {
			score -= s.Config.SiblingWIPPenalty
		}
		out = append(out, candidate{task: t, score: score})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].task.ID < out[j].task.ID
	})
	return out
}

func (s *Scheduler) planFor(taskID string) (claimpredict.PlanDoc, bool) {
	if s.Plans == nil {
		return claimpredict.PlanDoc{}, false
	}
	return s.Plans(taskID)
}

// siblingInProgress reports whether another task sharing taskID's
// prefix (e.g. "ABC" in "ABC-12") currently has a running worker — the
// feature-affinity penalty, avoiding conflicting edits within the same
// feature area.
func (s *Scheduler) siblingInProgress(taskID string) bool {
	prefix := prefixOf(taskID)
	found := false
	s.Pool.ForEach(func(e pool.Entry) {
		if found || e.Status != pool.StatusRunning {
			return
		}
		if e.TaskID != taskID && prefixOf(e.TaskID) == prefix {
			found = true
		}
	})
	return found
}

func prefixOf(taskID string) string {
	if idx := strings.Index(taskID, "-"); idx >= 0 {
		return taskID[:idx]
	}
	return taskID
}

// spawnReady applies the spawn filter to each scored candidate in
// order until capacity is exhausted, returning the set of task
// identifiers it spawned a main worker for.
func (s *Scheduler) spawnReady(ctx context.Context, log zerolog.Logger, candidates []candidate) (map[string]bool, error) {
	spawned := make(map[string]bool)
	var firstErr error

	for _, c := range candidates {
		if s.Pool.Count(pool.KindMain) >= s.Config.MaxWorkers {
			break
		}
		if s.hasSkip(c.task.ID) {
			continue
		}
		if s.siblingInProgress(c.task.ID) {
			continue
		}

		plan, _ := s.planFor(c.task.ID)
		claim := claimpredict.Predict(c.task.Scope, &plan)
		if s.claimConflict(claim) {
			continue
		}

		if err := s.spawn(ctx, c.task.ID, pool.KindMain, "HEAD", nil); err != nil {
			log.Error().Err(err).Str("task_id", c.task.ID).Msg("spawn failed")
			s.noteSkip(c.task.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		delete(s.aging, c.task.ID)
		s.mu.Unlock()
		spawned[c.task.ID] = true
	}
	return spawned, firstErr
}

func (s *Scheduler) hasSkip(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skip[taskID] > 0
}

func (s *Scheduler) noteSkip(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skip[taskID] += 3
}

func (s *Scheduler) claimConflict(claim claimpredict.ClaimSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.claims {
		if claimpredict.Overlaps(claim, existing) {
			return true
		}
	}
	return false
}

// spawn creates a worker for taskID/kind, registers it with the pool,
// and launches the goroutine that drives its pipeline to completion and
// reports back on s.doneCh. The agent invocation inside each step is
// the actual subprocess boundary; the worker's own driving loop is a
// goroutine the scheduler owns directly, the same model
// internal/worker's violation monitor already uses.
func (s *Scheduler) spawn(ctx context.Context, taskID string, kind pool.Kind, baseRevision string, fixErrors []string) error {
	task, ok := s.Board.Get(taskID)
	if !ok {
		return fmt.Errorf("scheduler: spawning %s: task not found on board", taskID)
	}

	plan, _ := s.planFor(taskID)
	claim := claimpredict.Predict(task.Scope, &plan)

	var batchOrder []string
	if task.Batch != "" {
		batchOrder = s.Board.BatchOrder(task.Batch)
	}

	h, err := worker.Create(ctx, s.VCS, worker.Spec{
		WorkersRoot:  s.WorkersRoot,
		TaskID:       taskID,
		Kind:         kind,
		BaseRevision: baseRevision,
		PRD:          renderPRD(task, fixErrors),
		Batch:        task.Batch,
		BatchOrder:   batchOrder,
	}, s.Now)
	if err != nil {
		return fmt.Errorf("scheduler: creating worker for %s: %w", taskID, err)
	}

	s.mu.Lock()
	s.claims[h.ID] = claim
	s.mu.Unlock()

	s.Pool.Add(pool.Entry{
		WorkerID:  h.ID,
		TaskID:    taskID,
		Kind:      kind,
		Status:    pool.StatusRunning,
		Dir:       h.Dir,
		StartedAt: s.Now(),
	})
	if err := s.Board.SetStatusRetrying(ctx, taskID, board.StatusInProgress, retry.DefaultPolicy); err != nil {
		// Non-fatal: the board write races other scheduler state only
		// under concurrent external edits, already retried with backoff
		// by SetStatusRetrying; the skip-backoff path below covers the
		// case where every attempt was exhausted.
		s.noteSkip(taskID)
	}
	if s.Activity != nil {
		s.Activity.Emit(activity.WorkerSpawned, taskID, map[string]any{"worker_id": h.ID, "kind": string(kind)})
	}
	if kind == pool.KindMain {
		ux.WorkerSpawned(taskID, string(kind))
	} else {
		ux.FollowupSpawned(taskID, string(kind))
	}

	monitor := &worker.ViolationMonitor{
		ProjectDir: s.ProjectDir,
		MetaDir:    s.MetaDir,
		WorkerDir:  h.Dir,
		TaskID:     taskID,
		VCS:        s.VCS,
	}

	go func() {
		stop := monitor.Start(ctx)
		runResult, runErr := worker.Run(ctx, s.Runner, h, s.ProjectDir, s.Pipeline, "")
		stop()
		result := worker.Classify(ctx, s.VCS, h, runResult, s.BaseBranch)
		s.doneCh <- workerDone{handle: h, result: result, runResult: runResult, err: runErr}
	}()

	return nil
}

// renderPRD builds the worker's prd.md content from its board entry,
// folding in any prior fix-worker errors as feedback for the agent to
// address.
func renderPRD(t board.Task, fixErrors []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", t.ID, t.Description)
	if len(t.Scope) > 0 {
		b.WriteString("\n## Scope\n")
		for _, s := range t.Scope {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, a := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(fixErrors) > 0 {
		b.WriteString("\n## Prior attempt feedback\n")
		for _, e := range fixErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// cyclicKeys adapts board.DetectCycles' map shape to the skip-set Ready
// expects.
func cyclicKeys(cyclic map[string][]string) map[string]bool {
	out := make(map[string]bool, len(cyclic))
	for id := range cyclic {
		out[id] = true
	}
	return out
}

// terminal reports whether the board has no outstanding work and the
// pool is empty.
func (s *Scheduler) terminal() bool {
	if s.Pool.Len() != 0 {
		return false
	}
	if len(s.Board.List(board.StatusPending)) != 0 {
		return false
	}
	if len(s.Board.List(board.StatusBlocked)) != 0 {
		return false
	}
	if len(s.Board.List(board.StatusInProgress)) != 0 {
		return false
	}
	return true
}
