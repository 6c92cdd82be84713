// Package scheduler is the engine's long-running control loop: a
// single cooperative thread that ticks over the task board, reaps
// finished workers, scores and spawns ready tasks, and launches
// follow-up fix/resolve workers. Ticks are ticker-driven but also fire
// on child exit and on fsnotify events for the board file, so external
// edits are picked up without waiting out the interval.
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jorge-barreto/wiggum/internal/activity"
	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/claimpredict"
	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/ux"
	"github.com/jorge-barreto/wiggum/internal/vcs"
	"github.com/jorge-barreto/wiggum/internal/wlog"
)

// Default scoring constants, all overridable via Config so a test or
// an unusual board can tune them without recompiling.
const (
	DefaultAgingFactor       = 7
	DefaultPlanBonus         = 15000
	DefaultDepFaninBonus     = 7000
	DefaultSiblingWIPPenalty = 20000
	DefaultTickInterval      = 1500 * time.Millisecond
)

// ErrTasksFailed is what Run returns when the board drains — pending,
// blocked, and in-progress are all empty and the pool is empty — with
// at least one task left in board.StatusFailed. The CLI's plain
// (non-configError) error branch maps this to exit code 1.
var ErrTasksFailed = errors.New("scheduler: one or more tasks failed")

// Config parameterizes one scheduler instance.
type Config struct {
	MaxWorkers         int
	MaxFollowupWorkers int // cap on concurrent fix+resolve workers; defaults to MaxWorkers
	TickInterval       time.Duration
	AgingFactor        int
	PlanBonus          int
	DepFaninBonus      int
	SiblingWIPPenalty  int
	MaxFixRetries      int
	AutoMerge          bool // squash-merge a completed worker's conflict-free PR at reap
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.AgingFactor <= 0 {
		c.AgingFactor = DefaultAgingFactor
	}
	if c.PlanBonus <= 0 {
		c.PlanBonus = DefaultPlanBonus
	}
	if c.DepFaninBonus <= 0 {
		c.DepFaninBonus = DefaultDepFaninBonus
	}
	if c.SiblingWIPPenalty <= 0 {
		c.SiblingWIPPenalty = DefaultSiblingWIPPenalty
	}
	if c.MaxFollowupWorkers <= 0 {
		c.MaxFollowupWorkers = c.MaxWorkers
	}
	if c.MaxFixRetries <= 0 {
		c.MaxFixRetries = 3
	}
	return c
}

// PlanLookup resolves a task's plan document, if one exists, for both
// the plan_bonus score term and the claim predictor. Returns ok=false
// when the task has no plan document yet.
type PlanLookup func(taskID string) (claimpredict.PlanDoc, bool)

// Scheduler owns one project's tick loop.
type Scheduler struct {
	Board        *board.Board
	Pool         *pool.Pool
	Pipeline     *pipeline.Pipeline
	Runner       *pipeline.Runner
	VCS          *vcs.Repo
	Activity     *activity.Log
	ProjectDir   string
	WorkersRoot  string
	MetaDir      string // orchestrator metadata dir excluded from violation checks, e.g. ".wiggum"
	BaseBranch   string // PR base branch a successful worker's branch is opened against; defaults to "main"
	Config       Config
	Plans        PlanLookup
	Now          func() time.Time

	mu           sync.Mutex
	aging        map[string]int                   // task ID -> ticks spent continuously ready
	skip         map[string]int                   // task ID -> remaining skip-backoff ticks
	fixTries     map[string]int                   // task ID -> fix-worker attempts spent so far
	claims       map[string]claimpredict.ClaimSet // worker ID -> predicted claim set, live workers only
	warnedCycles map[string]bool                  // task IDs already reported as cycle members
	doneCh       chan workerDone
	pendingDone  []workerDone
}

// New wires a Scheduler with defaulted configuration.
func New(s Scheduler) *Scheduler {
	s.Config = s.Config.withDefaults()
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.BaseBranch == "" {
		s.BaseBranch = "main"
	}
	s.aging = make(map[string]int)
	s.skip = make(map[string]int)
	s.fixTries = make(map[string]int)
	s.claims = make(map[string]claimpredict.ClaimSet)
	s.warnedCycles = make(map[string]bool)
	s.doneCh = make(chan workerDone, 32)
	return &s
}

// candidate is one scored, ready task.
type candidate struct {
	task  board.Task
	score int
}

// Run starts the tick loop and blocks until the board empties or ctx is
// canceled. Per-cycle errors are logged rather than aborting the loop;
// an fsnotify watch
// on the board file makes a tick also fire the moment the board
// changes underfoot.
func (s *Scheduler) Run(ctx context.Context) error {
	log := wlog.WithComponent("scheduler")
	log.Info().Msg("scheduler starting")
	if s.Activity != nil {
		s.Activity.Emit(activity.SchedulerStarted, "", nil)
	}

	s.loadAging()
	if err := s.reconcileOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphan reconciliation failed")
	}

	notify, stopWatch := s.watchBoard(log)
	defer stopWatch()

	ticker := time.NewTicker(s.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopping: context canceled")
			return ctx.Err()
		case <-ticker.C:
		case <-notify:
		case wd := <-s.doneCh:
			s.pendingDone = append(s.pendingDone, wd)
		}

		done, err := s.tick(ctx, log)
		if err != nil {
			log.Error().Err(err).Msg("tick failed")
		}
		if done {
			doneTasks := s.Board.List(board.StatusDone)
			failed := s.Board.List(board.StatusFailed)
			if s.Activity != nil {
				s.Activity.Emit(activity.SchedulerFinished, "", map[string]any{"failed_tasks": len(failed)})
			}
			ux.Drained(len(doneTasks), len(failed))
			if len(failed) > 0 {
				log.Error().Int("failed_tasks", len(failed)).Msg("scheduler finished: board drained with failed tasks")
				return ErrTasksFailed
			}
			log.Info().Msg("scheduler finished: board and pool both empty")
			return nil
		}
	}
}

// watchBoard wires an fsnotify watcher on the board file's directory so
// external edits wake the tick loop immediately instead of waiting for
// the next ticker fire. A watcher failure degrades to ticker-only
// operation rather than aborting the run — event-driven wakeup is an
// optimization, not a correctness requirement.
func (s *Scheduler) watchBoard(log zerolog.Logger) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	noop := func() {}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify watcher unavailable; falling back to ticker-only scheduling")
		return ch, noop
	}
	dir := filepath.Dir(s.Board.Path())
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Msg("fsnotify watch on board directory failed; falling back to ticker-only scheduling")
		watcher.Close()
		return ch, noop
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return ch, func() { watcher.Close() }
}
