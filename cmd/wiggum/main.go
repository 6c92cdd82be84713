// Command wiggum is the orchestration surface: init, run, status,
// clean. It wires the board, pool, pipeline runner, and scheduler
// together and otherwise gets out of the way — every decision of
// substance lives in the internal packages this command only
// assembles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/jorge-barreto/wiggum/internal/activity"
	"github.com/jorge-barreto/wiggum/internal/agent"
	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/claimpredict"
	"github.com/jorge-barreto/wiggum/internal/config"
	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/scheduler"
	"github.com/jorge-barreto/wiggum/internal/ux"
	"github.com/jorge-barreto/wiggum/internal/vcs"
	"github.com/jorge-barreto/wiggum/internal/wlog"
)

// configError marks exit-code-2 failures: bad pipeline JSON, a missing
// project, an invalid environment — never a scheduling outcome.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func wrapConfig(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err}
}

func main() {
	wlog.Init(wlog.Config{Level: wlog.InfoLevel})

	app := &cli.Command{
		Name:  "wiggum",
		Usage: "Autonomous task orchestrator",
		Commands: []*cli.Command{
			initCmd(),
			runCmd(),
			statusCmd(),
			cleanCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ux.Red, ux.Reset, err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

const metaDir = ".wiggum"

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Scaffold .wiggum/ plus an empty board and default pipeline in the project root",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, err := os.Getwd()
			if err != nil {
				return wrapConfig(err)
			}
			return wrapConfig(scaffoldInit(dir))
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the scheduler loop",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-workers", Usage: "Override max concurrent main workers"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectRoot, err := findProjectRoot()
			if err != nil {
				return wrapConfig(err)
			}

			cfg, err := config.Load(filepath.Join(projectRoot, metaDir, "config.yaml"))
			if err != nil {
				return wrapConfig(err)
			}
			if n := cmd.Int("max-workers"); n > 0 {
				cfg.MaxWorkers = int(n)
			}

			b, err := board.Load(filepath.Join(projectRoot, cfg.BoardPath))
			if err != nil {
				return wrapConfig(fmt.Errorf("loading board: %w", err))
			}
			pl, err := pipeline.Load(filepath.Join(projectRoot, cfg.PipelinePath), nil)
			if err != nil {
				return wrapConfig(fmt.Errorf("loading pipeline: %w", err))
			}

			act, err := activity.Open(filepath.Join(projectRoot, metaDir, "logs", "activity.jsonl"))
			if err != nil {
				return wrapConfig(err)
			}

			reg := agent.NewRegistry()
			reg.Register("claude", &agent.ClaudeBackend{})
			runner := &pipeline.Runner{Registry: reg, Activity: act, VCS: vcs.New(projectRoot)}

			sched := scheduler.New(scheduler.Scheduler{
				Board:       b,
				Pool:        pool.New(),
				Pipeline:    pl,
				Runner:      runner,
				VCS:         vcs.New(projectRoot),
				Activity:    act,
				ProjectDir:  projectRoot,
				WorkersRoot: filepath.Join(projectRoot, metaDir, "workers"),
				MetaDir:     filepath.Join(projectRoot, metaDir),
				BaseBranch:  cfg.BaseBranch,
				Plans:       claimpredict.DirLookup(filepath.Join(projectRoot, metaDir, "plans")),
				Config: scheduler.Config{
					MaxWorkers:         cfg.MaxWorkers,
					MaxFollowupWorkers: cfg.MaxFollowupWorkers,
					MaxFixRetries:      cfg.MaxFixRetries,
					TickInterval:       time.Duration(cfg.TickIntervalMillis) * time.Millisecond,
					AgingFactor:        cfg.AgingFactor,
					PlanBonus:          cfg.PlanBonus,
					DepFaninBonus:      cfg.DepBonusPerTask,
					SiblingWIPPenalty:  cfg.SiblingWIPPenalty,
					AutoMerge:          cfg.AutoMerge,
				},
			})

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return sched.Run(runCtx)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show board and worker pool state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectRoot, err := findProjectRoot()
			if err != nil {
				return wrapConfig(err)
			}
			cfg, err := config.Load(filepath.Join(projectRoot, metaDir, "config.yaml"))
			if err != nil {
				return wrapConfig(err)
			}
			b, err := board.Load(filepath.Join(projectRoot, cfg.BoardPath))
			if err != nil {
				return wrapConfig(fmt.Errorf("loading board: %w", err))
			}
			p, err := pool.RestoreFromDisk(filepath.Join(projectRoot, metaDir, "workers"))
			if err != nil {
				return wrapConfig(err)
			}
			ux.RenderStatus(b, p)
			return nil
		},
	}
}

func cleanCmd() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Remove worker directories left behind by exited processes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectRoot, err := findProjectRoot()
			if err != nil {
				return wrapConfig(err)
			}
			workersRoot := filepath.Join(projectRoot, metaDir, "workers")
			p, err := pool.RestoreFromDisk(workersRoot)
			if err != nil {
				return wrapConfig(err)
			}

			repo := vcs.New(projectRoot)
			var removed int
			var rmErr error
			p.ForEach(func(e pool.Entry) {
				if e.Status == pool.StatusRunning {
					return // still alive; leave it for the scheduler to reap
				}
				// Best effort: a worktree left registered by a crashed
				// scheduler is stale metadata either way; the directory
				// removal below is what actually frees the disk space.
				_ = repo.WorktreeRemove(ctx, filepath.Join(e.Dir, "workspace"))
				if err := os.RemoveAll(e.Dir); err != nil && rmErr == nil {
					rmErr = err
					return
				}
				removed++
			})
			fmt.Printf("removed %d worker director%s\n", removed, plural(removed))
			return rmErr
		},
	}
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// findProjectRoot walks up from cwd looking for a .wiggum directory.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, metaDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found (searched from cwd to root); run 'wiggum init' first", metaDir)
		}
		dir = parent
	}
}
