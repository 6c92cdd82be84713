package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jorge-barreto/wiggum/internal/agent"
	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/pipeline"
	"github.com/jorge-barreto/wiggum/internal/pool"
	"github.com/jorge-barreto/wiggum/internal/vcs"
)

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "wiggum@example.com")
	run(t, dir, "config", "user.name", "wiggum")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-m", "initial")
	return dir
}

func newBoard(t *testing.T, content string) *board.Board {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kanban.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := board.Load(path)
	if err != nil {
		t.Fatalf("board.Load: %v", err)
	}
	return b
}

// A single task with no dependencies runs its one-step pipeline to
// completion and the scheduler terminates once the board and pool are
// both empty.
func TestScheduler_SingleTaskCompletesAndTerminates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repoDir := initRepo(t)
	repo := vcs.New(repoDir)
	workersRoot := t.TempDir()

	b := newBoard(t, "## TASKS\n\n- [ ] ABC-1: first task\n  Priority: MEDIUM\n")

	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &pipeline.Pipeline{Steps: []pipeline.Step{{ID: "build", Agent: "echo"}}}
	runner := &pipeline.Runner{Registry: reg}

	sched := New(Scheduler{
		Board:       b,
		Pool:        pool.New(),
		Pipeline:    pl,
		Runner:      runner,
		VCS:         repo,
		ProjectDir:  repoDir,
		WorkersRoot: workersRoot,
		Config:      Config{MaxWorkers: 2, TickInterval: 20 * time.Millisecond},
	})

	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, ok := b.Get("ABC-1")
	if !ok {
		t.Fatal("task missing after run")
	}
	if task.Status != board.StatusDone {
		t.Fatalf("got status %v, want done", task.Status)
	}
}

// Two tasks sharing a feature prefix should not run main
// workers at the same instant; the sibling-WIP penalty pushes the
// second one behind until the first finishes, but both should
// eventually complete.
func TestScheduler_SiblingTasksBothComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repoDir := initRepo(t)
	repo := vcs.New(repoDir)
	workersRoot := t.TempDir()

	b := newBoard(t, "## TASKS\n\n"+
		"- [ ] ABC-1: first task\n  Priority: MEDIUM\n\n"+
		"- [ ] ABC-2: second task\n  Priority: MEDIUM\n")

	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &pipeline.Pipeline{Steps: []pipeline.Step{{ID: "build", Agent: "echo"}}}
	runner := &pipeline.Runner{Registry: reg}

	sched := New(Scheduler{
		Board:       b,
		Pool:        pool.New(),
		Pipeline:    pl,
		Runner:      runner,
		VCS:         repo,
		ProjectDir:  repoDir,
		WorkersRoot: workersRoot,
		Config:      Config{MaxWorkers: 2, TickInterval: 20 * time.Millisecond},
	})

	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"ABC-1", "ABC-2"} {
		task, ok := b.Get(id)
		if !ok || task.Status != board.StatusDone {
			t.Fatalf("task %s: got %+v, want done", id, task)
		}
	}
}

// A cyclic dependency pair is excluded from scheduling forever;
// the scheduler must not hang waiting on tasks it can never run. Run
// exits via context cancellation rather than natural termination, since
// the cyclic pair keeps the board non-empty.
func TestScheduler_CyclicTasksNeverSpawn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	repoDir := initRepo(t)
	repo := vcs.New(repoDir)
	workersRoot := t.TempDir()

	b := newBoard(t, "## TASKS\n\n"+
		"- [ ] ABC-1: first task\n  Priority: MEDIUM\n  Dependencies: ABC-2\n\n"+
		"- [ ] ABC-2: second task\n  Priority: MEDIUM\n  Dependencies: ABC-1\n")

	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GatePass}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &pipeline.Pipeline{Steps: []pipeline.Step{{ID: "build", Agent: "echo"}}}
	runner := &pipeline.Runner{Registry: reg}

	sched := New(Scheduler{
		Board:       b,
		Pool:        pool.New(),
		Pipeline:    pl,
		Runner:      runner,
		VCS:         repo,
		ProjectDir:  repoDir,
		WorkersRoot: workersRoot,
		Config:      Config{MaxWorkers: 2, TickInterval: 20 * time.Millisecond},
	})

	err := sched.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded (cyclic pair never spawns, never terminates)", err)
	}

	for _, id := range []string{"ABC-1", "ABC-2"} {
		task, _ := b.Get(id)
		if task.Status != board.StatusPending {
			t.Fatalf("task %s: got status %v, want still pending (excluded as cyclic)", id, task.Status)
		}
	}
}

// A step's blocking FAIL gate must both mark the task failed on the
// board and, once the board drains, surface as a non-nil error from
// Run so the CLI can map it to exit code 1.
func TestScheduler_BlockingFailureReturnsErrTasksFailed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repoDir := initRepo(t)
	repo := vcs.New(repoDir)
	workersRoot := t.TempDir()

	b := newBoard(t, "## TASKS\n\n- [ ] ABC-1: first task\n  Priority: MEDIUM\n")

	fake := &agent.FakeBackend{Result: agent.StepOutput{GateResult: agent.GateFail}}
	reg := agent.NewRegistry()
	reg.Register("echo", fake)

	pl := &pipeline.Pipeline{Steps: []pipeline.Step{{ID: "build", Agent: "echo"}}}
	runner := &pipeline.Runner{Registry: reg}

	sched := New(Scheduler{
		Board:       b,
		Pool:        pool.New(),
		Pipeline:    pl,
		Runner:      runner,
		VCS:         repo,
		ProjectDir:  repoDir,
		WorkersRoot: workersRoot,
		Config:      Config{MaxWorkers: 2, TickInterval: 20 * time.Millisecond},
	})

	err := sched.Run(ctx)
	if err != ErrTasksFailed {
		t.Fatalf("got %v, want ErrTasksFailed", err)
	}

	task, ok := b.Get("ABC-1")
	if !ok || task.Status != board.StatusFailed {
		t.Fatalf("task ABC-1: got %+v, want failed", task)
	}
}

// taskGateBackend returns a per-task gate result, PASS for any task not
// listed. Worker goroutines invoke it concurrently, so it locks.
type taskGateBackend struct {
	mu    sync.Mutex
	gates map[string]agent.StepOutput
	dirs  []string // worker dirs seen, for asserting a fix worker really ran
}

func (b *taskGateBackend) Invoke(ctx context.Context, inv agent.Invocation) error {
	b.mu.Lock()
	b.dirs = append(b.dirs, inv.WorkerDir)
	out, ok := b.gates[inv.TaskID]
	b.mu.Unlock()
	if !ok {
		out = agent.StepOutput{GateResult: agent.GatePass}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(inv.ResultsPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(inv.ResultsPath, data, 0644)
}

// A task whose agent keeps emitting FIX gets one fix worker (budget 1),
// and when that attempt also emits FIX the exhausted budget propagates
// the failure: the task ends failed and a fresh follow-up entry carrying
// the fix feedback appears on the board, runs, and completes.
func TestScheduler_FixWorkerBudgetExhaustionPropagatesFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repoDir := initRepo(t)
	repo := vcs.New(repoDir)
	workersRoot := t.TempDir()

	b := newBoard(t, "## TASKS\n\n- [ ] ABC-1: flaky task\n  Priority: MEDIUM\n")

	backend := &taskGateBackend{gates: map[string]agent.StepOutput{
		"ABC-1": {GateResult: agent.GateFix, Errors: []string{"tests still red"}},
	}}
	reg := agent.NewRegistry()
	reg.Register("echo", backend)

	pl := &pipeline.Pipeline{Steps: []pipeline.Step{{ID: "build", Agent: "echo"}}}
	runner := &pipeline.Runner{Registry: reg}

	sched := New(Scheduler{
		Board:       b,
		Pool:        pool.New(),
		Pipeline:    pl,
		Runner:      runner,
		VCS:         repo,
		ProjectDir:  repoDir,
		WorkersRoot: workersRoot,
		Config:      Config{MaxWorkers: 2, MaxFixRetries: 1, TickInterval: 20 * time.Millisecond},
	})

	err := sched.Run(ctx)
	if err != ErrTasksFailed {
		t.Fatalf("got %v, want ErrTasksFailed (ABC-1 exhausted its fix budget)", err)
	}

	task, ok := b.Get("ABC-1")
	if !ok || task.Status != board.StatusFailed {
		t.Fatalf("task ABC-1: got %+v, want failed", task)
	}

	followup, ok := b.Get("ABC-2")
	if !ok {
		t.Fatal("follow-up entry ABC-2 missing from board after budget exhaustion")
	}
	if followup.Status != board.StatusDone {
		t.Fatalf("follow-up ABC-2: got status %v, want done (its agent passes)", followup.Status)
	}
	if !strings.Contains(followup.Description, "Follow-up to ABC-1") {
		t.Fatalf("follow-up description %q does not name its parent", followup.Description)
	}
	if !strings.Contains(followup.Description, "tests still red") {
		t.Fatalf("follow-up description %q does not carry the fix feedback forward", followup.Description)
	}

	backend.mu.Lock()
	fixRuns := 0
	for _, dir := range backend.dirs {
		if strings.Contains(dir, "-fix-") {
			fixRuns++
		}
	}
	backend.mu.Unlock()
	if fixRuns != 1 {
		t.Fatalf("got %d fix-worker invocations, want exactly 1 (budget of one retry)", fixRuns)
	}
}

func TestScore_PriorityAndAgingOrdering(t *testing.T) {
	s := New(Scheduler{
		Board: newBoard(t, "## TASKS\n\n- [ ] A-1: x\n  Priority: LOW\n"),
		Pool:  pool.New(),
	})
	s.aging["A-1"] = 10

	low := board.Task{ID: "A-1", Priority: board.PriorityLow}
	high := board.Task{ID: "B-1", Priority: board.PriorityHigh}

	cands := s.score([]board.Task{low, high})
	if cands[0].task.ID != "B-1" {
		t.Fatalf("got top candidate %s, want B-1 (HIGH beats aged LOW)", cands[0].task.ID)
	}
}

func TestPrefixOf(t *testing.T) {
	if got := prefixOf("ABC-123"); got != "ABC" {
		t.Fatalf("got %q, want ABC", got)
	}
	if got := prefixOf("NOPREFIX"); got != "NOPREFIX" {
		t.Fatalf("got %q, want NOPREFIX unchanged", got)
	}
}
