// Package board implements the task board: the read-mostly on-disk
// representation of work items the scheduler reads every tick and
// occasionally rewrites the status marker of. All structural editing
// (adding tasks, scope, acceptance criteria) happens externally; this
// package's own mutations are limited to SetStatus and InsertFollowup.
package board

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jorge-barreto/wiggum/internal/atomicfile"
	"github.com/jorge-barreto/wiggum/internal/flock"
	"github.com/jorge-barreto/wiggum/internal/retry"
)

// Status is a task's status marker, derived from its checkbox glyph.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Priority orders ready tasks; CRITICAL beats HIGH beats MEDIUM beats LOW.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// ParsePriority parses a priority keyword (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch normalizeKeyword(s) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("board: unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Task is a single work item. Only Status and the synthetic
// PendingApproval flag are ever mutated by the orchestrator itself.
type Task struct {
	ID                 string
	Status             Status
	PendingApproval    bool // an explicit "Status: pending-approval" sub-line; never satisfies dependents even if Status == done
	Priority           Priority
	Description        string
	Scope              []string
	AcceptanceCriteria []string
	Dependencies       []string
	Batch              string // optional batch coordination identifier (see internal/batch)
}

// Satisfies reports whether t counts as "done" for a dependent task.
// Only the done marker satisfies, and never while PendingApproval is set:
// an entry awaiting human approval never satisfies a dependent.
func (t Task) Satisfies() bool {
	return t.Status == StatusDone && !t.PendingApproval
}

var idPattern = regexp.MustCompile(`^[A-Z]{2,8}-[0-9]{1,4}$`)

// ValidID reports whether id matches the task identifier grammar:
// a 2-8 letter uppercase prefix, a dash, and 1-4 digits.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ErrConcurrentEdit is returned by SetStatus when the on-disk board has
// changed since the last Load/Reload.
var ErrConcurrentEdit = errors.New("board: CONCURRENT_EDIT")

// ParseIssue describes one rejected or invalid entry encountered while
// parsing. Invalid entries are reported here and excluded from the
// parsed task list rather than aborting the whole load.
type ParseIssue struct {
	Line   int
	Reason string
}

func (p ParseIssue) Error() string {
	return fmt.Sprintf("board: line %d: %s", p.Line, p.Reason)
}

// Board is a loaded, lockable view of a kanban markdown file.
type Board struct {
	path string

	mu     sync.Mutex // in-process guard around the fields below
	tasks  []Task
	byID   map[string]int // index into tasks
	issues []ParseIssue
	hash   [sha256.Size]byte
}

// Load reads and parses the board file, taking and releasing the advisory
// file lock only for the duration of the read. Status changes are written
// under an exclusive lock held across the whole read-modify-write
// sequence (see SetStatus); a plain Load only needs the lock long enough
// to get a consistent snapshot and hash.
func Load(path string) (*Board, error) {
	lock, err := flock.Acquire(path)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	return loadLocked(path)
}

func loadLocked(path string) (*Board, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("board: reading %s: %w", path, err)
	}
	tasks, issues := parse(raw)

	b := &Board{
		path:   path,
		tasks:  tasks,
		byID:   indexByID(tasks),
		issues: issues,
		hash:   sha256.Sum256(raw),
	}
	return b, nil
}

func indexByID(tasks []Task) map[string]int {
	m := make(map[string]int, len(tasks))
	for i, t := range tasks {
		m[t.ID] = i
	}
	return m
}

// Path returns the board file's on-disk path.
func (b *Board) Path() string {
	return b.path
}

// Issues returns parse issues recorded for the most recent load.
func (b *Board) Issues() []ParseIssue {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ParseIssue, len(b.issues))
	copy(out, b.issues)
	return out
}

// List returns all tasks with the given status, in file order. Pass ""
// to return every task.
func (b *Board) List(status Status) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Task
	for _, t := range b.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Get returns a single task by identifier.
func (b *Board) Get(id string) (Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byID[id]
	if !ok {
		return Task{}, false
	}
	return b.tasks[idx], true
}

// Ready returns pending tasks whose dependencies are all satisfied,
// excluding any task identifier in skip (typically the cyclic set).
func (b *Board) Ready(skip map[string]bool) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Task
	for _, t := range b.tasks {
		if skip[t.ID] {
			continue
		}
		if t.Status != StatusPending {
			continue
		}
		if b.dependenciesSatisfiedLocked(t) {
			out = append(out, t)
		}
	}
	return out
}

// Blocked returns pending tasks with at least one unmet dependency.
func (b *Board) Blocked() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Task
	for _, t := range b.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !b.dependenciesSatisfiedLocked(t) {
			out = append(out, t)
		}
	}
	return out
}

func (b *Board) dependenciesSatisfiedLocked(t Task) bool {
	for _, dep := range t.Dependencies {
		idx, ok := b.byID[dep]
		if !ok {
			return false // non-existent dependency never satisfies
		}
		if !b.tasks[idx].Satisfies() {
			return false
		}
	}
	return true
}

// SetStatus atomically updates a task's status marker, failing with
// ErrConcurrentEdit if the on-disk file has changed since Load.
func (b *Board) SetStatus(id string, status Status) error {
	lock, err := flock.Acquire(b.path)
	if err != nil {
		return err
	}
	defer lock.Release()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("board: reading %s: %w", b.path, err)
	}

	b.mu.Lock()
	expected := b.hash
	b.mu.Unlock()
	if sha256.Sum256(raw) != expected {
		return ErrConcurrentEdit
	}

	updated, err := rewriteStatusLine(raw, id, status)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(b.path, updated, 0644); err != nil {
		return err
	}

	reloaded, err := loadLocked(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.tasks, b.byID, b.issues, b.hash = reloaded.tasks, reloaded.byID, reloaded.issues, reloaded.hash
	b.mu.Unlock()
	return nil
}

// SetStatusRetrying updates id's status, retrying concurrent-edit
// collisions with exponential backoff. Each attempt after the first
// reloads the on-disk baseline first, since ErrConcurrentEdit means the
// hash SetStatus checked against is already stale.
func (b *Board) SetStatusRetrying(ctx context.Context, id string, status Status, policy retry.Policy) error {
	return retry.Do(ctx, policy, func(attempt int) error {
		err := b.SetStatus(id, status)
		if errors.Is(err, ErrConcurrentEdit) {
			_ = b.Reload()
		}
		return err
	})
}

// BatchOrder returns, in board file order, the identifiers of every
// task sharing batchID's Batch field — the serial run order a batch
// coordination record seeds itself with the first time a member of the
// batch is spawned.
func (b *Board) BatchOrder(batchID string) []string {
	if batchID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var order []string
	for _, t := range b.tasks {
		if t.Batch == batchID {
			order = append(order, t.ID)
		}
	}
	return order
}

// Reload re-reads the board file, refreshing the concurrent-edit baseline
// without requiring a mutation. Callers retry after ErrConcurrentEdit by
// calling Reload then re-attempting SetStatus.
func (b *Board) Reload() error {
	reloaded, err := Load(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.tasks, b.byID, b.issues, b.hash = reloaded.tasks, reloaded.byID, reloaded.issues, reloaded.hash
	b.mu.Unlock()
	return nil
}

// NextFollowupID derives a fresh, grammar-valid identifier for a
// follow-up entry parented on parentID (2-8-letter prefix, dash,
// 1-4-digit number): it reuses parentID's prefix and
// picks the lowest unused number greater than every existing task
// sharing that prefix, so InsertFollowup never writes an entry its own
// parser would reject on reload.
func (b *Board) NextFollowupID(parentID string) (string, bool) {
	idx := strings.LastIndex(parentID, "-")
	if idx < 0 {
		return "", false
	}
	prefix, numStr := parentID[:idx], parentID[idx+1:]
	if _, err := strconv.Atoi(numStr); err != nil {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	max := 0
	for _, t := range b.tasks {
		tIdx := strings.LastIndex(t.ID, "-")
		if tIdx < 0 || t.ID[:tIdx] != prefix {
			continue
		}
		if n, err := strconv.Atoi(t.ID[tIdx+1:]); err == nil && n > max {
			max = n
		}
	}
	next := max + 1
	if next > 9999 {
		return "", false
	}
	return fmt.Sprintf("%s-%d", prefix, next), true
}

// InsertFollowup appends a new task directly after its parent entry in
// the board file (a fix-up or resolve-conflict follow-up spawned from a
// failed or gated step), returning the generated task. The follow-up
// inherits the parent's batch, if any, and depends on nothing so it
// becomes immediately ready.
func (b *Board) InsertFollowup(parentID, id, description string, priority Priority) (Task, error) {
	lock, err := flock.Acquire(b.path)
	if err != nil {
		return Task{}, err
	}
	defer lock.Release()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		return Task{}, fmt.Errorf("board: reading %s: %w", b.path, err)
	}

	b.mu.Lock()
	expected := b.hash
	b.mu.Unlock()
	if sha256.Sum256(raw) != expected {
		return Task{}, ErrConcurrentEdit
	}

	parentBatch := ""
	b.mu.Lock()
	if idx, ok := b.byID[parentID]; ok {
		parentBatch = b.tasks[idx].Batch
	}
	b.mu.Unlock()

	followup := Task{ID: id, Status: StatusPending, Description: description, Priority: priority, Batch: parentBatch}
	updated, err := insertAfterTask(raw, parentID, followup)
	if err != nil {
		return Task{}, err
	}
	if err := atomicfile.Write(b.path, updated, 0644); err != nil {
		return Task{}, err
	}

	reloaded, err := loadLocked(b.path)
	if err != nil {
		return Task{}, err
	}
	b.mu.Lock()
	b.tasks, b.byID, b.issues, b.hash = reloaded.tasks, reloaded.byID, reloaded.issues, reloaded.hash
	b.mu.Unlock()
	return followup, nil
}

// SortedByID returns tasks sorted lexicographically by identifier, the
// scheduler's deterministic priority tie-break.
func SortedByID(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
