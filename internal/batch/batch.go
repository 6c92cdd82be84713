// Package batch coordinates tasks that must run serially under one
// batch identifier: a shared on-disk JSON record tracks whose turn it
// is. A worker joining
// a batch polls its position until its turn arrives and aborts
// immediately if the batch has been marked failed; the worker that
// finishes advances the position, both under internal/flock so
// concurrent workers never race the same record.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jorge-barreto/wiggum/internal/atomicfile"
	"github.com/jorge-barreto/wiggum/internal/flock"
)

// Status is the batch's overall state.
type Status string

const (
	StatusActive Status = "active"
	StatusFailed Status = "failed"
)

// Record is the on-disk shape of one batch's coordination state.
type Record struct {
	Batch      string   `json:"batch"`
	Order      []string `json:"order"`       // task IDs in the order they must run
	Position   int      `json:"position"`    // index into Order of the task currently allowed to run
	Status     Status   `json:"status"`
	FailedTask string   `json:"failed_task,omitempty"`
}

func path(dir, batchID string) string {
	return filepath.Join(dir, fmt.Sprintf("batch-%s.json", batchID))
}

// Load reads a batch record, or returns a fresh active one seeded with
// order if none exists yet. It writes nothing; EnsureCreated is what
// persists a new record.
func Load(dir, batchID string, order []string) (*Record, error) {
	p := path(dir, batchID)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Record{Batch: batchID, Order: order, Status: StatusActive}, nil
		}
		return nil, fmt.Errorf("batch: reading %s: %w", p, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("batch: parsing %s: %w", p, err)
	}
	return &r, nil
}

// save writes the record atomically; callers must hold the batch lock.
func (r *Record) save(dir string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: marshaling %s: %w", r.Batch, err)
	}
	return atomicfile.Write(path(dir, r.Batch), data, 0644)
}

// MyTurn reports whether taskID currently holds the batch's turn.
func (r *Record) MyTurn(taskID string) bool {
	if r.Position < 0 || r.Position >= len(r.Order) {
		return false
	}
	return r.Order[r.Position] == taskID
}

// Failed reports whether the batch has been marked failed, in which
// case every remaining member must abort with FAIL immediately rather
// than wait for a turn that will never come.
func (r *Record) Failed() bool {
	return r.Status == StatusFailed
}

// Advance moves the batch to the task after taskID, under the batch's
// file lock. Only the task that just completed its turn should call
// this.
func Advance(dir, batchID, taskID string) error {
	lock, err := flock.Acquire(path(dir, batchID))
	if err != nil {
		return err
	}
	defer lock.Release()

	r, err := Load(dir, batchID, nil)
	if err != nil {
		return err
	}
	if r.Position < len(r.Order) && r.Order[r.Position] == taskID {
		r.Position++
	}
	return r.save(dir)
}

// MarkFailed records the batch as failed because of failedTask, under
// the batch's file lock. Every other member's next poll will observe
// Failed() and abort.
func MarkFailed(dir, batchID, failedTask string) error {
	lock, err := flock.Acquire(path(dir, batchID))
	if err != nil {
		return err
	}
	defer lock.Release()

	r, err := Load(dir, batchID, nil)
	if err != nil {
		return err
	}
	r.Status = StatusFailed
	r.FailedTask = failedTask
	return r.save(dir)
}

// EnsureCreated persists order for batchID if no record exists yet,
// under the batch's file lock — idempotent so whichever member of the
// batch runs first seeds it.
func EnsureCreated(dir, batchID string, order []string) error {
	lock, err := flock.Acquire(path(dir, batchID))
	if err != nil {
		return err
	}
	defer lock.Release()

	p := path(dir, batchID)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	r := &Record{Batch: batchID, Order: order, Status: StatusActive}
	return r.save(dir)
}
