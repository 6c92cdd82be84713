// Package flock provides an abstract file lock: board status writes and
// batch coordination record updates both need a short-held, cross-process,
// exclusive lock around a read-modify-write sequence. This is the POSIX
// backend; a second backend is a documented, intentionally unfilled seam
// (see DESIGN.md) since the engine's process-group handling
// (syscall.SysProcAttr{Setpgid: true} in internal/agent) is POSIX-only
// already.
package flock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory exclusive lock on a side-car ".lock" file next to
// the path it protects. It is safe to use from multiple goroutines in the
// same process only in the sense that the underlying file descriptor is
// whatever OS-level locking provides: callers wanting in-process mutual
// exclusion should still pair this with a sync.Mutex.
type Lock struct {
	file *os.File
}

// lockPath returns the side-car lock file for path.
func lockPath(path string) string {
	return path + ".lock"
}

// Acquire blocks until it holds an exclusive lock for path, creating the
// side-car lock file if needed.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("flock: opening lock file for %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: locking %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// TryAcquire attempts a non-blocking exclusive lock. It returns
// (nil, nil) — not an error — if the lock is already held elsewhere, so
// callers can distinguish contention, a transient condition worth
// retrying with backoff, from a real failure.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("flock: opening lock file for %s: %w", path, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		f.Close()
		return nil, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: locking %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if err != nil {
		return fmt.Errorf("flock: unlocking: %w", err)
	}
	return closeErr
}
