package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jorge-barreto/wiggum/internal/vcs"
	"github.com/jorge-barreto/wiggum/internal/wlog"
)

// DefaultMonitorInterval is the violation monitor's default poll
// cadence.
const DefaultMonitorInterval = 30 * time.Second

// ViolationMonitor periodically inspects the main project's working
// tree for uncommitted changes outside the orchestrator's own metadata
// directory — a sign that an agent escaped its worktree and wrote
// directly into the shared checkout. It runs as a small cooperative
// goroutine loop; the isolation boundary that matters is
// worker-vs-main-checkout, not monitor-vs-worker.
type ViolationMonitor struct {
	ProjectDir  string
	MetaDir     string // the orchestrator's own metadata dir (e.g. ".wiggum"), excluded from violation checks
	WorkerDir   string
	TaskID      string
	Interval    time.Duration
	VCS         *vcs.Repo

	mu        sync.Mutex
	violation []string
}

// Start launches the monitor's poll loop in a goroutine, returning a
// stop function the worker lifecycle calls once the pipeline finishes.
func (m *ViolationMonitor) Start(ctx context.Context) (stop func()) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.checkOnce(loopCtx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// checkOnce runs one poll cycle: a status call against the main
// project directory, filtered to lines outside MetaDir.
func (m *ViolationMonitor) checkOnce(ctx context.Context) {
	log := wlog.WithWorker(m.WorkerDir)

	lines, err := m.VCS.Status(ctx, m.ProjectDir)
	if err != nil {
		log.Warn().Err(err).Msg("violation monitor: status check failed")
		return
	}

	// Status paths are relative to ProjectDir, so an absolute MetaDir is
	// made relative to it before comparing.
	meta := m.MetaDir
	if filepath.IsAbs(meta) {
		if rel, err := filepath.Rel(m.ProjectDir, meta); err == nil {
			meta = filepath.ToSlash(rel)
		}
	}

	var offenders []string
	for _, line := range lines {
		path := statusPath(line)
		if path == "" {
			continue
		}
		if meta != "" && withinDir(path, meta) {
			continue
		}
		offenders = append(offenders, path)
	}
	if len(offenders) == 0 {
		return
	}

	m.mu.Lock()
	m.violation = append(m.violation, offenders...)
	m.mu.Unlock()

	if err := m.appendViolationLog(offenders); err != nil {
		log.Error().Err(err).Msg("violation monitor: failed to write violation log")
	}
	if err := os.WriteFile(violationFlagPath(m.WorkerDir), []byte(fmt.Sprintf("%v\n", offenders)), 0644); err != nil {
		log.Error().Err(err).Msg("violation monitor: failed to drop sentinel")
	}
	log.Warn().Strs("paths", offenders).Msg("workspace boundary violation detected")
}

// ViolationPaths reads back the offending paths recorded in a worker's
// violations.log, one "timestamp path" line per observation.
func ViolationPaths(workerDir string) []string {
	data, err := os.ReadFile(filepath.Join(workerDir, "violations.log"))
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 2 && parts[1] != "" {
			out = append(out, parts[1])
		}
	}
	return out
}

// Violations returns every offending path observed so far.
func (m *ViolationMonitor) Violations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.violation))
	copy(out, m.violation)
	return out
}

func (m *ViolationMonitor) appendViolationLog(offenders []string) error {
	path := filepath.Join(m.WorkerDir, "violations.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, o := range offenders {
		if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().Format(time.RFC3339), o); err != nil {
			return err
		}
	}
	return nil
}

// statusPath extracts the file path from a `git status --porcelain`
// line ("XY path" or "XY old -> new" for renames).
func statusPath(line string) string {
	if len(line) < 4 {
		return ""
	}
	rest := line[3:]
	if idx := indexArrow(rest); idx >= 0 {
		return rest[idx+4:]
	}
	return rest
}

func indexArrow(s string) int {
	for i := 0; i+4 <= len(s); i++ {
		if s[i:i+4] == " -> " {
			return i
		}
	}
	return -1
}

func withinDir(path, dir string) bool {
	return path == dir || len(path) > len(dir) && path[:len(dir)] == dir && path[len(dir)] == '/'
}
