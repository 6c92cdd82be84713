package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jorge-barreto/wiggum/internal/atomicfile"
)

// agingFile is the sidecar the per-task ticks-ready counters persist
// to, under the orchestrator's metadata directory. Persisting it means
// a restarted scheduler doesn't reset every waiting task's accumulated
// aging bonus to zero.
const agingFile = "aging.json"

func (s *Scheduler) agingPath() string {
	if s.MetaDir == "" {
		return ""
	}
	return filepath.Join(s.MetaDir, agingFile)
}

// loadAging restores the aging counters from the sidecar file, if one
// exists. A missing or unparseable file starts the run from zero; the
// counters are advisory scoring state, never load-bearing.
func (s *Scheduler) loadAging() {
	path := s.agingPath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	restored := make(map[string]int)
	if err := json.Unmarshal(data, &restored); err != nil {
		return
	}
	s.mu.Lock()
	s.aging = restored
	s.mu.Unlock()
}

// saveAging writes the current counters back to the sidecar file.
func (s *Scheduler) saveAging() {
	path := s.agingPath()
	if path == "" {
		return
	}
	s.mu.Lock()
	snapshot := make(map[string]int, len(s.aging))
	for id, n := range s.aging {
		snapshot[id] = n
	}
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	_ = atomicfile.Write(path, data, 0644)
}
