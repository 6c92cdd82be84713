package pool

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestAddGetRemove(t *testing.T) {
	p := New()
	p.Add(Entry{WorkerID: "ABC-1", TaskID: "ABC-1", Kind: KindMain, Status: StatusRunning})

	e, ok := p.Get("ABC-1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if e.Kind != KindMain {
		t.Fatalf("got kind %v, want main", e.Kind)
	}

	p.Remove("ABC-1")
	if _, ok := p.Get("ABC-1"); ok {
		t.Fatal("expected entry to be removed")
	}
}

func TestCount(t *testing.T) {
	p := New()
	p.Add(Entry{WorkerID: "A-1", TaskID: "A-1", Kind: KindMain, Status: StatusRunning})
	p.Add(Entry{WorkerID: "A-2", TaskID: "A-2", Kind: KindFix, Status: StatusRunning})
	p.Add(Entry{WorkerID: "A-3", TaskID: "A-3", Kind: KindFix, Status: StatusExited})

	if n := p.Count(""); n != 2 {
		t.Fatalf("got %d running total, want 2", n)
	}
	if n := p.Count(KindFix); n != 1 {
		t.Fatalf("got %d running fix, want 1", n)
	}
	if n := p.Count(KindMain); n != 1 {
		t.Fatalf("got %d running main, want 1", n)
	}
}

func TestCountForTask(t *testing.T) {
	p := New()
	p.Add(Entry{WorkerID: "A-1", TaskID: "A-1", Kind: KindMain, Status: StatusRunning})
	p.Add(Entry{WorkerID: "A-1-fix-1", TaskID: "A-1", Kind: KindFix, Status: StatusRunning})

	if n := p.CountForTask("A-1"); n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
	if n := p.CountForTask("A-2"); n != 0 {
		t.Fatalf("got %d, want 0", n)
	}
}

func TestSetStatus(t *testing.T) {
	p := New()
	p.Add(Entry{WorkerID: "A-1", Status: StatusRunning})
	p.SetStatus("A-1", StatusExited)

	e, _ := p.Get("A-1")
	if e.Status != StatusExited {
		t.Fatalf("got %v, want exited", e.Status)
	}
}

func TestInferKindAndTask(t *testing.T) {
	cases := []struct {
		name       string
		wantKind   Kind
		wantTaskID string
	}{
		{"worker-ABC-123-1700000000", KindMain, "ABC-123"},
		{"worker-ABC-123-fix-1", KindFix, "ABC-123"},
		{"worker-ABC-123-resolve-2", KindResolve, "ABC-123"},
		{"worker-ABC-123-fix-notanumber", KindMain, "ABC-123-fix-notanumber"},
	}
	for _, c := range cases {
		kind, taskID := inferKindAndTask(c.name)
		if kind != c.wantKind || taskID != c.wantTaskID {
			t.Errorf("inferKindAndTask(%q) = (%v, %v), want (%v, %v)", c.name, kind, taskID, c.wantKind, c.wantTaskID)
		}
	}
}

func TestRestoreFromDisk(t *testing.T) {
	dir := t.TempDir()

	running := filepath.Join(dir, "worker-ABC-1-1700000000")
	if err := os.MkdirAll(running, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(running, "pid"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}

	dead := filepath.Join(dir, "worker-ABC-2-fix-1")
	if err := os.MkdirAll(dead, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dead, "pid"), []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := RestoreFromDisk(dir)
	if err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("got %d entries, want 2", p.Len())
	}

	live, ok := p.Get("worker-ABC-1-1700000000")
	if !ok || live.Status != StatusRunning {
		t.Fatalf("got %+v, want running", live)
	}

	gone, ok := p.Get("worker-ABC-2-fix-1")
	if !ok || gone.Status != StatusExited || gone.Kind != KindFix || gone.TaskID != "ABC-2" {
		t.Fatalf("got %+v", gone)
	}
}

func TestRestoreFromDisk_MissingDir(t *testing.T) {
	p, err := RestoreFromDisk(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("got %d entries, want 0", p.Len())
	}
}

func TestForEach(t *testing.T) {
	p := New()
	p.Add(Entry{WorkerID: "A-1", StartedAt: time.Now()})
	p.Add(Entry{WorkerID: "A-2", StartedAt: time.Now()})

	seen := map[string]bool{}
	p.ForEach(func(e Entry) { seen[e.WorkerID] = true })
	if len(seen) != 2 {
		t.Fatalf("got %d, want 2", len(seen))
	}
}
