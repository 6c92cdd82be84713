package worker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatusPath(t *testing.T) {
	cases := map[string]string{
		" M internal/a.go":          "internal/a.go",
		"?? stray.txt":              "stray.txt",
		"R  old.go -> new.go":       "new.go",
		"":                          "",
	}
	for line, want := range cases {
		if got := statusPath(line); got != want {
			t.Fatalf("statusPath(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestWithinDir(t *testing.T) {
	if !withinDir(".wiggum/workers/x", ".wiggum") {
		t.Fatal("nested path should be within the metadata dir")
	}
	if withinDir(".wiggumext/file", ".wiggum") {
		t.Fatal("a sibling sharing the prefix must not count as within")
	}
	if !withinDir(".wiggum", ".wiggum") {
		t.Fatal("the dir itself counts as within")
	}
}

func TestViolationPaths(t *testing.T) {
	dir := t.TempDir()
	log := "2026-08-01T10:00:00Z stray.txt\n2026-08-01T10:00:30Z src/oops.go\n"
	if err := os.WriteFile(filepath.Join(dir, "violations.log"), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}

	paths := ViolationPaths(dir)
	if len(paths) != 2 || paths[0] != "stray.txt" || paths[1] != "src/oops.go" {
		t.Fatalf("got %v", paths)
	}

	if got := ViolationPaths(t.TempDir()); got != nil {
		t.Fatalf("got %v, want nil for a worker with no violations", got)
	}
}
