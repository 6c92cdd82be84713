package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Fatalf("got MaxWorkers %d, want default 4", cfg.MaxWorkers)
	}
	if cfg.BoardPath != "kanban.md" {
		t.Fatalf("got BoardPath %q, want default", cfg.BoardPath)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "max-workers: 8\nboard-path: board.md\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 8 {
		t.Fatalf("got MaxWorkers %d, want 8", cfg.MaxWorkers)
	}
	if cfg.BoardPath != "board.md" {
		t.Fatalf("got BoardPath %q, want board.md", cfg.BoardPath)
	}
	if cfg.AgingFactor != 7 {
		t.Fatalf("got AgingFactor %d, want default 7 unchanged", cfg.AgingFactor)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max-workers: 8\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WIGGUM_MAX_WORKERS", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 2 {
		t.Fatalf("got MaxWorkers %d, want env override 2", cfg.MaxWorkers)
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cfg := defaults()
	cfg.MaxWorkers = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for zero max-workers")
	}
}
