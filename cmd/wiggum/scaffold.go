package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultPipeline is the pipeline every freshly initialized project
// gets: a plan/implement/review chain.
const defaultPipeline = `{
  "name": "default",
  "steps": [
    { "id": "plan", "agent": "claude", "blocking": true },
    { "id": "implement", "agent": "claude", "blocking": true, "depends_on": "plan" },
    { "id": "review", "agent": "claude", "readonly": true, "blocking": true, "depends_on": "implement" }
  ]
}
`

const defaultConfig = `max-workers: 4
board-path: kanban.md
pipeline-path: pipeline.json
`

const defaultBoard = `## TASKS

<!-- - [ ] ABC-1: describe the work
  Priority: MEDIUM
  Dependencies: none -->
`

// scaffoldInit writes a minimal .wiggum/ directory (config.yaml and a
// .gitignore) plus a default pipeline.json and an empty kanban.md in the
// project root. No AI round-trip — config authoring is the operator's
// job, not the engine's.
func scaffoldInit(projectRoot string) error {
	wiggumDir := filepath.Join(projectRoot, metaDir)
	if _, err := os.Stat(wiggumDir); err == nil {
		return fmt.Errorf("%s already exists", wiggumDir)
	}

	files := map[string]string{
		filepath.Join(metaDir, "config.yaml"): defaultConfig,
		filepath.Join(metaDir, ".gitignore"):  "workers/\nlogs/\n",
		"pipeline.json":                       defaultPipeline,
		"kanban.md":                           defaultBoard,
	}

	var written []string
	for rel, content := range files {
		full := filepath.Join(projectRoot, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		written = append(written, rel)
	}

	fmt.Println("scaffolded:")
	for _, rel := range written {
		fmt.Printf("  %s\n", rel)
	}
	fmt.Println("\nNext: wiggum run")
	return nil
}
