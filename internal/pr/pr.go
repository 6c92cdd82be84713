// Package pr wraps the single external command the orchestration core
// uses to talk to the pull-request host: the `gh` CLI. Review commands,
// PR-merge policy UI, and anything beyond opening a PR and reading back
// its merge state live outside the engine.
package pr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Handle identifies an open pull request.
type Handle struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
	// Mergeable is "MERGEABLE", "CONFLICTING", or "UNKNOWN", mirroring
	// `gh pr view --json mergeable`.
	Mergeable string `json:"mergeable"`
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pr: gh %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Create opens a pull request from worktreeDir's current branch against
// base, returning the created handle. `gh pr create` prints the new
// PR's URL as its last stdout line; the number is the URL's trailing
// path segment. Mergeable state is not known at creation time — GitHub
// computes it asynchronously — so callers needing it follow up with
// View.
func Create(ctx context.Context, worktreeDir, base, title, body string) (*Handle, error) {
	out, err := run(ctx, worktreeDir, "pr", "create",
		"--base", base, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	url := lastLine(out)
	number, err := numberFromURL(url)
	if err != nil {
		return nil, err
	}
	return &Handle{Number: number, URL: url, State: "OPEN", Mergeable: "UNKNOWN"}, nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func numberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0, fmt.Errorf("pr: unexpected create output %q", url)
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("pr: unexpected create output %q: %w", url, err)
	}
	return n, nil
}

// View refreshes the merge state of an existing PR by number.
func View(ctx context.Context, dir string, number int) (*Handle, error) {
	out, err := run(ctx, dir, "pr", "view", fmt.Sprintf("%d", number),
		"--json", "number,url,state,mergeable")
	if err != nil {
		return nil, err
	}
	var h Handle
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		return nil, fmt.Errorf("pr: parsing view output: %w", err)
	}
	return &h, nil
}

// Merge merges an existing PR by number using the squash strategy, the
// default the scheduler's optional auto-merge follow-up uses.
func Merge(ctx context.Context, dir string, number int) error {
	_, err := run(ctx, dir, "pr", "merge", fmt.Sprintf("%d", number), "--squash", "--delete-branch")
	return err
}

// HasConflict reports whether a handle's mergeable state indicates a
// merge conflict against its base — the trigger for spawning a
// conflict-resolver worker.
func (h *Handle) HasConflict() bool {
	return h != nil && h.Mergeable == "CONFLICTING"
}
