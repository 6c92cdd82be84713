// Package claimpredict is a conservative guess at which files a task's
// worker is about to touch, used by the scheduler's spawn filter to
// avoid starting two workers whose predicted claims overlap. The
// heuristic deliberately over-approximates — a false conflict delays a
// spawn by a tick; a missed one puts two workers on the same files.
package claimpredict

import (
	"os"
	"path/filepath"
	"strings"
)

// ClaimSet is a predicted set of file or directory paths a task's
// worker will write to. Two sets "overlap" if an entry of one equals an
// entry of the other or is a directory prefix of it, in either
// direction; a trailing "/" on an entry is ignored.
type ClaimSet struct {
	Paths []string
}

// PlanDoc is the minimal shape of a task's plan document the predictor
// consults: a list of file paths the plan itself declares it will
// change, which narrows (and takes precedence over) the scope-text
// heuristic below.
type PlanDoc struct {
	Files []string
}

// globChars are the characters that mark a scope entry as a path/glob
// rather than free text.
const globChars = "*?[]"

// Predict builds a ClaimSet from a task's scope entries and, if
// present, its plan document. Scope entries that look like paths or
// globs (contain a "/", a "." or a glob metacharacter) contribute directly, in
// their glob-stripped form so overlap checks still work as prefix
// matches; free-text entries contribute their whitespace-separated
// tokens as a deliberately coarse over-approximation — better to false-
// positive a conflict than to miss one. A plan document's declared file
// list is unioned in verbatim, since it is a narrower and more precise
// claim than text scraped from a scope description.
func Predict(scope []string, plan *PlanDoc) ClaimSet {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, s := range scope {
		if looksLikePath(s) {
			add(stripGlob(s))
			continue
		}
		for _, tok := range strings.Fields(s) {
			add(tok)
		}
	}

	if plan != nil {
		for _, f := range plan.Files {
			add(f)
		}
	}

	return ClaimSet{Paths: out}
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/"+globChars) || strings.Contains(s, ".")
}

func stripGlob(s string) string {
	idx := strings.IndexAny(s, globChars)
	if idx < 0 {
		return s
	}
	return filepath.Dir(s[:idx])
}

// DirLookup returns a lookup over a directory of per-task plan
// documents named <TASK-ID>.md — the shape the scheduler's PlanLookup
// hook expects. A task has a plan iff its document exists; the
// document's path-looking tokens (anything containing a "/") become the
// plan's declared file list, the narrower claim source Predict prefers
// over scope text.
func DirLookup(dir string) func(taskID string) (PlanDoc, bool) {
	return func(taskID string) (PlanDoc, bool) {
		data, err := os.ReadFile(filepath.Join(dir, taskID+".md"))
		if err != nil {
			return PlanDoc{}, false
		}
		return PlanDoc{Files: extractPaths(string(data))}, true
	}
}

func extractPaths(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, "`*,;:.()[]{}\"'")
		if tok == "" || !strings.Contains(tok, "/") || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Overlaps reports whether a and b share any claimed path, directly or
// by directory-prefix.
func Overlaps(a, b ClaimSet) bool {
	for _, pa := range a.Paths {
		pa = strings.TrimSuffix(pa, "/")
		for _, pb := range b.Paths {
			pb = strings.TrimSuffix(pb, "/")
			if pa == pb || strings.HasPrefix(pa, pb+"/") || strings.HasPrefix(pb, pa+"/") {
				return true
			}
		}
	}
	return false
}
