package board

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// checkbox glyphs recognized at the start of a top-level task line, e.g.
//
//	- [ ] ABC-123: add retry to the fetch client
//	- [=] ABC-124: wire up the cache
//	- [x] ABC-125: done
//	- [*] ABC-126: failed
//	- [P] ABC-127: blocked
var glyphStatus = map[string]Status{
	" ": StatusPending,
	"=": StatusInProgress,
	"x": StatusDone,
	"X": StatusDone,
	"*": StatusFailed,
	"P": StatusBlocked,
}

var fieldPrefixes = []string{
	"Description:", "Priority:", "Dependencies:", "Scope:",
	"Acceptance Criteria:", "Batch:", "Status:",
}

// parse walks a board markdown file line by line, producing one Task per
// recognized top-level checkbox entry plus its indented field lines.
// An invalid task identifier or an unknown priority is recorded as a
// ParseIssue; other lines that don't fit the grammar are skipped. None
// of these abort the whole load.
func parse(raw []byte) ([]Task, []ParseIssue) {
	var (
		tasks   []Task
		issues  []ParseIssue
		current *Task
		field    string // the field currently accumulating indented continuation lines
	)

	flush := func() {
		if current != nil {
			tasks = append(tasks, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(stripComments(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}

		if id, status, desc, ok := parseTaskLine(trimmed); ok {
			flush()
			field = ""
			if !ValidID(id) {
				issues = append(issues, ParseIssue{Line: lineNo, Reason: fmt.Sprintf("invalid task identifier %q", id)})
				current = nil
				continue
			}
			current = &Task{ID: id, Status: status, Description: desc, Priority: PriorityMedium}
			continue
		}

		if current == nil {
			continue // stray indented content before any task line, or a non-grammar line
		}

		if !isIndented(line) {
			// A top-level line that isn't a task line (e.g. a section
			// heading) ends the current task's field block.
			flush()
			field = ""
			continue
		}

		if prefix, rest, ok := matchField(trimmed); ok {
			field = prefix
			applyField(current, prefix, rest, lineNo, &issues)
			continue
		}

		// Continuation of a multi-line field (Scope / Acceptance Criteria
		// bullets indented further than the field's own line).
		appendContinuation(current, field, trimmed)
	}
	flush()

	return tasks, issues
}

// parseTaskLine recognizes "- [<glyph>] ID: description".
func parseTaskLine(line string) (id string, status Status, desc string, ok bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "- [") {
		return "", "", "", false
	}
	closeIdx := strings.Index(s, "]")
	if closeIdx < 4 {
		return "", "", "", false
	}
	glyph := s[3:closeIdx]
	st, known := glyphStatus[glyph]
	if !known {
		return "", "", "", false
	}
	rest := strings.TrimSpace(s[closeIdx+1:])
	colonIdx := strings.Index(rest, ":")
	if colonIdx < 0 {
		return "", "", "", false
	}
	id = strings.TrimSpace(rest[:colonIdx])
	desc = strings.TrimSpace(rest[colonIdx+1:])
	return id, st, desc, true
}

func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

func matchField(trimmed string) (prefix, rest string, ok bool) {
	s := strings.TrimSpace(trimmed)
	for _, p := range fieldPrefixes {
		if strings.HasPrefix(s, p) {
			return p, strings.TrimSpace(strings.TrimPrefix(s, p)), true
		}
	}
	// A bare bullet line ("  - some scope entry") continues whatever
	// field is currently open.
	if strings.HasPrefix(s, "- ") {
		return "", strings.TrimSpace(strings.TrimPrefix(s, "-")), false
	}
	return "", "", false
}

func applyField(t *Task, prefix, rest string, lineNo int, issues *[]ParseIssue) {
	switch prefix {
	case "Description:":
		if rest != "" {
			t.Description = rest
		}
	case "Priority:":
		p, err := ParsePriority(rest)
		if err != nil {
			*issues = append(*issues, ParseIssue{Line: lineNo, Reason: err.Error()})
			return
		}
		t.Priority = p
	case "Dependencies:":
		t.Dependencies = splitList(rest)
	case "Scope:":
		if rest != "" {
			t.Scope = append(t.Scope, rest)
		}
	case "Acceptance Criteria:":
		if rest != "" {
			t.AcceptanceCriteria = append(t.AcceptanceCriteria, rest)
		}
	case "Batch:":
		t.Batch = rest
	case "Status:":
		if normalizeKeyword(rest) == "pending-approval" {
			t.PendingApproval = true
		}
	}
}

func appendContinuation(t *Task, field, rest string) {
	rest = strings.TrimPrefix(strings.TrimSpace(rest), "-")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return
	}
	switch field {
	case "Scope:":
		t.Scope = append(t.Scope, rest)
	case "Acceptance Criteria:":
		t.AcceptanceCriteria = append(t.AcceptanceCriteria, rest)
	case "Dependencies:":
		t.Dependencies = append(t.Dependencies, splitList(rest)...)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !strings.EqualFold(p, "none") {
			out = append(out, p)
		}
	}
	return out
}

func normalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// stripComments removes HTML comment blocks (<!-- ... -->), including ones
// spanning multiple lines, so editor annotations never leak into field
// values.
func stripComments(raw []byte) *bytes.Reader {
	s := string(raw)
	for {
		start := strings.Index(s, "<!--")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "-->")
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+3:]
	}
	return bytes.NewReader([]byte(s))
}

// rewriteStatusLine rewrites the checkbox glyph on the given task
// identifier's task line. Every other line, including any "Status:"
// sub-line under the task, is left untouched.
func rewriteStatusLine(raw []byte, id string, status Status) ([]byte, error) {
	lines := strings.Split(string(raw), "\n")
	found := false
	for i, line := range lines {
		tid, _, desc, ok := parseTaskLine(strings.TrimRight(line, " \t"))
		if !ok || tid != id {
			continue
		}
		lines[i] = formatTaskLine(id, status, desc)
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("board: task %q not found", id)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// insertAfterTask splices a newly rendered task block in immediately
// after the parent task's own block (its task line plus every indented
// field line that follows), so a follow-up reads as a sibling of the
// task that produced it.
func insertAfterTask(raw []byte, parentID string, t Task) ([]byte, error) {
	lines := strings.Split(string(raw), "\n")
	start := -1
	for i, line := range lines {
		tid, _, _, ok := parseTaskLine(strings.TrimRight(line, " \t"))
		if ok && tid == parentID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("board: parent task %q not found", parentID)
	}

	end := start + 1
	for end < len(lines) && isIndented(lines[end]) {
		end++
	}

	block := renderTaskBlock(t)
	var out []string
	out = append(out, lines[:end]...)
	out = append(out, block...)
	out = append(out, lines[end:]...)
	return []byte(strings.Join(out, "\n")), nil
}

func renderTaskBlock(t Task) []string {
	lines := []string{formatTaskLine(t.ID, t.Status, t.Description)}
	lines = append(lines, "  Priority: "+t.Priority.String())
	if t.Batch != "" {
		lines = append(lines, "  Batch: "+t.Batch)
	}
	if len(t.Dependencies) > 0 {
		lines = append(lines, "  Dependencies: "+strings.Join(t.Dependencies, ", "))
	}
	return lines
}

func formatTaskLine(id string, status Status, desc string) string {
	glyph := " "
	switch status {
	case StatusInProgress:
		glyph = "="
	case StatusDone:
		glyph = "x"
	case StatusFailed:
		glyph = "*"
	case StatusBlocked:
		glyph = "P"
	}
	return fmt.Sprintf("- [%s] %s: %s", glyph, id, desc)
}
