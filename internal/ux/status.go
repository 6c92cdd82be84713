package ux

import (
	"fmt"
	"sort"

	"github.com/jorge-barreto/wiggum/internal/board"
	"github.com/jorge-barreto/wiggum/internal/pool"
)

// RenderStatus prints the full status display for a project: task
// counts by status, each pending/blocked/in-progress task's detail
// line, and the live worker pool.
func RenderStatus(b *board.Board, p *pool.Pool) {
	all := b.List("")
	counts := map[board.Status]int{}
	for _, t := range all {
		counts[t.Status]++
	}

	fmt.Printf("%sTasks:%s    %d total — %s%d done%s, %d in-progress, %d pending, %s%d failed%s\n",
		Bold, Reset, len(all),
		Green, counts[board.StatusDone], Reset,
		counts[board.StatusInProgress],
		counts[board.StatusPending],
		Red, counts[board.StatusFailed], Reset)

	inProgress := b.List(board.StatusInProgress)
	if len(inProgress) > 0 {
		fmt.Printf("\n%sIn progress:%s\n", Bold, Reset)
		for _, t := range sortedByID(inProgress) {
			fmt.Printf("  %s%s%s %-8s %s\n", Yellow, t.ID, Reset, t.Priority, t.Description)
		}
	}

	ready := b.Ready(nil)
	if len(ready) > 0 {
		fmt.Printf("\n%sReady:%s\n", Bold, Reset)
		for _, t := range sortedByID(ready) {
			fmt.Printf("  %s%s%s %-8s %s\n", Cyan, t.ID, Reset, t.Priority, t.Description)
		}
	}

	blocked := b.Blocked()
	if len(blocked) > 0 {
		fmt.Printf("\n%sBlocked:%s\n", Bold, Reset)
		for _, t := range sortedByID(blocked) {
			fmt.Printf("  %s%s%s %-8s depends on %v\n", Dim, t.ID, Reset, t.Priority, t.Dependencies)
		}
	}

	failed := b.List(board.StatusFailed)
	if len(failed) > 0 {
		fmt.Printf("\n%sFailed:%s\n", Bold, Reset)
		for _, t := range sortedByID(failed) {
			fmt.Printf("  %s%s%s %-8s %s\n", Red, t.ID, Reset, t.Priority, t.Description)
		}
	}

	fmt.Printf("\n%sWorker pool:%s\n", Bold, Reset)
	var entries []pool.Entry
	p.ForEach(func(e pool.Entry) { entries = append(entries, e) })
	if len(entries) == 0 {
		fmt.Printf("  %s(empty)%s\n", Dim, Reset)
	} else {
		sort.Slice(entries, func(i, j int) bool { return entries[i].WorkerID < entries[j].WorkerID })
		for _, e := range entries {
			fmt.Printf("  %s%-28s%s %-8s %-7s %s\n", Dim, e.WorkerID, Reset, e.TaskID, e.Kind, e.Status)
		}
	}
	fmt.Println()
}

func sortedByID(tasks []board.Task) []board.Task {
	return board.SortedByID(tasks)
}
