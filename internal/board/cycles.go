package board

// DetectCycles returns, for each task participating in a dependency
// cycle, the set of task identifiers forming that cycle. Tasks in a
// cycle can never become Ready and are reported rather than silently
// starved.
func (b *Board) DetectCycles() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return detectCycles(b.tasks)
}

// detectCycles runs Tarjan's strongly-connected-components algorithm
// over the dependency graph and returns, keyed by task ID, the member
// list of any SCC with more than one task or a single self-dependent
// task.
func detectCycles(tasks []Task) map[string][]string {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	type tstate struct {
		index, low int
		onStack    bool
	}

	var (
		indexCounter int
		stack        []string
		states       = make(map[string]*tstate)
		result       = make(map[string][]string)
	)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		st := &tstate{index: indexCounter, low: indexCounter, onStack: true}
		states[v] = st
		indexCounter++
		stack = append(stack, v)

		for _, w := range byID[v].Dependencies {
			if _, exists := byID[w]; !exists {
				continue // dangling dependency, not a cycle participant
			}
			wst, seen := states[w]
			if !seen {
				strongconnect(w)
				wst = states[w]
				if wst.low < st.low {
					st.low = wst.low
				}
			} else if wst.onStack {
				if wst.index < st.low {
					st.low = wst.index
				}
			}
		}

		if st.low == st.index {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				states[w].onStack = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || selfDependent(byID[scc[0]]) {
				for _, id := range scc {
					result[id] = scc
				}
			}
		}
	}

	for _, t := range tasks {
		if _, seen := states[t.ID]; !seen {
			strongconnect(t.ID)
		}
	}
	return result
}

func selfDependent(t Task) bool {
	for _, d := range t.Dependencies {
		if d == t.ID {
			return true
		}
	}
	return false
}
