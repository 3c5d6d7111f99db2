package taskgraph

import (
	"sort"

	"taskswarm/internal/domain"
)

// CriticalPath returns the longest chain of ids linked by blocks edges,
// starting from a root (a task with no blocked_by). Roots and children are
// visited in ascending id order and only a strictly longer chain replaces the
// current best, so ties resolve to the lowest ids.
func (g *Graph) CriticalPath() ([]string, error) {
	return CriticalPath(g.ListAll())
}

// CriticalPath computes the path over a task listing without touching any
// graph. Lengths are memoized and the traversal uses an explicit stack.
func CriticalPath(tasks []domain.Task) ([]string, error) {
	if len(tasks) == 0 {
		return []string{}, nil
	}
	byID := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	ordered := make([]domain.Task, 0, len(tasks))
	ordered = append(ordered, tasks...)
	sortTasks(ordered)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	length := make(map[string]int, len(tasks))
	next := make(map[string]string, len(tasks))

	type frame struct {
		id       string
		children []string
		pos      int
	}
	childrenOf := func(id string) []string {
		kids := make([]string, 0, len(byID[id].Blocks))
		for _, child := range byID[id].Blocks {
			if _, ok := byID[child]; ok {
				kids = append(kids, child)
			}
		}
		sortIDs(kids)
		return kids
	}

	for _, start := range ordered {
		if state[start.ID] == done {
			continue
		}
		stack := []*frame{{id: start.ID, children: childrenOf(start.ID)}}
		state[start.ID] = visiting
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.pos < len(top.children) {
				child := top.children[top.pos]
				top.pos++
				switch state[child] {
				case visiting:
					return nil, cycleDetected(child, "cycle reached while computing critical path")
				case unvisited:
					state[child] = visiting
					stack = append(stack, &frame{id: child, children: childrenOf(child)})
				}
				continue
			}
			best, bestChild := 0, ""
			for _, child := range top.children {
				if length[child] > best {
					best, bestChild = length[child], child
				}
			}
			length[top.id] = best + 1
			next[top.id] = bestChild
			state[top.id] = done
			stack = stack[:len(stack)-1]
		}
	}

	bestRoot, bestLen := "", 0
	for _, task := range ordered {
		if len(task.BlockedBy) > 0 {
			continue
		}
		if length[task.ID] > bestLen {
			bestRoot, bestLen = task.ID, length[task.ID]
		}
	}
	if bestRoot == "" {
		return nil, cycleDetected("", "graph has tasks but no root")
	}

	path := make([]string, 0, bestLen)
	for id := bestRoot; id != ""; id = next[id] {
		path = append(path, id)
	}
	return path, nil
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return LessID(ids[i], ids[j]) })
}
