package swarm

import (
	"sort"

	"taskswarm/internal/domain"
	"taskswarm/internal/taskgraph"
)

// findStuck lists every non-terminal task and, for each, walks blocked_by
// upward to the failed ancestors that keep it from ever becoming ready.
func findStuck(tasks []domain.Task) []StuckTask {
	byID := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	out := make([]StuckTask, 0)
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		stuck := StuckTask{ID: task.ID, Subject: task.Subject}
		for _, chain := range failedChains(task.ID, byID) {
			stuck.FailedAncestors = append(stuck.FailedAncestors, chain[0])
			stuck.Chains = append(stuck.Chains, chain)
		}
		if len(stuck.Chains) > 0 {
			stuck.Reason = StuckFailedAncestor
		} else {
			stuck.Reason = StuckCycleOrDangling
		}
		out = append(out, stuck)
	}
	sort.Slice(out, func(i, j int) bool { return taskgraph.LessID(out[i].ID, out[j].ID) })
	return out
}

// failedChains runs a breadth-first search from id over blocked_by. The search
// stops at failed tasks, so each chain names the nearest failure on its path.
func failedChains(id string, byID map[string]domain.Task) [][]string {
	parent := map[string]string{id: ""}
	queue := []string{id}
	var failed []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		task, ok := byID[cur]
		if !ok {
			continue
		}
		if cur != id && task.Status == domain.TaskStatusFailed {
			failed = append(failed, cur)
			continue
		}
		deps := append([]string{}, task.BlockedBy...)
		sort.Slice(deps, func(i, j int) bool { return taskgraph.LessID(deps[i], deps[j]) })
		for _, dep := range deps {
			if _, seen := parent[dep]; seen {
				continue
			}
			parent[dep] = cur
			queue = append(queue, dep)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return taskgraph.LessID(failed[i], failed[j]) })

	chains := make([][]string, 0, len(failed))
	for _, f := range failed {
		chain := []string{}
		for node := f; node != ""; node = parent[node] {
			chain = append(chain, node)
		}
		chains = append(chains, chain)
	}
	return chains
}
