package taskgraph

import (
	"slices"
	"strconv"

	"taskswarm/internal/domain"
)

// validateSnapshot rebuilds the task index from a stored document and rejects
// anything the graph could not have produced itself.
func validateSnapshot(list []domain.Task) (map[string]domain.Task, int64, error) {
	tasks := make(map[string]domain.Task, len(list))
	var maxID int64
	for _, task := range list {
		if task.ID == "" {
			return nil, 0, corrupt("task with empty id")
		}
		if _, dup := tasks[task.ID]; dup {
			return nil, 0, corrupt("duplicate task id %s", task.ID)
		}
		if !task.Status.Valid() {
			return nil, 0, corrupt("task %s has unknown status %q", task.ID, task.Status)
		}
		if n, err := strconv.ParseInt(task.ID, 10, 64); err == nil && n > maxID {
			maxID = n
		}
		task = task.Clone()
		if task.BlockedBy == nil {
			task.BlockedBy = []string{}
		}
		if task.Blocks == nil {
			task.Blocks = []string{}
		}
		tasks[task.ID] = task
	}

	for id, task := range tasks {
		for _, dep := range task.BlockedBy {
			depTask, ok := tasks[dep]
			if !ok {
				return nil, 0, corrupt("task %s blocked by unknown task %s", id, dep)
			}
			if !slices.Contains(depTask.Blocks, id) {
				return nil, 0, corrupt("task %s blocked by %s but %s does not list it in blocks", id, dep, dep)
			}
		}
		for _, child := range task.Blocks {
			childTask, ok := tasks[child]
			if !ok {
				return nil, 0, corrupt("task %s blocks unknown task %s", id, child)
			}
			if !slices.Contains(childTask.BlockedBy, id) {
				return nil, 0, corrupt("task %s blocks %s but %s does not list it in blocked_by", id, child, child)
			}
		}
	}

	if cyclic := findCycle(tasks); len(cyclic) > 0 {
		return nil, 0, &GraphError{Kind: ErrCorruptSnapshot, TaskID: cyclic[0], Msg: "dependency cycle in stored graph"}
	}
	return tasks, maxID, nil
}

// findCycle runs Kahn's algorithm and returns the ids that never reach
// in-degree zero, sorted. An empty result means the graph is acyclic.
func findCycle(tasks map[string]domain.Task) []string {
	indegree := make(map[string]int, len(tasks))
	queue := make([]string, 0, len(tasks))
	for id, task := range tasks {
		indegree[id] = len(task.BlockedBy)
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range tasks[id].Blocks {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited == len(tasks) {
		return nil
	}
	remaining := make([]string, 0, len(tasks)-visited)
	for id, n := range indegree {
		if n > 0 {
			remaining = append(remaining, id)
		}
	}
	sortIDs(remaining)
	return remaining
}
