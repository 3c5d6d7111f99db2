package taskgraph

import (
	"fmt"
	"strings"

	"taskswarm/internal/domain"
)

// Render draws the graph as one line per task with its dependency edges:
//
//	[x] #1 Research topic
//	[B] #2 Write report (needs: 1)
//	      -> blocks: 3
func Render(tasks []domain.Task) string {
	byID := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	ordered := append([]domain.Task{}, tasks...)
	sortTasks(ordered)

	var b strings.Builder
	for _, task := range ordered {
		fmt.Fprintf(&b, "%s #%s %s", icon(task, byID), task.ID, task.Subject)
		if len(task.BlockedBy) > 0 {
			fmt.Fprintf(&b, " (needs: %s)", strings.Join(task.BlockedBy, ", "))
		}
		if task.Status == domain.TaskStatusFailed && task.LastError != "" {
			fmt.Fprintf(&b, " error=%q", task.LastError)
		}
		b.WriteByte('\n')
		if len(task.Blocks) > 0 {
			fmt.Fprintf(&b, "      -> blocks: %s\n", strings.Join(task.Blocks, ", "))
		}
	}
	return b.String()
}

func icon(task domain.Task, byID map[string]domain.Task) string {
	switch task.Status {
	case domain.TaskStatusCompleted:
		return "[x]"
	case domain.TaskStatusInProgress:
		return "[>]"
	case domain.TaskStatusFailed:
		return "[!]"
	}
	for _, dep := range task.BlockedBy {
		if byID[dep].Status != domain.TaskStatusCompleted {
			return "[B]"
		}
	}
	return "[ ]"
}
