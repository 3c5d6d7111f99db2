package policy

import (
	"fmt"
	"strings"

	"taskswarm/internal/domain"
)

// Rules select which completed tasks have their artifacts exported.
type Rules struct {
	// Tags limits export to tasks routed to these executor tags. Empty
	// allows every tag.
	Tags []string
	// LeavesOnly skips tasks that other tasks depend on, keeping only the
	// final deliverables of a graph.
	LeavesOnly  bool
	MetadataKey string
}

type Engine struct {
	rules Rules
	tags  map[string]bool
}

func New(rules Rules) *Engine {
	if strings.TrimSpace(rules.MetadataKey) == "" {
		rules.MetadataKey = "agent_type"
	}
	tags := make(map[string]bool, len(rules.Tags))
	for _, tag := range rules.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags[tag] = true
		}
	}
	return &Engine{rules: rules, tags: tags}
}

func (e *Engine) CanExport(task domain.Task) (bool, string) {
	if task.Status != domain.TaskStatusCompleted {
		return false, fmt.Sprintf("task is %s", task.Status)
	}
	if e.rules.LeavesOnly && len(task.Blocks) > 0 {
		return false, "task has dependents"
	}
	if len(e.tags) > 0 {
		tag := task.MetadataString(e.rules.MetadataKey)
		if !e.tags[tag] {
			return false, fmt.Sprintf("tag %q is not exported", tag)
		}
	}
	return true, "allowed"
}
