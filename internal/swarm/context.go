package swarm

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"taskswarm/internal/domain"
)

// resultSet is the coordinator's id -> artifact map. Each id is written once
// by the worker that owns the task.
type resultSet struct {
	mu sync.RWMutex
	m  map[string]any
}

func newResultSet() *resultSet {
	return &resultSet{m: make(map[string]any)}
}

func (r *resultSet) set(id string, artifact any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = artifact
}

func (r *resultSet) get(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[id]
	return v, ok
}

func (r *resultSet) snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

// dependencyContext collects the results of task's dependencies in blocked_by
// order. Ids with no recorded result are returned in missing.
func dependencyContext(task domain.Task, lookup func(id string) (domain.Task, error), results *resultSet) ([]domain.DependencyResult, []string) {
	deps := make([]domain.DependencyResult, 0, len(task.BlockedBy))
	var missing []string
	for _, id := range task.BlockedBy {
		artifact, ok := results.get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		subject := ""
		if dep, err := lookup(id); err == nil {
			subject = dep.Subject
		}
		deps = append(deps, domain.DependencyResult{
			SourceID:      id,
			SourceSubject: subject,
			Artifact:      artifact,
		})
	}
	return deps, missing
}

// FormatContext renders dependency results as tagged blocks for a prompt:
//
//	<result task_id="1" task="Research topic">
//	...
//	</result>
func FormatContext(deps []domain.DependencyResult) string {
	blocks := make([]string, 0, len(deps))
	for _, dep := range deps {
		blocks = append(blocks, fmt.Sprintf("<result task_id=%q task=%q>\n%s\n</result>",
			dep.SourceID, dep.SourceSubject, ArtifactText(dep.Artifact)))
	}
	return strings.Join(blocks, "\n\n")
}

// ArtifactText returns a printable form of an artifact.
func ArtifactText(artifact any) string {
	switch v := artifact.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Sprint(artifact)
	}
	return string(data)
}
