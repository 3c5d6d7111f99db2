package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"active_form"`
	Status      TaskStatus     `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	BlockedBy   []string       `json:"blocked_by"`
	Blocks      []string       `json:"blocks"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the edge sets and metadata bag.
func (t Task) Clone() Task {
	out := t
	out.BlockedBy = append([]string{}, t.BlockedBy...)
	out.Blocks = append([]string{}, t.Blocks...)
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// MetadataString returns the string value stored under key, or "".
func (t Task) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, ok := t.Metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Snapshot is the whole-document form of a task graph as written to a store.
type Snapshot struct {
	ListID    string    `json:"list_id"`
	Version   int64     `json:"version"`
	NextID    int64     `json:"next_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Tasks     []Task    `json:"tasks"`
}

// DependencyResult is one entry of the context handed to an executor.
type DependencyResult struct {
	SourceID      string `json:"source_id"`
	SourceSubject string `json:"source_subject"`
	Artifact      any    `json:"artifact"`
}

type ArtifactRecord struct {
	ID        string          `json:"id"`
	ListID    string          `json:"list_id"`
	TaskID    string          `json:"task_id"`
	Producer  string          `json:"producer"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
	CreatedAt time.Time       `json:"created_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	ListID    string          `json:"list_id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventWaveStarted   EventKind = "wave_started"
	EventTaskStarted   EventKind = "task_started"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventWaveFinished  EventKind = "wave_finished"
	EventRunFinished   EventKind = "run_finished"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	ListID    string    `json:"list_id"`
	Wave      int       `json:"wave,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Executor  string    `json:"executor,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	TaskIDs   []string  `json:"task_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphSummary describes one stored task graph without its tasks.
type GraphSummary struct {
	ListID    string    `json:"list_id"`
	Version   int64     `json:"version"`
	TaskCount int       `json:"task_count"`
	UpdatedAt time.Time `json:"updated_at"`
}
