package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"taskswarm/internal/domain"
)

// MemoryStore keeps encoded snapshots in process. It enforces the same
// version check as the durable stores.
type MemoryStore struct {
	mu    sync.Mutex
	lists map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, listID string) (domain.Snapshot, bool, error) {
	m.mu.Lock()
	raw, ok := m.lists[listID]
	m.mu.Unlock()
	if !ok {
		return domain.Snapshot{}, false, nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, false, corrupt("decode snapshot %s: %v", listID, err)
	}
	return snap, true, nil
}

func (m *MemoryStore) Save(_ context.Context, snap domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ListID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	prev, exists := m.lists[snap.ListID]
	if exists {
		var head struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(prev, &head); err != nil {
			return corrupt("decode snapshot %s: %v", snap.ListID, err)
		}
		stored = head.Version
	}
	if err := CheckVersion(snap.ListID, stored, exists, snap.Version); err != nil {
		return err
	}
	m.lists[snap.ListID] = raw
	return nil
}

// CheckVersion accepts a write of version next only when it directly follows
// the stored version, or when nothing is stored and next is the first version.
func CheckVersion(listID string, stored int64, exists bool, next int64) error {
	if !exists {
		if next == 1 {
			return nil
		}
		return fmt.Errorf("%w: list %s is not stored, cannot write version %d", ErrStaleSnapshot, listID, next)
	}
	if stored != next-1 {
		return fmt.Errorf("%w: list %s is at version %d, cannot write version %d", ErrStaleSnapshot, listID, stored, next)
	}
	return nil
}
