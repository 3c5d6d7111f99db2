package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"taskswarm/internal/domain"
	"taskswarm/internal/taskgraph"
)

// Store writes every task graph to <dir>/<list_id>.json. Writes go through a
// temp file and rename so a crash never leaves a half-written document.
type Store struct {
	dir string
	mu  sync.Mutex
}

func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("empty tasks dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Load(_ context.Context, listID string) (domain.Snapshot, bool, error) {
	path, err := s.path(listID)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSnapshot(path, listID)
}

func (s *Store) Save(_ context.Context, snap domain.Snapshot) error {
	path, err := s.path(snap.ListID)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task graph: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists, err := readSnapshot(path, snap.ListID)
	if err != nil {
		return err
	}
	if err := taskgraph.CheckVersion(snap.ListID, current.Version, exists, snap.Version); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+snap.ListID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write task graph: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync task graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close task graph: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace task graph: %w", err)
	}
	return nil
}

func (s *Store) ListGraphs(_ context.Context) ([]domain.GraphSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.GraphSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		listID := strings.TrimSuffix(name, ".json")
		snap, ok, err := readSnapshot(filepath.Join(s.dir, name), listID)
		if err != nil || !ok {
			continue
		}
		result = append(result, domain.GraphSummary{
			ListID:    listID,
			Version:   snap.Version,
			TaskCount: len(snap.Tasks),
			UpdatedAt: snap.UpdatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ListID < result[j].ListID
	})
	return result, nil
}

func (s *Store) path(listID string) (string, error) {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		return "", fmt.Errorf("empty list id")
	}
	if strings.ContainsAny(listID, `/\`) || listID == "." || listID == ".." || strings.HasPrefix(listID, ".") {
		return "", fmt.Errorf("invalid list id %q", listID)
	}
	return filepath.Join(s.dir, listID+".json"), nil
}

func readSnapshot(path, listID string) (domain.Snapshot, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("read task graph %s: %w", listID, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("%w: decode task graph %s: %v", taskgraph.ErrCorruptSnapshot, listID, err)
	}
	return snap, true, nil
}
