package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskswarm/internal/domain"
)

// Store is the whole-document backend a Graph persists to after every mutation.
// Load reports ok=false when nothing has been saved under listID yet.
type Store interface {
	Load(ctx context.Context, listID string) (domain.Snapshot, bool, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}

// Graph owns the tasks of one logical run. All mutations are serialized by a
// single graph lock and are persisted before they become visible.
type Graph struct {
	mu        sync.RWMutex
	listID    string
	store     Store
	tasks     map[string]domain.Task
	nextID    int64
	version   int64
	updatedAt time.Time
}

type CreateInput struct {
	Subject     string
	Description string
	ActiveForm  string
	BlockedBy   []string
	// Metadata values are kept in their JSON form, as a store load returns them.
	Metadata map[string]any
}

// UpdateInput mutates only the non-nil fields. A nil value in Metadata
// removes the key.
type UpdateInput struct {
	Status       *domain.TaskStatus
	Subject      *string
	Description  *string
	ActiveForm   *string
	Owner        *string
	LastError    *string
	AddBlockedBy []string
	AddBlocks    []string
	Metadata     map[string]any
}

// NewListID returns a short random list identifier.
func NewListID() string {
	return uuid.NewString()[:8]
}

// Open restores the graph stored under listID, or starts an empty one.
func Open(ctx context.Context, store Store, listID string) (*Graph, error) {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		listID = NewListID()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Graph{
		listID: listID,
		store:  store,
		tasks:  make(map[string]domain.Task),
		nextID: 1,
	}

	if _, err := g.load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload installs the stored snapshot when it is newer than the one in
// memory, picking up writes made by another process sharing the list. It
// reports whether anything changed.
func (g *Graph) Reload(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load(ctx)
}

func (g *Graph) load(ctx context.Context) (bool, error) {
	snap, ok, err := g.store.Load(ctx, g.listID)
	if err != nil {
		return false, fmt.Errorf("load task graph %s: %w", g.listID, err)
	}
	if !ok || (g.version > 0 && snap.Version <= g.version) {
		return false, nil
	}
	if snap.ListID != "" && snap.ListID != g.listID {
		return false, corrupt("snapshot list_id %q does not match %q", snap.ListID, g.listID)
	}
	tasks, maxID, err := validateSnapshot(snap.Tasks)
	if err != nil {
		return false, err
	}
	g.tasks = tasks
	g.version = snap.Version
	g.updatedAt = snap.UpdatedAt
	g.nextID = snap.NextID
	if g.nextID <= maxID {
		g.nextID = maxID + 1
	}
	return true, nil
}

func (g *Graph) ListID() string {
	return g.listID
}

func (g *Graph) Version() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

func (g *Graph) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return domain.Task{}, fmt.Errorf("create task: subject is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := strconv.FormatInt(g.nextID, 10)
	now := time.Now().UTC()
	activeForm := strings.TrimSpace(in.ActiveForm)
	if activeForm == "" {
		activeForm = "Working on: " + subject
	}
	task := domain.Task{
		ID:          id,
		Subject:     subject,
		Description: in.Description,
		ActiveForm:  activeForm,
		Status:      domain.TaskStatusPending,
		BlockedBy:   []string{},
		Blocks:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(in.Metadata) > 0 {
		task.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			norm, err := normalizeValue(v)
			if err != nil {
				return domain.Task{}, fmt.Errorf("create task: metadata %q: %w", k, err)
			}
			task.Metadata[k] = norm
		}
	}

	staged := map[string]domain.Task{}
	for _, raw := range in.BlockedBy {
		dep := strings.TrimSpace(raw)
		if dep == "" || slices.Contains(task.BlockedBy, dep) {
			continue
		}
		depTask, ok := g.lookup(staged, dep)
		if !ok {
			return domain.Task{}, notFound(dep)
		}
		task.BlockedBy = append(task.BlockedBy, dep)
		depTask.Blocks = append(depTask.Blocks, id)
		depTask.UpdatedAt = now
		staged[dep] = depTask
	}
	staged[id] = task

	if err := g.commit(ctx, staged, g.nextID+1, now); err != nil {
		return domain.Task{}, err
	}
	return task.Clone(), nil
}

func (g *Graph) Update(ctx context.Context, id string, in UpdateInput) (domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, notFound(id)
	}
	now := time.Now().UTC()
	task := current.Clone()
	staged := map[string]domain.Task{}

	if in.Status != nil && *in.Status != task.Status {
		if err := checkTransition(id, task.Status, *in.Status); err != nil {
			return domain.Task{}, err
		}
		task.Status = *in.Status
		if task.Status == domain.TaskStatusCompleted {
			completed := now
			task.CompletedAt = &completed
		}
	}
	if in.Subject != nil {
		subject := strings.TrimSpace(*in.Subject)
		if subject == "" {
			return domain.Task{}, fmt.Errorf("update task %s: subject must not be empty", id)
		}
		task.Subject = subject
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.ActiveForm != nil {
		task.ActiveForm = *in.ActiveForm
	}
	if in.Owner != nil {
		task.Owner = *in.Owner
	}
	if in.LastError != nil {
		task.LastError = *in.LastError
	}
	if task.Status == domain.TaskStatusInProgress && current.Status != domain.TaskStatusInProgress && strings.TrimSpace(task.Owner) == "" {
		return domain.Task{}, invalidTransition(id, "moving to %s requires an owner", task.Status)
	}
	if len(in.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any, len(in.Metadata))
		}
		for k, v := range in.Metadata {
			if v == nil {
				delete(task.Metadata, k)
				continue
			}
			norm, err := normalizeValue(v)
			if err != nil {
				return domain.Task{}, fmt.Errorf("update task %s: metadata %q: %w", id, k, err)
			}
			task.Metadata[k] = norm
		}
	}
	task.UpdatedAt = now
	staged[id] = task

	for _, raw := range in.AddBlockedBy {
		dep := strings.TrimSpace(raw)
		if dep == "" {
			continue
		}
		if err := g.stageEdge(staged, dep, id, now); err != nil {
			return domain.Task{}, err
		}
	}
	for _, raw := range in.AddBlocks {
		child := strings.TrimSpace(raw)
		if child == "" {
			continue
		}
		if err := g.stageEdge(staged, id, child, now); err != nil {
			return domain.Task{}, err
		}
	}

	if err := g.commit(ctx, staged, g.nextID, now); err != nil {
		return domain.Task{}, err
	}
	return staged[id].Clone(), nil
}

func (g *Graph) Get(id string) (domain.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	task, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, notFound(id)
	}
	return task.Clone(), nil
}

// ListAll returns every task ordered by id.
func (g *Graph) ListAll() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLocked()
}

// ListAvailable returns the ready frontier: tasks that are neither completed
// nor failed and whose every dependency is completed.
func (g *Graph) ListAvailable() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.Task, 0)
	for _, task := range g.sortedLocked() {
		if task.Status.Terminal() {
			continue
		}
		ready := true
		for _, dep := range task.BlockedBy {
			depTask, ok := g.tasks[dep]
			if !ok || depTask.Status != domain.TaskStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, task)
		}
	}
	return out
}

// Check re-validates the in-memory state: referential integrity, edge
// symmetry and acyclicity.
func (g *Graph) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, _, err := validateSnapshot(g.sortedLocked())
	return err
}

// Snapshot returns the current persisted form of the graph.
func (g *Graph) Snapshot() domain.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return domain.Snapshot{
		ListID:    g.listID,
		Version:   g.version,
		NextID:    g.nextID,
		UpdatedAt: g.updatedAt,
		Tasks:     g.sortedLocked(),
	}
}

// stageEdge records parent -> child (child blocked by parent) on the staged
// copies of both tasks.
func (g *Graph) stageEdge(staged map[string]domain.Task, parentID, childID string, now time.Time) error {
	if parentID == childID {
		return cycleDetected(childID, "task cannot depend on itself")
	}
	parent, ok := g.lookup(staged, parentID)
	if !ok {
		return notFound(parentID)
	}
	child, ok := g.lookup(staged, childID)
	if !ok {
		return notFound(childID)
	}
	if slices.Contains(child.BlockedBy, parentID) && slices.Contains(parent.Blocks, childID) {
		return nil
	}
	if g.reaches(staged, childID, parentID) {
		return cycleDetected(childID, "edge %s -> %s would close a cycle", parentID, childID)
	}
	if !slices.Contains(child.BlockedBy, parentID) {
		child.BlockedBy = append(child.BlockedBy, parentID)
	}
	if !slices.Contains(parent.Blocks, childID) {
		parent.Blocks = append(parent.Blocks, childID)
	}
	child.UpdatedAt = now
	parent.UpdatedAt = now
	staged[parentID] = parent
	staged[childID] = child
	return nil
}

// reaches reports whether target is reachable from start along blocks edges.
func (g *Graph) reaches(staged map[string]domain.Task, start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		task, ok := g.lookup(staged, id)
		if !ok {
			continue
		}
		for _, next := range task.Blocks {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (g *Graph) lookup(staged map[string]domain.Task, id string) (domain.Task, bool) {
	if task, ok := staged[id]; ok {
		return task, true
	}
	task, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return task.Clone(), true
}

// commit persists the graph with staged overlaid and only then installs the
// staged tasks. A failed save leaves the in-memory graph untouched.
func (g *Graph) commit(ctx context.Context, staged map[string]domain.Task, nextID int64, now time.Time) error {
	tasks := make([]domain.Task, 0, len(g.tasks)+1)
	for id, task := range g.tasks {
		if _, ok := staged[id]; ok {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	for _, task := range staged {
		tasks = append(tasks, task.Clone())
	}
	sortTasks(tasks)

	snap := domain.Snapshot{
		ListID:    g.listID,
		Version:   g.version + 1,
		NextID:    nextID,
		UpdatedAt: now,
		Tasks:     tasks,
	}
	if err := g.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("persist task graph %s: %w", g.listID, err)
	}
	for id, task := range staged {
		g.tasks[id] = task
	}
	g.version = snap.Version
	g.nextID = nextID
	g.updatedAt = now
	return nil
}

func (g *Graph) sortedLocked() []domain.Task {
	out := make([]domain.Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		out = append(out, task.Clone())
	}
	sortTasks(out)
	return out
}

// normalizeValue round-trips a metadata value through JSON so the in-memory
// form matches what a store load returns (numbers become float64).
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var statusRank = map[domain.TaskStatus]int{
	domain.TaskStatusPending:    0,
	domain.TaskStatusInProgress: 1,
	domain.TaskStatusCompleted:  2,
}

func checkTransition(id string, from, to domain.TaskStatus) error {
	if !to.Valid() {
		return invalidTransition(id, "unknown status %q", to)
	}
	if from.Terminal() {
		return invalidTransition(id, "%s is terminal, cannot move to %s", from, to)
	}
	if to == domain.TaskStatusFailed {
		return nil
	}
	if statusRank[to] <= statusRank[from] {
		return invalidTransition(id, "%s -> %s moves backward", from, to)
	}
	return nil
}

func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return LessID(tasks[i].ID, tasks[j].ID)
	})
}

// LessID orders task ids: numeric ids numerically and before any
// non-numeric id, which sort as strings.
func LessID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
