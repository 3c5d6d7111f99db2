package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"taskswarm/internal/domain"
)

func newGraph(t *testing.T) (*Graph, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	g, err := Open(context.Background(), store, "test")
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}
	return g, store
}

func mustCreate(t *testing.T, g *Graph, subject string, deps ...string) domain.Task {
	t.Helper()
	task, err := g.Create(context.Background(), CreateInput{Subject: subject, Description: "do " + subject, BlockedBy: deps})
	if err != nil {
		t.Fatalf("create %s: %v", subject, err)
	}
	return task
}

func setStatus(t *testing.T, g *Graph, id string, status domain.TaskStatus) {
	t.Helper()
	in := UpdateInput{Status: &status}
	if status == domain.TaskStatusInProgress {
		owner := "tester"
		in.Owner = &owner
	}
	if _, err := g.Update(context.Background(), id, in); err != nil {
		t.Fatalf("update %s -> %s: %v", id, status, err)
	}
}

func statusPtr(s domain.TaskStatus) *domain.TaskStatus { return &s }

func assertSymmetric(t *testing.T, g *Graph) {
	t.Helper()
	for _, task := range g.ListAll() {
		for _, dep := range task.BlockedBy {
			parent, err := g.Get(dep)
			if err != nil {
				t.Fatalf("get %s: %v", dep, err)
			}
			if !slices.Contains(parent.Blocks, task.ID) {
				t.Fatalf("task %s blocked by %s but %s.blocks=%v", task.ID, dep, dep, parent.Blocks)
			}
		}
		for _, child := range task.Blocks {
			kid, err := g.Get(child)
			if err != nil {
				t.Fatalf("get %s: %v", child, err)
			}
			if !slices.Contains(kid.BlockedBy, task.ID) {
				t.Fatalf("task %s blocks %s but %s.blocked_by=%v", task.ID, child, child, kid.BlockedBy)
			}
		}
	}
}

func TestCreateAssignsSequentialIDsAndDefaults(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "Research")
	b := mustCreate(t, g, "Write", a.ID)

	if a.ID != "1" || b.ID != "2" {
		t.Fatalf("ids=%s,%s want=1,2", a.ID, b.ID)
	}
	if a.Status != domain.TaskStatusPending {
		t.Fatalf("status=%s want=pending", a.Status)
	}
	if a.ActiveForm != "Working on: Research" {
		t.Fatalf("active_form=%q", a.ActiveForm)
	}
	if a.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}
	parent, _ := g.Get(a.ID)
	if !slices.Equal(parent.Blocks, []string{"2"}) {
		t.Fatalf("blocks=%v want=[2]", parent.Blocks)
	}
	assertSymmetric(t, g)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	g, _ := newGraph(t)
	mustCreate(t, g, "A")
	_, err := g.Create(context.Background(), CreateInput{Subject: "B", BlockedBy: []string{"1", "42"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if got := len(g.ListAll()); got != 1 {
		t.Fatalf("tasks=%d want=1", got)
	}
	a, _ := g.Get("1")
	if len(a.Blocks) != 0 {
		t.Fatalf("partial edge left behind: blocks=%v", a.Blocks)
	}
	next := mustCreate(t, g, "C")
	if next.ID != "2" {
		t.Fatalf("id=%s want=2 after rejected create", next.ID)
	}
}

func TestUpdateUnknownTask(t *testing.T) {
	g, _ := newGraph(t)
	_, err := g.Update(context.Background(), "9", UpdateInput{Status: statusPtr(domain.TaskStatusInProgress)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := g.Get("9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get err=%v want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from []domain.TaskStatus
		to   domain.TaskStatus
		ok   bool
	}{
		{nil, domain.TaskStatusInProgress, true},
		{nil, domain.TaskStatusCompleted, true},
		{nil, domain.TaskStatusFailed, true},
		{[]domain.TaskStatus{domain.TaskStatusInProgress}, domain.TaskStatusCompleted, true},
		{[]domain.TaskStatus{domain.TaskStatusInProgress}, domain.TaskStatusFailed, true},
		{[]domain.TaskStatus{domain.TaskStatusInProgress}, domain.TaskStatusPending, false},
		{[]domain.TaskStatus{domain.TaskStatusCompleted}, domain.TaskStatusPending, false},
		{[]domain.TaskStatus{domain.TaskStatusCompleted}, domain.TaskStatusInProgress, false},
		{[]domain.TaskStatus{domain.TaskStatusCompleted}, domain.TaskStatusFailed, false},
		{[]domain.TaskStatus{domain.TaskStatusFailed}, domain.TaskStatusInProgress, false},
		{[]domain.TaskStatus{domain.TaskStatusFailed}, domain.TaskStatusCompleted, false},
		{nil, domain.TaskStatus("paused"), false},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("%d_%s", i, tc.to), func(t *testing.T) {
			g, _ := newGraph(t)
			task := mustCreate(t, g, "A")
			for _, s := range tc.from {
				setStatus(t, g, task.ID, s)
			}
			before, _ := g.Get(task.ID)
			owner := "tester"
			_, err := g.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(tc.to), Owner: &owner})
			if tc.ok && err != nil {
				t.Fatalf("update to %s: %v", tc.to, err)
			}
			if !tc.ok {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err=%v want ErrInvalidTransition", err)
				}
				after, _ := g.Get(task.ID)
				if after.Status != before.Status {
					t.Fatalf("status changed on rejected update: %s -> %s", before.Status, after.Status)
				}
			}
		})
	}
}

func TestSameStatusUpdateIsNoop(t *testing.T) {
	g, _ := newGraph(t)
	task := mustCreate(t, g, "A")
	setStatus(t, g, task.ID, domain.TaskStatusInProgress)
	if _, err := g.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(domain.TaskStatusInProgress)}); err != nil {
		t.Fatalf("same status update: %v", err)
	}
}

func TestCompletedSetsCompletedAt(t *testing.T) {
	g, _ := newGraph(t)
	task := mustCreate(t, g, "A")
	setStatus(t, g, task.ID, domain.TaskStatusCompleted)
	got, _ := g.Get(task.ID)
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestUpdateFieldsAndMetadataPatch(t *testing.T) {
	g, _ := newGraph(t)
	task, err := g.Create(context.Background(), CreateInput{Subject: "A", Metadata: map[string]any{"agent_type": "analyst", "keep": "yes"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	subject, owner := "A2", "swarm-1"
	got, err := g.Update(context.Background(), task.ID, UpdateInput{
		Subject:  &subject,
		Owner:    &owner,
		Metadata: map[string]any{"agent_type": nil, "priority": "high"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Subject != "A2" || got.Owner != "swarm-1" {
		t.Fatalf("subject=%q owner=%q", got.Subject, got.Owner)
	}
	if _, ok := got.Metadata["agent_type"]; ok {
		t.Fatalf("agent_type not removed: %v", got.Metadata)
	}
	if got.MetadataString("keep") != "yes" || got.MetadataString("priority") != "high" {
		t.Fatalf("metadata=%v", got.Metadata)
	}
}

func TestEdgesAreSymmetric(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "A")
	b := mustCreate(t, g, "B")
	c := mustCreate(t, g, "C")
	if _, err := g.Update(context.Background(), b.ID, UpdateInput{AddBlockedBy: []string{a.ID}}); err != nil {
		t.Fatalf("add blocked_by: %v", err)
	}
	if _, err := g.Update(context.Background(), b.ID, UpdateInput{AddBlocks: []string{c.ID}}); err != nil {
		t.Fatalf("add blocks: %v", err)
	}
	if _, err := g.Update(context.Background(), b.ID, UpdateInput{AddBlocks: []string{c.ID}}); err != nil {
		t.Fatalf("repeat add blocks: %v", err)
	}
	assertSymmetric(t, g)
	gotC, _ := g.Get(c.ID)
	if !slices.Equal(gotC.BlockedBy, []string{b.ID}) {
		t.Fatalf("c.blocked_by=%v want=[%s]", gotC.BlockedBy, b.ID)
	}
}

func TestCycleRejectedWithoutMutation(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "A")
	b := mustCreate(t, g, "B", a.ID)
	c := mustCreate(t, g, "C", b.ID)
	version := g.Version()

	_, err := g.Update(context.Background(), a.ID, UpdateInput{AddBlockedBy: []string{c.ID}})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("err=%v want ErrCycleDetected", err)
	}
	_, err = g.Update(context.Background(), c.ID, UpdateInput{AddBlocks: []string{a.ID}})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("err=%v want ErrCycleDetected", err)
	}
	_, err = g.Update(context.Background(), b.ID, UpdateInput{AddBlockedBy: []string{b.ID}})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("self edge err=%v want ErrCycleDetected", err)
	}
	if g.Version() != version {
		t.Fatalf("version moved from %d to %d on rejected updates", version, g.Version())
	}
	gotA, _ := g.Get(a.ID)
	gotC, _ := g.Get(c.ID)
	if len(gotA.BlockedBy) != 0 || len(gotC.Blocks) != 0 {
		t.Fatalf("edge left behind: a.blocked_by=%v c.blocks=%v", gotA.BlockedBy, gotC.Blocks)
	}
	if err := g.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestRejectedUpdateLeavesOtherFieldsUntouched(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "A")
	subject := "renamed"
	_, err := g.Update(context.Background(), a.ID, UpdateInput{Subject: &subject, AddBlockedBy: []string{"77"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	got, _ := g.Get(a.ID)
	if got.Subject != "A" {
		t.Fatalf("subject=%q want=A", got.Subject)
	}
}

func TestListAvailableFrontier(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "A")
	b := mustCreate(t, g, "B", a.ID)
	c := mustCreate(t, g, "C", a.ID)
	d := mustCreate(t, g, "D", b.ID, c.ID)

	if got := ids(g.ListAvailable()); !slices.Equal(got, []string{a.ID}) {
		t.Fatalf("frontier=%v want=[%s]", got, a.ID)
	}
	setStatus(t, g, a.ID, domain.TaskStatusCompleted)
	if got := ids(g.ListAvailable()); !slices.Equal(got, []string{b.ID, c.ID}) {
		t.Fatalf("frontier=%v want=[%s %s]", got, b.ID, c.ID)
	}
	setStatus(t, g, b.ID, domain.TaskStatusInProgress)
	setStatus(t, g, c.ID, domain.TaskStatusFailed)
	if got := ids(g.ListAvailable()); !slices.Equal(got, []string{b.ID}) {
		t.Fatalf("frontier=%v want=[%s]", got, b.ID)
	}
	setStatus(t, g, b.ID, domain.TaskStatusCompleted)
	for _, task := range g.ListAvailable() {
		if task.ID == d.ID {
			t.Fatalf("task %s ready with failed dependency", d.ID)
		}
	}
}

func TestRandomDAGFrontierMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusInProgress,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
	}
	for round := 0; round < 50; round++ {
		g, _ := newGraph(t)
		n := 2 + rng.Intn(14)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprint(j+1))
				}
			}
			mustCreate(t, g, fmt.Sprintf("t%d", i), deps...)
		}
		for _, task := range g.ListAll() {
			target := statuses[rng.Intn(len(statuses))]
			if target != domain.TaskStatusPending {
				setStatus(t, g, task.ID, target)
			}
		}
		assertSymmetric(t, g)

		all := g.ListAll()
		byID := map[string]domain.Task{}
		for _, task := range all {
			byID[task.ID] = task
		}
		var want []string
		for _, task := range all {
			if task.Status == domain.TaskStatusCompleted || task.Status == domain.TaskStatusFailed {
				continue
			}
			ready := true
			for _, dep := range task.BlockedBy {
				if byID[dep].Status != domain.TaskStatusCompleted {
					ready = false
				}
			}
			if ready {
				want = append(want, task.ID)
			}
		}
		frontier := g.ListAvailable()
		if got := ids(frontier); !slices.Equal(got, want) {
			t.Fatalf("round %d frontier=%v want=%v", round, got, want)
		}
		for _, x := range frontier {
			for _, y := range frontier {
				if slices.Contains(x.BlockedBy, y.ID) || slices.Contains(x.Blocks, y.ID) {
					t.Fatalf("round %d: %s and %s share an edge in one wave", round, x.ID, y.ID)
				}
			}
		}
	}
}

func TestRandomEdgeAdditionsNeverCreateCycle(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	g, _ := newGraph(t)
	for i := 0; i < 20; i++ {
		mustCreate(t, g, fmt.Sprintf("t%d", i))
	}
	for i := 0; i < 300; i++ {
		from := fmt.Sprint(1 + rng.Intn(20))
		to := fmt.Sprint(1 + rng.Intn(20))
		_, err := g.Update(context.Background(), to, UpdateInput{AddBlockedBy: []string{from}})
		if err != nil && !errors.Is(err, ErrCycleDetected) {
			t.Fatalf("add %s -> %s: %v", from, to, err)
		}
	}
	if err := g.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	assertSymmetric(t, g)
	if _, err := g.CriticalPath(); err != nil {
		t.Fatalf("critical path: %v", err)
	}
}

func TestConcurrentEdgeAdditionsKeepSymmetry(t *testing.T) {
	g, _ := newGraph(t)
	root := mustCreate(t, g, "root")
	var children []string
	for i := 0; i < 16; i++ {
		children = append(children, mustCreate(t, g, fmt.Sprintf("c%d", i)).ID)
	}

	var wg sync.WaitGroup
	for _, id := range children {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if _, err := g.Update(context.Background(), id, UpdateInput{AddBlockedBy: []string{root.ID}}); err != nil {
				t.Errorf("add blocked_by %s: %v", id, err)
			}
		}(id)
		go func(id string) {
			defer wg.Done()
			owner := "w-" + id
			if _, err := g.Update(context.Background(), id, UpdateInput{Owner: &owner}); err != nil {
				t.Errorf("set owner %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assertSymmetric(t, g)
	gotRoot, _ := g.Get(root.ID)
	if len(gotRoot.Blocks) != len(children) {
		t.Fatalf("root.blocks=%d want=%d", len(gotRoot.Blocks), len(children))
	}
	for _, id := range children {
		task, _ := g.Get(id)
		if task.Owner != "w-"+id {
			t.Fatalf("owner lost on %s: %q", id, task.Owner)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)
	a := mustCreate(t, g, "A")
	b := mustCreate(t, g, "B", a.ID)
	mustCreate(t, g, "C", a.ID, b.ID)
	setStatus(t, g, a.ID, domain.TaskStatusCompleted)

	restored, err := Open(ctx, store, "test")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	want, got := g.ListAll(), restored.ListAll()
	if len(want) != len(got) {
		t.Fatalf("tasks=%d want=%d", len(got), len(want))
	}
	for i := range want {
		w, r := want[i], got[i]
		if w.ID != r.ID || w.Subject != r.Subject || w.Status != r.Status ||
			!slices.Equal(w.BlockedBy, r.BlockedBy) || !slices.Equal(w.Blocks, r.Blocks) ||
			!w.CreatedAt.Equal(r.CreatedAt) {
			t.Fatalf("task %s differs after reload:\n got=%+v\nwant=%+v", w.ID, r, w)
		}
	}
	if restored.Version() != g.Version() {
		t.Fatalf("version=%d want=%d", restored.Version(), g.Version())
	}
	next := mustCreate(t, restored, "D")
	if next.ID != "4" {
		t.Fatalf("id=%s want=4, ids must not be reused", next.ID)
	}
}

func TestOpenRejectsCorruptSnapshots(t *testing.T) {
	ctx := context.Background()
	cases := map[string][]domain.Task{
		"dangling": {
			{ID: "1", Status: domain.TaskStatusPending, BlockedBy: []string{"2"}},
		},
		"asymmetric": {
			{ID: "1", Status: domain.TaskStatusPending},
			{ID: "2", Status: domain.TaskStatusPending, BlockedBy: []string{"1"}},
		},
		"cycle": {
			{ID: "1", Status: domain.TaskStatusPending, BlockedBy: []string{"2"}, Blocks: []string{"2"}},
			{ID: "2", Status: domain.TaskStatusPending, BlockedBy: []string{"1"}, Blocks: []string{"1"}},
		},
		"status": {
			{ID: "1", Status: domain.TaskStatus("paused")},
		},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			if err := store.Save(ctx, domain.Snapshot{ListID: "bad", Version: 1, NextID: 3, Tasks: tasks}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if _, err := Open(ctx, store, "bad"); !errors.Is(err, ErrCorruptSnapshot) {
				t.Fatalf("err=%v want ErrCorruptSnapshot", err)
			}
		})
	}
}

func TestStaleSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)
	mustCreate(t, g, "A")

	other, err := Open(ctx, store, "test")
	if err != nil {
		t.Fatalf("open second writer: %v", err)
	}
	mustCreate(t, other, "B")

	_, err = g.Create(ctx, CreateInput{Subject: "C"})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("err=%v want ErrStaleSnapshot", err)
	}
	if got := len(g.ListAll()); got != 1 {
		t.Fatalf("tasks=%d want=1 after stale save", got)
	}
	if g.Version() != 1 {
		t.Fatalf("version=%d want=1", g.Version())
	}
}

func TestRenderIcons(t *testing.T) {
	g, _ := newGraph(t)
	a := mustCreate(t, g, "Research")
	b := mustCreate(t, g, "Analyze", a.ID)
	mustCreate(t, g, "Write", b.ID)
	mustCreate(t, g, "Side")
	setStatus(t, g, a.ID, domain.TaskStatusCompleted)
	setStatus(t, g, b.ID, domain.TaskStatusInProgress)
	msg := "boom"
	if _, err := g.Update(context.Background(), "4", UpdateInput{Status: statusPtr(domain.TaskStatusFailed), LastError: &msg}); err != nil {
		t.Fatalf("fail side: %v", err)
	}

	want := "[x] #1 Research\n" +
		"      -> blocks: 2\n" +
		"[>] #2 Analyze (needs: 1)\n" +
		"      -> blocks: 3\n" +
		"[B] #3 Write (needs: 2)\n" +
		"[!] #4 Side error=\"boom\"\n"
	if got := Render(g.ListAll()); got != want {
		t.Fatalf("render mismatch:\n%s\nwant:\n%s", got, want)
	}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestReloadPicksUpNewerSnapshot(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)
	mustCreate(t, g, "A")

	other, err := Open(ctx, store, "test")
	if err != nil {
		t.Fatalf("open second writer: %v", err)
	}
	mustCreate(t, other, "B", "1")

	changed, err := g.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("reload changed=%v err=%v", changed, err)
	}
	if got := len(g.ListAll()); got != 2 {
		t.Fatalf("tasks=%d want=2", got)
	}
	if next := mustCreate(t, g, "C"); next.ID != "3" {
		t.Fatalf("id=%s want=3", next.ID)
	}

	changed, err = g.Reload(ctx)
	if err != nil || changed {
		t.Fatalf("second reload changed=%v err=%v", changed, err)
	}
}

func TestLessIDOrdersNumericBeforeText(t *testing.T) {
	ids := []string{"b", "10", "a", "2", "1"}
	slices.SortFunc(ids, func(x, y string) int {
		switch {
		case LessID(x, y):
			return -1
		case LessID(y, x):
			return 1
		}
		return 0
	})
	if want := []string{"1", "2", "10", "a", "b"}; !slices.Equal(ids, want) {
		t.Fatalf("order=%v want=%v", ids, want)
	}
}

func TestMetadataKeepsJSONFormAcrossReload(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)
	task, err := g.Create(ctx, CreateInput{Subject: "A", Metadata: map[string]any{"priority": 3, "tags": []string{"x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.Update(ctx, task.ID, UpdateInput{Metadata: map[string]any{"budget": int64(7)}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	restored, err := Open(ctx, store, "test")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	inMemory, _ := g.Get(task.ID)
	loaded, _ := restored.Get(task.ID)
	for _, key := range []string{"priority", "tags", "budget"} {
		want := fmt.Sprintf("%T %v", loaded.Metadata[key], loaded.Metadata[key])
		if got := fmt.Sprintf("%T %v", inMemory.Metadata[key], inMemory.Metadata[key]); got != want {
			t.Fatalf("metadata %s=%s want=%s", key, got, want)
		}
	}
	if _, ok := inMemory.Metadata["priority"].(float64); !ok {
		t.Fatalf("priority=%T want float64", inMemory.Metadata["priority"])
	}

	if _, err := g.Create(ctx, CreateInput{Subject: "B", Metadata: map[string]any{"bad": make(chan int)}}); err == nil {
		t.Fatalf("expected error for unencodable metadata")
	}
	if next := mustCreate(t, g, "C"); next.ID != "2" {
		t.Fatalf("id=%s want=2 after rejected create", next.ID)
	}
}

func TestInProgressRequiresOwner(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	task := mustCreate(t, g, "A")

	_, err := g.Update(ctx, task.ID, UpdateInput{Status: statusPtr(domain.TaskStatusInProgress)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v want ErrInvalidTransition", err)
	}
	blank := "  "
	_, err = g.Update(ctx, task.ID, UpdateInput{Status: statusPtr(domain.TaskStatusInProgress), Owner: &blank})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("blank owner err=%v want ErrInvalidTransition", err)
	}
	if got, _ := g.Get(task.ID); got.Status != domain.TaskStatusPending {
		t.Fatalf("status=%s want=pending", got.Status)
	}

	owner := "swarm-1"
	got, err := g.Update(ctx, task.ID, UpdateInput{Status: statusPtr(domain.TaskStatusInProgress), Owner: &owner})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Owner != owner {
		t.Fatalf("owner=%q want=%q", got.Owner, owner)
	}
}
