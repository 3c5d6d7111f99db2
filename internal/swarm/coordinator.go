package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskswarm/internal/domain"
	"taskswarm/internal/taskgraph"
)

const DefaultMetadataKey = "agent_type"

// TaskGraph is the part of *taskgraph.Graph the coordinator drives.
type TaskGraph interface {
	ListID() string
	Get(id string) (domain.Task, error)
	ListAll() []domain.Task
	ListAvailable() []domain.Task
	Update(ctx context.Context, id string, in taskgraph.UpdateInput) (domain.Task, error)
	Check() error
}

// ResultStore persists artifacts so a resumed run can rebuild dependency
// context for tasks completed by an earlier process.
type ResultStore interface {
	SaveResult(ctx context.Context, rec domain.ArtifactRecord) error
	LoadResults(ctx context.Context, listID string) ([]domain.ArtifactRecord, error)
}

type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type EventPublisher interface {
	Publish(evt domain.Event)
}

type Config struct {
	// MaxConcurrency bounds the workers of one wave. Zero means one worker
	// per ready task.
	MaxConcurrency int
	// TaskTimeout bounds each executor call. Zero means no limit.
	TaskTimeout time.Duration
	MetadataKey string
	OwnerID     string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 0 {
		c.MaxConcurrency = 0
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if strings.TrimSpace(c.MetadataKey) == "" {
		c.MetadataKey = DefaultMetadataKey
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		c.OwnerID = "swarm-" + uuid.NewString()[:8]
	}
	return c
}

type Options struct {
	Results ResultStore
	Journal Journal
	Events  EventPublisher
}

type Coordinator struct {
	graph     TaskGraph
	executors *Registry
	cfg       Config
	opts      Options
	logger    *log.Logger

	runMu sync.Mutex
}

func New(graph TaskGraph, executors *Registry, cfg Config, opts Options, logger *log.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if executors == nil {
		executors = NewRegistry("")
	}
	return &Coordinator{
		graph:     graph,
		executors: executors,
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
	}
}

func (c *Coordinator) OwnerID() string {
	return c.cfg.OwnerID
}

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStuck     RunStatus = "stuck"
	RunStatusCanceled  RunStatus = "canceled"
)

type Wave struct {
	Number    int      `json:"number"`
	TaskIDs   []string `json:"task_ids"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

type RunResult struct {
	ListID     string         `json:"list_id"`
	Owner      string         `json:"owner"`
	Status     RunStatus      `json:"status"`
	Waves      []Wave         `json:"waves"`
	Results    map[string]any `json:"results"`
	Failed     []FailedTask   `json:"failed,omitempty"`
	Stuck      []StuckTask    `json:"stuck,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

type taskOutcome struct {
	id       string
	executor string
	artifact any
	failed   *FailedTask
}

// Run drives the graph wave by wave until every task is terminal, no task can
// become ready, or ctx is done. A stuck run returns *StuckRunError. Executor
// failures are recorded on their tasks and in RunResult.Failed; they do not
// stop independent branches.
func (c *Coordinator) Run(ctx context.Context) (RunResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	listID := c.graph.ListID()
	res := RunResult{
		ListID:    listID,
		Owner:     c.cfg.OwnerID,
		StartedAt: time.Now().UTC(),
	}
	finish := func(status RunStatus, results *resultSet) RunResult {
		res.Status = status
		res.Results = results.snapshot()
		res.FinishedAt = time.Now().UTC()
		return res
	}

	if err := c.graph.Check(); err != nil {
		return finish(RunStatusFailed, newResultSet()), fmt.Errorf("check task graph %s: %w", listID, err)
	}
	results := c.seedResults(ctx, listID)
	persistCtx := context.WithoutCancel(ctx)

	c.logger.Printf("swarm run started list=%s owner=%s tasks=%d", listID, c.cfg.OwnerID, len(c.graph.ListAll()))
	c.publish(domain.Event{Kind: domain.EventRunStarted, ListID: listID})
	c.journal(persistCtx, "", "run_started", "swarm run started", map[string]any{
		"owner":           c.cfg.OwnerID,
		"max_concurrency": c.cfg.MaxConcurrency,
	})

	for waveNum := 1; ; waveNum++ {
		if err := ctx.Err(); err != nil {
			out := finish(RunStatusCanceled, results)
			c.finishLog(persistCtx, out)
			return out, fmt.Errorf("run %s canceled: %w", listID, err)
		}

		ready := c.graph.ListAvailable()
		if len(ready) == 0 {
			stuck := findStuck(c.graph.ListAll())
			if len(stuck) == 0 {
				status := RunStatusCompleted
				if len(res.Failed) > 0 {
					status = RunStatusFailed
				}
				out := finish(status, results)
				c.finishLog(persistCtx, out)
				return out, nil
			}
			res.Stuck = stuck
			out := finish(RunStatusStuck, results)
			stuckErr := &StuckRunError{ListID: listID, Tasks: stuck}
			c.logger.Printf("swarm run stuck list=%s err=%v", listID, stuckErr)
			c.finishLog(persistCtx, out)
			return out, stuckErr
		}

		wave := Wave{Number: waveNum, TaskIDs: make([]string, 0, len(ready))}
		for _, task := range ready {
			wave.TaskIDs = append(wave.TaskIDs, task.ID)
		}
		c.logger.Printf("wave started list=%s wave=%d tasks=%s", listID, waveNum, strings.Join(wave.TaskIDs, ","))
		c.publish(domain.Event{Kind: domain.EventWaveStarted, ListID: listID, Wave: waveNum, TaskIDs: wave.TaskIDs})

		// Executors share the run context, not a group context: a persistence
		// error in one task must not cancel its siblings.
		outcomes := make([]taskOutcome, len(ready))
		var g errgroup.Group
		if c.cfg.MaxConcurrency > 0 {
			g.SetLimit(c.cfg.MaxConcurrency)
		}
		for i, task := range ready {
			g.Go(func() error {
				out, err := c.runTask(ctx, persistCtx, waveNum, task, results)
				outcomes[i] = out
				return err
			})
		}
		waitErr := g.Wait()

		for _, out := range outcomes {
			if out.id == "" {
				continue
			}
			if out.failed != nil {
				wave.Failed = append(wave.Failed, out.id)
				res.Failed = append(res.Failed, *out.failed)
				continue
			}
			wave.Completed = append(wave.Completed, out.id)
		}
		res.Waves = append(res.Waves, wave)
		c.publish(domain.Event{Kind: domain.EventWaveFinished, ListID: listID, Wave: waveNum, TaskIDs: wave.TaskIDs})
		c.logger.Printf("wave finished list=%s wave=%d completed=%d failed=%d", listID, waveNum, len(wave.Completed), len(wave.Failed))

		if waitErr != nil {
			out := finish(RunStatusFailed, results)
			c.finishLog(persistCtx, out)
			return out, fmt.Errorf("run %s wave %d: %w", listID, waveNum, waitErr)
		}
	}
}

// runTask executes one ready task. The returned error is reserved for graph
// persistence failures; executor failures are reported in the outcome.
func (c *Coordinator) runTask(ctx, persistCtx context.Context, waveNum int, task domain.Task, results *resultSet) (taskOutcome, error) {
	listID := c.graph.ListID()
	inProgress := domain.TaskStatusInProgress
	owner := c.cfg.OwnerID
	if _, err := c.graph.Update(persistCtx, task.ID, taskgraph.UpdateInput{Status: &inProgress, Owner: &owner}); err != nil {
		return taskOutcome{}, fmt.Errorf("mark task %s in progress: %w", task.ID, err)
	}

	deps, missing := dependencyContext(task, c.graph.Get, results)
	if len(missing) > 0 {
		c.logger.Printf("dependency results missing list=%s task=%s deps=%s", listID, task.ID, strings.Join(missing, ","))
	}

	tag, exec := c.executors.Resolve(task.MetadataString(c.cfg.MetadataKey))
	out := taskOutcome{id: task.ID, executor: tag}
	c.publish(domain.Event{Kind: domain.EventTaskStarted, ListID: listID, Wave: waveNum, TaskID: task.ID, Executor: tag})
	c.journal(persistCtx, task.ID, "task_dispatched", "ready task dispatched", map[string]any{
		"wave":       waveNum,
		"executor":   tag,
		"blocked_by": task.BlockedBy,
		"context":    len(deps),
	})

	var (
		artifact any
		err      error
	)
	if exec == nil {
		err = fmt.Errorf("no executor registered for tag %q", tag)
	} else {
		artifact, err = c.invoke(ctx, exec, task, deps)
	}

	if err != nil {
		return c.failTask(persistCtx, waveNum, task, tag, err)
	}

	results.set(task.ID, artifact)
	c.saveResult(persistCtx, listID, task.ID, tag, artifact)
	completed := domain.TaskStatusCompleted
	if _, err := c.graph.Update(persistCtx, task.ID, taskgraph.UpdateInput{Status: &completed}); err != nil {
		return out, fmt.Errorf("mark task %s completed: %w", task.ID, err)
	}
	out.artifact = artifact
	c.logger.Printf("task completed list=%s task=%s executor=%s", listID, task.ID, tag)
	c.publish(domain.Event{Kind: domain.EventTaskCompleted, ListID: listID, Wave: waveNum, TaskID: task.ID, Executor: tag, Status: string(completed)})
	c.journal(persistCtx, task.ID, "task_completed", "executor returned a result", map[string]any{
		"wave":     waveNum,
		"executor": tag,
	})
	return out, nil
}

func (c *Coordinator) invoke(ctx context.Context, exec Executor, task domain.Task, deps []domain.DependencyResult) (artifact any, err error) {
	execCtx := ctx
	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	artifact, err = exec.Execute(execCtx, task.Description, deps)
	if err != nil && (execCtx.Err() != nil || IsCancellation(err)) {
		err = fmt.Errorf("canceled: %w", err)
	}
	return artifact, err
}

func (c *Coordinator) failTask(persistCtx context.Context, waveNum int, task domain.Task, tag string, cause error) (taskOutcome, error) {
	listID := c.graph.ListID()
	execErr := fmt.Errorf("%w: task %s: %w", ErrExecutorFailure, task.ID, cause)
	msg := cause.Error()
	failed := domain.TaskStatusFailed
	out := taskOutcome{
		id:       task.ID,
		executor: tag,
		failed: &FailedTask{
			ID:       task.ID,
			Subject:  task.Subject,
			Executor: tag,
			Err:      execErr,
			Error:    msg,
		},
	}
	if _, err := c.graph.Update(persistCtx, task.ID, taskgraph.UpdateInput{Status: &failed, LastError: &msg}); err != nil {
		return out, fmt.Errorf("mark task %s failed: %w", task.ID, err)
	}
	c.logger.Printf("task failed list=%s task=%s executor=%s err=%v", listID, task.ID, tag, cause)
	c.publish(domain.Event{Kind: domain.EventTaskFailed, ListID: listID, Wave: waveNum, TaskID: task.ID, Executor: tag, Status: string(failed), Error: msg})
	c.journal(persistCtx, task.ID, "task_failed", msg, map[string]any{
		"wave":     waveNum,
		"executor": tag,
	})
	return out, nil
}

// seedResults loads artifacts of tasks already completed by a previous run.
func (c *Coordinator) seedResults(ctx context.Context, listID string) *resultSet {
	results := newResultSet()
	if c.opts.Results == nil {
		return results
	}
	records, err := c.opts.Results.LoadResults(ctx, listID)
	if err != nil {
		c.logger.Printf("load results failed list=%s err=%v", listID, err)
		return results
	}
	for _, rec := range records {
		task, err := c.graph.Get(rec.TaskID)
		if err != nil || task.Status != domain.TaskStatusCompleted {
			continue
		}
		results.set(rec.TaskID, decodeArtifact(rec))
	}
	return results
}

func (c *Coordinator) saveResult(ctx context.Context, listID, taskID, producer string, artifact any) {
	if c.opts.Results == nil {
		return
	}
	rec, err := NewArtifactRecord(listID, taskID, producer, artifact)
	if err != nil {
		c.logger.Printf("encode result failed list=%s task=%s err=%v", listID, taskID, err)
		return
	}
	if err := c.opts.Results.SaveResult(ctx, rec); err != nil {
		c.logger.Printf("save result failed list=%s task=%s err=%v", listID, taskID, err)
	}
}

func (c *Coordinator) finishLog(ctx context.Context, res RunResult) {
	c.logger.Printf("swarm run finished list=%s status=%s waves=%d failed=%d stuck=%d",
		res.ListID, res.Status, len(res.Waves), len(res.Failed), len(res.Stuck))
	c.publish(domain.Event{Kind: domain.EventRunFinished, ListID: res.ListID, Status: string(res.Status)})
	c.journal(ctx, "", "run_finished", string(res.Status), map[string]any{
		"waves":  len(res.Waves),
		"failed": res.Failed,
		"stuck":  res.Stuck,
	})
}

func (c *Coordinator) publish(evt domain.Event) {
	if c.opts.Events == nil {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	c.opts.Events.Publish(evt)
}

func (c *Coordinator) journal(ctx context.Context, taskID, action, reason string, payload map[string]any) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.LogDecision(ctx, domain.DecisionLog{
		ListID:  c.graph.ListID(),
		TaskID:  taskID,
		Actor:   c.cfg.OwnerID,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		c.logger.Printf("log decision failed action=%s task=%s err=%v", action, taskID, err)
	}
}

// NewArtifactRecord encodes an artifact for a ResultStore. Strings are kept
// as kind "text"; anything else is stored as JSON.
func NewArtifactRecord(listID, taskID, producer string, artifact any) (domain.ArtifactRecord, error) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return domain.ArtifactRecord{}, fmt.Errorf("encode artifact for task %s: %w", taskID, err)
	}
	kind := "json"
	if _, ok := artifact.(string); ok {
		kind = "text"
	}
	sum := sha256.Sum256(payload)
	return domain.ArtifactRecord{
		ID:        uuid.NewString(),
		ListID:    listID,
		TaskID:    taskID,
		Producer:  producer,
		Kind:      kind,
		Payload:   payload,
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func decodeArtifact(rec domain.ArtifactRecord) any {
	if rec.Kind == "text" {
		var s string
		if err := json.Unmarshal(rec.Payload, &s); err == nil {
			return s
		}
	}
	var v any
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return string(rec.Payload)
	}
	return v
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// IsCancellation reports whether err came from a canceled or timed out
// executor call.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
