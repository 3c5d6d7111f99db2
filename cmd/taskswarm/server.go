package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskswarm/internal/agent"
	"taskswarm/internal/config"
	"taskswarm/internal/domain"
	"taskswarm/internal/fs"
	"taskswarm/internal/messaging/inproc"
	"taskswarm/internal/metrics"
	"taskswarm/internal/swarm"
	"taskswarm/internal/taskgraph"
)

var errRunInProgress = errors.New("swarm run already in progress")

type app struct {
	cfg       config.Config
	graph     *taskgraph.Graph
	executors *swarm.Registry
	stores    *stores
	bus       *inproc.Bus
	exporter  *fs.Gateway
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	logger    *log.Logger

	// baseCtx bounds background runs started over HTTP.
	baseCtx context.Context

	runMu   sync.Mutex
	runWG   sync.WaitGroup
	running bool
	owner   string
	lastRun *swarm.RunResult
	lastErr string
}

func newApp(ctx context.Context, cfg config.Config, graph *taskgraph.Graph, executors *swarm.Registry, st *stores, bus *inproc.Bus, logger *log.Logger) *app {
	if logger == nil {
		logger = log.Default()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry, graph)
	registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "taskswarm",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a bus subscriber was full",
	}, func() float64 { return float64(bus.Dropped()) }))
	if events, err := bus.Register("metrics"); err == nil {
		go m.Consume(ctx, events)
	} else {
		logger.Printf("metrics subscription failed: %v", err)
	}
	return &app{
		cfg:       cfg,
		graph:     graph,
		executors: executors,
		stores:    st,
		bus:       bus,
		registry:  registry,
		metrics:   m,
		logger:    logger,
		baseCtx:   ctx,
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/graph", a.handleGraph)
	mux.HandleFunc("/graphs", a.handleGraphs)
	mux.HandleFunc("/critical-path", a.handleCriticalPath)
	mux.HandleFunc("/run", a.handleRun)
	mux.HandleFunc("/events", a.handleEvents)
	mux.HandleFunc("/decisions", a.handleDecisions)
	mux.HandleFunc("/exports/", a.handleExport)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *app) newCoordinator() *swarm.Coordinator {
	return swarm.New(a.graph, a.executors, swarm.Config{
		MaxConcurrency: a.cfg.Swarm.MaxConcurrency,
		TaskTimeout:    a.cfg.Swarm.TaskTimeout(),
		MetadataKey:    a.cfg.Swarm.MetadataKey,
	}, a.stores.options(a.bus), a.logger)
}

// startRun launches one coordinator run in the background and returns its
// owner id.
func (a *app) startRun() (string, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return "", errRunInProgress
	}
	coord := a.newCoordinator()
	a.running = true
	a.owner = coord.OwnerID()
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		res, err := coord.Run(a.baseCtx)
		if err != nil {
			a.logger.Printf("swarm run ended list=%s owner=%s err=%v", res.ListID, res.Owner, err)
		}
		a.export(context.WithoutCancel(a.baseCtx), res)
		a.runMu.Lock()
		defer a.runMu.Unlock()
		a.running = false
		a.lastRun = &res
		a.lastErr = ""
		if err != nil {
			a.lastErr = err.Error()
		}
	}()
	return a.owner, nil
}

func (a *app) waitRun() {
	a.runWG.Wait()
}

// runOnce drives the graph to completion in the foreground, streaming run
// events to out. The exit code is zero only for a fully completed run.
func (a *app) runOnce(ctx context.Context, out io.Writer) int {
	events, err := a.bus.Register("cli")
	if err != nil {
		fmt.Fprintf(out, "subscribe to events: %v\n", err)
		return 1
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for evt := range events {
			fmt.Fprintln(out, formatEvent(evt))
		}
	}()

	res, runErr := a.newCoordinator().Run(ctx)
	a.bus.Unregister("cli")
	<-printed

	fmt.Fprintln(out)
	fmt.Fprint(out, taskgraph.Render(a.graph.ListAll()))
	summary, _ := json.MarshalIndent(map[string]any{
		"list_id": res.ListID,
		"owner":   res.Owner,
		"status":  res.Status,
		"waves":   res.Waves,
		"failed":  res.Failed,
		"stuck":   res.Stuck,
	}, "", "  ")
	fmt.Fprintf(out, "%s\n", summary)
	for _, path := range a.export(context.WithoutCancel(ctx), res) {
		fmt.Fprintf(out, "exported %s\n", path)
	}

	if runErr != nil {
		fmt.Fprintf(out, "run error: %v\n", runErr)
		return 1
	}
	if res.Status != swarm.RunStatusCompleted {
		return 1
	}
	return 0
}

// export writes the run's artifacts through the exporter, if one is set.
func (a *app) export(ctx context.Context, res swarm.RunResult) []string {
	if a.exporter == nil || len(res.Results) == 0 {
		return nil
	}
	written, err := a.exporter.Export(ctx, a.graph.ListID(), a.graph.ListAll(), res.Results)
	if err != nil {
		a.logger.Printf("export artifacts failed list=%s root=%s err=%v", a.graph.ListID(), a.exporter.Root(), err)
	}
	if len(written) > 0 {
		a.logger.Printf("artifacts exported list=%s root=%s files=%d", a.graph.ListID(), a.exporter.Root(), len(written))
	}
	return written
}

func formatEvent(evt domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", evt.CreatedAt.Format("15:04:05"), evt.Kind)
	if evt.Wave > 0 {
		fmt.Fprintf(&b, " wave=%d", evt.Wave)
	}
	if evt.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", evt.TaskID)
	}
	if len(evt.TaskIDs) > 0 {
		fmt.Fprintf(&b, " tasks=%s", strings.Join(evt.TaskIDs, ","))
	}
	if evt.Executor != "" {
		fmt.Fprintf(&b, " executor=%s", evt.Executor)
	}
	if evt.Status != "" {
		fmt.Fprintf(&b, " status=%s", evt.Status)
	}
	if evt.Error != "" {
		fmt.Fprintf(&b, " error=%q", evt.Error)
	}
	return b.String()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"list_id": a.graph.ListID(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      a.cfg.Path,
		"raw":       a.cfg.Raw,
		"store":     a.stores.kind,
		"list_id":   a.graph.ListID(),
		"executors": a.executors.Tags(),
		"export":    a.cfg.Export,
		"default":   a.executors.DefaultTag(),
		"profiles":  agent.DefaultProfileTags(),
	})
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.graph.ListAll())
	case http.MethodPost:
		var req struct {
			Subject     string         `json:"subject"`
			Description string         `json:"description"`
			ActiveForm  string         `json:"active_form"`
			BlockedBy   []string       `json:"blocked_by"`
			Metadata    map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Subject) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("subject is required"))
			return
		}
		task, err := a.graph.Create(r.Context(), taskgraph.CreateInput{
			Subject:     req.Subject,
			Description: req.Description,
			ActiveForm:  req.ActiveForm,
			BlockedBy:   req.BlockedBy,
			Metadata:    req.Metadata,
		})
		if err != nil {
			writeError(w, graphErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	if taskID == "available" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.graph.ListAvailable())
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := a.graph.Get(taskID)
		if err != nil {
			writeError(w, graphErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		var req struct {
			Status       *string        `json:"status"`
			Subject      *string        `json:"subject"`
			Description  *string        `json:"description"`
			ActiveForm   *string        `json:"active_form"`
			Owner        *string        `json:"owner"`
			AddBlockedBy []string       `json:"add_blocked_by"`
			AddBlocks    []string       `json:"add_blocks"`
			Metadata     map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		in := taskgraph.UpdateInput{
			Subject:      req.Subject,
			Description:  req.Description,
			ActiveForm:   req.ActiveForm,
			Owner:        req.Owner,
			AddBlockedBy: req.AddBlockedBy,
			AddBlocks:    req.AddBlocks,
			Metadata:     req.Metadata,
		}
		if req.Status != nil {
			status := domain.TaskStatus(strings.TrimSpace(*req.Status))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", *req.Status))
				return
			}
			in.Status = &status
		}
		task, err := a.graph.Update(r.Context(), taskID, in)
		if err != nil {
			writeError(w, graphErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, taskgraph.Render(a.graph.ListAll()))
}

func (a *app) handleGraphs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.stores.lister == nil {
		writeJSON(w, http.StatusOK, []domain.GraphSummary{})
		return
	}
	items, err := a.stores.lister.ListGraphs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path, err := a.graph.CriticalPath()
	if err != nil {
		writeError(w, graphErrorStatus(err), err)
		return
	}
	subjects := make([]string, 0, len(path))
	for _, id := range path {
		task, err := a.graph.Get(id)
		if err != nil {
			writeError(w, graphErrorStatus(err), err)
			return
		}
		subjects = append(subjects, task.Subject)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"list_id":  a.graph.ListID(),
		"path":     path,
		"subjects": subjects,
		"length":   len(path),
	})
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.runMu.Lock()
		defer a.runMu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"running": a.running,
			"owner":   a.owner,
			"last":    a.lastRun,
			"error":   a.lastErr,
		})
	case http.MethodPost:
		owner, err := a.startRun()
		if errors.Is(err, errRunInProgress) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "started",
			"owner":   owner,
			"list_id": a.graph.ListID(),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.bus.Recent(queryInt(r, "limit", 200)))
}

func (a *app) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.stores.sqlite == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("decision journal requires store=%s", config.StoreSQLite))
		return
	}
	items, err := a.stores.sqlite.ListDecisions(
		r.Context(),
		a.graph.ListID(),
		strings.TrimSpace(r.URL.Query().Get("task_id")),
		queryInt(r, "limit", 300),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleExport serves an exported artifact by its path below the export root.
func (a *app) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.exporter == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("export directory is not configured"))
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, "/exports/")
	content, err := a.exporter.ReadFile(rel)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func graphErrorStatus(err error) int {
	switch {
	case errors.Is(err, taskgraph.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskgraph.ErrInvalidTransition),
		errors.Is(err, taskgraph.ErrCycleDetected),
		errors.Is(err, taskgraph.ErrStaleSnapshot):
		return http.StatusConflict
	case errors.Is(err, taskgraph.ErrCorruptSnapshot):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
