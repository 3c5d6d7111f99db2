package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"taskswarm/internal/agent"
	"taskswarm/internal/config"
	"taskswarm/internal/domain"
	"taskswarm/internal/fs"
	"taskswarm/internal/messaging/inproc"
	"taskswarm/internal/policy"
	filestore "taskswarm/internal/store/file"
	sqlitestore "taskswarm/internal/store/sqlite"
	"taskswarm/internal/swarm"
	"taskswarm/internal/taskgraph"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.taskswarm/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	storeFlag := flag.String("store", "", "graph store override: sqlite, file or memory")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	tasksDirFlag := flag.String("tasks-dir", "", "json task directory override")
	listFlag := flag.String("list", "", "task list id override")
	demo := flag.Bool("demo", false, "seed the research swarm graph when the list is empty")
	topic := flag.String("topic", "AI agents in enterprise software", "topic of the demo research swarm")
	outFlag := flag.String("out", "", "export directory override for completed artifacts")
	once := flag.Bool("once", false, "run the swarm to completion, print the graph and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Swarm.Store = strings.ToLower(firstNonEmpty(*storeFlag, cfg.Swarm.Store))
	cfg.Swarm.DBPath = firstNonEmpty(*dbPathFlag, cfg.Swarm.DBPath)
	cfg.Swarm.TasksDir = firstNonEmpty(*tasksDirFlag, cfg.Swarm.TasksDir)
	cfg.Swarm.ListID = firstNonEmpty(*listFlag, cfg.Swarm.ListID)
	cfg.Export.Dir = firstNonEmpty(*outFlag, cfg.Export.Dir)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	addr := firstNonEmpty(*addrFlag, cfg.Swarm.Addr, ":8091")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	graph, err := taskgraph.Open(ctx, stores.graph, cfg.Swarm.ListID)
	if err != nil {
		log.Fatalf("open task graph: %v", err)
	}

	executors, err := buildRegistry(cfg, log.Default())
	if err != nil {
		log.Fatalf("build executors: %v", err)
	}

	exporter, err := buildExporter(cfg, stores)
	if err != nil {
		log.Fatalf("build exporter: %v", err)
	}

	if *demo {
		if err := bootstrapDemo(ctx, graph, *topic); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	if fileStore, ok := stores.graph.(*filestore.Store); ok {
		watcher := filestore.NewWatcher(fileStore, graph.ListID(), func(ctx context.Context) {
			changed, err := graph.Reload(ctx)
			if err != nil {
				log.Printf("reload task graph list=%s err=%v", graph.ListID(), err)
				return
			}
			if changed {
				log.Printf("task graph reloaded list=%s version=%d", graph.ListID(), graph.Version())
			}
		}, log.Default())
		if err := watcher.Start(ctx); err != nil {
			log.Printf("task file watcher disabled: %v", err)
		}
	}

	bus := inproc.New(256, 500)
	a := newApp(ctx, cfg, graph, executors, stores, bus, log.Default())
	a.exporter = exporter

	if *once {
		code := a.runOnce(ctx, os.Stdout)
		stores.Close()
		os.Exit(code)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"taskswarm started addr=%s list=%s store=%s executors=%s default=%s",
		addr,
		graph.ListID(),
		cfg.Swarm.Store,
		strings.Join(executors.Tags(), ","),
		executors.DefaultTag(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	a.waitRun()
}

// stores bundles the graph store with the optional SQLite journal. Results
// and decisions are only persisted when the graph itself lives in SQLite.
type stores struct {
	kind   string
	graph  taskgraph.Store
	sqlite *sqlitestore.Store
	lister graphLister
}

type graphLister interface {
	ListGraphs(ctx context.Context) ([]domain.GraphSummary, error)
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	out := &stores{kind: cfg.Swarm.Store}
	switch cfg.Swarm.Store {
	case config.StoreSQLite:
		dbPath, err := config.ExpandHome(cfg.Swarm.DBPath)
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Clean(dbPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		store, err := sqlitestore.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		out.graph = store
		out.sqlite = store
		out.lister = store
	case config.StoreFile:
		dir, err := config.ExpandHome(cfg.Swarm.TasksDir)
		if err != nil {
			return nil, err
		}
		store, err := filestore.Open(filepath.Clean(dir))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		out.graph = store
		out.lister = store
	case config.StoreMemory:
		out.graph = taskgraph.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Swarm.Store)
	}
	return out, nil
}

func (s *stores) Close() {
	if s.sqlite != nil {
		_ = s.sqlite.Close()
		s.sqlite = nil
	}
}

func (s *stores) options(events swarm.EventPublisher) swarm.Options {
	opts := swarm.Options{Events: events}
	if s.sqlite != nil {
		opts.Results = s.sqlite
		opts.Journal = s.sqlite
	}
	return opts
}

// buildRegistry turns the [executors.<tag>] sections into swarm executors.
// API executors inherit instructions and token limits from the built-in
// profile of the same tag unless the section overrides them.
func buildRegistry(cfg config.Config, logger *log.Logger) (*swarm.Registry, error) {
	registry := swarm.NewRegistry(cfg.Swarm.DefaultExecutor)
	for _, tag := range cfg.ExecutorTags() {
		section := cfg.Executors[tag]
		switch section.Kind {
		case config.ExecutorAPI:
			profile, _ := agent.DefaultProfile(tag)
			maxTokens := section.MaxOutputTokens
			if maxTokens <= 0 {
				maxTokens = profile.MaxOutputTokens
			}
			exec, err := agent.NewAPIExecutor(agent.APIExecutorConfig{
				Name:            tag,
				Endpoint:        section.Endpoint,
				Model:           firstNonEmpty(section.Model, profile.Model),
				Instructions:    firstNonEmpty(section.Instructions, profile.Instructions),
				ReasoningEffort: section.ReasoningEffort,
				AuthToken:       section.AuthToken(),
				Timeout:         section.Timeout(),
				Retries:         apiRetries(section),
				MaxOutputTokens: maxTokens,
				Logger:          logger,
			})
			if err != nil {
				return nil, fmt.Errorf("executor %s: %w", tag, err)
			}
			registry.Register(tag, exec)
		case config.ExecutorCommand:
			exec, err := agent.NewCommandExecutor(agent.CommandExecutorConfig{
				Name:   tag,
				Binary: section.Command,
				Args:   section.Args,
				Dir:    section.Dir,
				Logger: logger,
			})
			if err != nil {
				return nil, fmt.Errorf("executor %s: %w", tag, err)
			}
			registry.Register(tag, exec)
		case config.ExecutorEcho:
			registry.Register(tag, agent.EchoExecutor{Name: tag})
		default:
			return nil, fmt.Errorf("executor %s: unknown kind %q", tag, section.Kind)
		}
	}
	return registry, nil
}

// apiRetries maps an unset retries key to the executor default and an
// explicit zero to no retries.
func apiRetries(section config.ExecutorConfig) int {
	switch {
	case section.Retries == nil:
		return 0
	case *section.Retries == 0:
		return agent.NoRetries
	default:
		return *section.Retries
	}
}

// buildExporter returns nil when no export directory is configured.
func buildExporter(cfg config.Config, st *stores) (*fs.Gateway, error) {
	if strings.TrimSpace(cfg.Export.Dir) == "" {
		return nil, nil
	}
	dir, err := config.ExpandHome(cfg.Export.Dir)
	if err != nil {
		return nil, err
	}
	var journal fs.Journal
	if st.sqlite != nil {
		journal = st.sqlite
	}
	rules := policy.Rules{
		Tags:        cfg.Export.Tags,
		LeavesOnly:  cfg.Export.LeavesOnly,
		MetadataKey: cfg.Swarm.MetadataKey,
	}
	return fs.NewGateway(filepath.Clean(dir), policy.New(rules), journal)
}

// bootstrapDemo seeds three parallel research tasks, a synthesis step that
// depends on all of them and a final report. A non-empty list is left as is.
func bootstrapDemo(ctx context.Context, graph *taskgraph.Graph, topic string) error {
	if len(graph.ListAll()) > 0 {
		log.Printf("demo skipped list=%s already has tasks", graph.ListID())
		return nil
	}
	topic = firstNonEmpty(topic, "AI agents in enterprise software")
	aspects := []struct {
		subject string
		focus   string
	}{
		{"Research current state", "the current state, key players and adoption"},
		{"Research challenges", "the main technical and organizational challenges"},
		{"Research future trends", "emerging trends and likely developments"},
	}

	research := make([]string, 0, len(aspects))
	for _, aspect := range aspects {
		task, err := graph.Create(ctx, taskgraph.CreateInput{
			Subject:     aspect.subject,
			Description: fmt.Sprintf("Research %s of: %s", aspect.focus, topic),
			ActiveForm:  aspect.subject + "...",
			Metadata:    map[string]any{swarm.DefaultMetadataKey: "researcher"},
		})
		if err != nil {
			return err
		}
		research = append(research, task.ID)
	}

	synthesis, err := graph.Create(ctx, taskgraph.CreateInput{
		Subject:     "Synthesize findings",
		Description: "Combine the research findings into a coherent analysis with recommendations about: " + topic,
		ActiveForm:  "Synthesizing findings...",
		BlockedBy:   research,
		Metadata:    map[string]any{swarm.DefaultMetadataKey: "analyst"},
	})
	if err != nil {
		return err
	}

	report, err := graph.Create(ctx, taskgraph.CreateInput{
		Subject:     "Write report",
		Description: "Write an executive report for business stakeholders about: " + topic,
		ActiveForm:  "Writing report...",
		BlockedBy:   []string{synthesis.ID},
		Metadata:    map[string]any{swarm.DefaultMetadataKey: "writer"},
	})
	if err != nil {
		return err
	}
	log.Printf("demo graph seeded list=%s tasks=%d report=%s", graph.ListID(), len(research)+2, report.ID)
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
