package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskswarm/internal/domain"
)

const namespace = "taskswarm"

// TaskSource is read on every scrape to report tasks per status.
type TaskSource interface {
	ListAll() []domain.Task
}

// Metrics turns coordinator events into Prometheus series. It is fed from an
// event bus subscription and never blocks the coordinator.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	WavesTotal  prometheus.Counter
	TasksTotal  *prometheus.CounterVec
	WaveSize    prometheus.Histogram
	RunDuration prometheus.Histogram

	mu         sync.Mutex
	runStarted map[string]time.Time
}

func New(reg prometheus.Registerer, tasks TaskSource) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished swarm runs by final status",
		}, []string{"status"}),
		WavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waves_total",
			Help:      "Executed waves",
		}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Task executions by outcome and executor tag",
		}, []string{"outcome", "executor"}),
		WaveSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wave_size",
			Help:      "Number of ready tasks dispatched per wave",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of swarm runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}),
		runStarted: make(map[string]time.Time),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(m.RunsTotal, m.WavesTotal, m.TasksTotal, m.WaveSize, m.RunDuration)
	if tasks != nil {
		for _, status := range []domain.TaskStatus{
			domain.TaskStatusPending,
			domain.TaskStatusInProgress,
			domain.TaskStatusCompleted,
			domain.TaskStatusFailed,
		} {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks",
				Help:        "Tasks in the graph by status",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 {
				n := 0
				for _, task := range tasks.ListAll() {
					if task.Status == status {
						n++
					}
				}
				return float64(n)
			}))
		}
	}
	return m
}

func (m *Metrics) Observe(evt domain.Event) {
	switch evt.Kind {
	case domain.EventRunStarted:
		m.mu.Lock()
		m.runStarted[evt.ListID] = eventTime(evt)
		m.mu.Unlock()
	case domain.EventWaveStarted:
		m.WavesTotal.Inc()
		m.WaveSize.Observe(float64(len(evt.TaskIDs)))
	case domain.EventTaskCompleted:
		m.TasksTotal.WithLabelValues("completed", evt.Executor).Inc()
	case domain.EventTaskFailed:
		m.TasksTotal.WithLabelValues("failed", evt.Executor).Inc()
	case domain.EventRunFinished:
		m.RunsTotal.WithLabelValues(evt.Status).Inc()
		m.mu.Lock()
		started, ok := m.runStarted[evt.ListID]
		delete(m.runStarted, evt.ListID)
		m.mu.Unlock()
		if ok {
			m.RunDuration.Observe(eventTime(evt).Sub(started).Seconds())
		}
	}
}

// Consume observes events until the channel closes or ctx is done.
func (m *Metrics) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.Observe(evt)
		}
	}
}

func eventTime(evt domain.Event) time.Time {
	if evt.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return evt.CreatedAt
}
