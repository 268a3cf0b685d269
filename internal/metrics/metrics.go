// Package metrics метрики Prometheus сервиса. Регистрируются в глобальном реестре,
// его же отдает /metrics через go-gin-prometheus.
package metrics

import (
	"sync"

	"cyoa-server/pkg/taskmanager"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cyoa"

var (
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of story generation jobs accepted by the API.",
		},
	)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state, partitioned by state and reason.",
		},
		[]string{"state", "reason"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		},
		[]string{"state"},
	)
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Jobs waiting in the worker queue.",
		},
	)
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently executed by workers.",
		},
	)

	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Generation backend calls, partitioned by backend, operation and status.",
		},
		[]string{"backend", "operation", "status"},
	)
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of generation backend calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
	BackendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Retried generation backend calls after a transient failure.",
		},
		[]string{"backend", "operation"},
	)
	BackendTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_tokens_total",
			Help:      "Tokens consumed by the generation backend, reported or estimated.",
		},
		[]string{"backend", "kind"},
	)

	StoryNodes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "story_nodes",
			Help:      "Number of nodes in generated stories.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_published_total",
			Help:      "Job lifecycle events sent to the message broker.",
		},
		[]string{"status"},
	)
)

// TaskObserver переводит смены статусов taskmanager в гауги очереди.
type TaskObserver struct {
	mu   sync.Mutex
	last map[uuid.UUID]taskmanager.TaskStatus
}

func NewTaskObserver() *TaskObserver {
	return &TaskObserver{last: make(map[uuid.UUID]taskmanager.TaskStatus)}
}

// Observe подходит как taskmanager.Config.OnStatus. Любой статус кроме
// pending и running считается финальным.
func (o *TaskObserver) Observe(id uuid.UUID, status taskmanager.TaskStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, seen := o.last[id]
	switch status {
	case taskmanager.TaskStatusPending:
		JobsQueued.Inc()
		o.last[id] = status
		return
	case taskmanager.TaskStatusRunning:
		JobsQueued.Dec()
		JobsRunning.Inc()
		o.last[id] = status
		return
	}

	if !seen {
		return
	}
	if prev == taskmanager.TaskStatusRunning {
		JobsRunning.Dec()
	} else {
		JobsQueued.Dec()
	}
	delete(o.last, id)
}
