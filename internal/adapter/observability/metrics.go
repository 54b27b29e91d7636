package observability

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tasks_processed_total",
			Help: "Total number of tasks processed by terminal status",
		},
		[]string{"status"},
	)
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_task_duration_seconds",
			Help:    "End-to-end task execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
	TasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_tasks_retried_total",
			Help: "Total number of tasks re-enqueued for retry",
		},
	)
	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_active_tasks",
			Help: "Number of tasks currently executing",
		},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by provider and model",
		},
		[]string{"provider", "model"},
	)
	LLMCostDollars = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_cost_dollars_total",
			Help: "Cumulative LLM spend in dollars",
		},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Cumulative token usage by direction",
		},
		[]string{"direction"},
	)

	CascadeEscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_escalations_total",
			Help: "Total number of cascade escalations to a more expensive model",
		},
	)
	CascadeCostSavedDollars = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_cost_saved_dollars_total",
			Help: "Cumulative dollars saved versus the premium baseline",
		},
	)

	LoopDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_loop_detections_total",
			Help: "Total number of agent terminations by loop type",
		},
		[]string{"loop_type"},
	)
	DiminishingReturnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_diminishing_returns_total",
			Help: "Total number of agent terminations for diminishing returns",
		},
	)

	BidsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnp_bids_submitted_total",
			Help: "Total number of CNP bids submitted",
		},
	)
	AwardsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnp_awards_received_total",
			Help: "Total number of CNP awards received",
		},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all runtime metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			TasksProcessedTotal,
			TaskDuration,
			TasksRetriedTotal,
			ActiveTasks,
			LLMRequestsTotal,
			LLMCostDollars,
			LLMTokensTotal,
			CascadeEscalationsTotal,
			CascadeCostSavedDollars,
			LoopDetectionsTotal,
			DiminishingReturnsTotal,
			BidsSubmittedTotal,
			AwardsReceivedTotal,
		)
	})
}

// OpsHandler returns the worker's operational HTTP handler exposing
// /healthz and /metrics.
func OpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
