package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_submitted_total",
			Help: "Total number of tasks submitted by priority band",
		},
		[]string{"priority"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Total number of tasks that reached terminal failure",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_task_retries_total",
			Help: "Total number of task retry re-enqueues",
		},
	)

	// Scheduler metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of tasks currently queued",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_scheduling_latency_seconds",
			Help:    "Time taken to select the next runnable task",
			Buckets: prometheus.DefBuckets,
		},
	)

	StarvationBoosts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_starvation_boosts_total",
			Help: "Total number of starvation priority boosts applied",
		},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	AgentLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_agent_load",
			Help: "Per-agent utilization fraction",
		},
		[]string{"agent"},
	)

	// Load balancer metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_circuit_breaker_state",
			Help: "Per-agent circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"agent"},
	)

	RebalanceMoves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_rebalance_moves_total",
			Help: "Total number of task moves proposed by the rebalancer",
		},
	)

	// Health monitor metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_health_checks_total",
			Help: "Total number of health checks by outcome",
		},
		[]string{"outcome"},
	)

	SLAViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sla_violations_total",
			Help: "Total number of SLA availability violations",
		},
	)

	RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_recovery_actions_total",
			Help: "Total number of recovery actions by type and status",
		},
		[]string{"action", "status"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(StarvationBoosts)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentLoad)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(RebalanceMoves)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(SLAViolations)
	prometheus.MustRegister(RecoveryActions)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
