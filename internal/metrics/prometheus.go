// Package metrics exports orchestrator execution counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements orchestrator.Recorder. It owns its registry
// so several orchestrators (and tests) can coexist in one process.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	teamRunsTotal    *prometheus.CounterVec
	teamRunDuration  *prometheus.HistogramVec
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder with Go runtime and process
// collectors already registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tasks_total",
				Help: "Task executions by agent, result status and error code",
			},
			[]string{"agent_id", "status", "error_code"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tokens_total",
				Help: "Tokens consumed by task executions",
			},
			[]string{"agent_id"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cost_total",
				Help: "Estimated cost in USD of task executions",
			},
			[]string{"agent_id"},
		),
		teamRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_team_runs_total",
				Help: "Team executions by team, pattern and outcome",
			},
			[]string{"team_id", "pattern", "outcome"},
		),
		teamRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_team_run_duration_seconds",
				Help:    "Team execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"team_id"},
		),
		workflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_workflows_total",
				Help: "Workflow executions by workflow and final status",
			},
			[]string{"workflow_id", "status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_workflow_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"workflow_id"},
		),
	}
}

// ObserveTask records one finished task execution.
func (p *PrometheusRecorder) ObserveTask(agentID string, status orchestrator.ResultStatus, errCode string, d time.Duration, tokens int, cost float64) {
	if agentID == "" {
		agentID = "none"
	}
	p.tasksTotal.WithLabelValues(agentID, string(status), errCode).Inc()
	p.taskDuration.WithLabelValues(agentID).Observe(d.Seconds())
	if tokens > 0 {
		p.tokensTotal.WithLabelValues(agentID).Add(float64(tokens))
	}
	if cost > 0 {
		p.costTotal.WithLabelValues(agentID).Add(cost)
	}
}

// ObserveTeam records one team run.
func (p *PrometheusRecorder) ObserveTeam(teamID string, pattern registry.TeamPattern, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.teamRunsTotal.WithLabelValues(teamID, string(pattern), outcome).Inc()
	p.teamRunDuration.WithLabelValues(teamID).Observe(d.Seconds())
}

// ObserveWorkflow records one terminal workflow execution.
func (p *PrometheusRecorder) ObserveWorkflow(workflowID string, status orchestrator.ExecutionStatus, d time.Duration) {
	p.workflowsTotal.WithLabelValues(workflowID, string(status)).Inc()
	p.workflowDuration.WithLabelValues(workflowID).Observe(d.Seconds())
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Gatherer exposes the underlying registry.
func (p *PrometheusRecorder) Gatherer() prometheus.Gatherer { return p.registry }
