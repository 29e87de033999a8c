// Package metrics exposes Prometheus instruments for workflows, activities and
// the remote delegation path. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/davidroman0O/flowgate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "flowgate"

// Activity attempt results.
const (
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptTimeout   = "timeout"
)

type Collector struct {
	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	activityAttempts  *prometheus.CounterVec
	remoteFallbacks   *prometheus.CounterVec
	remoteConnected   prometheus.Gauge
}

// NewCollector registers the instruments on reg. A nil reg falls back to
// the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		workflowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of started workflow executions",
			},
			[]string{"mode"},
		),
		workflowsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_finished_total",
				Help:      "Total number of workflow executions that reached a terminal state",
			},
			[]string{"state", "mode"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow execution duration in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
			},
			[]string{"state"},
		),
		activityAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_attempts_total",
				Help:      "Total number of activity attempts by outcome",
			},
			[]string{"activity", "result"},
		),
		remoteFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_fallbacks_total",
				Help:      "Operations that fell back to the embedded engine",
			},
			[]string{"op"},
		),
		remoteConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "remote_connected",
				Help:      "1 when the last remote health probe succeeded",
			},
		),
	}
}

func (c *Collector) WorkflowStarted(mode types.Mode) {
	if c == nil {
		return
	}
	c.workflowsStarted.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) WorkflowFinished(state types.WorkflowState, mode types.Mode, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsFinished.WithLabelValues(state.String(), string(mode)).Inc()
	c.workflowDuration.WithLabelValues(state.String()).Observe(duration.Seconds())
}

func (c *Collector) ActivityAttempt(activity, result string) {
	if c == nil {
		return
	}
	c.activityAttempts.WithLabelValues(activity, result).Inc()
}

func (c *Collector) RemoteFallback(op string) {
	if c == nil {
		return
	}
	c.remoteFallbacks.WithLabelValues(op).Inc()
}

func (c *Collector) RemoteConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.remoteConnected.Set(1)
		return
	}
	c.remoteConnected.Set(0)
}
