// Package metrics exposes the Prometheus collectors for the auction
// core: broker delivery/retry counters, coordinator auction/failure
// counters and gauges, and an allocation-latency histogram. Every
// recording method is nil-safe so components can be constructed with a
// nil *Metrics in tests without special-casing each call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one process. Unlike the
// package-level singleton the teacher uses for its FaaS invocation
// metrics, Metrics here is a constructor-injected dependency (see
// SPEC_FULL.md §3.2) so the Coordinator and Agent can each be
// unit-tested with a nil *Metrics instead of a shared global. The Broker
// takes no *Metrics, so AckRetransmit and AckDropped have no caller.
type Metrics struct {
	registry *prometheus.Registry

	tasksBroadcast  prometheus.Counter
	bidsReceived    prometheus.Counter
	allocations     prometheus.Counter
	reassignments   prometheus.Counter
	rebroadcasts    prometheus.Counter
	agentFailures   prometheus.Counter
	agentRecoveries prometheus.Counter
	ackRetransmits  *prometheus.CounterVec
	ackDrops        *prometheus.CounterVec
	tasksCompleted  prometheus.Counter
	tasksCancelled  prometheus.Counter
	tasksFailed     prometheus.Counter

	pendingTasks prometheus.Gauge
	activeAgents prometheus.Gauge
	failedAgents prometheus.Gauge

	allocationLatency prometheus.Histogram
}

var defaultLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10}

// New builds and registers the collectors under namespace on a fresh
// Prometheus registry (the teacher's InitPrometheus shape, adapted to
// return an instance instead of populating a package global).
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		tasksBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_broadcast_total", Help: "Total tasks broadcast for auction.",
		}),
		bidsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_received_total", Help: "Total distinct bids accepted.",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total", Help: "Total tasks allocated to an agent.",
		}),
		reassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reassignments_total", Help: "Total tasks reassigned to a fallback bidder.",
		}),
		rebroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rebroadcasts_total", Help: "Total tasks rebroadcast after exhausting fallback bidders.",
		}),
		agentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_failures_total", Help: "Total agents marked failed by the failure detector.",
		}),
		agentRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_recoveries_total", Help: "Total agents observed recovering after failure.",
		}),
		ackRetransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_retransmits_total", Help: "Total message retransmissions due to missing acknowledgment.",
		}, []string{"channel"}),
		ackDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_drops_total", Help: "Total messages dropped after exhausting retransmission attempts.",
		}, []string{"channel"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total", Help: "Total tasks completed by an agent.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_cancelled_total", Help: "Total tasks cancelled mid-execution.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_failed_total", Help: "Total tasks that failed during execution.",
		}),

		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_tasks", Help: "Tasks broadcast but not yet allocated, completed, or cancelled.",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_agents", Help: "Agents with a heartbeat inside the liveness window.",
		}),
		failedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "failed_agents", Help: "Agents currently marked failed.",
		}),

		allocationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "auction_allocation_latency_seconds",
			Help:    "Time from task broadcast to allocation decision.",
			Buckets: defaultLatencyBuckets,
		}),
	}

	registry.MustRegister(
		m.tasksBroadcast, m.bidsReceived, m.allocations, m.reassignments, m.rebroadcasts,
		m.agentFailures, m.agentRecoveries, m.ackRetransmits, m.ackDrops,
		m.tasksCompleted, m.tasksCancelled, m.tasksFailed,
		m.pendingTasks, m.activeAgents, m.failedAgents, m.allocationLatency,
	)
	return m
}

// Registry exposes the underlying Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving this instance's metrics, or a
// 503 placeholder if m is nil.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskBroadcast() {
	if m == nil {
		return
	}
	m.tasksBroadcast.Inc()
}

func (m *Metrics) BidReceived() {
	if m == nil {
		return
	}
	m.bidsReceived.Inc()
}

func (m *Metrics) Allocation(latencySeconds float64) {
	if m == nil {
		return
	}
	m.allocations.Inc()
	m.allocationLatency.Observe(latencySeconds)
}

func (m *Metrics) Reassignment() {
	if m == nil {
		return
	}
	m.reassignments.Inc()
}

func (m *Metrics) Rebroadcast() {
	if m == nil {
		return
	}
	m.rebroadcasts.Inc()
}

func (m *Metrics) AgentFailed() {
	if m == nil {
		return
	}
	m.agentFailures.Inc()
}

func (m *Metrics) AgentRecovered() {
	if m == nil {
		return
	}
	m.agentRecoveries.Inc()
}

func (m *Metrics) AckRetransmit(channel string) {
	if m == nil {
		return
	}
	m.ackRetransmits.WithLabelValues(channel).Inc()
}

func (m *Metrics) AckDropped(channel string) {
	if m == nil {
		return
	}
	m.ackDrops.WithLabelValues(channel).Inc()
}

func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
}

func (m *Metrics) TaskCancelled() {
	if m == nil {
		return
	}
	m.tasksCancelled.Inc()
}

func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
}

func (m *Metrics) SetPendingTasks(n int) {
	if m == nil {
		return
	}
	m.pendingTasks.Set(float64(n))
}

func (m *Metrics) SetActiveAgents(n int) {
	if m == nil {
		return
	}
	m.activeAgents.Set(float64(n))
}

func (m *Metrics) SetFailedAgents(n int) {
	if m == nil {
		return
	}
	m.failedAgents.Set(float64(n))
}
