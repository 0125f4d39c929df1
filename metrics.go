package raft

import "github.com/prometheus/client_golang/prometheus"

// MetricsRegisterer is the subset of prometheus.Registerer the engine
// needs; satisfied directly by *prometheus.Registry, letting a host
// application share its own default registry.
type MetricsRegisterer interface {
	MustRegister(...prometheus.Collector)
}

// engineMetrics holds the engine's Prometheus collectors (spec's domain
// stack addition over the distilled spec, which leaves observability
// unspecified).
type engineMetrics struct {
	term          prometheus.Gauge
	role          prometheus.Gauge
	commitIndex   prometheus.Gauge
	lastApplied   prometheus.Gauge
	elections     prometheus.Counter
	appendErrors  prometheus.Counter
}

func newEngineMetrics(reg MetricsRegisterer) *engineMetrics {
	m := &engineMetrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "current_term", Help: "Highest term this node has observed.",
		}),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "role", Help: "Current ServerRole, as its integer tag.",
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "commit_index", Help: "Highest log index known to be committed.",
		}),
		lastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "last_applied", Help: "Highest log index applied to the state machine.",
		}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "elections_started_total", Help: "Number of election campaigns this node has started.",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "persistent_store_errors_total", Help: "Number of fatal persistent store errors observed.",
		}),
	}
	reg.MustRegister(m.term, m.role, m.commitIndex, m.lastApplied, m.elections, m.appendErrors)
	return m
}

// wireMetrics subscribes the engine's collectors to the event bus rather
// than updating them inline at every call site.
func (e *Engine) wireMetrics() {
	e.events.Subscribe(EventNewTerm, func(evt Event) {
		if term, ok := evt.Payload.(uint64); ok {
			e.metrics.term.Set(float64(term))
		}
	})
	e.events.Subscribe(EventStateChanged, func(evt Event) {
		if role, ok := evt.Payload.(ServerRole); ok {
			e.metrics.role.Set(float64(role))
		}
	})
	e.events.Subscribe(EventElectionStarted, func(Event) {
		e.metrics.elections.Inc()
	})
	e.events.Subscribe(EventCommitIndexChanged, func(evt Event) {
		if p, ok := evt.Payload.(CommitIndexChangedPayload); ok {
			e.metrics.commitIndex.Set(float64(p.New))
		}
	})
	e.events.Subscribe(EventCommitApplied, func(evt Event) {
		if p, ok := evt.Payload.(CommitAppliedPayload); ok {
			e.metrics.lastApplied.Set(float64(p.Index))
		}
	})
	e.events.Subscribe(EventSnapshotCreationError, func(evt Event) {
		if _, ok := evt.Payload.(*PersistentStoreError); ok {
			e.metrics.appendErrors.Inc()
		}
	})
}
