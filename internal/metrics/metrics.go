// Package metrics exposes Prometheus collectors for the core. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector registered by New.
type Metrics struct {
	LinesIngested   *prometheus.CounterVec
	Lifecycle       *prometheus.CounterVec
	DedupeDropped   prometheus.Counter
	Broadcasts      *prometheus.CounterVec
	Subscribers     prometheus.Gauge
	SubscriberDrops prometheus.Counter
	Commands        *prometheus.CounterVec
	CommandLatency  prometheus.Histogram
	StateWrites     *prometheus.CounterVec
	HistoryRows     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		LinesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_lines_ingested_total",
			Help: "Input lines accepted per stream source.",
		}, []string{"source"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_contact_events_total",
			Help: "Contact lifecycle transitions by contact source and kind.",
		}, []string{"source", "kind"}),
		DedupeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndefender_dedupe_dropped_total",
			Help: "Replay events dropped as duplicates within a capture frame.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_broadcasts_total",
			Help: "Envelopes fanned out to subscribers by type.",
		}, []string{"type"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ndefender_subscribers",
			Help: "Currently connected live subscribers.",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndefender_subscriber_drops_total",
			Help: "Subscribers removed after a failed send.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_commands_total",
			Help: "Subscriber commands by target and outcome.",
		}, []string{"target", "outcome"}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ndefender_command_latency_seconds",
			Help:    "Time from command write to acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		StateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_state_writes_total",
			Help: "Persisted state snapshot writes by result.",
		}, []string{"result"}),
		HistoryRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndefender_history_rows_total",
			Help: "Rows written to the history database by table.",
		}, []string{"table"}),
	}
	reg.MustRegister(
		m.LinesIngested, m.Lifecycle, m.DedupeDropped, m.Broadcasts, m.Subscribers,
		m.SubscriberDrops, m.Commands, m.CommandLatency, m.StateWrites, m.HistoryRows,
	)
	return m
}

func (m *Metrics) IncLine(source string) {
	if m == nil {
		return
	}
	m.LinesIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) IncLifecycle(source, kind string) {
	if m == nil {
		return
	}
	m.Lifecycle.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) AddDedupe(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DedupeDropped.Add(float64(n))
}

func (m *Metrics) IncBroadcast(typ string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(typ).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) IncSubscriberDrop() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

// ObserveCommand records a command outcome. Latency is only observed for
// commands that reached the controller.
func (m *Metrics) ObserveCommand(target, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(target, outcome).Inc()
	if d > 0 {
		m.CommandLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncStateWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StateWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) AddHistoryRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryRows.WithLabelValues(table).Add(float64(n))
}
