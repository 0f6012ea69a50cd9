// Package metrics exposes the netsync counters. Every method is safe on a nil
// *Set so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxelsync"

const (
	DirIn  = "in"
	DirOut = "out"
)

type Set struct {
	messages        *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	updates         *prometheus.CounterVec
	suppressed      prometheus.Counter
	codecErrors     *prometheus.CounterVec
	reconciliations prometheus.Counter
	staleInputs     prometheus.Counter
	activePeers     prometheus.Gauge
	tickDuration    prometheus.Histogram
	snapshots       prometheus.Counter
}

// New registers the set on reg; nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Set{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Envelopes by message type and direction",
		}, []string{"type", "dir"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Binary payload bytes by message type and direction",
		}, []string{"type", "dir"}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "Outbound state updates by encoding (full or delta)",
		}, []string{"kind"}),
		suppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_updates_total",
			Help:      "Updates skipped because nothing changed past the significance threshold",
		}),
		codecErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped, by error code",
		}, []string{"code"}),
		reconciliations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Prediction corrections applied",
		}),
		staleInputs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_inputs_total",
			Help:      "Inputs skipped during replay because the server already processed them",
		}),
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Connected peers",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Server broadcast tick duration",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "World snapshots written to disk",
		}),
	}
}

func (s *Set) Message(msgType, dir string, payloadBytes int) {
	if s == nil {
		return
	}
	s.messages.WithLabelValues(msgType, dir).Inc()
	s.bytes.WithLabelValues(msgType, dir).Add(float64(payloadBytes))
}

func (s *Set) Update(isDelta bool) {
	if s == nil {
		return
	}
	kind := "full"
	if isDelta {
		kind = "delta"
	}
	s.updates.WithLabelValues(kind).Inc()
}

func (s *Set) Suppressed() {
	if s == nil {
		return
	}
	s.suppressed.Inc()
}

func (s *Set) Dropped(code string) {
	if s == nil {
		return
	}
	s.codecErrors.WithLabelValues(code).Inc()
}

// Reconciliations adds the growth of cumulative predictor counters.
func (s *Set) Reconciliations(corrections, stale uint64) {
	if s == nil {
		return
	}
	s.reconciliations.Add(float64(corrections))
	s.staleInputs.Add(float64(stale))
}

func (s *Set) PeerConnected() {
	if s == nil {
		return
	}
	s.activePeers.Inc()
}

func (s *Set) PeerDisconnected() {
	if s == nil {
		return
	}
	s.activePeers.Dec()
}

func (s *Set) TickSeconds(v float64) {
	if s == nil {
		return
	}
	s.tickDuration.Observe(v)
}

func (s *Set) SnapshotWritten() {
	if s == nil {
		return
	}
	s.snapshots.Inc()
}
