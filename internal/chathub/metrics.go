package chathub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on roomchat_frames_dropped_total.
const (
	dropBackpressure = "backpressure"
	dropSlowConsumer = "slow_consumer"
	dropClosed       = "closed"
	dropRoomBusy     = "room_busy"
	dropRelayFull    = "relay_full"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions       prometheus.Gauge
	rooms          prometheus.Gauge
	delivered      prometheus.Counter
	dropped        *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	storeLatency   *prometheus.HistogramVec
	storeFailures  *prometheus.CounterVec
	relayPublished prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_sessions_active",
			Help: "Number of connected sessions.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Number of rooms with a running worker.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_frames_delivered_total",
			Help: "Frames accepted into a session outbox.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_frames_dropped_total",
			Help: "Frames not delivered, by reason.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_requests_rejected_total",
			Help: "Inbound requests answered with an error frame, by code.",
		}, []string{"code"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomchat_store_duration_seconds",
			Help:    "Message store call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_store_failures_total",
			Help: "Message store calls that failed or timed out.",
		}, []string{"op"}),
		relayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_relay_published_total",
			Help: "Frames published to the cross-instance relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.rooms, m.delivered, m.dropped, m.rejected,
			m.storeLatency, m.storeFailures, m.relayPublished)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomReleased() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) frameDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) requestRejected(code string) {
	if m != nil {
		m.rejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) storeObserved(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil && isStoreFailure(err) {
		m.storeFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) relayFramePublished() {
	if m != nil {
		m.relayPublished.Inc()
	}
}
