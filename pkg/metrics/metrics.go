// Package metrics holds the Prometheus instruments of the relay.
//
// All Record and Set methods are safe to call on a nil *Metrics, so
// components can run with metrics disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inimatic_relay"

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	EventsReceived    *prometheus.CounterVec

	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsEnded   prometheus.Counter
	FollowerJoins   prometheus.Counter
	FollowerLeaves  *prometheus.CounterVec
	PayloadsRelayed *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec

	// Upload metrics
	ActiveUploads    prometheus.Gauge
	UploadsCompleted prometheus.Counter
	UploadsExpired   prometheus.Counter
	UploadBytes      prometheus.Counter

	// Distribution metrics
	FilesDistributed prometheus.Counter
	DistributedBytes prometheus.Counter
	DistributionTime prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of open socket connections",
		}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of inbound socket events by name",
		}, []string{"event"}),

		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended by their initiator",
		}),
		FollowerJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follower_joins_total",
			Help:      "Total number of followers that joined a session",
		}),
		FollowerLeaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follower_leaves_total",
			Help:      "Total number of followers that left a session",
		}, []string{"reason"}),
		PayloadsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_relayed_total",
			Help:      "Total number of conductor payloads relayed",
		}, []string{"direction"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of failed session store operations",
		}, []string{"op"}),

		ActiveUploads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uploads",
			Help:      "Current number of open upload streams",
		}),
		UploadsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_completed_total",
			Help:      "Total number of uploads that reached their terminal chunk",
		}),
		UploadsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_expired_total",
			Help:      "Total number of uploads evicted after going idle",
		}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total number of bytes written to temporary storage",
		}),

		FilesDistributed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_distributed_total",
			Help:      "Total number of files streamed to followers",
		}),
		DistributedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_bytes_total",
			Help:      "Total number of file bytes streamed to followers",
		}),
		DistributionTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distribution_duration_seconds",
			Help:      "Time spent streaming a manifest to one follower",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
	}
}

// ConnectionOpened increments the active connections gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordEvent counts an inbound event
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionEnded increments the sessions ended counter
func (m *Metrics) RecordSessionEnded() {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
}

// RecordFollowerJoined increments the follower joins counter
func (m *Metrics) RecordFollowerJoined() {
	if m == nil {
		return
	}
	m.FollowerJoins.Inc()
}

// RecordFollowerLeft counts a follower leaving for the given reason
func (m *Metrics) RecordFollowerLeft(reason string) {
	if m == nil {
		return
	}
	m.FollowerLeaves.WithLabelValues(reason).Inc()
}

// RecordRelay counts a relayed payload in the given direction
func (m *Metrics) RecordRelay(direction string) {
	if m == nil {
		return
	}
	m.PayloadsRelayed.WithLabelValues(direction).Inc()
}

// RecordStoreError counts a failed store operation
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

// SetActiveUploads sets the current number of open upload streams
func (m *Metrics) SetActiveUploads(count int) {
	if m == nil {
		return
	}
	m.ActiveUploads.Set(float64(count))
}

// RecordUploadBytes adds written bytes
func (m *Metrics) RecordUploadBytes(n int) {
	if m == nil {
		return
	}
	m.UploadBytes.Add(float64(n))
}

// RecordUploadCompleted increments the completed uploads counter
func (m *Metrics) RecordUploadCompleted() {
	if m == nil {
		return
	}
	m.UploadsCompleted.Inc()
}

// RecordUploadExpired increments the expired uploads counter
func (m *Metrics) RecordUploadExpired() {
	if m == nil {
		return
	}
	m.UploadsExpired.Inc()
}

// RecordFileDistributed records one file streamed to a follower
func (m *Metrics) RecordFileDistributed(sizeBytes int64) {
	if m == nil {
		return
	}
	m.FilesDistributed.Inc()
	m.DistributedBytes.Add(float64(sizeBytes))
}

// RecordDistribution observes the duration of one manifest distribution
func (m *Metrics) RecordDistribution(durationSeconds float64) {
	if m == nil {
		return
	}
	m.DistributionTime.Observe(durationSeconds)
}
