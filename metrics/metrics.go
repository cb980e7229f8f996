package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client session metrics
var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_session_frames_received_total",
			Help: "Inbound frames by type (unknown and malformed included)",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_session_frames_sent_total",
			Help: "Outbound frames by result",
		},
		[]string{"result"}, // ok, not_connected, write_error
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_session_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled",
		},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_session_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	LinkResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_session_link_resolutions_total",
			Help: "Record link resolutions by result",
		},
		[]string{"result"}, // ok, fallback, cache_hit
	)

	EnrichmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_session_enrichment_duration_seconds",
			Help:    "Time to resolve one enrichment batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"target"}, // proposal, agent
	)

	LogMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_session_log_mutations_total",
			Help: "Message log mutations by operation",
		},
		[]string{"op"},
	)
)

// SetConnectionState flips the state gauge so exactly one label reads 1.
func SetConnectionState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
