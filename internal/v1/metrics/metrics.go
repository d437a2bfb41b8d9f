package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the real-time hub fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: harbor (application-level grouping)
// - subsystem: websocket, hub, media, call (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, users, groups)
// - Counter: cumulative events (invocations, relayed frames, drops)
// - Histogram: distributions (dispatch time, call duration)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// AuthenticatedUsers tracks users with at least one authenticated connection.
	AuthenticatedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "hub",
		Name:      "users_online",
		Help:      "Users with at least one authenticated connection",
	})

	// ActiveGroups tracks the number of live fan-out groups.
	ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "hub",
		Name:      "groups_active",
		Help:      "Current number of fan-out groups",
	})

	// ActiveVoiceRooms tracks open voice rooms.
	ActiveVoiceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "hub",
		Name:      "voice_rooms_active",
		Help:      "Current number of active voice rooms",
	})

	// ActiveCalls tracks 1:1 calls not yet in a terminal state.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "call",
		Name:      "calls_active",
		Help:      "Current number of non-terminal 1:1 calls",
	})

	// Invocations counts dispatched hub methods.
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harbor",
		Subsystem: "websocket",
		Name:      "invocations_total",
		Help:      "Total hub method invocations processed",
	}, []string{"hub", "method", "status"})

	// DispatchDuration tracks time spent handling an invocation.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harbor",
		Subsystem: "websocket",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching hub method invocations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"hub"})

	// MediaFrames counts relayed media frames by kind (audio, screen).
	MediaFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harbor",
		Subsystem: "media",
		Name:      "frames_total",
		Help:      "Total media frames relayed",
	}, []string{"kind"})

	// MediaBytes counts relayed media bytes by kind.
	MediaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harbor",
		Subsystem: "media",
		Name:      "bytes_total",
		Help:      "Total media bytes relayed",
	}, []string{"kind"})

	// DroppedFrames counts frames dropped by reason (upload_ceiling,
	// download_ceiling, backpressure).
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harbor",
		Subsystem: "media",
		Name:      "frames_dropped_total",
		Help:      "Total media frames dropped",
	}, []string{"kind", "reason"})

	// CallDuration observes completed 1:1 call lengths.
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "harbor",
		Subsystem: "call",
		Name:      "duration_seconds",
		Help:      "Duration of completed 1:1 calls",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	// CircuitBreakerState tracks breaker state per dependency (0=closed,
	// 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harbor",
		Subsystem: "hub",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
