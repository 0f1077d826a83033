package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker-level collectors, exposed on /metrics by the server.
var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "active_streams",
		Help:      "Number of topics with stream state, live or in grace.",
	})

	subscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "subscribers",
		Help:      "Number of attached stream subscribers.",
	})

	messagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "messages_written_total",
		Help:      "Frames accepted by WriteMessage.",
	})

	droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped for individual lagging subscribers.",
	})

	streamsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "streams_completed_total",
		Help:      "Streams that reached natural completion.",
	})

	streamsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "streaming",
		Name:      "streams_cancelled_total",
		Help:      "Streams torn down by cancellation or session end.",
	})
)
