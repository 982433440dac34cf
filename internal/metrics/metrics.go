package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream server metrics, labelled by logical stream ID
var (
	// ClientsCurrent tracks currently connected MJPEG clients
	ClientsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lenscast_clients_current",
			Help: "Currently connected MJPEG clients by stream",
		},
		[]string{"stream"},
	)

	// ClientsTotal counts accepted client connections
	ClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_clients_total",
			Help: "Total accepted MJPEG client connections by stream",
		},
		[]string{"stream"},
	)

	// ClientsRejected counts connections closed because the stream was at max_clients
	ClientsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_clients_rejected_total",
			Help: "Connections rejected because the stream reached its client limit",
		},
		[]string{"stream"},
	)

	// AcceptErrors counts transient accept failures while running
	AcceptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_accept_errors_total",
			Help: "Accept errors while the stream server was running",
		},
		[]string{"stream"},
	)

	// SessionsClosed counts ended client sessions by reason
	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_sessions_closed_total",
			Help: "Closed client sessions by stream and reason (write_error, queue_full, stopped, client_gone)",
		},
		[]string{"stream", "reason"},
	)
)

// Frame flow metrics
var (
	// FramesBroadcast counts frames handed to Broadcast while running
	FramesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_frames_broadcast_total",
			Help: "Frames broadcast to all clients by stream",
		},
		[]string{"stream"},
	)

	// FramesSent counts frames fully written to a client
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_frames_sent_total",
			Help: "Frames written to client sockets by stream",
		},
		[]string{"stream"},
	)

	// FramesDropped counts frames evicted from client queues
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_frames_dropped_total",
			Help: "Frames evicted from full client queues by stream",
		},
		[]string{"stream"},
	)

	// BytesSent counts JPEG payload bytes written to clients
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_bytes_sent_total",
			Help: "JPEG payload bytes written to client sockets by stream",
		},
		[]string{"stream"},
	)

	// BroadcastDuration tracks time spent fanning a frame out to client queues
	BroadcastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenscast_broadcast_duration_seconds",
			Help:    "Time to enqueue one frame for every client",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
		[]string{"stream"},
	)
)

// Source metrics
var (
	// SourceFrames counts frames produced by a configured source
	SourceFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_source_frames_total",
			Help: "Frames produced by stream sources",
		},
		[]string{"stream", "source"},
	)

	// SourceErrors counts source failures (encode errors, relay disconnects)
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenscast_source_errors_total",
			Help: "Errors reported by stream sources",
		},
		[]string{"stream", "source"},
	)
)
