// Package metrics holds the prometheus instrumentation for the engine.
// Collectors are registered on the default registry and served by the
// gateway at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "pipeline",
		Name:      "source_reconnects_total",
		Help:      "Number of RTSP source reconnect attempts per camera.",
	}, []string{"camera_id"})

	DroppedLiveBuffers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "pipeline",
		Name:      "dropped_live_buffers_total",
		Help:      "Buffers dropped by leaky live-view branch queues.",
	}, []string{"camera_id"})

	GraphStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "pipeline",
		Name:      "graph_state_transitions_total",
		Help:      "Pipeline graph state transitions.",
	}, []string{"camera_id", "state"})

	CorruptFramesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "recording",
		Name:      "corrupt_frames_skipped_total",
		Help:      "Access units skipped by the segmenter because they failed to parse.",
	}, []string{"camera_id"})

	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camnvr",
		Subsystem: "recording",
		Name:      "active",
		Help:      "Number of currently active recordings.",
	})

	SegmentsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "recording",
		Name:      "segments_written_total",
		Help:      "Completed sub-segments per camera.",
	}, []string{"camera_id"})

	BytesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "recording",
		Name:      "bytes_total",
		Help:      "Bytes written to finalized segments per camera.",
	}, []string{"camera_id"})

	CleanupDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "cleanup",
		Name:      "deletions_total",
		Help:      "Recordings deleted by the retention task, by reason.",
	}, []string{"reason"})

	OrphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "cleanup",
		Name:      "orphans_swept_total",
		Help:      "Orphan files removed by the reconciler.",
	})

	MissingSegments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "hls",
		Name:      "missing_segments_total",
		Help:      "Indexed segment rows whose file was missing at serve time.",
	})

	PlaylistCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "hls",
		Name:      "playlist_cache_hits_total",
		Help:      "HLS playlist cache hits.",
	})

	PlaylistCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "hls",
		Name:      "playlist_cache_misses_total",
		Help:      "HLS playlist cache misses.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camnvr",
		Subsystem: "webrtc",
		Name:      "active_sessions",
		Help:      "Number of live WebRTC viewer sessions.",
	})

	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "webrtc",
		Name:      "session_failures_total",
		Help:      "Sessions that ended in the Failed state, by reason.",
	}, []string{"reason"})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Camera events accepted from the broker, by type.",
	}, []string{"event_type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "ingest",
		Name:      "events_rejected_total",
		Help:      "Broker messages dropped before reaching the store, by reason.",
	}, []string{"reason"})

	SegmentsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camnvr",
		Subsystem: "archive",
		Name:      "segments_total",
		Help:      "Finalized segments uploaded to object storage, by outcome.",
	}, []string{"outcome"})
)
