package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "petcam"

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_captured_total",
		Help:      "Frames read from the camera device.",
	})
	FrameReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frame_read_failures_total",
		Help:      "Failed reads from the camera device.",
	})
	FrameReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "frame_readers",
		Help:      "Open reader handles on the frame source.",
	})

	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "stream_sessions",
		Help:      "Active MJPEG streaming sessions.",
	})
	FramesStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_streamed_total",
		Help:      "MJPEG parts written to clients.",
	})
	FramesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_skipped_total",
		Help:      "Frames not streamed, by reason.",
	}, []string{"reason"})

	DetectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "detect_duration_seconds",
		Help:      "Time spent in a detector per frame.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"detector"})
	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "detections_total",
		Help:      "Detections produced, by label.",
	}, []string{"label"})
	DetectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "detect_errors_total",
		Help:      "Per-frame detector failures.",
	}, []string{"detector"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries, by listener and result.",
	}, []string{"listener", "result"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Detection events dropped due to backlog.",
	}, []string{"sink"})
)
