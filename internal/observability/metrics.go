package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "frames_processed_total",
		Help:      "Total number of frames run through the matcher",
	}, []string{"session_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected in processed frames",
	}, []string{"session_id"})

	FacesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "faces_matched_total",
		Help:      "Total number of detected faces matched to an enrolled user",
	}, []string{"session_id"})

	AttendanceRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attend",
		Name:      "attendance_recorded_total",
		Help:      "Total number of attendance records created",
	}, []string{"session_id"})

	GalleryBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "gallery_build_duration_seconds",
		Help:      "Duration of per-organization gallery rebuilds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	GallerySignatures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "gallery_signatures",
		Help:      "Number of face signatures in the cached gallery",
	}, []string{"organization_id"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "active_sessions",
		Help:      "Number of recognition streams currently running",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attend",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attend",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
