// Package metrics defines the Prometheus series emitted by the runtime.
// All metrics are low-cardinality (no camera_id/user_id/profile_id labels).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for refresh source/result.
const (
	SourceDB          = "db"
	SourceRedis       = "redis"
	SourceDBEmergency = "db_emergency"

	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	// SnapshotRefreshTotal counts refresh attempts by where the snapshot
	// came from and how the attempt ended.
	SnapshotRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_snapshot_refresh_total",
			Help: "Snapshot refresh attempts by source and result",
		},
		[]string{"source", "result"},
	)

	// SnapshotRefreshDuration tracks how long a refresh took end to end.
	SnapshotRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_snapshot_refresh_duration_ms",
			Help:    "Snapshot refresh duration in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000},
		},
		[]string{"source"},
	)

	// SnapshotVersion exposes the version currently served to matchers.
	SnapshotVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_snapshot_version",
			Help: "Version of the installed face-profile snapshot",
		},
	)

	// SnapshotProfiles exposes the size of the installed snapshot.
	SnapshotProfiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_snapshot_profiles",
			Help: "Number of profiles in the installed snapshot",
		},
	)

	// RecognitionResultsTotal counts verification outcomes with their
	// confidence bucket (High/Medium/Low/None).
	RecognitionResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_recognition_results_total",
			Help: "Verification outcomes by result and confidence bucket",
		},
		[]string{"outcome", "confidence"},
	)

	// ExtractTotal counts unary embedding extractions against the AI service.
	ExtractTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ai_extract_total",
			Help: "Embedding extraction calls by result",
		},
		[]string{"result"},
	)

	// AutoEnrollTotal counts auto-enrollment candidates by how the gate
	// decided (accepted, rate_limited, profile_full, too_similar, dropped,
	// error).
	AutoEnrollTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_auto_enroll_total",
			Help: "Auto-enrollment candidates by gate decision",
		},
		[]string{"result"},
	)

	// CameraSessionsActive is the current supervisor session-table size.
	CameraSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_camera_sessions_active",
			Help: "Active camera monitoring sessions",
		},
	)

	// CameraStreamRetriesTotal counts stream reconnect attempts.
	CameraStreamRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_camera_stream_retries_total",
			Help: "Camera stream reconnect attempts",
		},
	)

	// CameraSessionsExhaustedTotal counts sessions that hit the retry cap.
	CameraSessionsExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_camera_sessions_exhausted_total",
			Help: "Camera sessions removed after exhausting retries",
		},
	)

	// CameraFramesTotal counts frames consumed from AI streams.
	CameraFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_camera_frames_total",
			Help: "Frames consumed from AI camera streams",
		},
	)

	// CameraHeartbeatsTotal counts faceless-frame heartbeats.
	CameraHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_camera_heartbeats_total",
			Help: "Heartbeats emitted for quiet camera streams",
		},
	)

	// IncidentsTotal counts incident creation outcomes (created, duplicate,
	// replayed, error).
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incidents_total",
			Help: "Incident creation outcomes",
		},
		[]string{"result"},
	)

	// IncidentTransitionsTotal counts lifecycle transitions (ok, rejected).
	IncidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incident_transitions_total",
			Help: "Incident status transition outcomes",
		},
		[]string{"result"},
	)
)

// Helper functions for metrics recording

func RecordRefresh(source, result string, durationMs float64) {
	SnapshotRefreshTotal.WithLabelValues(source, result).Inc()
	if result == ResultOK {
		SnapshotRefreshDuration.WithLabelValues(source).Observe(durationMs)
	}
}

func SetSnapshot(version int64, profiles int) {
	SnapshotVersion.Set(float64(version))
	SnapshotProfiles.Set(float64(profiles))
}

func RecordRecognition(outcome, confidence string) {
	RecognitionResultsTotal.WithLabelValues(outcome, confidence).Inc()
}

func RecordExtract(result string) {
	ExtractTotal.WithLabelValues(result).Inc()
}

func RecordAutoEnroll(result string) {
	AutoEnrollTotal.WithLabelValues(result).Inc()
}

func SetActiveSessions(n int) {
	CameraSessionsActive.Set(float64(n))
}

func RecordStreamRetry() {
	CameraStreamRetriesTotal.Inc()
}

func RecordSessionExhausted() {
	CameraSessionsExhaustedTotal.Inc()
}

func RecordFrame() {
	CameraFramesTotal.Inc()
}

func RecordHeartbeat() {
	CameraHeartbeatsTotal.Inc()
}

func RecordIncident(result string) {
	IncidentsTotal.WithLabelValues(result).Inc()
}

func RecordTransition(result string) {
	IncidentTransitionsTotal.WithLabelValues(result).Inc()
}
