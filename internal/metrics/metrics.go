// Package metrics exposes Prometheus collectors for the queue, the upload
// orchestrator and conflict resolution. A nil *Metrics is valid and records
// nothing, so components can be constructed without instrumentation.
package metrics

import (
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Upload metrics
	UploadsTotal    *prometheus.CounterVec
	UploadDuration  *prometheus.HistogramVec
	ChunksUploaded  prometheus.Counter
	QueueItems      *prometheus.GaugeVec
	QueueBytes      prometheus.Gauge
	EvictionsTotal  prometheus.Counter
	AdmissionsTotal *prometheus.CounterVec

	// Conflict metrics
	ConflictsDetected   prometheus.Counter
	ConflictResolutions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused, so New may be called more than once
// against the same registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_uploads_total",
			Help: "Upload attempts by media kind and result.",
		}, []string{"kind", "result"}),

		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_upload_duration_seconds",
			Help:    "Duration of one upload attempt in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_chunks_uploaded_total",
			Help: "Chunk segments delivered to the remote.",
		}),

		QueueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_queue_items",
			Help: "Queued media items by status.",
		}, []string{"status"}),

		QueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_bytes",
			Help: "Stored bytes counted against the queue quota.",
		}),

		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_evictions_total",
			Help: "Items evicted to make room for new captures.",
		}),

		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_admissions_total",
			Help: "Quota admission decisions by result.",
		}, []string{"result"}),

		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_conflicts_detected_total",
			Help: "Record conflicts detected during sync.",
		}),

		ConflictResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_conflict_resolutions_total",
			Help: "Conflict resolutions by strategy and result.",
		}, []string{"strategy", "result"}),
	}

	m.UploadsTotal = registerOrGet(reg, m.UploadsTotal)
	m.UploadDuration = registerOrGet(reg, m.UploadDuration)
	m.ChunksUploaded = registerOrGet(reg, m.ChunksUploaded)
	m.QueueItems = registerOrGet(reg, m.QueueItems)
	m.QueueBytes = registerOrGet(reg, m.QueueBytes)
	m.EvictionsTotal = registerOrGet(reg, m.EvictionsTotal)
	m.AdmissionsTotal = registerOrGet(reg, m.AdmissionsTotal)
	m.ConflictsDetected = registerOrGet(reg, m.ConflictsDetected)
	m.ConflictResolutions = registerOrGet(reg, m.ConflictResolutions)

	return m
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return c
}

// Upload records the result of one upload attempt.
func (m *Metrics) Upload(kind models.MediaKind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.UploadsTotal.WithLabelValues(string(kind), result).Inc()
	m.UploadDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ChunkUploaded counts one delivered chunk.
func (m *Metrics) ChunkUploaded() {
	if m == nil {
		return
	}

	m.ChunksUploaded.Inc()
}

// Queue publishes a stats snapshot.
func (m *Metrics) Queue(stats models.QueueStats) {
	if m == nil {
		return
	}

	for _, status := range models.AllStatuses {
		m.QueueItems.WithLabelValues(string(status)).Set(float64(stats.Count(status)))
	}

	m.QueueBytes.Set(float64(stats.TotalBytes))
}

// Evicted counts n evictions.
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.EvictionsTotal.Add(float64(n))
}

// Admission records a quota decision: "admitted" or "rejected".
func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}

	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

// ConflictDetected counts one new conflict.
func (m *Metrics) ConflictDetected() {
	if m == nil {
		return
	}

	m.ConflictsDetected.Inc()
}

// Resolution records one resolve attempt.
func (m *Metrics) Resolution(strategy models.Strategy, result string) {
	if m == nil {
		return
	}

	m.ConflictResolutions.WithLabelValues(string(strategy), result).Inc()
}
