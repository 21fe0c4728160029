// Package metrics exposes replited's Prometheus instrumentation: one
// registry shared by every database's dbloop, checkpoint controller, and
// replica workers, following the same named-gauge/counter-plus-constructor
// shape WAL-adjacent Prometheus exporters in the ecosystem use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector replited registers. A nil *Metrics is safe
// to call methods on (they become no-ops), so components do not need a
// "metrics enabled" branch of their own.
type Metrics struct {
	reg prometheus.Registerer

	FramesShadowed   prometheus.Counter
	CheckpointsTotal *prometheus.CounterVec
	BytesUploaded    *prometheus.CounterVec
	ReplicaLag       *prometheus.GaugeVec
	RestoreDuration  prometheus.Histogram
	RestoreFailures  prometheus.Counter
}

// New builds and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to join the global one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{reg: reg}

	m.FramesShadowed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replited",
		Name:      "shadow_frames_total",
		Help:      "Total number of WAL frames appended to shadow files.",
	})

	m.CheckpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replited",
		Name:      "checkpoints_total",
		Help:      "Total number of checkpoints executed, by mode and database.",
	}, []string{"db", "mode"})

	m.BytesUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replited",
		Name:      "bytes_uploaded_total",
		Help:      "Total compressed bytes uploaded, by replica.",
	}, []string{"replica"})

	m.ReplicaLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "replited",
		Name:      "replica_lag_bytes",
		Help:      "Bytes between a replica's uploaded cursor and the database's shadow-end position.",
	}, []string{"replica"})

	m.RestoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replited",
		Name:      "restore_duration_seconds",
		Help:      "Wall-clock duration of a completed restore.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	m.RestoreFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replited",
		Name:      "restore_failures_total",
		Help:      "Total number of restore attempts that exhausted every candidate source.",
	})

	if reg != nil {
		reg.MustRegister(
			m.FramesShadowed,
			m.CheckpointsTotal,
			m.BytesUploaded,
			m.ReplicaLag,
			m.RestoreDuration,
			m.RestoreFailures,
		)
	}

	return m
}

func (m *Metrics) addFramesShadowed(n int) {
	if m == nil {
		return
	}
	m.FramesShadowed.Add(float64(n))
}

// ObserveShadowSync records how many frames a shadow.Sync call appended,
// derived from the byte delta and the database's page size.
func (m *Metrics) ObserveShadowSync(origSize, newSize int64, frameSize int64) {
	if m == nil || frameSize <= 0 {
		return
	}
	delta := newSize - origSize
	if delta <= 0 {
		return
	}
	m.addFramesShadowed(int(delta / frameSize))
}

// ObserveCheckpoint records one executed checkpoint for db in mode.
func (m *Metrics) ObserveCheckpoint(db, mode string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(db, mode).Inc()
}

// ObserveUpload records n compressed bytes written by a replica worker.
func (m *Metrics) ObserveUpload(replica string, n int) {
	if m == nil {
		return
	}
	m.BytesUploaded.WithLabelValues(replica).Add(float64(n))
}

// SetReplicaLag records the byte gap between a replica's cursor and the
// database's current shadow-end position.
func (m *Metrics) SetReplicaLag(replica string, lagBytes int64) {
	if m == nil {
		return
	}
	m.ReplicaLag.WithLabelValues(replica).Set(float64(lagBytes))
}

// ObserveRestore records a completed restore's duration; call ObserveRestoreFailure
// instead when every candidate source was exhausted.
func (m *Metrics) ObserveRestore(seconds float64) {
	if m == nil {
		return
	}
	m.RestoreDuration.Observe(seconds)
}

// ObserveRestoreFailure records a restore attempt that produced no valid plan.
func (m *Metrics) ObserveRestoreFailure() {
	if m == nil {
		return
	}
	m.RestoreFailures.Inc()
}
