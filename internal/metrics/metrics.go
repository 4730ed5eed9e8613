// Package metrics registers and exposes grokmirror's Prometheus metrics.
// Grounded on repository/metrics.go's promauto GaugeVec/CounterVec/
// HistogramVec shape, generalized to a struct of registered collectors
// (rather than package-level vars) since grokmirror has several
// independent subsystems -- pull engine, fsck/repack controller, objstore
// -- recording metrics concurrently instead of one mirror loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grokmirror"

// Metrics holds every collector grokmirror exposes on /metrics.
type Metrics struct {
	PullDuration          *prometheus.HistogramVec
	PullCount             *prometheus.CounterVec
	LastPullTimestamp     *prometheus.GaugeVec
	FingerprintMismatch   *prometheus.CounterVec
	FsckRepackTotal       *prometheus.CounterVec
	ObjstoreMembers       *prometheus.GaugeVec
	LockBusyTotal         *prometheus.CounterVec
	ManifestRepoCount     prometheus.Gauge
	ManifestGeneratedTime prometheus.Gauge
}

// New constructs and registers every grokmirror collector against
// registerer. Unlike the teacher's package-scope promauto vars (registered
// exactly once, implicitly, against prometheus.DefaultRegisterer), New can
// be called more than once per process -- each subsystem's tests construct
// their own Metrics against their own throwaway registry -- so it uses
// promauto.With(registerer) rather than the bare promauto constructors,
// which always register against the global default and would panic on a
// second call with a duplicate-collector error.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PullDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_duration_seconds",
			Help:      "Time spent pulling a single repository.",
			Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 300, 600},
		}, []string{"repo"}),

		PullCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_total",
			Help:      "Count of pull attempts per repository, tagged by outcome.",
		}, []string{"repo", "outcome"}),

		LastPullTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pull_timestamp",
			Help:      "Unix timestamp of the last successful pull per repository.",
		}, []string{"repo"}),

		FingerprintMismatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_fingerprint_mismatch_total",
			Help:      "Count of pulls where the post-fetch fingerprint didn't match the manifest.",
		}, []string{"repo"}),

		FsckRepackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fsck_repack_total",
			Help:      "Count of fsck/repack operations, tagged by kind (quick|full|fsck) and outcome.",
		}, []string{"kind", "outcome"}),

		ObjstoreMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "objstore_members",
			Help:      "Number of member repositories wired into each objstore.",
		}, []string{"guid"}),

		LockBusyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Count of non-blocking repository lock acquisition attempts that found the lock held.",
		}, []string{"repo"}),

		ManifestRepoCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manifest_repo_count",
			Help:      "Number of repositories in the most recently generated manifest.",
		}),

		ManifestGeneratedTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manifest_generated_timestamp",
			Help:      "Unix timestamp of the last successful manifest generation.",
		}),
	}
}

// RecordPull records the outcome and latency of a pull attempt.
func (m *Metrics) RecordPull(repo string, start time.Time, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.PullCount.WithLabelValues(repo, outcome).Inc()
	m.PullDuration.WithLabelValues(repo).Observe(time.Since(start).Seconds())
	if success {
		m.LastPullTimestamp.WithLabelValues(repo).Set(float64(time.Now().Unix()))
	}
}

// RecordFsckRepack records a repack/fsck controller pass.
func (m *Metrics) RecordFsckRepack(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.FsckRepackTotal.WithLabelValues(kind, outcome).Inc()
}
