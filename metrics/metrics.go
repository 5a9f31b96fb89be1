// Package metrics holds the Prometheus counters of the storage engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dedupfs"

type Metrics struct {
	registry prometheus.Gatherer

	UploadsRegistered *prometheus.CounterVec // {status}
	UploadsConfirmed  prometheus.Counter
	BytesStored       prometheus.Counter
	DedupHits         prometheus.Counter
	MothersReassigned prometheus.Counter
	BlobsDeleted      prometheus.Counter
	HashMismatches    prometheus.Counter
	ShareResolutions  *prometheus.CounterVec // {outcome}
	IntegrityDefects  prometheus.Counter
}

// New registers the metrics with registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		UploadsRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_registered_total",
			Help:      "File registrations by resulting status (success = staged, ref = deduplicated)",
		}, []string{"status"}),

		UploadsConfirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_confirmed_total",
			Help:      "Uploads whose bytes were received and committed",
		}),

		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Bytes written to storage backends and kept",
		}),

		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Files stored as references to already existing content",
		}),

		MothersReassigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mothers_reassigned_total",
			Help:      "Times ownership of content moved to one of its references",
		}),

		BlobsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_deleted_total",
			Help:      "Physical blobs removed because nothing referred to them",
		}),

		HashMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_mismatches_total",
			Help:      "Uploads rejected because their bytes did not match the declared hash",
		}),

		ShareResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_resolutions_total",
			Help:      "Share link resolutions by outcome",
		}, []string{"outcome"}),

		IntegrityDefects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_defects_total",
			Help:      "Broken invariants detected in stored metadata",
		}),
	}
}

func (m *Metrics) Registered(status string) {
	if m != nil {
		m.UploadsRegistered.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Confirmed(bytes int64) {
	if m != nil {
		m.UploadsConfirmed.Inc()
		m.BytesStored.Add(float64(bytes))
	}
}

func (m *Metrics) DedupHit() {
	if m != nil {
		m.DedupHits.Inc()
	}
}

func (m *Metrics) Reassigned() {
	if m != nil {
		m.MothersReassigned.Inc()
	}
}

func (m *Metrics) BlobDeleted() {
	if m != nil {
		m.BlobsDeleted.Inc()
	}
}

func (m *Metrics) HashMismatch() {
	if m != nil {
		m.HashMismatches.Inc()
	}
}

func (m *Metrics) ShareResolved(outcome string) {
	if m != nil {
		m.ShareResolutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Defect() {
	if m != nil {
		m.IntegrityDefects.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
