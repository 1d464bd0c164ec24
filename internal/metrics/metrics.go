// Package metrics exposes ingestion counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripload/internal/etl"
)

const namespace = "tripload"

const (
	MetricRowsWritten    = "rows_written_total"
	MetricBatches        = "batches_total"
	MetricRuns           = "runs_total"
	MetricRunDuration    = "run_duration_seconds"
	MetricRecordsSkipped = "records_skipped_total"
)

// Recorder counts rows, batches and runs per target table.
type Recorder struct {
	rowsWritten    *prometheus.CounterVec
	batches        *prometheus.CounterVec
	runs           *prometheus.CounterVec
	recordsSkipped *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
}

// New creates a Recorder and registers it with reg. A nil reg leaves
// the collectors unregistered.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRowsWritten,
			Help:      "Rows committed to the sink.",
		}, []string{"target"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBatches,
			Help:      "Batches processed, by outcome (written or skipped).",
		}, []string{"target", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRuns,
			Help:      "Finished runs, by status and error kind.",
		}, []string{"target", "status", "kind"}),
		recordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRecordsSkipped,
			Help:      "Malformed source records skipped.",
		}, []string{"target"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricRunDuration,
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"target"}),
	}
	if reg != nil {
		reg.MustRegister(r.rowsWritten, r.batches, r.runs, r.recordsSkipped, r.runDuration)
	}
	return r
}

// Batch records one Progress report.
func (r *Recorder) Batch(target string, p etl.Progress) {
	if p.Skipped {
		r.batches.WithLabelValues(target, "skipped").Inc()
		return
	}
	r.batches.WithLabelValues(target, "written").Inc()
	r.rowsWritten.WithLabelValues(target).Add(float64(p.Rows))
}

// Run records a finished run.
func (r *Recorder) Run(target string, res *etl.SyncResult) {
	kind := string(res.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	r.runs.WithLabelValues(target, res.Status, kind).Inc()
	r.runDuration.WithLabelValues(target).Observe(res.Duration.Seconds())
	if res.RecordsSkipped > 0 {
		r.recordsSkipped.WithLabelValues(target).Add(float64(res.RecordsSkipped))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
