// Package metrics provides Prometheus collectors for a notesync run.
//
// notesync is a scheduled batch job rather than a server, so metrics are
// collected on a dedicated registry and written once per run to a
// node-exporter textfile:
//
//	m := metrics.New()
//	m.RecordsParsed.WithLabelValues("bulk").Add(float64(n))
//	defer m.WriteTextfile("/var/lib/node_exporter/notesync.prom")
//
// All helper methods are safe on a nil *Metrics, so components can be
// constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notesync"

// Metrics holds every collector of a run.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsParsed   *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec
	Chunks          *prometheus.CounterVec
	StagedRows      *prometheus.CounterVec
	MergedNotes     *prometheus.CounterVec
	MergedComments  prometheus.Counter
	GateWait        *prometheus.HistogramVec
	BoundaryFetches *prometheus.CounterVec
	RunDuration     *prometheus.GaugeVec
	LastSuccess     *prometheus.GaugeVec
	LastExitCode    *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RecordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_parsed_total",
			Help: "Notes decoded from feed chunks.",
		}, []string{"mode"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_rejected_total",
			Help: "Notes rejected by the validation gate.",
		}, []string{"mode", "reason"}),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_total",
			Help: "Feed chunks processed, by result.",
		}, []string{"mode", "result"}),
		StagedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "staged_rows_total",
			Help: "Rows appended to staging.",
		}, []string{"table"}),
		MergedNotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merged_notes_total",
			Help: "Notes written to the durable store.",
		}, []string{"action"}),
		MergedComments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merged_comments_total",
			Help: "Comments written to the durable store.",
		}),
		GateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gate_wait_seconds",
			Help:    "Time spent waiting for a resource gate slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"gate"}),
		BoundaryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "boundary_fetches_total",
			Help: "Boundary requests by outcome (ok, throttled, failed).",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help: "Duration of the last run.",
		}, []string{"mode"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}, []string{"mode"}),
		LastExitCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_exit_code",
			Help: "Exit code of the last run.",
		}, []string{"mode"}),
	}
	m.Registry.MustRegister(
		m.RecordsParsed, m.RecordsRejected, m.Chunks, m.StagedRows,
		m.MergedNotes, m.MergedComments, m.GateWait, m.BoundaryFetches,
		m.RunDuration, m.LastSuccess, m.LastExitCode,
	)
	return m
}

// ObserveGateWait records how long an acquisition waited.
func (m *Metrics) ObserveGateWait(gate string, d time.Duration) {
	if m == nil {
		return
	}
	m.GateWait.WithLabelValues(gate).Observe(d.Seconds())
}

// ObserveChunk counts one processed chunk and its records.
func (m *Metrics) ObserveChunk(mode string, parsed, rejected int, chunkRejected bool) {
	if m == nil {
		return
	}
	result := "ok"
	if chunkRejected {
		result = "rejected"
	}
	m.Chunks.WithLabelValues(mode, result).Inc()
	m.RecordsParsed.WithLabelValues(mode).Add(float64(parsed))
	if rejected > 0 {
		m.RecordsRejected.WithLabelValues(mode, "validation").Add(float64(rejected))
	}
}

// AddStaged counts rows appended to a staging table.
func (m *Metrics) AddStaged(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StagedRows.WithLabelValues(table).Add(float64(n))
}

// ObserveMerge counts durable writes of one reconcile pass.
func (m *Metrics) ObserveMerge(inserted, updated, comments int64) {
	if m == nil {
		return
	}
	m.MergedNotes.WithLabelValues("inserted").Add(float64(inserted))
	m.MergedNotes.WithLabelValues("updated").Add(float64(updated))
	m.MergedComments.Add(float64(comments))
}

// ObserveBoundary counts one boundary request outcome.
func (m *Metrics) ObserveBoundary(outcome string) {
	if m == nil {
		return
	}
	m.BoundaryFetches.WithLabelValues(outcome).Inc()
}

// ObserveRun records the end of a run.
func (m *Metrics) ObserveRun(mode string, d time.Duration, exitCode int, success bool) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(mode).Set(d.Seconds())
	m.LastExitCode.WithLabelValues(mode).Set(float64(exitCode))
	if success {
		m.LastSuccess.WithLabelValues(mode).SetToCurrentTime()
	}
}

// WriteTextfile writes the registry in textfile-collector format. The file
// is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
