package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/boundary"
	"github.com/ajitpratap0/notesync/internal/coordinator"
	"github.com/ajitpratap0/notesync/internal/pipeline"
	"github.com/ajitpratap0/notesync/internal/reconcile"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
)

// Paths a run can take.
const (
	PathIncremental  = "incremental"
	PathNoop         = "noop"
	PathBulk         = "bulk"
	PathBulkNoCursor = "bulk_no_cursor"
	PathBulkFallback = "bulk_fallback"
)

// DeltaSummary describes the delta a run downloaded.
type DeltaSummary struct {
	From      time.Time `json:"from"`
	Count     int       `json:"count"`
	Truncated bool      `json:"truncated"`
}

// SnapshotSummary describes the snapshot a run loaded.
type SnapshotSummary struct {
	Source      string `json:"source"`
	Compression string `json:"compression"`
	Bytes       int64  `json:"bytes"`
	MD5         string `json:"md5"`
}

// Report is the end-of-run summary written to coordinator.report_path.
type Report struct {
	RunID         string            `json:"run_id"`
	Mode          string            `json:"mode"`
	Path          string            `json:"path"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Outcome       string            `json:"outcome"`
	Error         string            `json:"error,omitempty"`
	ErrorClass    string            `json:"error_class,omitempty"`
	Delta         *DeltaSummary     `json:"delta,omitempty"`
	Snapshot      *SnapshotSummary  `json:"snapshot,omitempty"`
	Pipeline      *pipeline.Report  `json:"pipeline,omitempty"`
	Reconcile     *reconcile.Result `json:"reconcile,omitempty"`
	Boundaries    *boundary.Report  `json:"boundaries,omitempty"`
	BoundaryError string            `json:"boundary_error,omitempty"`
}

func (r *Report) finish(outcome coordinator.Outcome, err error) {
	r.FinishedAt = time.Now().UTC()
	switch {
	case err != nil:
		r.Outcome = "failed"
		r.Error = err.Error()
		r.ErrorClass = string(errors.TypeOf(err))
	case outcome == coordinator.OutcomeWarnings:
		r.Outcome = "warnings"
	case outcome == coordinator.OutcomeNoop:
		r.Outcome = "noop"
	default:
		r.Outcome = "success"
	}
}

func (e *Engine) writeReport(run *coordinator.Run, r *Report) {
	path := e.cfg.Coordinator.ReportPath
	if path == "" {
		return
	}
	if err := json.WriteFile(path, r, 0o644); err != nil {
		run.Logger().Warn("failed to write run report", zap.String("path", path), zap.Error(err))
	}
}

// ReadReport loads a report written by a previous run.
func ReadReport(path string) (*Report, error) {
	var r Report
	if err := json.ReadFile(path, &r); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read run report")
	}
	return &r, nil
}
