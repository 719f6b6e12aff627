// Package engine wires one complete run: it picks the incremental or bulk
// path, drives the feed, the transform pipeline and the reconciler under the
// coordinator, refreshes boundaries alongside a bulk load and writes the
// end-of-run report.
package engine

import (
	"context"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/notesync/internal/boundary"
	"github.com/ajitpratap0/notesync/internal/coordinator"
	"github.com/ajitpratap0/notesync/internal/feed"
	"github.com/ajitpratap0/notesync/internal/gate"
	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/internal/notify"
	"github.com/ajitpratap0/notesync/internal/parser"
	"github.com/ajitpratap0/notesync/internal/pipeline"
	"github.com/ajitpratap0/notesync/internal/reconcile"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Mode selects how a run starts.
type Mode string

const (
	// ModeIncremental applies the delta since the cursor and falls back to
	// a bulk load when there is no cursor or the delta is too large.
	ModeIncremental Mode = "incremental"
	// ModeBulk replaces the store from the snapshot.
	ModeBulk Mode = "bulk"
)

// Engine runs ingestion against one store.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	coord      *coordinator.Coordinator
	checker    liveness.Checker
	bulk       *feed.Bulk
	delta      *feed.Delta
	reconciler *reconcile.Reconciler
	policy     retry.Policy
	http       *clients.HTTPConfig
	bulkFormat parser.Format
	deltaFmt   parser.Format
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

type options struct {
	sink    notify.Sink
	checker liveness.Checker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithNotifier sets the failure sink.
func WithNotifier(s notify.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithChecker replaces the holder liveness check.
func WithChecker(c liveness.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an engine from cfg.
func New(cfg *config.Config, s *store.Store, opts ...Option) (*Engine, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.checker == nil {
		pc, err := liveness.NewProcessChecker(cfg.Coordinator.StaleAfter)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create liveness checker")
		}
		o.checker = pc
	}

	bulkFormat, err := parser.ParseFormat(cfg.Bulk.Format)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid bulk.format")
	}
	deltaFormat, err := parser.ParseFormat(cfg.Delta.Format)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid delta.format")
	}
	assigner, err := reconcile.NewAssigner(cfg.Store.CountryFunction)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid store.country_function")
	}

	policy := retry.FromConfig(cfg.Reliability)
	hc := clients.DefaultHTTPConfig()
	hc.RequestTimeout = cfg.Timeouts.Request
	workDir := cfg.Coordinator.WorkDir

	e := &Engine{
		cfg:        cfg,
		store:      s,
		checker:    o.checker,
		policy:     policy,
		http:       hc,
		bulkFormat: bulkFormat,
		deltaFmt:   deltaFormat,
		metrics:    o.metrics,
		logger:     o.logger.With(zap.String("component", "engine")),
	}
	coordOpts := []coordinator.Option{
		coordinator.WithMetrics(o.metrics),
		coordinator.WithLogger(o.logger),
		coordinator.WithRetry(policy),
	}
	if o.sink != nil {
		coordOpts = append(coordOpts, coordinator.WithNotifier(o.sink))
	}
	e.coord = coordinator.New(cfg.Coordinator, cfg.Timeouts, s, o.checker, coordOpts...)
	e.bulk = feed.NewBulk(cfg.Bulk, workDir,
		feed.WithBulkRetry(policy),
		feed.WithDownloadTimeout(cfg.Timeouts.Download),
		feed.WithBulkLogger(o.logger))
	dc := *hc
	dc.RequestTimeout = 0
	e.delta = feed.NewDelta(cfg.Delta, workDir, clients.NewRetryableClient(&dc, o.logger), policy,
		cfg.Timeouts.Download, o.logger)
	e.reconciler = reconcile.New(s,
		reconcile.WithCountryAssigner(assigner),
		reconcile.WithRetry(policy),
		reconcile.WithTimeout(cfg.Timeouts.Merge),
		reconcile.WithMetrics(o.metrics),
		reconcile.WithLogger(o.logger))
	return e, nil
}

// Coordinator exposes the coordinator for status and failure clearing.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Run executes one run and returns its exit code. Metrics are written to
// the textfile whatever the outcome.
func (e *Engine) Run(ctx context.Context, mode Mode) coordinator.ExitCode {
	code := e.coord.Execute(ctx, string(mode), func(ctx context.Context, run *coordinator.Run) (coordinator.Outcome, error) {
		rep := &Report{RunID: run.ID, Mode: string(mode), StartedAt: run.StartedAt.UTC()}
		outcome, err := e.execute(ctx, run, mode, rep)
		rep.finish(outcome, err)
		e.writeReport(run, rep)
		return outcome, err
	})
	if err := e.metrics.WriteTextfile(e.cfg.Observability.MetricsTextfile); err != nil {
		e.logger.Warn("failed to write metrics textfile", zap.Error(err))
	}
	return code
}

func (e *Engine) execute(ctx context.Context, run *coordinator.Run, mode Mode, rep *Report) (coordinator.Outcome, error) {
	if mode == ModeBulk {
		rep.Path = PathBulk
		return e.runBulk(ctx, run, rep)
	}
	return e.runIncremental(ctx, run, rep)
}

func (e *Engine) runIncremental(ctx context.Context, run *coordinator.Run, rep *Report) (coordinator.Outcome, error) {
	log := run.Logger()
	run.Enter(coordinator.StageFetch)
	cursor, ok, err := e.store.Cursor(ctx)
	if err != nil {
		return coordinator.OutcomeDone, err
	}
	if !ok {
		log.Info("no cursor yet; loading the snapshot")
		rep.Path = PathBulkNoCursor
		return e.runBulk(ctx, run, rep)
	}

	batch, err := e.delta.Fetch(ctx, cursor)
	if err != nil {
		return coordinator.OutcomeDone, err
	}
	defer os.Remove(batch.Path) //nolint:errcheck
	rep.Delta = &DeltaSummary{From: batch.From, Count: batch.Count, Truncated: batch.Truncated}

	if batch.Count == 0 {
		log.Info("nothing new since cursor", zap.Time("cursor", cursor))
		rep.Path = PathNoop
		return coordinator.OutcomeNoop, nil
	}
	if batch.Truncated {
		log.Warn("delta reached the configured maximum; falling back to the snapshot",
			zap.Int("notes", batch.Count), zap.Int("max_notes", e.cfg.Delta.MaxNotes))
		rep.Path = PathBulkFallback
		return e.runBulk(ctx, run, rep)
	}

	rep.Path = PathIncremental
	run.Enter(coordinator.StageTransform)
	prep, err := e.pipeline(run, e.deltaFmt, ModeIncremental).Run(ctx, batch.Path)
	rep.Pipeline = prep
	if err != nil {
		return coordinator.OutcomeDone, err
	}

	run.Enter(coordinator.StageMerge)
	res, err := e.reconciler.Merge(ctx)
	if err != nil {
		return coordinator.OutcomeDone, err
	}
	rep.Reconcile = &res
	if prep.HasWarnings() {
		return coordinator.OutcomeWarnings, nil
	}
	return coordinator.OutcomeDone, nil
}

// runBulk loads the snapshot and replaces the store. Boundaries are
// refreshed concurrently; their failures only produce warnings.
func (e *Engine) runBulk(ctx context.Context, run *coordinator.Run, rep *Report) (coordinator.Outcome, error) {
	bctx, stopBoundaries := context.WithCancel(ctx)
	defer stopBoundaries()
	var bg errgroup.Group
	if e.cfg.Boundaries.Enabled {
		bg.Go(func() error {
			rep.Boundaries, rep.BoundaryError = e.refreshBoundaries(bctx, run)
			return nil
		})
	}

	outcome, err := e.loadSnapshot(ctx, run, rep)
	if err != nil {
		stopBoundaries()
	}
	_ = bg.Wait()
	if err != nil {
		return outcome, err
	}
	if ctx.Err() != nil {
		return outcome, errors.Wrap(ctx.Err(), errors.ErrorTypeInterrupted, "run interrupted during boundary refresh")
	}
	if rep.Boundaries.HasWarnings() || rep.BoundaryError != "" {
		outcome = coordinator.OutcomeWarnings
	}
	return outcome, nil
}

func (e *Engine) loadSnapshot(ctx context.Context, run *coordinator.Run, rep *Report) (coordinator.Outcome, error) {
	run.Enter(coordinator.StageFetch)
	snap, err := e.bulk.Fetch(ctx)
	if err != nil {
		return coordinator.OutcomeDone, err
	}
	defer os.Remove(snap.Path) //nolint:errcheck
	rep.Snapshot = &SnapshotSummary{
		Source:      snap.Source,
		Compression: string(snap.Compression),
		Bytes:       snap.Bytes,
		MD5:         snap.MD5,
	}

	run.Enter(coordinator.StageTransform)
	prep, err := e.pipeline(run, e.bulkFormat, ModeBulk).Run(ctx, snap.Path)
	rep.Pipeline = prep
	if err != nil {
		return coordinator.OutcomeDone, err
	}

	run.Enter(coordinator.StageMerge)
	res, err := e.reconciler.Replace(ctx)
	if err != nil {
		return coordinator.OutcomeDone, err
	}
	rep.Reconcile = &res
	if prep.HasWarnings() {
		return coordinator.OutcomeWarnings, nil
	}
	return coordinator.OutcomeDone, nil
}

func (e *Engine) pipeline(run *coordinator.Run, format parser.Format, mode Mode) *pipeline.Pipeline {
	return pipeline.New(e.store, e.cfg.Pipeline, format,
		pipeline.WithMode(string(mode)),
		pipeline.WithMetrics(e.metrics),
		pipeline.WithLogger(run.Logger()))
}

func (e *Engine) refreshBoundaries(ctx context.Context, run *coordinator.Run) (*boundary.Report, string) {
	log := run.Logger().With(zap.String("stage", coordinator.StageBoundaries))
	g, err := gate.New(e.cfg.Gate, e.store, run.Holder, e.checker, e.metrics, log)
	if err != nil {
		log.Warn("boundary refresh skipped", zap.Error(err))
		return nil, err.Error()
	}
	f := boundary.NewFetcher(e.cfg.Boundaries, g,
		boundary.WithStore(e.store),
		boundary.WithHTTPClient(clients.NewHTTPClient(e.http, log)),
		boundary.WithRetry(e.policy),
		boundary.WithRequestTimeout(e.cfg.Timeouts.Request),
		boundary.WithMetrics(e.metrics),
		boundary.WithLogger(log))
	rep, err := f.Refresh(ctx)
	if err != nil {
		log.Warn("boundary refresh incomplete", zap.Error(err))
		return rep, err.Error()
	}
	return rep, ""
}
