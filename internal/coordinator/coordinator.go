// Package coordinator makes an unattended run safe to schedule blindly.
//
// A run first checks the failure marker left by an earlier failed run, then
// takes the run lock for its run type, heartbeats it while the body runs and
// releases it afterwards. A lock whose holder has died is reclaimed. When
// the body fails the coordinator records a failure marker, notifies the
// operator and turns the error class into the process exit code. Later runs
// refuse to start until the marker is cleared.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/internal/notify"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/logger"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/observability"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Stages a run passes through. The stage active when a run fails is
// recorded in the failure marker.
const (
	StageInit       = "init"
	StageLock       = "lock"
	StageStaging    = "staging"
	StageFetch      = "fetch"
	StageTransform  = "transform"
	StageMerge      = "merge"
	StageBoundaries = "boundaries"
	StageReport     = "report"
)

// Outcome is how a successful body ended.
type Outcome int

const (
	// OutcomeDone means the run did its work cleanly.
	OutcomeDone Outcome = iota
	// OutcomeWarnings means the run committed but skipped some input.
	OutcomeWarnings
	// OutcomeNoop means there was nothing to do.
	OutcomeNoop
)

// Body is the work done under the run lock.
type Body func(ctx context.Context, run *Run) (Outcome, error)

// Store is the part of the store the coordinator needs.
type Store interface {
	Lock(ctx context.Context, runType string) (*store.LockRecord, error)
	TryInsertLock(ctx context.Context, rec store.LockRecord) (bool, error)
	DeleteLock(ctx context.Context, runType, runID string) (bool, error)
	TouchLock(ctx context.Context, runType, runID string, now time.Time) (bool, error)
	ResetStaging(ctx context.Context) error
	DropStaging(ctx context.Context) error
	Cursor(ctx context.Context) (time.Time, bool, error)
}

// Run is the handle passed to a body.
type Run struct {
	ID        string
	Mode      string
	Holder    liveness.Identity
	StartedAt time.Time

	logger *zap.Logger
	mu     sync.Mutex
	stage  string
}

// Enter records that the run moved to stage.
func (r *Run) Enter(stage string) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
	r.logger.Debug("entering stage", zap.String("stage", stage))
}

// Stage returns the current stage.
func (r *Run) Stage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Logger returns a logger carrying the run id and mode.
func (r *Run) Logger() *zap.Logger { return r.logger }

// Coordinator runs bodies as execution singletons.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	timeouts config.TimeoutConfig
	store    Store
	checker  liveness.Checker
	sink     notify.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	policy   retry.Policy
	now      func() time.Time
	self     func(ctx context.Context, runID string) (liveness.Identity, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the failure sink. The default only logs.
func WithNotifier(s notify.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithMetrics records run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRetry sets the policy for lock store calls. Busy databases and
// dropped connections are retried before the run is failed.
func WithRetry(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithIdentity replaces how the current process identifies itself.
func WithIdentity(fn func(ctx context.Context, runID string) (liveness.Identity, error)) Option {
	return func(c *Coordinator) { c.self = fn }
}

// New creates a coordinator.
func New(cfg config.CoordinatorConfig, timeouts config.TimeoutConfig, s Store, checker liveness.Checker,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		timeouts: timeouts,
		store:    s,
		checker:  checker,
		logger:   zap.NewNop(),
		policy:   retry.Default(),
		now:      time.Now,
		self:     liveness.Self,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "coordinator"))
	if c.sink == nil {
		c.sink = notify.NewLog(c.logger)
	}
	if c.cfg.HeartbeatInterval <= 0 {
		c.cfg.HeartbeatInterval = 15 * time.Second
	}
	if c.timeouts.Notify <= 0 {
		c.timeouts.Notify = 10 * time.Second
	}
	if c.timeouts.Release <= 0 {
		c.timeouts.Release = 10 * time.Second
	}
	return c
}

// Execute runs body under the run lock and returns the exit code.
func (c *Coordinator) Execute(ctx context.Context, mode string, body Body) (code ExitCode) {
	start := c.now()
	run := &Run{ID: ulid.Make().String(), Mode: mode, StartedAt: start, stage: StageInit}
	ctx = logger.ContextWith(ctx, logger.RunIDKey, run.ID)
	ctx = logger.ContextWith(ctx, logger.ModeKey, mode)
	run.logger = logger.FromContext(ctx, c.logger)

	ctx, span := observability.StartSpan(ctx, "run",
		attribute.String("run_id", run.ID), attribute.String("mode", mode))
	defer func() {
		span.SetAttributes(attribute.Int("exit_code", int(code)))
		span.End()
		d := c.now().Sub(start)
		c.metrics.ObserveRun(mode, d, int(code), code.Success())
		run.logger.Info("run finished",
			zap.Int("exit_code", int(code)),
			zap.Stringer("result", code),
			zap.Duration("duration", d))
	}()

	marker, err := ReadMarker(c.cfg.FailureMarkerPath)
	if err != nil {
		run.logger.Error("failure marker is unreadable; treating it as present", zap.Error(err))
		return ExitPreviousFailure
	}
	if marker != nil {
		run.logger.Error("a previous run failed; clear the failure marker to resume",
			zap.String("marker", c.cfg.FailureMarkerPath),
			zap.String("failed_run", marker.RunID),
			zap.Time("failed_at", marker.Time),
			zap.String("stage", marker.Stage),
			zap.String("class", string(marker.Class)))
		return ExitPreviousFailure
	}

	holder, err := c.self(ctx, run.ID)
	if err != nil {
		return c.fail(ctx, run, errors.Wrap(err, errors.ErrorTypeInternal, "failed to identify current process"))
	}
	run.Holder = holder

	run.Enter(StageLock)
	acquired, err := c.acquire(ctx, run)
	if err != nil {
		return c.fail(ctx, run, err)
	}
	if !acquired {
		return ExitNoop
	}
	defer c.release(ctx, run)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := c.heartbeat(runCtx, run, cancel)
	defer stop()

	run.Enter(StageStaging)
	if err := c.store.ResetStaging(runCtx); err != nil {
		return c.fail(ctx, run, err)
	}
	defer c.dropStaging(ctx, run)

	outcome, err := invoke(runCtx, run, body)
	if err != nil {
		if cause := context.Cause(runCtx); cause != nil && errors.IsType(cause, errors.ErrorTypeLock) {
			err = errors.Wrap(err, errors.ErrorTypeLock, cause.Error())
		} else if ctx.Err() != nil && !errors.IsType(err, errors.ErrorTypeInterrupted) {
			err = errors.Wrap(err, errors.ErrorTypeInterrupted, "run interrupted")
		}
		return c.fail(ctx, run, err)
	}

	switch outcome {
	case OutcomeWarnings:
		return ExitWarnings
	case OutcomeNoop:
		return ExitNoop
	default:
		return ExitSuccess
	}
}

// invoke runs body and turns a panic into an internal error.
func invoke(ctx context.Context, run *Run, body Body) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrorTypeInternal, fmt.Sprintf("panic: %v", r)).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return body(ctx, run)
}

// acquire takes the run lock. It returns false without an error when
// another live run holds it. Transient store errors are retried; once the
// attempts run out a busy store counts as lock contention and anything else
// as a store failure.
func (c *Coordinator) acquire(ctx context.Context, run *Run) (bool, error) {
	policy := c.policy.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		run.logger.Warn("run lock store call failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
	var acquired bool
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		acquired, err = c.tryAcquire(ctx, run)
		return err
	})
	switch {
	case err == nil:
		return acquired, nil
	case ctx.Err() != nil:
		return false, errors.Wrap(err, errors.ErrorTypeInterrupted, "interrupted while acquiring the run lock")
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return false, errors.Wrap(err, errors.ErrorTypeLock, "run lock store stayed busy").
			WithDetail("run_type", c.cfg.RunType)
	default:
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to acquire run lock").
			WithDetail("run_type", c.cfg.RunType)
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context, run *Run) (bool, error) {
	rec, err := c.store.Lock(ctx, c.cfg.RunType)
	if err != nil {
		return false, err
	}
	if rec != nil {
		if rec.Holder.RunID == run.ID {
			// an earlier attempt inserted it before failing
			return true, nil
		}
		if c.checker.Alive(ctx, rec.Holder, rec.HeartbeatAt) {
			run.logger.Info("another run is active",
				zap.String("holder_run", rec.Holder.RunID),
				zap.String("holder_host", rec.Holder.Host),
				zap.Int32("holder_pid", rec.Holder.PID),
				zap.Time("started_at", rec.StartedAt))
			return false, nil
		}
		run.logger.Warn("reclaiming run lock from dead holder",
			zap.String("holder_run", rec.Holder.RunID),
			zap.String("holder_host", rec.Holder.Host),
			zap.Int32("holder_pid", rec.Holder.PID),
			zap.Time("heartbeat_at", rec.HeartbeatAt))
		if _, err := c.store.DeleteLock(ctx, c.cfg.RunType, rec.Holder.RunID); err != nil {
			return false, err
		}
	}

	now := c.now()
	ok, err := c.store.TryInsertLock(ctx, store.LockRecord{
		RunType:     c.cfg.RunType,
		Holder:      run.Holder,
		StartedAt:   now,
		HeartbeatAt: now,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		run.logger.Info("lost the race for the run lock")
		return false, nil
	}
	run.logger.Info("run lock acquired", zap.String("run_type", c.cfg.RunType))
	return true, nil
}

// heartbeat refreshes the lock until the returned stop function is called.
// Losing the lock to another holder cancels the run.
func (c *Coordinator) heartbeat(ctx context.Context, run *Run, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := c.store.TouchLock(ctx, c.cfg.RunType, run.ID, c.now())
			switch {
			case err != nil:
				run.logger.Warn("lock heartbeat failed", zap.Error(err))
			case !ok:
				run.logger.Error("run lock was taken over; stopping")
				cancel(errors.New(errors.ErrorTypeLock, "run lock was taken over by another holder").
					WithDetail("run_type", c.cfg.RunType))
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *Coordinator) release(ctx context.Context, run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeouts.Release)
	defer cancel()
	deleted, err := c.store.DeleteLock(ctx, c.cfg.RunType, run.ID)
	switch {
	case err != nil:
		run.logger.Error("failed to release run lock", zap.Error(err))
	case !deleted:
		run.logger.Warn("run lock was no longer held at release")
	default:
		run.logger.Debug("run lock released")
	}
}

func (c *Coordinator) dropStaging(ctx context.Context, run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeouts.Release)
	defer cancel()
	if err := c.store.DropStaging(ctx); err != nil {
		run.logger.Warn("failed to drop staging tables", zap.Error(err))
	}
}

// fail records err and returns its exit code.
func (c *Coordinator) fail(ctx context.Context, run *Run, err error) ExitCode {
	code := ExitCodeFor(err)
	stage := run.Stage()
	m := FailureMarker{
		Time:       c.now().UTC(),
		RunID:      run.ID,
		Mode:       run.Mode,
		Stage:      stage,
		Class:      errors.TypeOf(err),
		ExitCode:   code,
		Holder:     run.Holder,
		Diagnostic: err.Error(),
		Details:    errors.DetailsOf(err),
	}
	run.logger.Error("run failed",
		zap.String("stage", stage),
		zap.String("class", string(m.Class)),
		zap.Int("exit_code", int(code)),
		zap.Error(err))

	if werr := WriteMarker(c.cfg.FailureMarkerPath, m); werr != nil {
		run.logger.Error("failed to write failure marker", zap.Error(werr))
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeouts.Notify)
	defer cancel()
	ev := notify.Event{
		Time:     m.Time,
		RunID:    run.ID,
		Mode:     run.Mode,
		Host:     run.Holder.Host,
		Stage:    stage,
		Class:    string(m.Class),
		ExitCode: int(code),
		Message:  m.Diagnostic,
		Details:  m.Details,
	}
	if nerr := c.sink.Notify(nctx, ev); nerr != nil {
		run.logger.Error("failed to notify operator", zap.Error(nerr))
	}
	return code
}

// ClearFailure removes the failure marker and reports whether there was one.
func (c *Coordinator) ClearFailure() (bool, error) {
	removed, err := RemoveMarker(c.cfg.FailureMarkerPath)
	if err != nil {
		return false, err
	}
	if removed {
		c.logger.Info("failure marker cleared", zap.String("path", c.cfg.FailureMarkerPath))
	}
	return removed, nil
}

// Status describes the scheduling state.
type Status struct {
	Marker    *FailureMarker    `json:"failure_marker,omitempty"`
	Lock      *store.LockRecord `json:"lock,omitempty"`
	LockAlive bool              `json:"lock_alive"`
	Cursor    *time.Time        `json:"cursor,omitempty"`
}

// Status reads the failure marker, the lock holder and the cursor.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	var st Status
	var err error
	if st.Marker, err = ReadMarker(c.cfg.FailureMarkerPath); err != nil {
		return nil, err
	}
	if st.Lock, err = c.store.Lock(ctx, c.cfg.RunType); err != nil {
		return nil, err
	}
	if st.Lock != nil {
		st.LockAlive = c.checker.Alive(ctx, st.Lock.Holder, st.Lock.HeartbeatAt)
	}
	cursor, ok, err := c.store.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		st.Cursor = &cursor
	}
	return &st, nil
}
