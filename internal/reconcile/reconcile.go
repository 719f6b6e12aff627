// Package reconcile moves staged records into the durable note tables.
//
// Merge is the incremental path: it upserts staged notes, appends comments
// that are not yet stored and advances the run cursor as its last
// statement. Replace is the snapshot path: it swaps the whole durable set
// for the staged one. Both run as one transaction, so a failure leaves the
// durable tables and the cursor exactly as they were, and both are safe to
// replay against the same staging contents.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/observability"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Result summarises one reconcile pass.
type Result struct {
	Staged   int64     `json:"staged_notes"`
	Existing int64     `json:"existing_notes"`
	Inserted int64     `json:"inserted_notes"`
	Updated  int64     `json:"updated_notes"`
	Comments int64     `json:"inserted_comments"`
	Cursor   time.Time `json:"cursor"`
}

// Reconciler runs merge and replace passes against one store.
type Reconciler struct {
	store    *store.Store
	assigner CountryAssigner
	policy   retry.Policy
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCountryAssigner sets the country resolution step.
func WithCountryAssigner(a CountryAssigner) Option {
	return func(r *Reconciler) { r.assigner = a }
}

// WithRetry sets the policy applied around each transaction.
func WithRetry(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithMetrics records merge counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a reconciler.
func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		assigner: Noop{},
		policy:   retry.Default(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "reconciler"))
	return r
}

// Merge applies the staged records on top of the durable set and advances
// the cursor to the latest staged event. With nothing staged it changes
// nothing.
func (r *Reconciler) Merge(ctx context.Context) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.merge")
	res, err := r.run(ctx, "merge", r.merge)
	span.SetAttributes(attribute.Int64("inserted", res.Inserted), attribute.Int64("updated", res.Updated))
	observability.EndSpan(span, err)
	return res, err
}

// Replace swaps the durable set for the staged snapshot and sets the cursor
// to the snapshot watermark. An empty staging area is refused.
func (r *Reconciler) Replace(ctx context.Context) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.replace")
	res, err := r.run(ctx, "replace", r.replace)
	span.SetAttributes(attribute.Int64("inserted", res.Inserted))
	observability.EndSpan(span, err)
	return res, err
}

func (r *Reconciler) run(ctx context.Context, op string, pass func(context.Context, *store.Tx) (Result, error)) (Result, error) {
	start := time.Now()
	policy := r.policy.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("reconcile attempt failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
	})

	var res Result
	err := policy.Do(ctx, func(ctx context.Context) error {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.store.InTx(ctx, op, func(tx *store.Tx) error {
			var err error
			res, err = pass(ctx, tx)
			return err
		})
	})
	if err != nil {
		switch errors.TypeOf(err) {
		case errors.ErrorTypeValidation, errors.ErrorTypeInterrupted, errors.ErrorTypeConfig:
			return Result{}, err
		}
		// exhausted transient failures are still store failures
		return Result{}, errors.Wrap(err, errors.ErrorTypeStore, op+" failed")
	}

	r.metrics.ObserveMerge(res.Inserted, res.Updated, res.Comments)
	r.logger.Info("reconcile complete",
		zap.String("op", op),
		zap.Int64("staged", res.Staged),
		zap.Int64("existing", res.Existing),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("updated", res.Updated),
		zap.Int64("comments", res.Comments),
		zap.Time("cursor", res.Cursor),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

type stats struct {
	count, minID, maxID, maxEvent int64
}

func readStats(ctx context.Context, tx *store.Tx) (stats, error) {
	var s stats
	err := tx.QueryRow(ctx, stagedStatsSQL).Scan(&s.count, &s.minID, &s.maxID, &s.maxEvent)
	return s, err
}

func (r *Reconciler) merge(ctx context.Context, tx *store.Tx) (Result, error) {
	st, err := readStats(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Staged: st.count}
	if st.count == 0 {
		return res, nil
	}

	if err := r.collapse(ctx, tx); err != nil {
		return res, err
	}
	if err := r.assignCountries(ctx, tx); err != nil {
		return res, err
	}

	if err := tx.QueryRow(ctx, probeSQL, st.minID, st.maxID).Scan(&res.Existing); err != nil {
		return res, err
	}
	if res.Updated, err = execCount(ctx, tx, updateNotesSQL, st.minID, st.maxID); err != nil {
		return res, err
	}
	if res.Inserted, err = execCount(ctx, tx, insertNotesSQL); err != nil {
		return res, err
	}

	if _, err := tx.Exec(ctx, dropKnownCommentsSQL); err != nil {
		return res, err
	}
	if res.Comments, err = r.insertComments(ctx, tx); err != nil {
		return res, err
	}
	if err := clearStaging(ctx, tx); err != nil {
		return res, err
	}

	res.Cursor = time.Unix(st.maxEvent, 0).UTC()
	if err := tx.AdvanceCursor(ctx, res.Cursor); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reconciler) replace(ctx context.Context, tx *store.Tx) (Result, error) {
	st, err := readStats(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Staged: st.count}
	if st.count == 0 {
		return res, errors.New(errors.ErrorTypeValidation, "snapshot produced no notes, refusing to replace the store")
	}

	if err := r.collapse(ctx, tx); err != nil {
		return res, err
	}
	if err := r.assignCountries(ctx, tx); err != nil {
		return res, err
	}
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM notes").Scan(&res.Existing); err != nil {
		return res, err
	}

	truncate := truncateSQLiteSQL
	if tx.Dialect() == store.Postgres {
		truncate = truncatePostgresSQL
	}
	for _, stmt := range truncate {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return res, err
		}
	}
	if res.Inserted, err = execCount(ctx, tx, loadNotesSQL); err != nil {
		return res, err
	}
	if res.Comments, err = r.insertComments(ctx, tx); err != nil {
		return res, err
	}
	if err := clearStaging(ctx, tx); err != nil {
		return res, err
	}

	res.Cursor = time.Unix(st.maxEvent, 0).UTC()
	if err := tx.SetCursor(ctx, res.Cursor); err != nil {
		return res, err
	}
	return res, nil
}

// collapse resolves competing versions of a note and repeated comments.
func (r *Reconciler) collapse(ctx context.Context, tx *store.Tx) error {
	dropped, err := execCount(ctx, tx, collapseNotesSQL)
	if err != nil {
		return err
	}
	dupes, err := execCount(ctx, tx, dedupeStagedCommentsSQL)
	if err != nil {
		return err
	}
	if dropped > 0 || dupes > 0 {
		r.logger.Debug("collapsed staging",
			zap.Int64("superseded_notes", dropped),
			zap.Int64("duplicate_comments", dupes))
	}
	return nil
}

func (r *Reconciler) assignCountries(ctx context.Context, tx *store.Tx) error {
	if _, err := tx.Exec(ctx, carryCountrySQL); err != nil {
		return err
	}
	n, err := r.assigner.Assign(ctx, tx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "assign countries")
	}
	if n > 0 {
		r.logger.Debug("assigned countries", zap.Int64("notes", n))
	}
	return nil
}

// insertComments numbers the remaining staged comments after each durable
// thread and stores them with their texts.
func (r *Reconciler) insertComments(ctx context.Context, tx *store.Tx) (int64, error) {
	if _, err := tx.Exec(ctx, numberCommentsSQL); err != nil {
		return 0, err
	}
	n, err := execCount(ctx, tx, insertCommentsSQL)
	if err != nil {
		return 0, err
	}
	texts, err := execCount(ctx, tx, insertTextsSQL)
	if err != nil {
		return 0, err
	}
	if texts != n {
		return 0, errors.Newf(errors.ErrorTypeInternal,
			"inserted %d comments but %d texts", n, texts)
	}
	return n, nil
}

func clearStaging(ctx context.Context, tx *store.Tx) error {
	if _, err := tx.Exec(ctx, clearStagedCommentsSQL); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, clearStagedNotesSQL)
	return err
}

func execCount(ctx context.Context, tx *store.Tx, query string, args ...any) (int64, error) {
	res, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
