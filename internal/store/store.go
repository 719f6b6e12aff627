// Package store is the durable store of notesync and the home of every piece
// of shared coordination state: staging tables, the run cursor, run locks,
// gate tickets and cached boundaries.
//
// Two dialects are supported through database/sql: PostgreSQL via the pgx
// stdlib driver and SQLite via modernc.org/sqlite. Queries are written once
// with '?' placeholders and rebound for PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// Dialect is the SQL flavour of the underlying database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

// Store wraps a database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
	logger  *zap.Logger
}

// Open connects to the configured database and waits until it answers.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	dialect := Dialect(cfg.Driver)
	dsn := cfg.DSN
	if dialect == SQLite {
		var err error
		if dsn, err = PrepareDSN(dsn); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sqlite dsn")
		}
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "open store")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		_ = db.Close()
		return nil, classify(err, "ping store")
	}

	return New(db, dialect, logger), nil
}

// New wraps an open handle.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.placeholder()),
		logger:  logger.With(zap.String("component", "store"), zap.String("dialect", string(dialect))),
	}
}

// PrepareDSN adds the pragmas every notesync connection needs to a SQLite
// path or file: URI. WAL lets readers proceed during the merge, immediate
// transactions take the write lock up front instead of failing on upgrade.
func PrepareDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	pragmas := q["_pragma"]
	has := func(name string) bool {
		for _, p := range pragmas {
			if strings.HasPrefix(p, name) {
				return true
			}
		}
		return false
	}
	if !has("journal_mode") {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	if !has("busy_timeout") {
		q.Add("_pragma", "busy_timeout(5000)")
	}
	if !has("foreign_keys") {
		q.Add("_pragma", "foreign_keys(1)")
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DB exposes the raw handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL flavour.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies every pending embedded migration.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations/"+string(s.dialect))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "locate migrations")
	}
	gooseDialect := goose.DialectSQLite3
	if s.dialect == Postgres {
		gooseDialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(gooseDialect, s.db, sub)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "apply migrations")
	}
	for _, r := range results {
		s.logger.Info("applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

// Tx is an open transaction. Raw queries use '?' placeholders.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	sb      sq.StatementBuilderType
}

// Dialect reports the SQL flavour.
func (t *Tx) Dialect() Dialect { return t.dialect }

// Builder returns a squirrel builder bound to the transaction.
func (t *Tx) Builder() sq.StatementBuilderType { return t.sb.RunWith(t.tx) }

// Exec runs a statement.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

// QueryRow runs a single-row query.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

// Query runs a query.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

func (t *Tx) rebind(query string) string {
	return rebind(t.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	out, err := sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

// InTx runs fn in a transaction and commits when it returns nil. Errors are
// classified; an already classified error from fn is returned unchanged.
func (s *Store) InTx(ctx context.Context, op string, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, op+": begin")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&Tx{tx: sqlTx, dialect: s.dialect, sb: s.sb}); err != nil {
		return classify(err, op)
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err, op+": commit")
	}
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, classify(err, op)
	}
	return res, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
