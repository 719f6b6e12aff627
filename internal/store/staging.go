package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ajitpratap0/notesync/pkg/models"
)

// Staging table names. They are created per run and never migrated.
const (
	StagedNotesTable    = "staged_notes"
	StagedCommentsTable = "staged_comments"
)

var (
	stagedNoteColumns = []string{
		"partition_id", "record_pos", "note_id", "longitude", "latitude",
		"created_at", "status", "closed_at", "country_id", "last_event_at",
	}
	stagedCommentColumns = []string{
		"partition_id", "record_pos", "comment_index", "note_id", "event",
		"created_at", "user_id", "username", "body",
	}
)

// sqliteRowsPerInsert keeps multi-row inserts well under the bound
// variable limit.
const sqliteRowsPerInsert = 500

// StagedNote is one accepted record tagged with its source location.
type StagedNote struct {
	Partition int
	// Position is the record's index within its partition
	Position int64
	Note     models.Note
}

func (s *Store) stagingDDL() []string {
	unlogged := ""
	if s.dialect == Postgres {
		unlogged = "UNLOGGED "
	}
	return []string{
		"DROP TABLE IF EXISTS " + StagedCommentsTable,
		"DROP TABLE IF EXISTS " + StagedNotesTable,
		fmt.Sprintf(`CREATE %sTABLE %s (
    partition_id INTEGER NOT NULL,
    record_pos BIGINT NOT NULL,
    note_id BIGINT NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    created_at BIGINT NOT NULL,
    status TEXT NOT NULL,
    closed_at BIGINT,
    country_id BIGINT,
    last_event_at BIGINT NOT NULL
)`, unlogged, StagedNotesTable),
		fmt.Sprintf(`CREATE %sTABLE %s (
    partition_id INTEGER NOT NULL,
    record_pos BIGINT NOT NULL,
    comment_index INTEGER NOT NULL,
    note_id BIGINT NOT NULL,
    event TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    user_id BIGINT,
    username TEXT,
    body TEXT NOT NULL,
    sequence_action INTEGER
)`, unlogged, StagedCommentsTable),
		"CREATE INDEX idx_staged_notes_id ON " + StagedNotesTable + " (note_id)",
		"CREATE INDEX idx_staged_comments_id ON " + StagedCommentsTable + " (note_id, event, created_at)",
	}
}

// ResetStaging drops and recreates the staging tables. Leftovers from a
// crashed run are discarded.
func (s *Store) ResetStaging(ctx context.Context) error {
	for _, stmt := range s.stagingDDL() {
		if _, err := s.exec(ctx, "reset staging", stmt); err != nil {
			return err
		}
	}
	s.logger.Debug("staging reset")
	return nil
}

// DropStaging removes the staging tables.
func (s *Store) DropStaging(ctx context.Context) error {
	for _, stmt := range s.stagingDDL()[:2] {
		if _, err := s.exec(ctx, "drop staging", stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendStaged bulk-appends one batch of records and their comments. The
// batch is visible to the reconciler only once the call returns.
func (s *Store) AppendStaged(ctx context.Context, batch []StagedNote) error {
	if len(batch) == 0 {
		return nil
	}
	notes, comments := stagedRows(batch)
	if s.dialect == Postgres {
		return s.copyStaged(ctx, notes, comments)
	}
	return s.insertStaged(ctx, notes, comments)
}

func stagedRows(batch []StagedNote) (notes, comments [][]any) {
	notes = make([][]any, 0, len(batch))
	for _, rec := range batch {
		n := &rec.Note
		notes = append(notes, []any{
			rec.Partition, rec.Position, n.ID, n.Lon, n.Lat,
			n.CreatedAt.Unix(), string(n.Status), unixOrNil(n.ClosedAt),
			int64OrNil(n.CountryID), n.LastEventAt().Unix(),
		})
		for i, c := range n.Comments {
			comments = append(comments, []any{
				rec.Partition, rec.Position, i, n.ID, string(c.Event),
				c.CreatedAt.Unix(), int64OrNil(c.UID), stringOrNil(c.Username), c.Text,
			})
		}
	}
	return notes, comments
}

func (s *Store) copyStaged(ctx context.Context, notes, comments [][]any) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return classify(err, "stage: acquire connection")
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn any) error {
		pc := driverConn.(*stdlib.Conn).Conn()
		tx, err := pc.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{StagedNotesTable}, stagedNoteColumns, pgx.CopyFromRows(notes)); err != nil {
			return err
		}
		if len(comments) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{StagedCommentsTable}, stagedCommentColumns, pgx.CopyFromRows(comments)); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return classify(err, "stage: copy")
	}
	return nil
}

func (s *Store) insertStaged(ctx context.Context, notes, comments [][]any) error {
	return s.InTx(ctx, "stage: insert", func(tx *Tx) error {
		if err := insertRows(ctx, tx, StagedNotesTable, stagedNoteColumns, notes); err != nil {
			return err
		}
		return insertRows(ctx, tx, StagedCommentsTable, stagedCommentColumns, comments)
	})
}

func insertRows(ctx context.Context, tx *Tx, table string, columns []string, rows [][]any) error {
	for start := 0; start < len(rows); start += sqliteRowsPerInsert {
		end := min(start+sqliteRowsPerInsert, len(rows))
		ins := tx.Builder().Insert(table).Columns(columns...)
		for _, row := range rows[start:end] {
			ins = ins.Values(row...)
		}
		if _, err := ins.ExecContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StagedCounts reports how many notes and comments are staged.
func (s *Store) StagedCounts(ctx context.Context) (notes, comments int64, err error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM "+StagedNotesTable+"), (SELECT COUNT(*) FROM "+StagedCommentsTable+")")
	if err := row.Scan(&notes, &comments); err != nil {
		return 0, 0, classify(err, "count staged")
	}
	return notes, comments, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func int64OrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}
