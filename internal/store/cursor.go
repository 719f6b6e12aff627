package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ajitpratap0/notesync/pkg/errors"
)

const cursorKey = "cursor"

// Cursor returns the run cursor. ok is false before the first successful
// reconcile.
func (s *Store) Cursor(ctx context.Context) (cursor time.Time, ok bool, err error) {
	var v int64
	err = s.db.QueryRowContext(ctx,
		rebind(s.dialect, "SELECT state_value FROM sync_state WHERE state_key = ?"), cursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify(err, "read cursor")
	}
	return time.Unix(v, 0).UTC(), true, nil
}

// AdvanceCursor moves the cursor forward to at, never backward.
func (t *Tx) AdvanceCursor(ctx context.Context, at time.Time) error {
	_, err := t.Exec(ctx, `INSERT INTO sync_state (state_key, state_value) VALUES (?, ?)
ON CONFLICT (state_key) DO UPDATE SET state_value =
    CASE WHEN excluded.state_value > sync_state.state_value
         THEN excluded.state_value ELSE sync_state.state_value END`, cursorKey, at.Unix())
	return err
}

// SetCursor overwrites the cursor.
func (t *Tx) SetCursor(ctx context.Context, at time.Time) error {
	_, err := t.Exec(ctx, `INSERT INTO sync_state (state_key, state_value) VALUES (?, ?)
ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value`, cursorKey, at.Unix())
	return err
}
