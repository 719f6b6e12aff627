package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// LockRecord is the row that makes its holder the only active run of a
// run type.
type LockRecord struct {
	RunType     string
	Holder      liveness.Identity
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// Lock returns the current holder of runType, or nil.
func (s *Store) Lock(ctx context.Context, runType string) (*LockRecord, error) {
	rec := LockRecord{RunType: runType}
	var started, heartbeat int64
	err := s.sb.Select("run_id", "host", "pid", "proc_started_at", "started_at", "heartbeat_at").
		From("run_locks").
		Where("run_type = ?", runType).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&rec.Holder.RunID, &rec.Holder.Host, &rec.Holder.PID, &rec.Holder.ProcStart, &started, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "read lock")
	}
	rec.StartedAt = fromMillis(started)
	rec.HeartbeatAt = fromMillis(heartbeat)
	return &rec, nil
}

// TryInsertLock creates the lock row if none exists and reports whether
// this call created it.
func (s *Store) TryInsertLock(ctx context.Context, rec LockRecord) (bool, error) {
	res, err := s.exec(ctx, "insert lock", `INSERT INTO run_locks
    (run_type, run_id, host, pid, proc_started_at, started_at, heartbeat_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_type) DO NOTHING`,
		rec.RunType, rec.Holder.RunID, rec.Holder.Host, rec.Holder.PID, rec.Holder.ProcStart,
		millis(rec.StartedAt), millis(rec.HeartbeatAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "insert lock")
	}
	return n == 1, nil
}

// DeleteLock removes the lock only if runID still holds it.
func (s *Store) DeleteLock(ctx context.Context, runType, runID string) (bool, error) {
	res, err := s.exec(ctx, "delete lock",
		"DELETE FROM run_locks WHERE run_type = ? AND run_id = ?", runType, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "delete lock")
	}
	return n == 1, nil
}

// TouchLock refreshes the heartbeat. It returns false when runID no longer
// holds the lock.
func (s *Store) TouchLock(ctx context.Context, runType, runID string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, "heartbeat lock",
		"UPDATE run_locks SET heartbeat_at = ? WHERE run_type = ? AND run_id = ?",
		millis(now), runType, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "heartbeat lock")
	}
	return n == 1, nil
}
