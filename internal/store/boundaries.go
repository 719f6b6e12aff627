package store

import (
	"context"
	"time"
)

// BoundaryIDs lists the boundaries already cached.
func (s *Store) BoundaryIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.sb.Select("boundary_id").From("boundaries").OrderBy("boundary_id").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, classify(err, "list boundaries")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "list boundaries")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list boundaries")
	}
	return ids, nil
}

// SaveBoundary stores or replaces the geometry payload of one boundary.
func (s *Store) SaveBoundary(ctx context.Context, id int64, geometry []byte, fetchedAt time.Time) error {
	_, err := s.exec(ctx, "save boundary", `INSERT INTO boundaries (boundary_id, geometry, fetched_at)
VALUES (?, ?, ?)
ON CONFLICT (boundary_id) DO UPDATE SET geometry = excluded.geometry, fetched_at = excluded.fetched_at`,
		id, string(geometry), millis(fetchedAt))
	return err
}

// Boundary returns the cached geometry of one boundary.
func (s *Store) Boundary(ctx context.Context, id int64) ([]byte, time.Time, error) {
	var (
		geometry string
		fetched  int64
	)
	err := s.db.QueryRowContext(ctx,
		rebind(s.dialect, "SELECT geometry, fetched_at FROM boundaries WHERE boundary_id = ?"), id).
		Scan(&geometry, &fetched)
	if err != nil {
		return nil, time.Time{}, classify(err, "get boundary")
	}
	return []byte(geometry), fromMillis(fetched), nil
}
