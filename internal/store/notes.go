package store

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ajitpratap0/notesync/pkg/models"
)

// GetNote loads one durable note with its thread ordered by sequence.
func (s *Store) GetNote(ctx context.Context, id int64) (*models.Note, error) {
	n := models.Note{ID: id}
	var (
		created   int64
		status    string
		closedAt  sql.NullInt64
		countryID sql.NullInt64
	)
	err := s.sb.Select("longitude", "latitude", "created_at", "status", "closed_at", "country_id").
		From("notes").
		Where(sq.Eq{"note_id": id}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&n.Lon, &n.Lat, &created, &status, &closedAt, &countryID)
	if err != nil {
		return nil, classify(err, "get note")
	}
	n.CreatedAt = time.Unix(created, 0).UTC()
	n.Status = models.Status(status)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		n.ClosedAt = &t
	}
	n.CountryID = nullInt64(countryID)

	rows, err := s.sb.Select("c.sequence_action", "c.event", "c.created_at", "c.user_id", "c.username", "t.body").
		From("note_comments c").
		LeftJoin("note_comments_text t ON t.note_id = c.note_id AND t.sequence_action = c.sequence_action").
		Where(sq.Eq{"c.note_id": id}).
		OrderBy("c.sequence_action").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, classify(err, "get comments")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c        models.Comment
			event    string
			at       int64
			uid      sql.NullInt64
			username sql.NullString
			body     sql.NullString
		)
		if err := rows.Scan(&c.Sequence, &event, &at, &uid, &username, &body); err != nil {
			return nil, classify(err, "get comments")
		}
		c.Event = models.Event(event)
		c.CreatedAt = time.Unix(at, 0).UTC()
		c.UID = nullInt64(uid)
		c.Username = username.String
		c.Text = body.String
		n.Comments = append(n.Comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "get comments")
	}
	return &n, nil
}

// Counts is a summary of the durable note tables.
type Counts struct {
	Notes    int64 `json:"notes"`
	Comments int64 `json:"comments"`
	Texts    int64 `json:"texts"`
}

// CountNotes summarises the durable tables.
func (s *Store) CountNotes(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
    (SELECT COUNT(*) FROM notes),
    (SELECT COUNT(*) FROM note_comments),
    (SELECT COUNT(*) FROM note_comments_text)`).Scan(&c.Notes, &c.Comments, &c.Texts)
	if err != nil {
		return Counts{}, classify(err, "count notes")
	}
	return c, nil
}
