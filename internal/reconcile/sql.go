package reconcile

import "fmt"

// The statements below are portable between PostgreSQL and SQLite. They
// run in the order listed inside a single transaction.

const stagedStatsSQL = `SELECT COUNT(*), COALESCE(MIN(note_id), 0), COALESCE(MAX(note_id), 0),
       COALESCE(MAX(last_event_at), 0)
FROM staged_notes`

// collapseNotesSQL keeps one version per note id: the one with the latest
// event, ties going to the later partition and then the later position.
const collapseNotesSQL = `DELETE FROM staged_notes
WHERE EXISTS (
    SELECT 1 FROM staged_notes w
    WHERE w.note_id = staged_notes.note_id
      AND (w.last_event_at > staged_notes.last_event_at
        OR (w.last_event_at = staged_notes.last_event_at
            AND w.partition_id > staged_notes.partition_id)
        OR (w.last_event_at = staged_notes.last_event_at
            AND w.partition_id = staged_notes.partition_id
            AND w.record_pos > staged_notes.record_pos)))`

// carryCountrySQL copies already resolved countries onto staged rows so the
// assigner only runs for notes that never had one.
const carryCountrySQL = `UPDATE staged_notes
SET country_id = (SELECT n.country_id FROM notes n WHERE n.note_id = staged_notes.note_id)
WHERE country_id IS NULL
  AND EXISTS (SELECT 1 FROM notes n WHERE n.note_id = staged_notes.note_id AND n.country_id IS NOT NULL)`

const probeSQL = `SELECT COUNT(*) FROM notes n
WHERE n.note_id BETWEEN ? AND ?
  AND EXISTS (SELECT 1 FROM staged_notes s WHERE s.note_id = n.note_id)`

const updateNotesSQL = `UPDATE notes SET
    status = (SELECT s.status FROM staged_notes s WHERE s.note_id = notes.note_id),
    closed_at = (SELECT s.closed_at FROM staged_notes s WHERE s.note_id = notes.note_id),
    country_id = COALESCE(
        (SELECT s.country_id FROM staged_notes s WHERE s.note_id = notes.note_id),
        notes.country_id)
WHERE note_id BETWEEN ? AND ?
  AND EXISTS (SELECT 1 FROM staged_notes s WHERE s.note_id = notes.note_id)`

const insertNotesSQL = `INSERT INTO notes (note_id, longitude, latitude, created_at, status, closed_at, country_id)
SELECT s.note_id, s.longitude, s.latitude, s.created_at, s.status, s.closed_at, s.country_id
FROM staged_notes s
WHERE NOT EXISTS (SELECT 1 FROM notes n WHERE n.note_id = s.note_id)`

// sameComment matches two comment rows by identity: note, event kind,
// timestamp and author, with anonymous authors compared equal. Identity
// alone does not make a comment unique; a thread may hold several
// same-second remarks by one author.
const sameComment = `%[1]s.note_id = %[2]s.note_id
      AND %[1]s.event = %[2]s.event
      AND %[1]s.created_at = %[2]s.created_at
      AND COALESCE(%[1]s.user_id, -1) = COALESCE(%[2]s.user_id, -1)`

func identity(a, b string) string { return fmt.Sprintf(sameComment, a, b) }

// upTo is true when staged comment a precedes or is b in source order.
func upTo(a, b string) string {
	return fmt.Sprintf(`(%[1]s.partition_id < %[2]s.partition_id
        OR (%[1]s.partition_id = %[2]s.partition_id AND %[1]s.record_pos < %[2]s.record_pos)
        OR (%[1]s.partition_id = %[2]s.partition_id AND %[1]s.record_pos = %[2]s.record_pos
            AND %[1]s.comment_index <= %[2]s.comment_index))`, a, b)
}

// recordRank numbers row among the comments of its own record that share
// its identity, starting at 1.
func recordRank(alias, row string) string {
	return fmt.Sprintf(`(SELECT COUNT(*) FROM staged_comments %[1]s
        WHERE %[3]s
          AND %[1]s.partition_id = %[2]s.partition_id
          AND %[1]s.record_pos = %[2]s.record_pos
          AND %[1]s.comment_index <= %[2]s.comment_index)`, alias, row, identity(alias, row))
}

// dedupeStagedCommentsSQL removes comments already carried by an earlier
// record of the same note. The k-th comment of a record with a given
// identity only matches the k-th one of the earlier record, so distinct
// same-second comments survive.
var dedupeStagedCommentsSQL = `DELETE FROM staged_comments
WHERE EXISTS (
    SELECT 1 FROM staged_comments e
    WHERE ` + identity("e", "staged_comments") + `
      AND (e.partition_id < staged_comments.partition_id
        OR (e.partition_id = staged_comments.partition_id
            AND e.record_pos < staged_comments.record_pos))
      AND ` + recordRank("re", "e") + ` = ` + recordRank("rs", "staged_comments") + `)`

// dropKnownCommentsSQL removes staged comments the durable thread already
// holds: the k-th staged comment with an identity is known when the
// thread has at least k comments with it.
var dropKnownCommentsSQL = `DELETE FROM staged_comments
WHERE (SELECT COUNT(*) FROM note_comments c WHERE ` + identity("c", "staged_comments") + `)
   >= (SELECT COUNT(*) FROM staged_comments e
       WHERE ` + identity("e", "staged_comments") + `
         AND ` + upTo("e", "staged_comments") + `)`

// numberCommentsSQL assigns each staged comment its sequence_action: the
// durable maximum plus its rank within the note in source order.
var numberCommentsSQL = `UPDATE staged_comments SET sequence_action =
    COALESCE((SELECT MAX(c.sequence_action) FROM note_comments c WHERE c.note_id = staged_comments.note_id), 0)
    + (SELECT COUNT(*) FROM staged_comments e
       WHERE e.note_id = staged_comments.note_id
         AND ` + upTo("e", "staged_comments") + `)`

const insertCommentsSQL = `INSERT INTO note_comments (note_id, sequence_action, event, created_at, user_id, username)
SELECT note_id, sequence_action, event, created_at, user_id, username
FROM staged_comments`

const insertTextsSQL = `INSERT INTO note_comments_text (note_id, sequence_action, body)
SELECT note_id, sequence_action, body
FROM staged_comments`

const (
	clearStagedCommentsSQL = `DELETE FROM staged_comments`
	clearStagedNotesSQL    = `DELETE FROM staged_notes`
)

// Full replacement of the durable note tables.
var (
	truncatePostgresSQL = []string{`TRUNCATE note_comments_text, note_comments, notes`}
	truncateSQLiteSQL   = []string{
		`DELETE FROM note_comments_text`,
		`DELETE FROM note_comments`,
		`DELETE FROM notes`,
	}
)

const loadNotesSQL = `INSERT INTO notes (note_id, longitude, latitude, created_at, status, closed_at, country_id)
SELECT note_id, longitude, latitude, created_at, status, closed_at, country_id
FROM staged_notes`
