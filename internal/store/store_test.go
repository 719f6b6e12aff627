package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps an opener goroutine per pool until Close
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := store.PrepareDSN("/tmp/notes.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:/tmp/notes.db?")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.Contains(t, dsn, "_txlock=immediate")

	dsn, err = store.PrepareDSN("file:/tmp/notes.db?_pragma=busy_timeout(100)")
	require.NoError(t, err)
	assert.Contains(t, dsn, "busy_timeout%28100%29")
	assert.NotContains(t, dsn, "busy_timeout%285000%29")
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := testutil.NewStore(t)
	require.NoError(t, s.Migrate(testutil.TestContext(t)))

	counts, err := s.CountNotes(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, counts)
}

func TestLockLifecycle(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)
	now := time.Now().Truncate(time.Millisecond)

	held, err := s.Lock(ctx, "ingest")
	require.NoError(t, err)
	assert.Nil(t, held)

	first := store.LockRecord{
		RunType:     "ingest",
		Holder:      liveness.Identity{RunID: "a", Host: "h1", PID: 10, ProcStart: 1000},
		StartedAt:   now,
		HeartbeatAt: now,
	}
	ok, err := s.TryInsertLock(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	second := first
	second.Holder.RunID = "b"
	ok, err = s.TryInsertLock(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must lose the insert")

	held, err = s.Lock(ctx, "ingest")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, first.Holder, held.Holder)
	assert.True(t, now.Equal(held.StartedAt))

	ok, err = s.TouchLock(ctx, "ingest", "b", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.TouchLock(ctx, "ingest", "a", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteLock(ctx, "ingest", "b")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may delete")
	ok, err = s.DeleteLock(ctx, "ingest", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	// other run types are independent
	ok, err = s.TryInsertLock(ctx, store.LockRecord{RunType: "other", Holder: first.Holder, StartedAt: now, HeartbeatAt: now})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTicketsPromoteInOrder(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)
	now := time.Now()
	alive := func(context.Context, liveness.Identity, time.Time) bool { return true }

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.EnqueueTicket(ctx, "overpass", liveness.Identity{RunID: "r", Host: "h", PID: int32(i + 1)}, now)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	promote := func(id int64) bool {
		ok, err := s.PromoteTicket(ctx, "overpass", id, 2, alive, now)
		require.NoError(t, err)
		return ok
	}

	assert.False(t, promote(ids[1]), "second in line cannot pass the head")
	assert.True(t, promote(ids[0]))
	assert.True(t, promote(ids[0]), "promotion is idempotent")
	assert.True(t, promote(ids[1]))
	assert.False(t, promote(ids[2]), "capacity reached")

	require.NoError(t, s.DeleteTicket(ctx, ids[0]))
	assert.True(t, promote(ids[2]))

	tickets, err := s.Tickets(ctx, "overpass")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	for _, tk := range tickets {
		assert.Equal(t, store.TicketActive, tk.State)
	}
}

func TestTicketsReclaimDeadHolders(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)
	now := time.Now()

	dead := liveness.Identity{RunID: "dead", Host: "h", PID: 1}
	live := liveness.Identity{RunID: "live", Host: "h", PID: 2}
	alive := func(_ context.Context, id liveness.Identity, _ time.Time) bool { return id.RunID != "dead" }

	deadActive, err := s.EnqueueTicket(ctx, "g", dead, now)
	require.NoError(t, err)
	ok, err := s.PromoteTicket(ctx, "g", deadActive, 1, alive, now)
	require.NoError(t, err)
	require.True(t, ok)

	mine, err := s.EnqueueTicket(ctx, "g", live, now)
	require.NoError(t, err)
	ok, err = s.PromoteTicket(ctx, "g", mine, 1, alive, now)
	require.NoError(t, err)
	assert.True(t, ok, "the dead holder's slot is reclaimed")

	tickets, err := s.Tickets(ctx, "g")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, mine, tickets[0].ID)

	// a ticket removed by someone else is reported lost
	require.NoError(t, s.DeleteTicket(ctx, mine))
	_, err = s.PromoteTicket(ctx, "g", mine, 1, alive, now)
	assert.ErrorIs(t, err, store.ErrTicketLost)

	ok, err = s.TouchTicket(ctx, mine, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingAppendAndReset(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)
	require.NoError(t, s.ResetStaging(ctx))

	batch := make([]store.StagedNote, 0, 1200)
	for i := int64(1); i <= 1200; i++ {
		batch = append(batch, store.StagedNote{Partition: int(i % 3), Position: i, Note: testutil.Note(i)})
	}
	require.NoError(t, s.AppendStaged(ctx, batch))

	notes, comments, err := s.StagedCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), notes)
	assert.Equal(t, int64(1200), comments)

	require.NoError(t, s.ResetStaging(ctx))
	notes, _, err = s.StagedCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, notes, "reset discards leftovers")

	require.NoError(t, s.DropStaging(ctx))
	_, _, err = s.StagedCounts(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStore))
	require.NoError(t, s.DropStaging(ctx), "dropping twice is harmless")
}

func TestCursorNeverMovesBackward(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)

	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	later := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(ctx, "advance", func(tx *store.Tx) error {
		return tx.AdvanceCursor(ctx, later)
	}))
	require.NoError(t, s.InTx(ctx, "advance", func(tx *store.Tx) error {
		return tx.AdvanceCursor(ctx, later.Add(-time.Hour))
	}))
	got, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, later, got)

	require.NoError(t, s.InTx(ctx, "set", func(tx *store.Tx) error {
		return tx.SetCursor(ctx, later.Add(-time.Hour))
	}))
	got, _, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, later.Add(-time.Hour), got)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)

	boom := errors.New(errors.ErrorTypeData, "boom")
	err := s.InTx(ctx, "fail", func(tx *store.Tx) error {
		if err := tx.AdvanceCursor(ctx, time.Unix(100, 0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetNoteMissing(t *testing.T) {
	s := testutil.NewStore(t)
	_, err := s.GetNote(testutil.TestContext(t), 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestBoundaries(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := testutil.NewStore(t)
	now := time.Now().Truncate(time.Millisecond).UTC()

	require.NoError(t, s.SaveBoundary(ctx, 51477, []byte(`{"elements":[]}`), now))
	require.NoError(t, s.SaveBoundary(ctx, 16239, []byte(`{}`), now))
	require.NoError(t, s.SaveBoundary(ctx, 51477, []byte(`{"elements":[1]}`), now.Add(time.Hour)))

	ids, err := s.BoundaryIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{16239, 51477}, ids)

	geom, fetched, err := s.Boundary(ctx, 51477)
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[1]}`, string(geom))
	assert.Equal(t, now.Add(time.Hour), fetched)
}
