package reconcile_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"

	"github.com/ajitpratap0/notesync/internal/reconcile"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/models"
	"github.com/ajitpratap0/notesync/pkg/retry"
	"github.com/ajitpratap0/notesync/pkg/testutil"
)

func TestMain(m *testing.M) {
	// east of Greenwich is country 1, west is country 2, the arctic has none
	err := sqlite.RegisterDeterministicScalarFunction("test_country", 3,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			lon, _ := args[0].(float64)
			lat, _ := args[1].(float64)
			switch {
			case lat > 80:
				return nil, nil
			case lon >= 0:
				return int64(1), nil
			default:
				return int64(2), nil
			}
		})
	if err != nil {
		panic(err)
	}
	m.Run()
}

func newStore(t *testing.T) *store.Store {
	s := testutil.NewStore(t)
	require.NoError(t, s.ResetStaging(testutil.TestContext(t)))
	return s
}

func newReconciler(s *store.Store, opts ...reconcile.Option) *reconcile.Reconciler {
	policy := retry.Default()
	policy.InitialDelay = time.Millisecond
	return reconcile.New(s, append([]reconcile.Option{reconcile.WithRetry(policy)}, opts...)...)
}

func stage(t *testing.T, s *store.Store, partition int, firstPos int64, notes ...models.Note) {
	t.Helper()
	batch := make([]store.StagedNote, 0, len(notes))
	for i, n := range notes {
		batch = append(batch, store.StagedNote{Partition: partition, Position: firstPos + int64(i), Note: n})
	}
	require.NoError(t, s.AppendStaged(testutil.TestContext(t), batch))
}

func snapshot(t *testing.T, s *store.Store, ids ...int64) []*models.Note {
	t.Helper()
	out := make([]*models.Note, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNote(testutil.TestContext(t), id)
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func cursor(t *testing.T, s *store.Store) time.Time {
	t.Helper()
	c, ok, err := s.Cursor(testutil.TestContext(t))
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func TestMergeInsertsNewNotes(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	stage(t, s, 0, 0, testutil.Note(1), testutil.Note(2))
	stage(t, s, 1, 0, testutil.Note(3))

	res, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Staged)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Equal(t, int64(3), res.Comments)
	assert.Equal(t, testutil.Epoch.Add(3*time.Minute), res.Cursor)
	assert.Equal(t, res.Cursor, cursor(t, s))

	n, err := s.GetNote(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, n.Status)
	require.Len(t, n.Comments, 1)
	assert.Equal(t, 1, n.Comments[0].Sequence)
	assert.Equal(t, "note 2", n.Comments[0].Text)

	notes, comments, err := s.StagedCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, notes+comments, "merged rows leave staging")
}

func TestMergeWithEmptyStagingChangesNothing(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	res, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Staged)
	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	uid := int64(77)

	closed := testutil.Close(testutil.Note(5), 2*time.Hour)
	closed.Comments[0].UID, closed.Comments[0].Username = &uid, "mapper"
	input := []models.Note{testutil.Note(4), closed, testutil.Note(6)}

	stage(t, s, 0, 0, input...)
	_, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	once := snapshot(t, s, 4, 5, 6)
	onceCursor := cursor(t, s)
	onceCounts, err := s.CountNotes(ctx)
	require.NoError(t, err)

	stage(t, s, 0, 0, input...)
	res, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, int64(3), res.Existing)
	assert.Zero(t, res.Comments, "no comment is stored twice")

	assert.Equal(t, once, snapshot(t, s, 4, 5, 6))
	assert.Equal(t, onceCursor, cursor(t, s))
	twiceCounts, err := s.CountNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, onceCounts, twiceCounts)
}

func TestMergePreservesCommentOrderAcrossPartitions(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	// the older copy of note 9 sits near the end of partition 0; a newer
	// copy carrying the rest of the thread lands in partition 1
	older := testutil.Note(9)
	older.Comments = append(older.Comments, testutil.Comment(models.EventComment, time.Hour, "first reply"))
	newer := testutil.Close(older, 3*time.Hour)
	newer.Comments = append(newer.Comments[:2:2],
		testutil.Comment(models.EventComment, 2*time.Hour, "second reply"),
		newer.Comments[2])

	stage(t, s, 0, 40, testutil.Note(8), older)
	stage(t, s, 1, 0, newer, testutil.Note(10))

	_, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)

	n, err := s.GetNote(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, n.Status)
	require.Len(t, n.Comments, 4)
	want := []string{"note 9", "first reply", "second reply", "closed"}
	for i, c := range n.Comments {
		assert.Equal(t, i+1, c.Sequence)
		assert.Equal(t, want[i], c.Text)
	}
}

func TestMergeAppendsAfterDurableThread(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	r := newReconciler(s)

	stage(t, s, 0, 0, testutil.Note(20))
	_, err := r.Merge(ctx)
	require.NoError(t, err)

	next := testutil.Note(20)
	next.Comments = append(next.Comments, testutil.Comment(models.EventComment, 5*time.Hour, "still there"))
	moved := next
	moved.Lon, moved.Lat = -70, -30
	stage(t, s, 0, 0, moved)
	res, err := r.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Updated)
	assert.Equal(t, int64(1), res.Comments)

	n, err := s.GetNote(ctx, 20)
	require.NoError(t, err)
	require.Len(t, n.Comments, 2)
	assert.Equal(t, 2, n.Comments[1].Sequence)
	assert.Equal(t, "still there", n.Comments[1].Text)
	assert.InDelta(t, 13.4, n.Lon, 1e-9, "location is immutable")
	assert.Equal(t, testutil.Epoch.Add(5*time.Hour), cursor(t, s))
}

func TestMergeReopenClearsClosedAt(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	r := newReconciler(s)

	closed := testutil.Close(testutil.Note(30), time.Hour)
	stage(t, s, 0, 0, closed)
	_, err := r.Merge(ctx)
	require.NoError(t, err)

	reopened := closed
	reopened.Status, reopened.ClosedAt = models.StatusOpen, nil
	reopened.Comments = append(reopened.Comments[:2:2], testutil.Comment(models.EventReopen, 2*time.Hour, "not fixed"))
	stage(t, s, 0, 0, reopened)
	_, err = r.Merge(ctx)
	require.NoError(t, err)

	n, err := s.GetNote(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, n.Status)
	assert.Nil(t, n.ClosedAt)
	assert.Len(t, n.Comments, 3)
}

// Two partitions carrying different versions of one note is expected when
// a delta window overlaps a concurrent edit, but which version the source
// considers current is not recorded anywhere. The store keeps the version
// with the latest event and, on a timestamp tie, the one later in the
// input. This pins that choice.
func TestAmbiguousConcurrentUpdateLastWriterWins(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("latest event wins regardless of partition", func(t *testing.T) {
		s := newStore(t)
		late := testutil.Close(testutil.Note(40), 2*time.Hour)
		early := testutil.Close(testutil.Note(40), time.Hour)
		early.Status, early.ClosedAt = models.StatusOpen, nil
		stage(t, s, 0, 0, late)
		stage(t, s, 1, 0, early)

		_, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		n, err := s.GetNote(ctx, 40)
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, n.Status)
	})

	t.Run("tie goes to the later partition", func(t *testing.T) {
		s := newStore(t)
		closed := testutil.Close(testutil.Note(41), time.Hour)
		reopened := testutil.Note(41)
		reopened.Comments = append(reopened.Comments, testutil.Comment(models.EventReopen, time.Hour, "reopen"))
		stage(t, s, 0, 0, closed)
		stage(t, s, 1, 0, reopened)

		_, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		n, err := s.GetNote(ctx, 41)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, n.Status)
		assert.Nil(t, n.ClosedAt)
		// both same-second events survive, in input order
		require.Len(t, n.Comments, 3)
		assert.Equal(t, models.EventClose, n.Comments[1].Event)
		assert.Equal(t, models.EventReopen, n.Comments[2].Event)
	})

	t.Run("tie within a partition goes to the later record", func(t *testing.T) {
		s := newStore(t)
		reopened := testutil.Note(42)
		reopened.Comments = append(reopened.Comments, testutil.Comment(models.EventReopen, time.Hour, "reopen"))
		closed := testutil.Close(testutil.Note(42), time.Hour)
		stage(t, s, 0, 0, reopened, closed)

		_, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		n, err := s.GetNote(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, n.Status)
	})
}

// sameSecondThread is note 7 with two different anonymous remarks posted
// within the same second.
func sameSecondThread() models.Note {
	n := testutil.Note(7)
	n.Comments = append(n.Comments,
		testutil.Comment(models.EventComment, 10*time.Minute, "first remark"),
		testutil.Comment(models.EventComment, 10*time.Minute, "second, different remark"))
	return n
}

func requireThread(t *testing.T, s *store.Store, id int64, want ...string) {
	t.Helper()
	n, err := s.GetNote(testutil.TestContext(t), id)
	require.NoError(t, err)
	require.Len(t, n.Comments, len(want))
	for i, c := range n.Comments {
		assert.Equal(t, i+1, c.Sequence)
		assert.Equal(t, want[i], c.Text)
	}
}

func TestSameSecondCommentsAreKept(t *testing.T) {
	ctx := testutil.TestContext(t)
	thread := []string{"note 7", "first remark", "second, different remark"}

	t.Run("merge", func(t *testing.T) {
		s := newStore(t)
		stage(t, s, 0, 0, sameSecondThread())
		res, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Comments)
		requireThread(t, s, 7, thread...)

		// replaying the window stores nothing twice
		stage(t, s, 0, 0, sameSecondThread())
		res, err = newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Comments)
		requireThread(t, s, 7, thread...)
	})

	t.Run("replace", func(t *testing.T) {
		s := newStore(t)
		stage(t, s, 0, 0, sameSecondThread())
		res, err := newReconciler(s).Replace(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Comments)
		requireThread(t, s, 7, thread...)

		counts, err := s.CountNotes(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Counts{Notes: 1, Comments: 3, Texts: 3}, counts)
	})

	t.Run("second remark arrives later", func(t *testing.T) {
		s := newStore(t)
		first := sameSecondThread()
		first.Comments = first.Comments[:2]
		stage(t, s, 0, 0, first)
		_, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)

		stage(t, s, 0, 0, sameSecondThread())
		res, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Comments)
		requireThread(t, s, 7, thread...)
	})

	t.Run("copies in two partitions", func(t *testing.T) {
		s := newStore(t)
		stage(t, s, 0, 3, sameSecondThread())
		stage(t, s, 1, 0, sameSecondThread())
		res, err := newReconciler(s).Merge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Comments)
		requireThread(t, s, 7, thread...)
	})
}

type failingAssigner struct{ calls int }

func (f *failingAssigner) Assign(context.Context, *store.Tx) (int64, error) {
	f.calls++
	return 0, errors.New(errors.ErrorTypeStore, "country function missing")
}

func TestFailedMergeLeavesCursorUntouched(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	stage(t, s, 0, 0, testutil.Note(50))
	_, err := newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	before := cursor(t, s)

	input := []models.Note{testutil.Note(50), testutil.Note(60), testutil.Note(60)}
	stage(t, s, 0, 0, input...)

	failing := &failingAssigner{}
	_, err = newReconciler(s, reconcile.WithCountryAssigner(failing)).Merge(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStore, errors.TypeOf(err))
	assert.Equal(t, 1, failing.calls, "store failures that are not transient are not retried")

	assert.Equal(t, before, cursor(t, s))
	_, err = s.GetNote(ctx, 60)
	assert.ErrorIs(t, err, store.ErrNotFound)
	notes, _, err := s.StagedCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), notes, "duplicate removal was rolled back with the rest")

	// the retried run sees the same window again
	_, err = newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	afterRetry := snapshot(t, s, 50, 60)

	fresh := newStore(t)
	stage(t, fresh, 0, 0, testutil.Note(50))
	_, err = newReconciler(fresh).Merge(ctx)
	require.NoError(t, err)
	stage(t, fresh, 0, 0, input...)
	_, err = newReconciler(fresh).Merge(ctx)
	require.NoError(t, err)

	assert.Equal(t, snapshot(t, fresh, 50, 60), afterRetry)
	assert.Equal(t, cursor(t, fresh), cursor(t, s))
}

func TestCountryAssignment(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	assigner, err := reconcile.NewAssigner("test_country")
	require.NoError(t, err)
	r := newReconciler(s, reconcile.WithCountryAssigner(assigner))

	east, west, arctic := testutil.Note(70), testutil.Note(71), testutil.Note(72)
	west.Lon = -3.7
	arctic.Lat = 85
	stage(t, s, 0, 0, east, west, arctic)
	_, err = r.Merge(ctx)
	require.NoError(t, err)

	got := snapshot(t, s, 70, 71, 72)
	require.NotNil(t, got[0].CountryID)
	assert.Equal(t, int64(1), *got[0].CountryID)
	require.NotNil(t, got[1].CountryID)
	assert.Equal(t, int64(2), *got[1].CountryID)
	assert.Nil(t, got[2].CountryID)

	// a later version keeps its resolved country even without an assigner
	stage(t, s, 0, 0, testutil.Close(east, 9*time.Hour))
	_, err = newReconciler(s).Merge(ctx)
	require.NoError(t, err)
	n, err := s.GetNote(ctx, 70)
	require.NoError(t, err)
	require.NotNil(t, n.CountryID)
	assert.Equal(t, int64(1), *n.CountryID)
}

func TestNewSQLFunctionRejectsInjection(t *testing.T) {
	for _, name := range []string{"get_country", "geo.get_country"} {
		_, err := reconcile.NewSQLFunction(name)
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"", "x(1); DROP TABLE notes; --", "1abc", "a.b.c"} {
		_, err := reconcile.NewSQLFunction(name)
		assert.Error(t, err, name)
	}
	a, err := reconcile.NewAssigner("")
	require.NoError(t, err)
	assert.IsType(t, reconcile.Noop{}, a)
}

func TestReplaceSwapsDurableSet(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	r := newReconciler(s)

	stage(t, s, 0, 0, testutil.Note(1), testutil.Note(2), testutil.Note(3))
	_, err := r.Merge(ctx)
	require.NoError(t, err)

	snapshotNotes := []models.Note{testutil.Note(2), testutil.Close(testutil.Note(3), time.Hour), testutil.Note(4)}
	stage(t, s, 0, 0, snapshotNotes[:2]...)
	stage(t, s, 1, 0, snapshotNotes[2:]...)
	res, err := r.Replace(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Existing)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Equal(t, int64(4), res.Comments)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), res.Cursor)
	assert.Equal(t, res.Cursor, cursor(t, s))

	_, err = s.GetNote(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "notes missing from the snapshot are gone")
	n, err := s.GetNote(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, n.Status)
	require.Len(t, n.Comments, 2)

	counts, err := s.CountNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Notes: 3, Comments: 4, Texts: 4}, counts)
}

func TestReplaceSetsCursorBackward(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	r := newReconciler(s)

	stage(t, s, 0, 0, testutil.Note(500))
	_, err := r.Merge(ctx)
	require.NoError(t, err)

	stage(t, s, 0, 0, testutil.Note(10))
	_, err = r.Replace(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(10*time.Minute), cursor(t, s), "the snapshot watermark is authoritative")
}

func TestReplaceRefusesEmptySnapshot(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)
	r := newReconciler(s)

	stage(t, s, 0, 0, testutil.Note(1))
	_, err := r.Merge(ctx)
	require.NoError(t, err)

	_, err = r.Replace(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	counts, err := s.CountNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Notes)
}
