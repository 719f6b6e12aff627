package engine_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/notesync/internal/coordinator"
	"github.com/ajitpratap0/notesync/internal/engine"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/models"
	"github.com/ajitpratap0/notesync/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

const outOfRange = `<note id="99" lat="95.5" lon="13.4" created_at="2024-01-01T00:00:00Z">` +
	`<comment action="opened" timestamp="2024-01-01T00:00:00Z">bad</comment></note>`

// notesAPI serves the delta feed and records the requested cursor.
type notesAPI struct {
	mu     sync.Mutex
	status int
	notes  []models.Note
	froms  []string
}

func (a *notesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.froms = append(a.froms, r.URL.Query().Get("from"))
	if a.status != 0 {
		http.Error(w, "unavailable", a.status)
		return
	}
	_, _ = w.Write(testutil.APIXML(a.notes))
}

func (a *notesAPI) serve(status int, notes ...models.Note) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
	a.notes = notes
}

func (a *notesAPI) lastFrom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.froms) == 0 {
		return ""
	}
	return a.froms[len(a.froms)-1]
}

type harness struct {
	t       *testing.T
	dir     string
	cfg     *config.Config
	store   *store.Store
	api     *notesAPI
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	api := &notesAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.Store = testutil.SQLiteConfig(t)
	cfg.Coordinator.FailureMarkerPath = filepath.Join(dir, "failed.json")
	cfg.Coordinator.WorkDir = filepath.Join(dir, "work")
	cfg.Coordinator.ReportPath = filepath.Join(dir, "report.json")
	cfg.Coordinator.HeartbeatInterval = time.Hour
	cfg.Bulk.Location = filepath.Join(dir, "planet-notes.osn")
	cfg.Bulk.ChecksumLocation = ""
	cfg.Bulk.MinFreeDiskMB = 0
	cfg.Delta.URLTemplate = srv.URL + "/api/0.6/notes/search.xml?from={from}&limit={limit}"
	cfg.Delta.MaxNotes = 3
	cfg.Pipeline = config.PipelineConfig{
		Workers:               2,
		PartitionFactor:       2,
		BatchSize:             3,
		Validate:              true,
		MaxRejectedChunkRatio: 0.5,
	}
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 5 * time.Millisecond
	cfg.Timeouts.Request = 5 * time.Second
	cfg.Timeouts.Download = 10 * time.Second
	cfg.Observability.MetricsTextfile = filepath.Join(dir, "notesync.prom")

	return &harness{
		t:       t,
		dir:     dir,
		cfg:     cfg,
		store:   testutil.OpenStore(t, cfg.Store),
		api:     api,
		metrics: metrics.New(),
	}
}

func (h *harness) snapshot(notes []models.Note, raw map[int]string) {
	testutil.WriteFile(h.t, h.dir, "planet-notes.osn", testutil.PlanetXML(notes, raw))
}

func (h *harness) run(mode engine.Mode) coordinator.ExitCode {
	e, err := engine.New(h.cfg, h.store,
		engine.WithMetrics(h.metrics),
		engine.WithLogger(testutil.TestLogger(h.t)))
	require.NoError(h.t, err)
	return e.Run(testutil.TestContext(h.t), mode)
}

func (h *harness) report() *engine.Report {
	r, err := engine.ReadReport(h.cfg.Coordinator.ReportPath)
	require.NoError(h.t, err)
	return r
}

func (h *harness) counts() store.Counts {
	c, err := h.store.CountNotes(testutil.TestContext(h.t))
	require.NoError(h.t, err)
	return c
}

func (h *harness) cursor() time.Time {
	at, ok, err := h.store.Cursor(testutil.TestContext(h.t))
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return at
}

func span(from, to int64) []models.Note {
	var out []models.Note
	for id := from; id <= to; id++ {
		out = append(out, testutil.Note(id))
	}
	return out
}

func TestBulkWithMalformedRecordSucceedsWithWarnings(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 9), map[int]string{5: outOfRange})

	assert.Equal(t, coordinator.ExitWarnings, h.run(engine.ModeBulk))
	assert.Equal(t, int64(9), h.counts().Notes)

	rep := h.report()
	assert.Equal(t, engine.PathBulk, rep.Path)
	assert.Equal(t, "warnings", rep.Outcome)
	require.NotNil(t, rep.Pipeline)
	assert.Equal(t, 4, rep.Pipeline.Chunks)
	require.Len(t, rep.Pipeline.Rejections, 1)
	assert.Equal(t, int64(99), rep.Pipeline.Rejections[0].NoteID)
	require.NotNil(t, rep.Reconcile)
	assert.Equal(t, int64(9), rep.Reconcile.Inserted)

	assert.NoFileExists(t, h.cfg.Coordinator.FailureMarkerPath)
	assert.FileExists(t, h.cfg.Observability.MetricsTextfile)
}

func TestFullDeltaFallsBackToBulk(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 3), nil)
	require.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeBulk))
	before := h.cursor()
	assert.True(t, testutil.Epoch.Add(3*time.Minute).Equal(before))

	// the delta is exactly at the limit, so it may be missing notes
	h.api.serve(0, span(10, 12)...)
	h.snapshot(span(4, 8), nil)

	assert.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeIncremental))
	assert.Equal(t, before.Format(time.RFC3339), h.api.lastFrom())

	rep := h.report()
	assert.Equal(t, engine.PathBulkFallback, rep.Path)
	require.NotNil(t, rep.Delta)
	assert.True(t, rep.Delta.Truncated)
	assert.Equal(t, 3, rep.Delta.Count)

	assert.Equal(t, int64(5), h.counts().Notes, "the store is replaced by the snapshot")
	_, err := h.store.GetNote(testutil.TestContext(t), 1)
	assert.Error(t, err)
	assert.True(t, testutil.Epoch.Add(8*time.Minute).Equal(h.cursor()), "cursor is the snapshot watermark")
}

func TestIncrementalWithoutCursorLoadsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 4), nil)

	assert.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeIncremental))
	assert.Equal(t, engine.PathBulkNoCursor, h.report().Path)
	assert.Equal(t, int64(4), h.counts().Notes)
	assert.Empty(t, h.api.lastFrom(), "the delta feed is not consulted")
}

func TestIncrementalMergesDelta(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 3), nil)
	require.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeBulk))

	h.api.serve(0, testutil.Note(4), testutil.Close(testutil.Note(2), 10*time.Minute))
	assert.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeIncremental))

	rep := h.report()
	assert.Equal(t, engine.PathIncremental, rep.Path)
	require.NotNil(t, rep.Reconcile)
	assert.Equal(t, int64(1), rep.Reconcile.Inserted)
	assert.Equal(t, int64(1), rep.Reconcile.Updated)

	assert.Equal(t, int64(4), h.counts().Notes)
	n, err := h.store.GetNote(testutil.TestContext(t), 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, n.Status)
	assert.True(t, testutil.Epoch.Add(10*time.Minute).Equal(h.cursor()))
}

func TestEmptyDeltaIsNoop(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 2), nil)
	require.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeBulk))
	before := h.cursor()

	h.api.serve(0)
	assert.Equal(t, coordinator.ExitNoop, h.run(engine.ModeIncremental))
	assert.Equal(t, engine.PathNoop, h.report().Path)
	assert.True(t, before.Equal(h.cursor()))
}

func TestDeltaFailureEscalates(t *testing.T) {
	h := newHarness(t)
	h.snapshot(span(1, 2), nil)
	require.Equal(t, coordinator.ExitSuccess, h.run(engine.ModeBulk))
	before := h.cursor()

	h.api.serve(http.StatusNotFound)
	assert.Equal(t, coordinator.ExitFetch, h.run(engine.ModeIncremental))

	rep := h.report()
	assert.Equal(t, "failed", rep.Outcome)
	assert.Equal(t, "fetch", rep.ErrorClass)

	marker, err := coordinator.ReadMarker(h.cfg.Coordinator.FailureMarkerPath)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, coordinator.StageFetch, marker.Stage)
	assert.True(t, before.Equal(h.cursor()), "a failed run never moves the cursor")

	h.api.serve(0)
	assert.Equal(t, coordinator.ExitPreviousFailure, h.run(engine.ModeIncremental))
}

func TestRejectRatioAboveThresholdFails(t *testing.T) {
	h := newHarness(t)
	h.cfg.Pipeline.MaxRejectedChunkRatio = 0.2
	h.snapshot(span(1, 9), map[int]string{5: outOfRange})

	assert.Equal(t, coordinator.ExitValidation, h.run(engine.ModeBulk))
	assert.Zero(t, h.counts().Notes)
	assert.Equal(t, "validation", h.report().ErrorClass)
}

func TestBulkRefreshesBoundaries(t *testing.T) {
	h := newHarness(t)
	overpass := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.Contains(r.PostForm.Get("data"), "rel(1)") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprint(w, `{"elements":[{"type":"relation","id":1}]}`)
			return
		}
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer overpass.Close()

	h.cfg.Boundaries.Enabled = true
	h.cfg.Boundaries.Endpoint = overpass.URL + "/api/interpreter"
	h.cfg.Boundaries.IDs = []int64{1, 2}
	h.cfg.Boundaries.MaxAttempts = 2
	h.cfg.Boundaries.Concurrency = 2
	h.cfg.Gate.Capacity = 1
	h.snapshot(span(1, 3), nil)

	assert.Equal(t, coordinator.ExitWarnings, h.run(engine.ModeBulk))
	assert.Equal(t, int64(3), h.counts().Notes)

	rep := h.report()
	require.NotNil(t, rep.Boundaries)
	assert.Equal(t, []int64{1}, rep.Boundaries.Resolved)
	require.Len(t, rep.Boundaries.Failed, 1)
	assert.Equal(t, int64(2), rep.Boundaries.Failed[0].ID)

	payload, _, err := h.store.Boundary(testutil.TestContext(t), 1)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"elements"`)
}
