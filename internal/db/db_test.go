package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/telemetry"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore)
}

func TestMigrations(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(4), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp(Migrations()))

	require.NoError(t, db.MigrateDown(Migrations()))
	version, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='certificates'`).Scan(&n))
	assert.Zero(t, n)

	assert.Error(t, db.MigrateUp(nil))
}

func TestRuns(t *testing.T) {
	db := setupTestDB(t)
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.InsertRun(&Run{RunID: "run-a", StartedAt: start, Hostname: "tb3"}))
	require.NoError(t, db.InsertRun(&Run{RunID: "run-b", StartedAt: start.Add(time.Hour), ConfigJSON: `{"gamma":0.25}`}))
	require.NoError(t, db.FinishRun("run-a", start.Add(time.Minute)))
	assert.Error(t, db.FinishRun("missing", start))

	runs, err := db.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, `{"gamma":0.25}`, runs[0].ConfigJSON)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, start.Add(time.Minute), *runs[1].FinishedAt)
	assert.Equal(t, "{}", runs[1].ConfigJSON)
}

func TestCycleRecordsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	records := []telemetry.Record{
		{Cycle: 1, Time: t0, State: []float64{0.5, 1, 0}, SafetyValue: 0.33, Control: []float64{0, 0}, Nominal: []float64{0, 0}, CertificateVersion: 1, CycleDuration: 150 * time.Microsecond},
		{Cycle: 2, Time: t0.Add(10 * time.Millisecond), State: []float64{0.8, 1, 0}, SafetyValue: 0.03, Control: []float64{0.0075, 0}, Nominal: []float64{0.21, 0}, Corrected: true, CertificateVersion: 1},
		{Cycle: 3, Time: t0.Add(20 * time.Millisecond), State: []float64{0.83, 1, 0}, SafetyValue: 0, Control: []float64{0, 0}, Nominal: []float64{0.21, 0}, Fallback: true, CertificateVersion: 2},
	}
	require.NoError(t, db.InsertCycleRecords("run-a", records))
	require.NoError(t, db.InsertCycleRecords("run-b", records[:1]))
	require.NoError(t, db.InsertCycleRecords("run-a", nil))

	got, err := db.RecentCycles("run-a", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	if diff := cmp.Diff(records[2], got[0].Record); diff != "" {
		t.Errorf("newest record mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(records[1], got[1].Record); diff != "" {
		t.Errorf("second record mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "run-a", got[0].RunID)

	all, err := db.RecentCycles("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "run-b", all[0].RunID)
}

func TestDBImplementsTelemetrySink(t *testing.T) {
	db := setupTestDB(t)
	var _ telemetry.Sink = db

	l := telemetry.NewLogger(telemetry.Config{Sink: db, RunID: "run-x"})
	l.Append(telemetry.Record{Cycle: 1, Time: time.Now(), State: []float64{1, 1, 0}, Control: []float64{0, 0}, Nominal: []float64{0, 0}})
	l.RecordFailure(telemetry.FailureEvent{Cycle: 1, Time: time.Now(), Reason: "infeasible", State: []float64{1, 1, 0}, Nominal: []float64{0.2, 0}})
	require.NoError(t, l.Close())

	cycles, err := db.RecentCycles("run-x", 10)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)

	failures, err := db.FailureEvents(10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "run-x", failures[0].RunID)
	assert.Equal(t, "infeasible", failures[0].Reason)
	assert.Equal(t, []float64{0.2, 0}, failures[0].Nominal)
}

func TestCertificateArchive(t *testing.T) {
	db := setupTestDB(t)

	g, err := grid.New(grid.Spec{Resolution: []int{3, 4}, Lower: []float64{0, 0}, Upper: []float64{1, 1}})
	require.NoError(t, err)
	store, err := certificate.NewStore(g, grid.Tabulate(g, func(x []float64) float64 { return x[0] - x[1] }), "seed")
	require.NoError(t, err)

	store.OnInstall(certificate.ArchiveHook(db, "run-a"))
	_, err = store.Install(grid.Tabulate(g, func([]float64) float64 { return 0.5 }), "refined")
	require.NoError(t, err)

	rows, err := db.Certificates(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(2), rows[0].Version)
	assert.Equal(t, "refined", rows[0].Source)
	assert.Equal(t, []int{3, 4}, rows[0].Shape)
	assert.Equal(t, 0.5, rows[0].MinValue)
	assert.Equal(t, uint64(1), rows[1].Version)
	assert.Equal(t, -1.0, rows[1].MinValue)
	assert.Equal(t, 1.0, rows[1].MaxValue)
	assert.Positive(t, rows[0].BlobBytes)

	blob, err := db.LoadCertificateBlob(rows[1].ID)
	require.NoError(t, err)
	tbl, err := certificate.DecodeBytes(blob)
	require.NoError(t, err)
	assert.Equal(t, store.Current().Table.Shape(), tbl.Shape())
	assert.Equal(t, -1.0, tbl.At(g.Ravel([]int{0, 3})))

	_, err = db.LoadCertificateBlob(9999)
	assert.Error(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	// tsweb may refuse debug access depending on how the request looks.
	require.NotEqual(t, http.StatusNotFound, rr.Code)
	if rr.Code != http.StatusOK {
		return
	}
	assert.Equal(t, "application/gzip", rr.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
