package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.filter/internal/api"
	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/config"
	"github.com/banshee-data/safety.filter/internal/db"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/monitoring"
)

func ptr[T any](v T) *T { return &v }

func testConfig(dir string) *config.FilterConfig {
	cfg := config.EmptyFilterConfig()
	// a coarse grid keeps startup fast
	cfg.GridResolution = []int{21, 21, 16}
	cfg.LoopPeriod = ptr("10ms")
	cfg.SimPeriod = ptr("10ms")
	cfg.TelemetryFlushInterval = ptr("20ms")
	cfg.TelemetryDB = ptr(filepath.Join(dir, "telemetry.db"))
	cfg.FailureLog = ptr(filepath.Join(dir, "qp_failure.log"))
	cfg.RefinedTable = ptr(filepath.Join(dir, "log", "cbf.table"))
	cfg.HTTPListen = ptr("127.0.0.1:0")
	cfg.GRPCListen = ptr("127.0.0.1:0")
	return cfg
}

func TestRun_SimulatedRobotEndToEnd(t *testing.T) {
	monitoring.SetLogger(nil)
	dir := t.TempDir()
	cfg := testConfig(dir)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, options{sim: true, ready: func(httpAddr, _ net.Addr) { addrs <- httpAddr }})
	}()

	var base string
	select {
	case a := <-addrs:
		base = "http://" + a.String()
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("servers did not start")
	}

	// drive the robot forward
	resp, err := http.Post(base+"/api/nominal", "application/json", strings.NewReader(`{"control":[0.2,0]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st api.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.Loop.Cycles >= 10 && len(st.Loop.LastNominal) == 2 && st.Loop.LastNominal[0] == 0.2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}

	d, err := db.NewDB(*cfg.TelemetryDB)
	require.NoError(t, err)
	defer d.Close()

	runs, err := d.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].FinishedAt)

	cycles, err := d.RecentCycles(runs[0].RunID, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cycles), 10)

	certs, err := d.Certificates(10)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "seed", certs[0].Source)
	assert.Equal(t, []int{21, 21, 16}, certs[0].Shape)
}

func TestLoadInitialCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	g, err := grid.New(cfg.GridSpec())
	require.NoError(t, err)

	tbl, source, err := loadInitialCertificate(cfg, g)
	require.NoError(t, err)
	assert.Equal(t, "seed", source)
	require.NoError(t, g.CheckShape(tbl))

	// refinement off loads the precomputed file
	cfg.UseRefinement = ptr(false)
	cfg.PrecomputedTable = ptr(filepath.Join(dir, "precomputed.table"))
	_, _, err = loadInitialCertificate(cfg, g)
	assert.Error(t, err)

	flat := grid.Tabulate(g, func([]float64) float64 { return 0.7 })
	require.NoError(t, certificate.SaveFile(*cfg.PrecomputedTable, flat))
	tbl, source, err = loadInitialCertificate(cfg, g)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(source, "precomputed:"))
	assert.Equal(t, 0.7, tbl.At(0))

	// an explicit initial table is used when refinement is on
	cfg.UseRefinement = ptr(true)
	cfg.InitialTable = cfg.PrecomputedTable
	_, source, err = loadInitialCertificate(cfg, g)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(source, "initial:"))
}

func TestRun_RejectsMismatchedPrecomputedTable(t *testing.T) {
	monitoring.SetLogger(nil)
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.UseRefinement = ptr(false)
	cfg.PrecomputedTable = ptr(filepath.Join(dir, "wrong.table"))

	small, err := grid.NewTable([]int{2, 2, 2}, make([]float64, 8))
	require.NoError(t, err)
	require.NoError(t, certificate.SaveFile(*cfg.PrecomputedTable, small))

	err = run(context.Background(), cfg, options{sim: true})
	require.Error(t, err)
	assert.True(t, certificate.IsShapeMismatch(err), "got %v", err)

	// nothing was started, so no database was created
	_, statErr := os.Stat(*cfg.TelemetryDB)
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyFlags(t *testing.T) {
	cfg := config.EmptyFilterConfig()
	*port = "/dev/ttyUSB0"
	*noRefine = true
	t.Cleanup(func() {
		*port = ""
		*noRefine = false
	})

	applyFlags(cfg)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.False(t, cfg.GetUseRefinement())
	assert.Equal(t, "localhost:8080", cfg.GetHTTPListen())
}
