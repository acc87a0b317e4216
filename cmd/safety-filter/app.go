package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/safety.filter/internal/api"
	"github.com/banshee-data/safety.filter/internal/asif"
	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/config"
	"github.com/banshee-data/safety.filter/internal/db"
	"github.com/banshee-data/safety.filter/internal/dynamics"
	"github.com/banshee-data/safety.filter/internal/filter"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/robotlink"
	"github.com/banshee-data/safety.filter/internal/telemetry"
)

const healthInterval = 500 * time.Millisecond

type options struct {
	sim bool
	// ready, if set, is called once both servers are listening.
	ready func(httpAddr, grpcAddr net.Addr)
}

// robotLink is satisfied by every robotlink.Mux instantiation.
type robotLink interface {
	robotlink.Subscriber
	robotlink.Sender
	Monitor(ctx context.Context) error
	Close() error
	AttachAdminRoutes(mux *http.ServeMux)
}

// loadInitialCertificate picks the first table to install: the precomputed
// file when refinement is off, otherwise the configured initial file or the
// tabulated seed.
func loadInitialCertificate(cfg *config.FilterConfig, g *grid.Grid) (*grid.Table, string, error) {
	if !cfg.GetUseRefinement() {
		path := cfg.GetPrecomputedTable()
		tbl, err := certificate.LoadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load precomputed certificate: %w", err)
		}
		return tbl, "precomputed:" + path, nil
	}
	if path := cfg.GetInitialTable(); path != "" {
		tbl, err := certificate.LoadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load initial certificate: %w", err)
		}
		return tbl, "initial:" + path, nil
	}
	return certificate.Seed(g, cfg.SeedCBF()), "seed", nil
}

func openLink(cfg *config.FilterConfig, sim bool, model dynamics.ControlAffine) (robotLink, error) {
	if sim || cfg.GetSerialPort() == "" {
		log.Printf("[RobotLink] using simulated robot at %v", cfg.GetInitialState())
		sp := robotlink.NewSimPort(robotlink.SimConfig{
			Model:     model,
			Initial:   cfg.GetInitialState(),
			Period:    cfg.GetSimPeriod(),
			AngleDims: cfg.GetPeriodicDims(),
		})
		return robotlink.NewMux(sp), nil
	}
	return robotlink.NewRealMux(cfg.GetSerialPort(), cfg.GetSerialOptions())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func run(ctx context.Context, cfg *config.FilterConfig, opts options) error {
	g, err := grid.New(cfg.GridSpec())
	if err != nil {
		return fmt.Errorf("failed to build grid: %w", err)
	}
	model := dynamics.DiffDrive{}

	initial, source, err := loadInitialCertificate(cfg, g)
	if err != nil {
		return err
	}
	store, err := certificate.NewStore(g, initial, source)
	if err != nil {
		return fmt.Errorf("initial certificate rejected: %w", err)
	}
	corrector, err := asif.NewCorrector(cfg.CorrectorConfig(), g, store, model, nil)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	log.Printf("starting run %s", runID)

	var database *db.DB
	var sink telemetry.Sink
	if path := cfg.GetTelemetryDB(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open telemetry database: %w", err)
		}
		defer database.Close()
		sink = database

		host, _ := os.Hostname()
		if err := database.InsertRun(&db.Run{RunID: runID, StartedAt: time.Now(), ConfigJSON: cfg.JSON(), Hostname: host}); err != nil {
			return err
		}
		defer func() {
			if err := database.FinishRun(runID, time.Now()); err != nil {
				log.Printf("failed to finish run %s: %v", runID, err)
			}
		}()

		// OnInstall also archives the initial snapshot.
		store.OnInstall(certificate.ArchiveHook(database, runID))
	}

	var failureLog io.Writer
	if path := cfg.GetFailureLog(); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open failure log: %w", err)
		}
		defer f.Close()
		failureLog = f
	}

	tel := telemetry.NewLogger(telemetry.Config{
		Sink:          sink,
		RunID:         runID,
		BufferSize:    cfg.GetTelemetryBuffer(),
		FlushInterval: cfg.GetTelemetryFlushInterval(),
		FailureLog:    failureLog,
	})

	link, err := openLink(cfg, opts.sim, model)
	if err != nil {
		return fmt.Errorf("failed to open robot link: %w", err)
	}
	defer link.Close()

	loop, err := filter.NewLoop(filter.Config{
		Period:         cfg.GetLoopPeriod(),
		StaleWindow:    cfg.GetStaleWindow(),
		SafeStop:       cfg.GetSafeStop(),
		InitialState:   cfg.GetInitialState(),
		InitialNominal: cfg.GetInitialNominal(),
	}, filter.Deps{
		Corrector: corrector,
		Publisher: robotlink.NewPublisher(link, link.Close),
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	refresher := certificate.NewRefresher(store, cfg.GetRefinedTable(), cfg.GetUseRefinement())
	var watcher *certificate.Watcher
	if cfg.GetUseRefinement() && cfg.GetWatchRefined() {
		path := cfg.GetRefinedTable()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if watcher, err = certificate.NewWatcher(path, refresher.Notify, 0); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	apiMux := api.NewServer(api.Config{
		Loop:        loop,
		Store:       store,
		Refresher:   refresher,
		DB:          database,
		RunID:       runID,
		ControlDims: model.ControlDims(),
	}).ServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("/metrics", apiMux)
	link.AttachAdminRoutes(mux)
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.GetHTTPListen())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	health := api.NewHealthServer(cfg.GetGRPCListen(), loop, api.DefaultSustainedFallbacks)
	if err := health.Start(); err != nil {
		ln.Close()
		return err
	}
	defer health.Stop()
	if opts.ready != nil {
		opts.ready(ln.Addr(), health.Addr())
	}

	eg, gctx := errgroup.WithContext(ctx)

	// serial IO
	eg.Go(func() error {
		err := ignoreCanceled(link.Monitor(gctx))
		log.Print("monitor routine terminated")
		return err
	})
	eg.Go(func() error {
		return ignoreCanceled(robotlink.Dispatch(gctx, link, robotlink.Handlers{
			OnState:                loop.SetState,
			OnNominal:              loop.SetNominal,
			OnCertificateAvailable: refresher.Notify,
			StateDims:              model.StateDims(),
			ControlDims:            model.ControlDims(),
		}))
	})

	// certificate refresh
	eg.Go(func() error { return ignoreCanceled(refresher.Run(gctx)) })
	if watcher != nil {
		eg.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })
	}

	eg.Go(func() error { return tel.Run(gctx) })
	eg.Go(func() error { return health.Run(gctx, healthInterval) })

	// HTTP server
	eg.Go(func() error {
		server := &http.Server{Handler: api.LoggingMiddleware(mux)}
		errCh := make(chan error, 1)
		go func() { errCh <- server.Serve(ln) }()
		log.Printf("HTTP listening on %s", ln.Addr())

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-gctx.Done():
		}
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			server.Close()
		}
		return nil
	})

	// the control loop; its shutdown publishes the safe-stop control
	eg.Go(func() error { return loop.Run(gctx) })

	err = eg.Wait()
	s := loop.Stats()
	log.Printf("run %s: %d cycles, %d corrected, %d safe-stop, %d overruns",
		runID, s.Cycles, s.Corrections, s.Fallbacks, s.Overruns)
	return err
}
