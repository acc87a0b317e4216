package certificate

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// Loader reads a replacement table from durable storage.
type Loader func(path string) (*grid.Table, error)

// Refresher turns certificate availability signals into installs. Loading
// happens on the Refresher's own goroutine, never on the control loop.
// Signals coalesce: any number of pending "available" signals triggers one
// load of the newest file.
type Refresher struct {
	store   *Store
	path    string
	enabled bool
	load    Loader
	pending chan struct{}

	attempts atomic.Int64
	failures atomic.Int64
}

// NewRefresher creates a refresher that loads path into store. When enabled
// is false every signal is ignored and the store keeps its initial table.
func NewRefresher(store *Store, path string, enabled bool) *Refresher {
	return &Refresher{
		store:   store,
		path:    path,
		enabled: enabled,
		load:    LoadFile,
		pending: make(chan struct{}, 1),
	}
}

// SetLoader replaces the file loader. Intended for tests.
func (r *Refresher) SetLoader(l Loader) { r.load = l }

// Notify delivers an availability signal. It never blocks.
func (r *Refresher) Notify(available bool) {
	if !available || !r.enabled {
		return
	}
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Run services signals until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.pending:
			_ = r.Refresh()
		}
	}
}

// Refresh loads the well-known file and installs it. Load failures and
// rejected tables are logged and returned; the current certificate is kept.
func (r *Refresher) Refresh() error {
	r.attempts.Add(1)
	monitoring.Logf("[CertificateRefresher] new certificate available, loading %s", r.path)

	t, err := r.load(r.path)
	if err != nil {
		r.failures.Add(1)
		monitoring.CertificateInstallsTotal.WithLabelValues("load_failed").Inc()
		monitoring.Logf("[CertificateRefresher] failed to load %s: %v", r.path, err)
		return err
	}
	if _, err := r.store.Install(t, r.path); err != nil {
		r.failures.Add(1)
		return err
	}
	return nil
}

// Attempts returns the number of refreshes tried.
func (r *Refresher) Attempts() int64 { return r.attempts.Load() }

// Failures returns the number of refreshes that left the store unchanged.
func (r *Refresher) Failures() int64 { return r.failures.Load() }
