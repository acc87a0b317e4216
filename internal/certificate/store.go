package certificate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// Snapshot is one installed certificate. Snapshots are immutable; readers
// may hold one for as long as they like.
type Snapshot struct {
	Table       *grid.Table
	Version     uint64
	InstalledAt time.Time
	Source      string
}

// Store holds the current certificate. Reads are a single atomic load and
// never wait on writers; writers are serialised among themselves.
type Store struct {
	grid    *grid.Grid
	current atomic.Pointer[Snapshot]

	mu    sync.Mutex
	hooks []func(*Snapshot)
	now   func() time.Time

	rejected atomic.Int64
}

// NewStore creates a store holding initial, which must match g.
func NewStore(g *grid.Grid, initial *grid.Table, source string) (*Store, error) {
	if err := g.CheckShape(initial); err != nil {
		return nil, fmt.Errorf("initial certificate: %w", err)
	}
	s := &Store{grid: g, now: time.Now}
	snap := &Snapshot{Table: initial, Version: 1, InstalledAt: s.now(), Source: source}
	s.current.Store(snap)
	monitoring.CertificateVersion.Set(float64(snap.Version))
	return s, nil
}

// Grid returns the lattice the store validates against.
func (s *Store) Grid() *grid.Grid { return s.grid }

// Current returns the snapshot in effect now.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Rejected returns how many installs failed validation.
func (s *Store) Rejected() int64 { return s.rejected.Load() }

// OnInstall registers fn to run after every successful install, on the
// installing goroutine. It is also called once with the current snapshot.
func (s *Store) OnInstall(fn func(*Snapshot)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
	fn(s.Current())
}

// Install validates candidate and publishes it as the new current snapshot.
// On a shape mismatch the previous snapshot stays in place and the returned
// error wraps grid.ErrShapeMismatch.
func (s *Store) Install(candidate *grid.Table, source string) (*Snapshot, error) {
	if err := s.grid.CheckShape(candidate); err != nil {
		s.rejected.Add(1)
		monitoring.CertificateInstallsTotal.WithLabelValues("rejected").Inc()
		monitoring.Logf("[CertificateStore] rejected certificate from %s: %v (keeping version %d)",
			source, err, s.Current().Version)
		return nil, err
	}

	s.mu.Lock()
	prev := s.current.Load()
	snap := &Snapshot{
		Table:       candidate,
		Version:     prev.Version + 1,
		InstalledAt: s.now(),
		Source:      source,
	}
	s.current.Store(snap)
	hooks := make([]func(*Snapshot), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	monitoring.CertificateInstallsTotal.WithLabelValues("installed").Inc()
	monitoring.CertificateVersion.Set(float64(snap.Version))
	lo, hi := candidate.MinMax()
	monitoring.Logf("[CertificateStore] installed certificate version %d from %s (min=%.4f max=%.4f)",
		snap.Version, source, lo, hi)

	for _, fn := range hooks {
		fn(snap)
	}
	return snap, nil
}

// IsShapeMismatch reports whether err is a rejected install.
func IsShapeMismatch(err error) bool {
	return errors.Is(err, grid.ErrShapeMismatch)
}
