package certificate

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.filter/internal/grid"
)

func smallGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New(grid.Spec{
		Resolution: []int{6, 5, 8},
		Lower:      []float64{0, 0, -math.Pi},
		Upper:      []float64{2, 2, math.Pi},
		Periodic:   []int{2},
	})
	require.NoError(t, err)
	return g
}

func constTable(t *testing.T, shape []int, v float64) *grid.Table {
	t.Helper()
	n := 1
	for _, s := range shape {
		n *= s
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	tbl, err := grid.NewTable(shape, values)
	require.NoError(t, err)
	return tbl
}

func TestNewStore_RejectsMismatchedInitial(t *testing.T) {
	g := smallGrid(t)
	_, err := NewStore(g, constTable(t, []int{6, 5, 7}, 1), "seed")
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
}

func TestStore_InstallAdvancesVersion(t *testing.T) {
	g := smallGrid(t)
	s, err := NewStore(g, constTable(t, g.Shape(), 1), "seed")
	require.NoError(t, err)

	first := s.Current()
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, "seed", first.Source)

	snap, err := s.Install(constTable(t, g.Shape(), 2), "refined")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Same(t, snap, s.Current())

	// the old snapshot is untouched
	assert.Equal(t, 1.0, first.Table.At(0))
}

func TestStore_ShapeRejectionKeepsCurrent(t *testing.T) {
	g := smallGrid(t)
	s, err := NewStore(g, constTable(t, g.Shape(), 1), "seed")
	require.NoError(t, err)
	before := s.Current()

	_, err = s.Install(constTable(t, []int{6, 5, 9}, 2), "bad")
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
	assert.Same(t, before, s.Current())
	assert.Equal(t, int64(1), s.Rejected())

	_, err = s.Install(nil, "nil")
	assert.True(t, IsShapeMismatch(err))
	assert.Same(t, before, s.Current())
}

func TestStore_OnInstallHook(t *testing.T) {
	g := smallGrid(t)
	s, err := NewStore(g, constTable(t, g.Shape(), 1), "seed")
	require.NoError(t, err)

	var versions []uint64
	s.OnInstall(func(snap *Snapshot) { versions = append(versions, snap.Version) })
	_, err = s.Install(constTable(t, g.Shape(), 2), "a")
	require.NoError(t, err)
	_, _ = s.Install(constTable(t, []int{1, 1, 1}, 3), "rejected")

	assert.Equal(t, []uint64{1, 2}, versions)
}

// Readers racing installs must only ever see a whole table, old or new.
func TestStore_ConcurrentReadersSeeWholeTables(t *testing.T) {
	g := smallGrid(t)
	s, err := NewStore(g, constTable(t, g.Shape(), 0), "seed")
	require.NoError(t, err)

	const installs = 200
	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				snap := s.Current()
				if g.CheckShape(snap.Table) != nil {
					torn.Add(1)
					continue
				}
				want := float64(snap.Version - 1)
				for i := 0; i < snap.Table.Len(); i++ {
					if snap.Table.At(i) != want {
						torn.Add(1)
						break
					}
				}
			}
		}()
	}

	for v := 1; v <= installs; v++ {
		_, err := s.Install(constTable(t, g.Shape(), float64(v)), "writer")
		require.NoError(t, err)
		if v%10 == 0 {
			// interleave rejected candidates
			_, _ = s.Install(constTable(t, []int{2, 2, 2}, -1), "bad")
		}
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load(), "readers observed a torn or mismatched table")
	assert.Equal(t, uint64(installs+1), s.Current().Version)
}
