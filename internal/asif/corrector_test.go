package asif

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/dynamics"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/qp"
)

var (
	burgerMin = []float64{0, -1.3}
	burgerMax = []float64{0.21, 1.3}
)

func newGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New(grid.Spec{
		Resolution: []int{61, 61, 61},
		Lower:      []float64{0, 0, -math.Pi},
		Upper:      []float64{2, 2, math.Pi},
		Periodic:   []int{2},
	})
	require.NoError(t, err)
	return g
}

func newCorrector(t *testing.T, radius float64, umin, umax []float64) (*Corrector, *certificate.Store) {
	t.Helper()
	g := newGrid(t)
	seed := certificate.Seed(g, certificate.CircleCBF{Center: [2]float64{0.5, 1.0}, Radius: radius, Scalar: 1})
	store, err := certificate.NewStore(g, seed, "seed")
	require.NoError(t, err)
	c, err := NewCorrector(Config{Gamma: 0.25, UMin: umin, UMax: umax}, g, store, dynamics.DiffDrive{}, qp.NewActiveSetSolver())
	require.NoError(t, err)
	return c, store
}

func TestFilter_CentreKeepsNominal(t *testing.T) {
	c, _ := newCorrector(t, 0.33, burgerMin, burgerMax)

	res, err := c.Filter([]float64{0.5, 1.0, 0}, []float64{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.33, res.Value, 1e-9)
	assert.Equal(t, []float64{0, 0}, res.Control)
	assert.False(t, res.Corrected)
	assert.Equal(t, uint64(1), res.CertificateVersion)
}

func TestFilter_SafeNominalUnchanged(t *testing.T) {
	c, _ := newCorrector(t, 0.33, burgerMin, burgerMax)

	// Driving toward the centre never decreases V.
	nominal := []float64{0.2, 0.4}
	res, err := c.Filter([]float64{0.8, 1.0, math.Pi - 0.01}, nominal)
	require.NoError(t, err)
	assert.Greater(t, res.Value, 0.0)
	assert.Equal(t, nominal, res.Control)
	assert.False(t, res.Corrected)
	assert.True(t, res.Constraint.Satisfied(res.Control))
}

func TestFilter_CorrectsOutwardMotion(t *testing.T) {
	c, _ := newCorrector(t, 0.33, burgerMin, burgerMax)

	// At x = 0.8 facing +x, V = 0.03 and dV/dx = -1, so the constraint is
	// v <= gamma * V = 0.0075.
	res, err := c.Filter([]float64{0.8, 1.0, 0}, []float64{0.21, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, res.Value, 1e-9)
	assert.InDelta(t, -1, res.Gradient[0], 1e-6)
	assert.InDelta(t, -1, res.Constraint.A[0], 1e-6)
	assert.InDelta(t, 0, res.Constraint.A[1], 1e-9)
	assert.InDelta(t, -0.0075, res.Constraint.B, 1e-9)

	assert.True(t, res.Corrected)
	assert.InDelta(t, 0.0075, res.Control[0], 1e-6)
	assert.InDelta(t, 0, res.Control[1], 1e-9)
	assert.Equal(t, []float64{0.21, 0}, res.Nominal)
}

func TestFilter_ClipsNominalOutsideBounds(t *testing.T) {
	c, _ := newCorrector(t, 0.33, burgerMin, burgerMax)

	res, err := c.Filter([]float64{0.5, 1.0, 0}, []float64{0, 5})
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.InDelta(t, 1.3, res.Control[1], 1e-9)
}

func TestFilter_InfeasibleAtBoundaryWithCollapsedBounds(t *testing.T) {
	// Radius 0.3 puts the boundary on the node at x = 0.8.
	c, _ := newCorrector(t, 0.3, []float64{0.2, 0}, []float64{0.2, 0})

	res, err := c.Filter([]float64{0.8, 1.0, 0}, []float64{0.2, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInfeasible)
	assert.ErrorIs(t, err, qp.ErrInfeasible)
	require.NotNil(t, res)
	assert.InDelta(t, 0, res.Value, 1e-9)
	assert.Nil(t, res.Control)
}

func TestFilter_UsesLatestCertificate(t *testing.T) {
	c, store := newCorrector(t, 0.33, burgerMin, burgerMax)
	g := store.Grid()

	_, err := store.Install(grid.Tabulate(g, func([]float64) float64 { return 2 }), "refined")
	require.NoError(t, err)

	res, err := c.Filter([]float64{1.9, 1.9, 0}, []float64{0.21, 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.CertificateVersion)
	assert.InDelta(t, 2, res.Value, 1e-12)
	assert.False(t, res.Corrected)

	v, version, err := c.Value([]float64{1.9, 1.9, 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.InDelta(t, 2, v, 1e-12)
}

func TestFilterAt_PinnedSnapshot(t *testing.T) {
	c, store := newCorrector(t, 0.33, burgerMin, burgerMax)
	old := c.Snapshot()

	_, err := store.Install(grid.Tabulate(store.Grid(), func([]float64) float64 { return 2 }), "refined")
	require.NoError(t, err)

	state := []float64{0.5, 1.0, 0}
	v, err := c.ValueAt(old, state)
	require.NoError(t, err)
	assert.InDelta(t, 0.33, v, 1e-9)

	res, err := c.FilterAt(old, state, []float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.CertificateVersion)
	assert.Equal(t, uint64(2), c.Snapshot().Version)
}

func TestFilter_RejectsBadInput(t *testing.T) {
	c, _ := newCorrector(t, 0.33, burgerMin, burgerMax)

	_, err := c.Filter([]float64{0.5, 1.0}, []float64{0, 0})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = c.Filter([]float64{0.5, 1.0, 0}, []float64{0})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = c.Filter([]float64{math.NaN(), 1.0, 0}, []float64{0, 0})
	assert.ErrorIs(t, err, grid.ErrNonFiniteState)

	_, err = c.Filter([]float64{0.5, 1.0, 0}, []float64{math.Inf(1), 0})
	assert.Error(t, err)
}

type failingSolver struct{ err error }

func (f failingSolver) Solve(*qp.Problem) (*qp.Solution, error) { return nil, f.err }

func TestFilter_SolverErrorIsNotInfeasible(t *testing.T) {
	g := newGrid(t)
	store, err := certificate.NewStore(g, certificate.Seed(g, certificate.CircleCBF{Center: [2]float64{0.5, 1}, Radius: 0.33, Scalar: 1}), "seed")
	require.NoError(t, err)
	boom := errors.New("boom")
	c, err := NewCorrector(Config{Gamma: 0.25, UMin: burgerMin, UMax: burgerMax}, g, store, dynamics.DiffDrive{}, failingSolver{err: boom})
	require.NoError(t, err)

	_, err = c.Filter([]float64{0.8, 1.0, 0}, []float64{0.21, 0})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrInfeasible))
}

func TestNewCorrector_Validation(t *testing.T) {
	g := newGrid(t)
	store, err := certificate.NewStore(g, grid.Tabulate(g, func([]float64) float64 { return 1 }), "const")
	require.NoError(t, err)

	_, err = NewCorrector(Config{Gamma: 0.25, UMin: []float64{0}, UMax: []float64{1}}, g, store, dynamics.DiffDrive{}, nil)
	assert.ErrorIs(t, err, ErrDimension)

	_, err = NewCorrector(Config{Gamma: 0.25, UMin: []float64{1, 0}, UMax: []float64{0, 0}}, g, store, dynamics.DiffDrive{}, nil)
	assert.Error(t, err)

	_, err = NewCorrector(Config{Gamma: -1, UMin: burgerMin, UMax: burgerMax}, g, store, dynamics.DiffDrive{}, nil)
	assert.Error(t, err)

	g2, err := grid.New(grid.Spec{Resolution: []int{3, 3}, Lower: []float64{0, 0}, Upper: []float64{1, 1}})
	require.NoError(t, err)
	_, err = NewCorrector(Config{Gamma: 0.25, UMin: burgerMin, UMax: burgerMax}, g2, store, dynamics.DiffDrive{}, nil)
	assert.ErrorIs(t, err, ErrDimension)
}
