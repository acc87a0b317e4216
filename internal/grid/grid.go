package grid

import (
	"errors"
	"fmt"
	"math"
)

// MaxDims bounds the state dimension. Interpolation touches 2^d corners and
// keeps its scratch space on the stack.
const MaxDims = 8

var (
	// ErrShapeMismatch is returned when a table does not match the grid resolution.
	ErrShapeMismatch = errors.New("table shape does not match grid resolution")
	// ErrDimension is returned when a state vector has the wrong length.
	ErrDimension = errors.New("state dimension does not match grid")
	// ErrNonFiniteState is returned when a state component is NaN or Inf.
	ErrNonFiniteState = errors.New("state contains a non-finite component")
)

// Spec describes a lattice. Periodic lists axis indices whose values wrap.
type Spec struct {
	Resolution []int
	Lower      []float64
	Upper      []float64
	Periodic   []int

	// GradientStep is the central-difference step as a fraction of each
	// axis spacing. Zero means one full spacing.
	GradientStep float64
}

// Grid is an immutable lattice over a box-shaped state domain.
//
// A non-periodic axis with N nodes spans [lo, hi] inclusive. A periodic axis
// with N nodes spans [lo, hi) and its last cell wraps back to node 0.
type Grid struct {
	resolution []int
	lower      []float64
	upper      []float64
	spacing    []float64
	periodic   []bool
	strides    []int
	gradStep   float64
	numNodes   int
}

// New validates spec and builds the grid.
func New(spec Spec) (*Grid, error) {
	d := len(spec.Resolution)
	if d == 0 {
		return nil, fmt.Errorf("grid needs at least one dimension")
	}
	if d > MaxDims {
		return nil, fmt.Errorf("grid has %d dimensions, max %d", d, MaxDims)
	}
	if len(spec.Lower) != d || len(spec.Upper) != d {
		return nil, fmt.Errorf("bounds have %d/%d entries, want %d", len(spec.Lower), len(spec.Upper), d)
	}

	g := &Grid{
		resolution: append([]int(nil), spec.Resolution...),
		lower:      append([]float64(nil), spec.Lower...),
		upper:      append([]float64(nil), spec.Upper...),
		spacing:    make([]float64, d),
		periodic:   make([]bool, d),
		strides:    make([]int, d),
		gradStep:   spec.GradientStep,
	}
	if g.gradStep <= 0 {
		g.gradStep = 1.0
	}

	for _, p := range spec.Periodic {
		if p < 0 || p >= d {
			return nil, fmt.Errorf("periodic dimension %d out of range [0,%d)", p, d)
		}
		if g.periodic[p] {
			return nil, fmt.Errorf("periodic dimension %d listed twice", p)
		}
		g.periodic[p] = true
	}

	g.numNodes = 1
	for i := 0; i < d; i++ {
		n := g.resolution[i]
		lo, hi := g.lower[i], g.upper[i]
		if n < 1 {
			return nil, fmt.Errorf("resolution[%d] = %d, must be >= 1", i, n)
		}
		if math.IsNaN(lo) || math.IsInf(lo, 0) || math.IsNaN(hi) || math.IsInf(hi, 0) {
			return nil, fmt.Errorf("bounds for dimension %d must be finite", i)
		}
		if !(lo < hi) {
			return nil, fmt.Errorf("lower[%d] = %g must be below upper[%d] = %g", i, lo, i, hi)
		}
		switch {
		case g.periodic[i]:
			g.spacing[i] = (hi - lo) / float64(n)
		case n > 1:
			g.spacing[i] = (hi - lo) / float64(n-1)
		}
		g.numNodes *= n
	}

	stride := 1
	for i := d - 1; i >= 0; i-- {
		g.strides[i] = stride
		stride *= g.resolution[i]
	}
	return g, nil
}

// Dims returns the state dimension.
func (g *Grid) Dims() int { return len(g.resolution) }

// Shape returns a copy of the per-axis resolution.
func (g *Grid) Shape() []int { return append([]int(nil), g.resolution...) }

// NumNodes returns the number of lattice nodes (the table length).
func (g *Grid) NumNodes() int { return g.numNodes }

// Lower returns a copy of the lower bounds.
func (g *Grid) Lower() []float64 { return append([]float64(nil), g.lower...) }

// Upper returns a copy of the upper bounds.
func (g *Grid) Upper() []float64 { return append([]float64(nil), g.upper...) }

// Spacing returns the node spacing on axis d.
func (g *Grid) Spacing(d int) float64 { return g.spacing[d] }

// IsPeriodic reports whether axis d wraps.
func (g *Grid) IsPeriodic(d int) bool { return g.periodic[d] }

// PeriodicDims returns the wrapping axis indices in ascending order.
func (g *Grid) PeriodicDims() []int {
	var out []int
	for i, p := range g.periodic {
		if p {
			out = append(out, i)
		}
	}
	return out
}

// Ravel converts a multi-index to a flat row-major table offset.
func (g *Grid) Ravel(idx []int) int {
	off := 0
	for i, v := range idx {
		off += v * g.strides[i]
	}
	return off
}

// Unravel converts a flat table offset to a multi-index.
func (g *Grid) Unravel(flat int) []int {
	idx := make([]int, len(g.resolution))
	for i := range g.resolution {
		idx[i] = flat / g.strides[i]
		flat -= idx[i] * g.strides[i]
	}
	return idx
}

// Node returns the state coordinates of the node at idx.
func (g *Grid) Node(idx []int) []float64 {
	x := make([]float64, len(idx))
	for i, v := range idx {
		x[i] = g.lower[i] + float64(v)*g.spacing[i]
	}
	return x
}

// CheckShape returns ErrShapeMismatch unless t has exactly the grid shape.
func (g *Grid) CheckShape(t *Table) error {
	if t == nil {
		return fmt.Errorf("%w: nil table", ErrShapeMismatch)
	}
	if len(t.shape) != len(g.resolution) {
		return fmt.Errorf("%w: table has %d dimensions, grid has %d", ErrShapeMismatch, len(t.shape), len(g.resolution))
	}
	for i, n := range g.resolution {
		if t.shape[i] != n {
			return fmt.Errorf("%w: table shape %v, grid resolution %v", ErrShapeMismatch, t.shape, g.resolution)
		}
	}
	if len(t.values) != g.numNodes {
		return fmt.Errorf("%w: table has %d values, grid has %d nodes", ErrShapeMismatch, len(t.values), g.numNodes)
	}
	return nil
}

// CheckState validates the length and finiteness of a state vector.
func (g *Grid) CheckState(state []float64) error {
	if len(state) != len(g.resolution) {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(state), len(g.resolution))
	}
	for i, v := range state {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: state[%d] = %v", ErrNonFiniteState, i, v)
		}
	}
	return nil
}

// Normalize returns a copy of state with periodic components wrapped into
// [lo, hi) and the others clamped to [lo, hi].
func (g *Grid) Normalize(state []float64) []float64 {
	out := make([]float64, len(state))
	for i, v := range state {
		out[i] = g.normalizeAxis(i, v)
	}
	return out
}

func (g *Grid) normalizeAxis(d int, q float64) float64 {
	lo, hi := g.lower[d], g.upper[d]
	if g.periodic[d] {
		span := hi - lo
		r := math.Mod(q-lo, span)
		if r < 0 {
			r += span
		}
		if r >= span {
			r = 0
		}
		return lo + r
	}
	return math.Min(math.Max(q, lo), hi)
}
