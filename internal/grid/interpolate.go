package grid

import "math"

type cell struct {
	i0, i1 [MaxDims]int
	frac   [MaxDims]float64
}

// locate finds the lattice cell containing q on axis d and the fractional
// position inside it. Periodic axes wrap; other axes saturate at the bounds.
func (g *Grid) locate(d int, q float64) (i0, i1 int, frac float64) {
	n := g.resolution[d]
	if n == 1 {
		return 0, 0, 0
	}
	pos := (g.normalizeAxis(d, q) - g.lower[d]) / g.spacing[d]
	i0 = int(math.Floor(pos))

	if g.periodic[d] {
		if i0 >= n {
			i0 = n - 1
		}
		if i0 < 0 {
			i0 = 0
		}
		frac = pos - float64(i0)
		i1 = i0 + 1
		if i1 == n {
			i1 = 0
		}
	} else {
		if i0 > n-2 {
			i0 = n - 2
		}
		if i0 < 0 {
			i0 = 0
		}
		frac = pos - float64(i0)
		i1 = i0 + 1
	}
	return i0, i1, math.Min(math.Max(frac, 0), 1)
}

func (g *Grid) cellOf(state []float64) cell {
	var c cell
	for d := range g.resolution {
		c.i0[d], c.i1[d], c.frac[d] = g.locate(d, state[d])
	}
	return c
}

// interpolate evaluates the multilinear interpolant at an already validated
// state. The 2^d corners are visited by bitmask; bit d selects i1 on axis d.
func (g *Grid) interpolate(t *Table, state []float64) float64 {
	c := g.cellOf(state)
	d := len(g.resolution)
	var sum float64
	for mask := 0; mask < 1<<d; mask++ {
		w := 1.0
		off := 0
		for i := 0; i < d; i++ {
			if mask&(1<<i) != 0 {
				w *= c.frac[i]
				off += c.i1[i] * g.strides[i]
			} else {
				w *= 1 - c.frac[i]
				off += c.i0[i] * g.strides[i]
			}
		}
		if w != 0 {
			sum += w * t.values[off]
		}
	}
	return sum
}

// Interpolate returns the multilinear interpolation of t at state.
func (g *Grid) Interpolate(t *Table, state []float64) (float64, error) {
	if err := g.CheckShape(t); err != nil {
		return 0, err
	}
	if err := g.CheckState(state); err != nil {
		return 0, err
	}
	return g.interpolate(t, state), nil
}

// ValueAndGradient returns the interpolated value of t at state and its
// gradient estimated by central differences of the interpolant.
//
// The step on axis d is GradientStep * Spacing(d). Periodic axes difference
// across the wrap. Other axes are clamped to the domain first and divided by
// the clamped span, so the estimate turns one-sided at the boundary.
func (g *Grid) ValueAndGradient(t *Table, state []float64) (float64, []float64, error) {
	if err := g.CheckShape(t); err != nil {
		return 0, nil, err
	}
	if err := g.CheckState(state); err != nil {
		return 0, nil, err
	}

	d := len(g.resolution)
	value := g.interpolate(t, state)
	grad := make([]float64, d)

	var buf [MaxDims]float64
	probe := buf[:d]
	copy(probe, state)

	for i := 0; i < d; i++ {
		h := g.gradStep * g.spacing[i]
		if h == 0 {
			continue
		}
		q := state[i]
		var qm, qp float64
		if g.periodic[i] {
			qm, qp = q-h, q+h
		} else {
			q = g.normalizeAxis(i, q)
			qm = math.Max(q-h, g.lower[i])
			qp = math.Min(q+h, g.upper[i])
		}
		span := qp - qm
		if span <= 0 {
			continue
		}
		probe[i] = qp
		vp := g.interpolate(t, probe)
		probe[i] = qm
		vm := g.interpolate(t, probe)
		probe[i] = state[i]
		grad[i] = (vp - vm) / span
	}
	return value, grad, nil
}

// CellBounds returns the smallest and largest table values among the corners
// of the cell containing state.
func (g *Grid) CellBounds(t *Table, state []float64) (lo, hi float64, err error) {
	if err := g.CheckShape(t); err != nil {
		return 0, 0, err
	}
	if err := g.CheckState(state); err != nil {
		return 0, 0, err
	}
	c := g.cellOf(state)
	d := len(g.resolution)
	lo, hi = math.Inf(1), math.Inf(-1)
	for mask := 0; mask < 1<<d; mask++ {
		off := 0
		for i := 0; i < d; i++ {
			if mask&(1<<i) != 0 {
				off += c.i1[i] * g.strides[i]
			} else {
				off += c.i0[i] * g.strides[i]
			}
		}
		v := t.values[off]
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, nil
}
