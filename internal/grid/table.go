package grid

import (
	"fmt"
	"math"
)

// Table is a dense row-major value table (last axis fastest), one scalar per
// lattice node. A Table is never mutated after construction.
type Table struct {
	shape  []int
	values []float64
}

// NewTable copies shape and values into a new Table. The number of values
// must equal the product of shape.
func NewTable(shape []int, values []float64) (*Table, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("table shape is empty")
	}
	n := 1
	for i, s := range shape {
		if s < 1 {
			return nil, fmt.Errorf("table shape[%d] = %d, must be >= 1", i, s)
		}
		n *= s
	}
	if len(values) != n {
		return nil, fmt.Errorf("table shape %v needs %d values, got %d", shape, n, len(values))
	}
	return &Table{
		shape:  append([]int(nil), shape...),
		values: append([]float64(nil), values...),
	}, nil
}

// Shape returns a copy of the table shape.
func (t *Table) Shape() []int { return append([]int(nil), t.shape...) }

// Len returns the number of values.
func (t *Table) Len() int { return len(t.values) }

// At returns the value at a flat row-major offset.
func (t *Table) At(flat int) float64 { return t.values[flat] }

// Values returns a copy of the underlying values.
func (t *Table) Values() []float64 { return append([]float64(nil), t.values...) }

// MinMax returns the smallest and largest finite values in the table.
func (t *Table) MinMax() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range t.values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Tabulate samples f at every node of g.
func Tabulate(g *Grid, f func(state []float64) float64) *Table {
	values := make([]float64, g.numNodes)
	x := make([]float64, g.Dims())
	idx := make([]int, g.Dims())
	for flat := range values {
		for i := range idx {
			x[i] = g.lower[i] + float64(idx[i])*g.spacing[i]
		}
		values[flat] = f(x)

		// advance the multi-index, last axis fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < g.resolution[i] {
				break
			}
			idx[i] = 0
		}
	}
	return &Table{shape: g.Shape(), values: values}
}
