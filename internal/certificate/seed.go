package certificate

import (
	"math"

	"github.com/banshee-data/safety.filter/internal/grid"
)

// CircleCBF is the analytic seed certificate: positive inside a disc in the
// (x, y) plane, zero on its boundary, independent of the remaining axes.
//
//	h(x) = Scalar * (Radius - ||(x0, x1) - Center||)
type CircleCBF struct {
	Center [2]float64
	Radius float64
	Scalar float64
}

// Value evaluates the certificate at state.
func (c CircleCBF) Value(state []float64) float64 {
	return c.Scalar * (c.Radius - math.Hypot(state[0]-c.Center[0], state[1]-c.Center[1]))
}

// Seed tabulates c on g.
func Seed(g *grid.Grid, c CircleCBF) *grid.Table {
	return grid.Tabulate(g, c.Value)
}
