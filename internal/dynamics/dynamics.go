// Package dynamics describes the robot as a control-affine system
//
//	dx/dt = f(x) + g(x) u
//
// The filter treats the model as a black box behind ControlAffine.
package dynamics

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ControlAffine is the model interface the safety filter needs.
type ControlAffine interface {
	StateDims() int
	ControlDims() int
	// Drift returns f(x), length StateDims.
	Drift(state []float64) []float64
	// Actuation returns g(x), StateDims x ControlDims.
	Actuation(state []float64) *mat.Dense
}

// DiffDrive is a unicycle / differential-drive robot.
//
// State is (x, y, heading); control is (linear velocity, angular velocity).
type DiffDrive struct{}

// StateDims returns 3.
func (DiffDrive) StateDims() int { return 3 }

// ControlDims returns 2.
func (DiffDrive) ControlDims() int { return 2 }

// Drift is zero: the robot does not move without a command.
func (DiffDrive) Drift(state []float64) []float64 {
	return make([]float64, 3)
}

// Actuation returns [[cos θ, 0], [sin θ, 0], [0, 1]].
func (DiffDrive) Actuation(state []float64) *mat.Dense {
	s, c := math.Sincos(state[2])
	return mat.NewDense(3, 2, []float64{
		c, 0,
		s, 0,
		0, 1,
	})
}

// Derivative evaluates f(x) + g(x) u.
func Derivative(m ControlAffine, state, control []float64) []float64 {
	f := mat.NewVecDense(m.StateDims(), m.Drift(state))
	var gu mat.VecDense
	gu.MulVec(m.Actuation(state), mat.NewVecDense(m.ControlDims(), append([]float64(nil), control...)))
	f.AddVec(f, &gu)
	return f.RawVector().Data
}

// Step advances state by one explicit Euler step of length dt.
func Step(m ControlAffine, state, control []float64, dt float64) []float64 {
	dx := Derivative(m, state, control)
	next := make([]float64, len(state))
	for i := range state {
		next[i] = state[i] + dt*dx[i]
	}
	return next
}

// WrapAngle maps an angle into [-π, π).
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
