// Package qp solves the small convex quadratic programs posed by the safety
// filter:
//
//	minimize   ½ Σ w_i (u_i - r_i)²
//	subject to A u ≥ b,  lower ≤ u ≤ upper
//
// Solver is the seam the filter depends on; ActiveSetSolver is the bundled
// implementation, sized for a handful of controls and constraints.
package qp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInfeasible is returned when no u satisfies every constraint.
	ErrInfeasible = errors.New("qp infeasible")
	// ErrTooLarge is returned when the problem exceeds the enumeration bound.
	ErrTooLarge = errors.New("qp too large for active-set enumeration")
	// ErrInvalidProblem is returned for inconsistent dimensions or non-finite data.
	ErrInvalidProblem = errors.New("invalid qp")
)

// Problem is a strictly convex QP with a diagonal Hessian.
type Problem struct {
	// Reference is the unconstrained minimiser r.
	Reference []float64
	// Weights is the Hessian diagonal. Nil means all ones.
	Weights []float64
	// A and B define A u ≥ b. A may be nil for box-only problems.
	A *mat.Dense
	B []float64
	// Lower and Upper are box bounds. Nil means unbounded; ±Inf entries
	// leave a single side unbounded.
	Lower []float64
	Upper []float64
}

// Solution is the optimiser and its active set.
type Solution struct {
	U []float64
	// Active lists constraint indices at the optimum: 0..m-1 are rows of A,
	// m+2i is lower[i] and m+2i+1 is upper[i].
	Active []int
	// Multipliers holds the Lagrange multiplier of each Active entry.
	Multipliers []float64
	// Systems is the number of KKT systems factorised.
	Systems int
}

// Solver solves a Problem.
type Solver interface {
	Solve(p *Problem) (*Solution, error)
}

// Validate checks dimensions and finiteness.
func (p *Problem) Validate() error {
	n := len(p.Reference)
	if n == 0 {
		return fmt.Errorf("%w: empty reference", ErrInvalidProblem)
	}
	if !allFinite(p.Reference) {
		return fmt.Errorf("%w: non-finite reference %v", ErrInvalidProblem, p.Reference)
	}
	if p.Weights != nil {
		if len(p.Weights) != n {
			return fmt.Errorf("%w: %d weights for %d variables", ErrInvalidProblem, len(p.Weights), n)
		}
		for i, w := range p.Weights {
			if !(w > 0) || math.IsInf(w, 0) {
				return fmt.Errorf("%w: weight[%d] = %v must be positive", ErrInvalidProblem, i, w)
			}
		}
	}
	if p.A != nil {
		r, c := p.A.Dims()
		if c != n {
			return fmt.Errorf("%w: A has %d columns, want %d", ErrInvalidProblem, c, n)
		}
		if len(p.B) != r {
			return fmt.Errorf("%w: A has %d rows but b has %d entries", ErrInvalidProblem, r, len(p.B))
		}
		if !allFinite(p.A.RawMatrix().Data) || !allFinite(p.B) {
			return fmt.Errorf("%w: non-finite constraint data", ErrInvalidProblem)
		}
	} else if len(p.B) != 0 {
		return fmt.Errorf("%w: b given without A", ErrInvalidProblem)
	}
	if p.Lower != nil && len(p.Lower) != n {
		return fmt.Errorf("%w: %d lower bounds for %d variables", ErrInvalidProblem, len(p.Lower), n)
	}
	if p.Upper != nil && len(p.Upper) != n {
		return fmt.Errorf("%w: %d upper bounds for %d variables", ErrInvalidProblem, len(p.Upper), n)
	}
	return nil
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Objective evaluates ½ Σ w_i (u_i - r_i)².
func (p *Problem) Objective(u []float64) float64 {
	d := make([]float64, len(u))
	floats.SubTo(d, u, p.Reference)
	var sum float64
	for i, v := range d {
		w := 1.0
		if p.Weights != nil {
			w = p.Weights[i]
		}
		sum += w * v * v
	}
	return 0.5 * sum
}
