package qp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Default enumeration and tolerance settings for ActiveSetSolver.
const (
	DefaultMaxSystems = 4096
	DefaultTolerance  = 1e-9
)

// ActiveSetSolver enumerates candidate active sets in increasing size,
// solves the equality-constrained KKT system of each by LU, and returns the
// first point that is primal and dual feasible. For a strictly convex QP
// that point is the unique optimum; if no candidate qualifies the problem is
// infeasible. Cost grows combinatorially with the number of constraints, so
// this is for the few-variable problems the filter solves each cycle.
type ActiveSetSolver struct {
	MaxSystems int
	Tolerance  float64
}

// NewActiveSetSolver returns a solver with default limits.
func NewActiveSetSolver() *ActiveSetSolver {
	return &ActiveSetSolver{MaxSystems: DefaultMaxSystems, Tolerance: DefaultTolerance}
}

// row is one normalised inequality c·u ≥ d.
type row struct {
	c  []float64
	d  float64
	id int
}

// Solve implements Solver.
func (s *ActiveSetSolver) Solve(p *Problem) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	maxSystems := s.MaxSystems
	if maxSystems <= 0 {
		maxSystems = DefaultMaxSystems
	}

	n := len(p.Reference)
	rows, err := collectRows(p, tol)
	if err != nil {
		return nil, err
	}

	maxK := n
	if len(rows) < maxK {
		maxK = len(rows)
	}
	total := 0
	for k := 0; k <= maxK; k++ {
		total += binomial(len(rows), k)
	}
	if total > maxSystems {
		return nil, fmt.Errorf("%w: %d constraints over %d variables needs %d systems (max %d)",
			ErrTooLarge, len(rows), n, total, maxSystems)
	}

	w := p.Weights
	if w == nil {
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
	}

	sol := &Solution{}
	subset := make([]int, 0, maxK)
	var found bool

	var try func(start, k int)
	try = func(start, k int) {
		if found {
			return
		}
		if len(subset) == k {
			sol.Systems++
			u, lambda, ok := solveKKT(p.Reference, w, rows, subset)
			if !ok || !feasible(rows, u, tol) {
				return
			}
			for _, l := range lambda {
				if l < -tol {
					return
				}
			}
			found = true
			sol.U = u
			sol.Active = make([]int, len(subset))
			sol.Multipliers = make([]float64, len(subset))
			for i, idx := range subset {
				sol.Active[i] = rows[idx].id
				sol.Multipliers[i] = math.Max(lambda[i], 0)
			}
			return
		}
		for i := start; i < len(rows); i++ {
			subset = append(subset, i)
			try(i+1, k)
			subset = subset[:len(subset)-1]
			if found {
				return
			}
		}
	}

	for k := 0; k <= maxK && !found; k++ {
		try(0, k)
	}
	if !found {
		return nil, ErrInfeasible
	}
	clampToBox(sol.U, p.Lower, p.Upper)
	return sol, nil
}

// collectRows normalises A u ≥ b and appends the finite box sides. A row
// whose coefficients vanish is either trivially satisfied (dropped) or
// impossible (ErrInfeasible).
func collectRows(p *Problem, tol float64) ([]row, error) {
	n := len(p.Reference)
	var rows []row
	m := 0
	if p.A != nil {
		m, _ = p.A.Dims()
		for i := 0; i < m; i++ {
			c := mat.Row(nil, i, p.A)
			norm := floats.Norm(c, 2)
			if norm < tol {
				if p.B[i] > tol {
					return nil, fmt.Errorf("%w: constraint %d reads 0 >= %g", ErrInfeasible, i, p.B[i])
				}
				continue
			}
			floats.Scale(1/norm, c)
			rows = append(rows, row{c: c, d: p.B[i] / norm, id: i})
		}
	}
	for i := 0; i < n; i++ {
		lo, hi := math.Inf(-1), math.Inf(1)
		if p.Lower != nil {
			lo = p.Lower[i]
		}
		if p.Upper != nil {
			hi = p.Upper[i]
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: bounds[%d] = [%g, %g]", ErrInfeasible, i, lo, hi)
		}
		if !math.IsInf(lo, 0) {
			c := make([]float64, n)
			c[i] = 1
			rows = append(rows, row{c: c, d: lo, id: m + 2*i})
		}
		if !math.IsInf(hi, 0) {
			c := make([]float64, n)
			c[i] = -1
			rows = append(rows, row{c: c, d: -hi, id: m + 2*i + 1})
		}
	}
	return rows, nil
}

// solveKKT solves
//
//	[ W   -Cᵀ ] [u]   [W r]
//	[ C    0  ] [λ] = [ d ]
//
// for the rows in subset. ok is false when the system is singular, which
// happens when the chosen rows are linearly dependent.
func solveKKT(ref, w []float64, rows []row, subset []int) (u, lambda []float64, ok bool) {
	n, k := len(ref), len(subset)
	dim := n + k
	K := mat.NewDense(dim, dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	for i := 0; i < n; i++ {
		K.Set(i, i, w[i])
		rhs.SetVec(i, w[i]*ref[i])
	}
	for j, idx := range subset {
		r := rows[idx]
		for i := 0; i < n; i++ {
			K.Set(i, n+j, -r.c[i])
			K.Set(n+j, i, r.c[i])
		}
		rhs.SetVec(n+j, r.d)
	}

	var lu mat.LU
	lu.Factorize(K)
	if lu.Det() == 0 || lu.Cond() > 1e12 {
		return nil, nil, false
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, rhs); err != nil {
		return nil, nil, false
	}
	sol := x.RawVector().Data
	u = append([]float64(nil), sol[:n]...)
	lambda = append([]float64(nil), sol[n:]...)
	if !allFinite(u) || !allFinite(lambda) {
		return nil, nil, false
	}
	return u, lambda, true
}

func feasible(rows []row, u []float64, tol float64) bool {
	for _, r := range rows {
		if floats.Dot(r.c, u) < r.d-tol*math.Max(1, math.Abs(r.d)) {
			return false
		}
	}
	return true
}

func clampToBox(u, lower, upper []float64) {
	for i := range u {
		if lower != nil && u[i] < lower[i] {
			u[i] = lower[i]
		}
		if upper != nil && u[i] > upper[i] {
			u[i] = upper[i]
		}
	}
}

func binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	out := 1
	for i := 1; i <= k; i++ {
		out = out * (n - k + i) / i
	}
	return out
}
