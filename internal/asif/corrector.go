// Package asif implements the active set invariance filter: the smallest
// change to a nominal control that keeps the certificate value from
// decaying faster than gamma allows.
package asif

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/dynamics"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/qp"
)

var (
	// ErrInfeasible means no control inside the bounds satisfies the
	// safety constraint. It wraps qp.ErrInfeasible.
	ErrInfeasible = fmt.Errorf("asif: %w", qp.ErrInfeasible)
	// ErrDimension is returned when a state or control has the wrong length.
	ErrDimension = errors.New("asif: dimension mismatch")
)

// Config holds the corrector's immutable parameters.
type Config struct {
	Gamma float64
	UMin  []float64
	UMax  []float64
}

// Constraint is the affine safety row A·u ≥ B.
type Constraint struct {
	A []float64
	B float64
}

// Satisfied reports whether u meets the constraint.
func (c Constraint) Satisfied(u []float64) bool {
	return floats.Dot(c.A, u) >= c.B
}

// Result describes one corrector evaluation.
type Result struct {
	Control            []float64
	Nominal            []float64
	Value              float64
	Gradient           []float64
	Constraint         Constraint
	Corrected          bool
	CertificateVersion uint64
	SolveDuration      time.Duration
}

// Corrector evaluates the filter against whatever certificate the store
// holds at call time.
type Corrector struct {
	cfg    Config
	grid   *grid.Grid
	store  *certificate.Store
	model  dynamics.ControlAffine
	solver qp.Solver
}

// NewCorrector checks that the grid, model and bounds agree on dimensions.
func NewCorrector(cfg Config, g *grid.Grid, store *certificate.Store, model dynamics.ControlAffine, solver qp.Solver) (*Corrector, error) {
	if g.Dims() != model.StateDims() {
		return nil, fmt.Errorf("%w: grid has %d dims, model state has %d", ErrDimension, g.Dims(), model.StateDims())
	}
	m := model.ControlDims()
	if len(cfg.UMin) != m || len(cfg.UMax) != m {
		return nil, fmt.Errorf("%w: control bounds have %d/%d entries, model has %d controls",
			ErrDimension, len(cfg.UMin), len(cfg.UMax), m)
	}
	for i := range cfg.UMin {
		if cfg.UMin[i] > cfg.UMax[i] {
			return nil, fmt.Errorf("asif: control bound %d inverted: [%g, %g]", i, cfg.UMin[i], cfg.UMax[i])
		}
	}
	if math.IsNaN(cfg.Gamma) || cfg.Gamma < 0 {
		return nil, fmt.Errorf("asif: gamma must be non-negative, got %g", cfg.Gamma)
	}
	if solver == nil {
		solver = qp.NewActiveSetSolver()
	}
	return &Corrector{
		cfg:    Config{Gamma: cfg.Gamma, UMin: append([]float64(nil), cfg.UMin...), UMax: append([]float64(nil), cfg.UMax...)},
		grid:   g,
		store:  store,
		model:  model,
		solver: solver,
	}, nil
}

// Snapshot returns the certificate currently installed in the store.
// Pass it to ValueAt and FilterAt to evaluate a whole cycle against one
// certificate.
func (c *Corrector) Snapshot() *certificate.Snapshot { return c.store.Current() }

// Value returns the certificate value at state from the current snapshot.
func (c *Corrector) Value(state []float64) (float64, uint64, error) {
	snap := c.store.Current()
	v, err := c.ValueAt(snap, state)
	return v, snap.Version, err
}

// ValueAt interpolates snap at state.
func (c *Corrector) ValueAt(snap *certificate.Snapshot, state []float64) (float64, error) {
	return c.grid.Interpolate(snap.Table, state)
}

// Filter runs FilterAt against the current snapshot.
func (c *Corrector) Filter(state, nominal []float64) (*Result, error) {
	return c.FilterAt(c.store.Current(), state, nominal)
}

// FilterAt returns the control closest to nominal that satisfies
//
//	∇V·f(x) + ∇V·g(x) u + γ V(x) ≥ 0
//
// within the control bounds. A nominal that already satisfies the
// constraint and the bounds is returned unchanged. When the constraint
// cannot be met the error wraps ErrInfeasible and the result still carries
// the value, gradient and constraint so callers can report them.
func (c *Corrector) FilterAt(snap *certificate.Snapshot, state, nominal []float64) (*Result, error) {
	if len(state) != c.model.StateDims() {
		return nil, fmt.Errorf("%w: state has %d entries, want %d", ErrDimension, len(state), c.model.StateDims())
	}
	if len(nominal) != c.model.ControlDims() {
		return nil, fmt.Errorf("%w: control has %d entries, want %d", ErrDimension, len(nominal), c.model.ControlDims())
	}
	for _, u := range nominal {
		if math.IsNaN(u) || math.IsInf(u, 0) {
			return nil, fmt.Errorf("asif: non-finite nominal control %v", nominal)
		}
	}

	value, grad, err := c.grid.ValueAndGradient(snap.Table, state)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Nominal:            append([]float64(nil), nominal...),
		Value:              value,
		Gradient:           grad,
		Constraint:         c.constraint(state, value, grad),
		CertificateVersion: snap.Version,
	}

	if res.Constraint.Satisfied(nominal) && c.inBounds(nominal) {
		res.Control = append([]float64(nil), nominal...)
		return res, nil
	}

	start := time.Now()
	sol, err := c.solver.Solve(&qp.Problem{
		Reference: nominal,
		A:         mat.NewDense(1, len(nominal), append([]float64(nil), res.Constraint.A...)),
		B:         []float64{res.Constraint.B},
		Lower:     c.cfg.UMin,
		Upper:     c.cfg.UMax,
	})
	res.SolveDuration = time.Since(start)
	if err != nil {
		if errors.Is(err, qp.ErrInfeasible) {
			return res, fmt.Errorf("%w at V=%.4f: %v", ErrInfeasible, value, err)
		}
		return res, fmt.Errorf("asif: solve: %w", err)
	}
	res.Control = sol.U
	res.Corrected = !floats.Equal(sol.U, nominal)
	return res, nil
}

// constraint builds the row a = g(x)ᵀ∇V, b = -γV - ∇V·f(x).
func (c *Corrector) constraint(state []float64, value float64, grad []float64) Constraint {
	gradV := mat.NewVecDense(len(grad), append([]float64(nil), grad...))

	var a mat.VecDense
	a.MulVec(c.model.Actuation(state).T(), gradV)

	drift := mat.NewVecDense(len(grad), c.model.Drift(state))
	lie := mat.Dot(gradV, drift)

	return Constraint{
		A: append([]float64(nil), a.RawVector().Data...),
		B: -c.cfg.Gamma*value - lie,
	}
}

func (c *Corrector) inBounds(u []float64) bool {
	for i, v := range u {
		if v < c.cfg.UMin[i] || v > c.cfg.UMax[i] {
			return false
		}
	}
	return true
}
