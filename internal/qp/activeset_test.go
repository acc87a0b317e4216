package qp

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSolveUnconstrainedReturnsReference(t *testing.T) {
	s := NewActiveSetSolver()
	sol, err := s.Solve(&Problem{Reference: []float64{0.3, -0.2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.3, -0.2}, sol.U, 1e-12)
	assert.Empty(t, sol.Active)
	assert.Equal(t, 1, sol.Systems)
}

func TestSolveInactiveConstraintKeepsReference(t *testing.T) {
	s := NewActiveSetSolver()
	p := &Problem{
		Reference: []float64{0.5, 0.1},
		A:         mat.NewDense(1, 2, []float64{1, 0}),
		B:         []float64{0.2},
		Lower:     []float64{0, -1},
		Upper:     []float64{1, 1},
	}
	sol, err := s.Solve(p)
	require.NoError(t, err)
	assert.InDeltaSlice(t, p.Reference, sol.U, 1e-12)
}

func TestSolveProjectsOntoHalfPlane(t *testing.T) {
	// Projecting the origin onto x + y >= 1 gives (0.5, 0.5).
	s := NewActiveSetSolver()
	sol, err := s.Solve(&Problem{
		Reference: []float64{0, 0},
		A:         mat.NewDense(1, 2, []float64{1, 1}),
		B:         []float64{1},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, sol.U, 1e-9)
	require.Equal(t, []int{0}, sol.Active)
	// Multiplier of the unnormalised row is 0.5; normalised it is 0.5*sqrt(2).
	assert.InDelta(t, 0.5*math.Sqrt2, sol.Multipliers[0], 1e-9)
}

func TestSolveBoxClipsProjection(t *testing.T) {
	// x + y >= 1 with x <= 0.2 pushes y up to 0.8.
	s := NewActiveSetSolver()
	sol, err := s.Solve(&Problem{
		Reference: []float64{0, 0},
		A:         mat.NewDense(1, 2, []float64{1, 1}),
		B:         []float64{1},
		Lower:     []float64{math.Inf(-1), math.Inf(-1)},
		Upper:     []float64{0.2, math.Inf(1)},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, 0.8}, sol.U, 1e-9)
	// Row 0 and the upper bound of x (index m+2*0+1).
	assert.ElementsMatch(t, []int{0, 2}, sol.Active)
}

func TestSolveWeightsShiftTheOptimum(t *testing.T) {
	// Heavier weight on x makes y absorb more of the correction.
	s := NewActiveSetSolver()
	sol, err := s.Solve(&Problem{
		Reference: []float64{0, 0},
		Weights:   []float64{3, 1},
		A:         mat.NewDense(1, 2, []float64{1, 1}),
		B:         []float64{1},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.75}, sol.U, 1e-9)
}

func TestSolveCollapsedBoxSatisfyingConstraint(t *testing.T) {
	s := NewActiveSetSolver()
	sol, err := s.Solve(&Problem{
		Reference: []float64{1, 1},
		A:         mat.NewDense(1, 2, []float64{1, 0}),
		B:         []float64{-1},
		Lower:     []float64{0, 0},
		Upper:     []float64{0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, sol.U)
}

func TestSolveCollapsedBoxViolatingConstraint(t *testing.T) {
	s := NewActiveSetSolver()
	_, err := s.Solve(&Problem{
		Reference: []float64{0, 0},
		A:         mat.NewDense(1, 2, []float64{1, 0}),
		B:         []float64{0.5},
		Lower:     []float64{0, 0},
		Upper:     []float64{0, 0},
	})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestSolveContradictoryRows(t *testing.T) {
	s := NewActiveSetSolver()
	_, err := s.Solve(&Problem{
		Reference: []float64{0},
		A:         mat.NewDense(2, 1, []float64{1, -1}),
		B:         []float64{1, 0},
	})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestSolveZeroRow(t *testing.T) {
	s := NewActiveSetSolver()

	sol, err := s.Solve(&Problem{
		Reference: []float64{0.4},
		A:         mat.NewDense(1, 1, []float64{0}),
		B:         []float64{-0.1},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.4}, sol.U, 1e-12)

	_, err = s.Solve(&Problem{
		Reference: []float64{0.4},
		A:         mat.NewDense(1, 1, []float64{0}),
		B:         []float64{0.1},
	})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestSolveInvertedBounds(t *testing.T) {
	_, err := NewActiveSetSolver().Solve(&Problem{
		Reference: []float64{0},
		Lower:     []float64{1},
		Upper:     []float64{0},
	})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestSolveTooLarge(t *testing.T) {
	s := &ActiveSetSolver{MaxSystems: 3}
	_, err := s.Solve(&Problem{
		Reference: []float64{0, 0},
		Lower:     []float64{-1, -1},
		Upper:     []float64{1, 1},
	})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestValidateRejectsBadProblems(t *testing.T) {
	tests := []struct {
		name string
		p    Problem
	}{
		{"empty", Problem{}},
		{"nan reference", Problem{Reference: []float64{math.NaN()}}},
		{"weight count", Problem{Reference: []float64{0, 0}, Weights: []float64{1}}},
		{"zero weight", Problem{Reference: []float64{0}, Weights: []float64{0}}},
		{"column count", Problem{Reference: []float64{0}, A: mat.NewDense(1, 2, nil), B: []float64{0}}},
		{"b length", Problem{Reference: []float64{0}, A: mat.NewDense(1, 1, nil), B: []float64{0, 1}}},
		{"b without A", Problem{Reference: []float64{0}, B: []float64{0}}},
		{"lower length", Problem{Reference: []float64{0}, Lower: []float64{0, 0}}},
		{"inf in A", Problem{Reference: []float64{0}, A: mat.NewDense(1, 1, []float64{math.Inf(1)}), B: []float64{0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewActiveSetSolver().Solve(&tt.p)
			assert.True(t, errors.Is(err, ErrInvalidProblem), "got %v", err)
		})
	}
}

func TestSolveMatchesBruteForce(t *testing.T) {
	// Compare against a dense grid search on a two-variable problem.
	p := &Problem{
		Reference: []float64{0.9, -0.7},
		A:         mat.NewDense(2, 2, []float64{-1, 1, 1, 2}),
		B:         []float64{-0.5, 0.1},
		Lower:     []float64{0, -1},
		Upper:     []float64{1, 1},
	}
	sol, err := NewActiveSetSolver().Solve(p)
	require.NoError(t, err)

	best := math.Inf(1)
	const steps = 400
	for i := 0; i <= steps; i++ {
		for j := 0; j <= steps; j++ {
			u := []float64{float64(i) / steps, -1 + 2*float64(j)/steps}
			if -u[0]+u[1] < -0.5 || u[0]+2*u[1] < 0.1 {
				continue
			}
			if v := p.Objective(u); v < best {
				best = v
			}
		}
	}
	assert.LessOrEqual(t, p.Objective(sol.U), best+1e-9)
	assert.InDelta(t, best, p.Objective(sol.U), 1e-2)
}
