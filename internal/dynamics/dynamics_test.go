package dynamics

import (
	"math"
	"testing"
)

func TestDiffDrive_Actuation(t *testing.T) {
	var d DiffDrive
	g := d.Actuation([]float64{0, 0, math.Pi / 2})
	r, c := g.Dims()
	if r != 3 || c != 2 {
		t.Fatalf("Actuation dims = %dx%d, want 3x2", r, c)
	}
	want := [][]float64{{0, 0}, {1, 0}, {0, 1}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(g.At(i, j)-want[i][j]) > 1e-12 {
				t.Errorf("g[%d][%d] = %v, want %v", i, j, g.At(i, j), want[i][j])
			}
		}
	}
	for _, v := range d.Drift([]float64{1, 2, 3}) {
		if v != 0 {
			t.Errorf("Drift should be zero, got %v", v)
		}
	}
}

func TestStep(t *testing.T) {
	var d DiffDrive
	tests := []struct {
		name    string
		state   []float64
		control []float64
		dt      float64
		want    []float64
	}{
		{"forward along x", []float64{0, 0, 0}, []float64{1, 0}, 0.5, []float64{0.5, 0, 0}},
		{"forward along y", []float64{1, 1, math.Pi / 2}, []float64{2, 0}, 0.25, []float64{1, 1.5, math.Pi / 2}},
		{"turn in place", []float64{0, 0, 0}, []float64{0, 1}, 0.1, []float64{0, 0, 0.1}},
		{"stopped", []float64{0.3, 0.4, 1}, []float64{0, 0}, 1, []float64{0.3, 0.4, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Step(d, tt.state, tt.control, tt.dt)
			for i := range tt.want {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("Step()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, -math.Pi},
		{-math.Pi, -math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-5 * math.Pi / 2, -math.Pi / 2},
	}
	for _, tt := range tests {
		if got := WrapAngle(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("WrapAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
