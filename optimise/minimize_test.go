package optimise_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiachAntaw/gofit/optimise"
)

func TestMinimizeQuadratic(t *testing.T) {
	f := func(x []float64) float64 {
		dx, dy := x[0]-3, x[1]+1
		return dx*dx + 2*dy*dy
	}
	res := optimise.Minimize(f, []float64{0, 0}, nil, nil, nil)
	require.True(t, res.Success, res.Message)
	assert.InDelta(t, 3.0, res.X[0], 1e-4)
	assert.InDelta(t, -1.0, res.X[1], 1e-4)
	assert.InDelta(t, 0.0, res.F, 1e-8)
	assert.Greater(t, res.NFev, 0)
}

func TestMinimizeRosenbrock(t *testing.T) {
	f := func(x []float64) float64 {
		a := 1 - x[0]
		b := x[1] - x[0]*x[0]
		return a*a + 100*b*b
	}
	res := optimise.Minimize(f, []float64{-1.2, 1}, nil, nil, &optimise.MinimizeOptions{MaxIter: 2000})
	require.True(t, res.Success, res.Message)
	assert.InDelta(t, 1.0, res.X[0], 1e-3)
	assert.InDelta(t, 1.0, res.X[1], 1e-3)
}

func TestMinimizeRespectsBounds(t *testing.T) {
	f := func(x []float64) float64 {
		d := x[0] - 3
		return d * d
	}
	res := optimise.Minimize(f, []float64{0}, []float64{-1}, []float64{2}, nil)
	assert.InDelta(t, 2.0, res.X[0], 1e-6)
}

func TestMinimizeMaxIter(t *testing.T) {
	f := func(x []float64) float64 {
		d := x[0] - 100
		return d * d
	}
	res := optimise.Minimize(f, []float64{0}, nil, nil, &optimise.MinimizeOptions{MaxIter: 1})
	if !res.Success {
		assert.Equal(t, optimise.StatusMaxIter, res.StatusCode)
	}
}

func TestMinimizeCallback(t *testing.T) {
	var visits int
	f := func(x []float64) float64 { return x[0] * x[0] }
	opts := &optimise.MinimizeOptions{Callback: func(x []float64) { visits++ }}
	res := optimise.Minimize(f, []float64{2}, nil, nil, opts)
	require.True(t, res.Success)
	assert.Greater(t, visits, 0)
}

func TestLeastSquaresLinear(t *testing.T) {
	// Residuals (x-1, 2(y+2)) vanish at (1, -2).
	resid := func(x []float64) []float64 {
		return []float64{x[0] - 1, 2 * (x[1] + 2)}
	}
	res := optimise.LeastSquares(resid, []float64{5, 5}, nil, nil, nil)
	require.True(t, res.Success, res.Message)
	assert.InDelta(t, 1.0, res.X[0], 1e-6)
	assert.InDelta(t, -2.0, res.X[1], 1e-6)
	assert.InDelta(t, 0.0, res.Cost, 1e-10)
}

func TestLeastSquaresNonlinear(t *testing.T) {
	// Fit exp(a t) through two exact points.
	ts := []float64{0.5, 1}
	ys := []float64{1.2214027581601699, 1.4918246976412703} // exp(0.4 t)
	resid := func(x []float64) []float64 {
		out := make([]float64, len(ts))
		for i, ti := range ts {
			out[i] = math.Exp(x[0]*ti) - ys[i]
		}
		return out
	}
	res := optimise.LeastSquares(resid, []float64{0}, nil, nil, nil)
	require.True(t, res.Success, res.Message)
	assert.InDelta(t, 0.4, res.X[0], 1e-5)
}

func TestLeastSquaresBounds(t *testing.T) {
	resid := func(x []float64) []float64 {
		return []float64{x[0] - 5}
	}
	res := optimise.LeastSquares(resid, []float64{0}, []float64{-1}, []float64{2}, nil)
	assert.InDelta(t, 2.0, res.X[0], 1e-6)
}
