package utils_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

func TestTrigamma(t *testing.T) {
	// psi'(1) = pi^2/6, psi'(0.5) = pi^2/2.
	assert.InDelta(t, math.Pi*math.Pi/6, utils.Trigamma(1), 1e-10)
	assert.InDelta(t, math.Pi*math.Pi/2, utils.Trigamma(0.5), 1e-10)
	// Recurrence psi'(x) = psi'(x+1) + 1/x^2.
	x := 3.7
	assert.InDelta(t, utils.Trigamma(x+1)+1/(x*x), utils.Trigamma(x), 1e-10)
	assert.True(t, math.IsNaN(utils.Trigamma(-1)))
}

func TestPsiLogNegative(t *testing.T) {
	// psi(x) - log(x) < 0 for all x > 0.
	xs := tensor.FromSlice([]float64{0.1, 0.5, 1, 2, 10, 100})
	for _, v := range utils.PsiLog(xs).Data() {
		assert.Less(t, v, 0.0)
	}
}

func TestInvPsiLogRoundTrip(t *testing.T) {
	xs := tensor.FromSlice([]float64{0.2, 0.5, 1, 2.5, 10, 50})
	c := utils.PsiLog(xs)
	back := utils.InvPsiLog(c)
	for i, v := range back.Data() {
		assert.InDelta(t, xs.Data()[i], v, 1e-6*xs.Data()[i])
	}
}

func TestInvPsiLogRejectsNonNegative(t *testing.T) {
	assert.Panics(t, func() {
		utils.InvPsiLog(tensor.FromSlice([]float64{-1, 0.5}))
	})
}

func TestInvBetaSuffStatsRoundTrip(t *testing.T) {
	cases := []struct{ a, b float64 }{
		{2, 3},
		{0.8, 1.2},
		{5, 5},
		{1, 10},
	}
	for _, tc := range cases {
		lnX := mathext.Digamma(tc.a) - mathext.Digamma(tc.a+tc.b)
		ln1X := mathext.Digamma(tc.b) - mathext.Digamma(tc.a+tc.b)
		a, b := utils.InvBetaSuffStats(tensor.Scalar(lnX), tensor.Scalar(ln1X))
		assert.InDelta(t, tc.a, a.Item(), 1e-3*tc.a, "a for Beta(%v,%v)", tc.a, tc.b)
		assert.InDelta(t, tc.b, b.Item(), 1e-3*tc.b, "b for Beta(%v,%v)", tc.a, tc.b)
	}
}

func TestInvBetaSuffStatsShapeMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		utils.InvBetaSuffStats(tensor.FromSlice([]float64{-1, -1}), tensor.Scalar(-1))
	})
}

func TestPropagateUncertaintyIdentity(t *testing.T) {
	cov := tensor.New([]int{2, 2}, []float64{1, 0.5, 0.5, 2})
	eye := tensor.New([]int{2, 2}, []float64{1, 0, 0, 1})
	out := utils.PropagateUncertainty(cov, eye)
	assert.Equal(t, cov.Data(), out.Data())
}

func TestPropagateUncertaintyLinear(t *testing.T) {
	// Scalar output y = 2 x1 + 3 x2 over independent unit variances:
	// var(y) = 4 + 9 = 13.
	cov := tensor.New([]int{2, 2}, []float64{1, 0, 0, 1})
	jac := tensor.New([]int{1, 2}, []float64{2, 3})
	out := utils.PropagateUncertainty(cov, jac)
	require.Equal(t, []int{1, 1}, out.Shape())
	assert.InDelta(t, 13.0, out.Item(), 1e-12)
}

func TestNumericalHessianQuadratic(t *testing.T) {
	// f(x) = x1^2 + 3 x2^2 + x1 x2 has constant Hessian [[2,1],[1,6]].
	f := func(x []float64) float64 {
		return x[0]*x[0] + 3*x[1]*x[1] + x[0]*x[1]
	}
	h := utils.NumericalHessian(f, []float64{0.3, -0.7}, 1e-4)
	assert.InDelta(t, 2.0, h.At(0, 0), 1e-4)
	assert.InDelta(t, 6.0, h.At(1, 1), 1e-4)
	assert.InDelta(t, 1.0, h.At(0, 1), 1e-4)
}

func TestInvertPSD(t *testing.T) {
	a := matSym2(4, 1, 3)
	inv, ok := utils.InvertPSD(a)
	require.True(t, ok)
	// A * A^{-1} = I.
	det := 4*3 - 1*1
	assert.InDelta(t, 3.0/float64(det), inv.At(0, 0), 1e-12)
	assert.InDelta(t, -1.0/float64(det), inv.At(0, 1), 1e-12)
	assert.InDelta(t, 4.0/float64(det), inv.At(1, 1), 1e-12)

	_, ok = utils.InvertPSD(matSym2(1, 1, 1)) // singular
	assert.False(t, ok)
}

func TestDiagonalOf(t *testing.T) {
	cov := tensor.New([]int{2, 2}, []float64{1, 0.3, 0.3, 2})
	d := utils.DiagonalOf(cov)
	assert.Equal(t, []int{2}, d.Shape())
	assert.Equal(t, []float64{1, 2}, d.Data())
}

func TestEyeAndBlockDiag(t *testing.T) {
	eye := utils.Eye(3)
	assert.Equal(t, 1.0, eye.At(1, 1))
	assert.Equal(t, 0.0, eye.At(0, 2))

	bd := utils.BlockDiag(3, utils.Eye(2), utils.Eye(1))
	assert.Equal(t, 1.0, bd.At(0, 0))
	assert.Equal(t, 1.0, bd.At(2, 2))
	assert.Equal(t, 0.0, bd.At(0, 2))
}

func matSym2(a, b, d float64) *mat.SymDense {
	m := mat.NewSymDense(2, nil)
	m.SetSym(0, 0, a)
	m.SetSym(0, 1, b)
	m.SetSym(1, 1, d)
	return m
}
