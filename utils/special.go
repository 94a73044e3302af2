package utils

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mathext"

	"github.com/FiachAntaw/gofit/tensor"
)

var ErrNonNegative = errors.New("utils: values passed must be negative")

var logger = zap.NewNop()

// SetLogger installs the logger used for numeric warnings, such as the
// clamp applied when the Beta sufficient-statistic solve produces invalid
// parameters.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// Trigamma computes the first derivative of the digamma function, psi'(x),
// by the recurrence psi'(x) = psi'(x+1) + 1/x^2 followed by the asymptotic
// series for large arguments.
func Trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	res := 0.0
	for x < 6 {
		res += 1 / (x * x)
		x++
	}
	// Asymptotic expansion with Bernoulli-number coefficients.
	inv := 1 / x
	inv2 := inv * inv
	res += inv * (1 + inv*(0.5+inv*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2/30)))))
	return res
}

// PsiLog computes psi(x) - log(x) elementwise, the expectation E[ln x] -
// ln E[x] of a Gamma variable with shape x.
func PsiLog(x *tensor.Array) *tensor.Array {
	return x.Map(func(v float64) float64 {
		return mathext.Digamma(v) - math.Log(v)
	})
}

// GradPsiLog computes d/dx (psi(x) - log(x)) = psi'(x) - 1/x elementwise,
// needed by the Newton-Raphson refinement in InvPsiLog.
func GradPsiLog(x *tensor.Array) *tensor.Array {
	return x.Map(func(v float64) float64 {
		return Trigamma(v) - 1/v
	})
}

// InvPsiLog solves psi(x) - log(x) = c elementwise. c must be strictly
// negative (psilog is negative on its whole domain); non-negative entries
// reject the whole call. An approximate closed-form inverse seeds exactly
// 4 Newton-Raphson iterations; there is no convergence check, matching the
// documented fixed-iteration behavior.
func InvPsiLog(c *tensor.Array) *tensor.Array {
	for _, v := range c.Data() {
		if v >= 0 {
			panic(fmt.Errorf("%w: got %v", ErrNonNegative, v))
		}
	}
	// Approximate starting guess, using -1/x < psilog(x) < -1/(2x).
	const A, beta, gamma = 0.38648347, 0.89486989, 0.78578843
	x0 := c.Map(func(v float64) float64 {
		return -(1 - 0.5*math.Pow(1+A*math.Pow(-v, beta), -gamma)) / v
	})
	for iter := 0; iter < 4; iter++ {
		f0 := tensor.MustSub(PsiLog(x0), c)
		x0 = tensor.MustSub(x0, tensor.MustDiv(f0, GradPsiLog(x0)))
	}
	return x0
}

// InvBetaSuffStats solves elementwise for the Beta parameters a, b given
// the sufficient statistics
//
//	psi(a) - psi(a + b) = lnX
//	psi(b) - psi(a + b) = ln1X
//
// using 5 Newton-Raphson iterations on the 2x2 system per element (no
// convergence check; fixed iteration count is the documented behavior).
// Invalid negative parameters are clamped to 0.5 with a warning.
func InvBetaSuffStats(lnX, ln1X *tensor.Array) (a, b *tensor.Array) {
	if !tensor.SameShape(lnX, ln1X) {
		panic(fmt.Errorf("%w: lnX shape %v, ln1X shape %v",
			ErrShapeMismatch, lnX.Shape(), ln1X.Shape()))
	}
	n := lnX.Size()
	aData := make([]float64, n)
	bData := make([]float64, n)
	clamped := false
	for i := 0; i < n; i++ {
		ai, bi, cl := invBetaScalar(lnX.Data()[i], ln1X.Data()[i])
		aData[i], bData[i] = ai, bi
		clamped = clamped || cl
	}
	if clamped {
		logger.Warn("invalid negative parameters found for InvBetaSuffStats, clamping value to 0.5")
	}
	a = tensor.New(append([]int(nil), lnX.Shape()...), aData)
	b = tensor.New(append([]int(nil), lnX.Shape()...), bData)
	return a, b
}

func invBetaScalar(lnX, ln1X float64) (a, b float64, clamped bool) {
	// Initial location from the geometric-mean heuristic.
	gX, g1X := math.Exp(lnX), math.Exp(ln1X)
	dG := 1 - gX - g1X
	a = math.Max(1, (1+gX/dG)/2)
	b = math.Max(1, (1+g1X/dG)/2)

	for iter := 0; iter < 5; iter++ {
		psiAB := mathext.Digamma(a + b)
		f1 := mathext.Digamma(a) - psiAB - lnX
		f2 := mathext.Digamma(b) - psiAB - ln1X

		psi1AB := Trigamma(a + b)
		j11 := Trigamma(a) - psi1AB
		j22 := Trigamma(b) - psi1AB
		j12 := -psi1AB

		det := j11*j22 - j12*j12
		if det == 0 {
			break
		}
		a -= (j22*f1 - j12*f2) / det
		b -= (j11*f2 - j12*f1) / det
	}
	if a < 0 {
		a = math.Max(a, 0.5)
		clamped = true
	}
	if b < 0 {
		b = math.Max(b, 0.5)
		clamped = true
	}
	return a, b, clamped
}
