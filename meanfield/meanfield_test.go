package meanfield_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
	"github.com/FiachAntaw/gofit/message"
	"github.com/FiachAntaw/gofit/tensor"
)

func TestStatusCombine(t *testing.T) {
	ok := meanfield.OK()
	assert.True(t, ok.Success)

	okMsg := ok.Append("first")
	failed := ok.Fail("boom")

	cases := []struct {
		a, b meanfield.Status
		want bool
	}{
		{ok, okMsg, true},
		{okMsg, failed, false},
		{failed, failed, false},
	}
	for _, tc := range cases {
		got := tc.a.Combine(tc.b)
		assert.Equal(t, tc.want, got.Success)
		assert.Len(t, got.Messages, len(tc.a.Messages)+len(tc.b.Messages))
	}

	// Combine preserves message order.
	both := okMsg.Combine(failed)
	assert.Equal(t, []string{"first", "boom"}, both.Messages)
	assert.Contains(t, failed.String(), "failed")
}

func TestStatusValueSemantics(t *testing.T) {
	s := meanfield.OK()
	_ = s.Append("extra")
	assert.Empty(t, s.Messages)
	_ = s.Fail("bad")
	assert.True(t, s.Success)
}

func stdNormal(args []*tensor.Array) (*tensor.Array, error) {
	return args[0].Map(func(v float64) float64 {
		return -v*v/2 - 0.5*math.Log(2*math.Pi)
	}), nil
}

func buildApprox(t *testing.T) (*meanfield.MeanFieldApproximation, *graph.Variable, *graph.Factor) {
	t.Helper()
	x := graph.NewVariable("x")
	f := graph.NewFactor("phi", stdNormal, x)
	g, err := graph.New(f)
	require.NoError(t, err)

	prior, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(10))
	require.NoError(t, err)
	approx, err := meanfield.New(g, meanfield.MeanField{x: prior})
	require.NoError(t, err)
	return approx, x, f
}

func TestNewStartsAtPriors(t *testing.T) {
	approx, x, _ := buildApprox(t)
	m, ok := approx.Dist(x)
	require.True(t, ok)
	assert.InDelta(t, 0.0, m.Mean().Item(), 1e-12)
	assert.InDelta(t, 10.0, m.Scale().Item(), 1e-12)
}

func TestNewRequiresAllPriors(t *testing.T) {
	x := graph.NewVariable("x")
	f := graph.NewFactor("phi", stdNormal, x)
	g, err := graph.New(f)
	require.NoError(t, err)
	_, err = meanfield.New(g, meanfield.MeanField{})
	assert.ErrorIs(t, err, meanfield.ErrMissingMessage)
}

func TestCavityIsModelOverFactor(t *testing.T) {
	// With the factor's contribution at identity, the cavity equals the
	// full model distribution.
	approx, x, f := buildApprox(t)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, fa.CavityDist[x].Scale().Item(), 1e-12)
	assert.InDelta(t, 10.0, fa.ModelDist[x].Scale().Item(), 1e-12)
}

func TestFactorApproximationCall(t *testing.T) {
	approx, x, f := buildApprox(t)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)

	// Tilted density at x=1: phi(1) plus the cavity N(0,10) log-density.
	got, err := fa.Call(graph.Values{x: tensor.Scalar(1)})
	require.NoError(t, err)
	phi := -0.5 - 0.5*math.Log(2*math.Pi)
	cav := -0.5*(1.0/100) - math.Log(10) - 0.5*math.Log(2*math.Pi)
	assert.InDelta(t, phi+cav, got, 1e-10)
}

func TestProjectUpdatesModelAndFactorDist(t *testing.T) {
	approx, x, f := buildApprox(t)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)

	// Candidate model: exactly the tilted posterior N(0, sigma) with
	// tau = 1/100 + 1 (prior precision plus factor precision).
	tau := 1.0/100 + 1
	candidate, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(1/math.Sqrt(tau)))
	require.NoError(t, err)

	proj, status := fa.Project(meanfield.MeanField{x: candidate}, 1, meanfield.OK())
	require.True(t, status.Success, status.String())

	// Undamped: the factor's contribution becomes candidate / cavity,
	// which is a unit Gaussian here.
	assert.InDelta(t, 1.0, proj.FactorDist[x].Scale().Item(), 1e-9)
	assert.InDelta(t, candidate.Scale().Item(), proj.ModelDist[x].Scale().Item(), 1e-9)

	next, status := approx.Project(proj, status)
	require.True(t, status.Success)
	m, ok := next.Dist(x)
	require.True(t, ok)
	assert.InDelta(t, candidate.Scale().Item(), m.Scale().Item(), 1e-9)

	// The original approximation is untouched.
	orig, _ := approx.Dist(x)
	assert.InDelta(t, 10.0, orig.Scale().Item(), 1e-12)
}

func TestProjectDampingHalf(t *testing.T) {
	approx, x, f := buildApprox(t)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)

	tau := 1.0/100 + 1
	candidate, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(1/math.Sqrt(tau)))
	require.NoError(t, err)

	proj, status := fa.Project(meanfield.MeanField{x: candidate}, 0.5, meanfield.OK())
	require.True(t, status.Success, status.String())
	// Old contribution has tau 0, implied has tau 1; damped tau is 0.5.
	assert.InDelta(t, 1/math.Sqrt(0.5), proj.FactorDist[x].Scale().Item(), 1e-9)
}

func TestProjectFailureKeepsOldMessages(t *testing.T) {
	approx, x, f := buildApprox(t)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)

	// A candidate wider than the cavity makes the implied factor message
	// improper; the old messages must be kept and the Status must fail.
	wide, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(100))
	require.NoError(t, err)
	proj, status := fa.Project(meanfield.MeanField{x: wide}, 1, meanfield.OK())
	assert.False(t, status.Success)
	assert.InDelta(t, fa.ModelDist[x].Scale().Item(), proj.ModelDist[x].Scale().Item(), 1e-12)
}

func TestMeanFieldLogPDFSkipsUnassigned(t *testing.T) {
	x := graph.NewVariable("x")
	y := graph.NewVariable("y")
	nx, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	require.NoError(t, err)
	ny, err := message.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	require.NoError(t, err)
	mf := meanfield.MeanField{x: nx, y: ny}

	lp, err := mf.LogPDF(graph.Values{x: tensor.Scalar(0)})
	require.NoError(t, err)
	assert.InDelta(t, -0.5*math.Log(2*math.Pi), lp, 1e-12)
}
