package optimise_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
	"github.com/FiachAntaw/gofit/message"
	"github.com/FiachAntaw/gofit/optimise"
	"github.com/FiachAntaw/gofit/tensor"
)

func stdNormal(args []*tensor.Array) (*tensor.Array, error) {
	return args[0].Map(func(v float64) float64 {
		return -v*v/2 - 0.5*math.Log(2*math.Pi)
	}), nil
}

func mustNormal(t *testing.T, mu, sigma float64) *message.NormalMessage {
	t.Helper()
	m, err := message.NewNormal(tensor.Scalar(mu), tensor.Scalar(sigma))
	require.NoError(t, err)
	return m
}

func TestFindFactorModeStandardNormal(t *testing.T) {
	x := graph.NewVariable("x")
	f := graph.NewFactor("phi", stdNormal, x)
	g, err := graph.New(f)
	require.NoError(t, err)

	// A very wide prior: the tilted density is essentially the standard
	// normal, so the mode must be ~0 with unit covariance.
	prior := mustNormal(t, 0, 100)
	approx, err := meanfield.New(g, meanfield.MeanField{x: prior})
	require.NoError(t, err)

	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)
	res, err := optimise.FindFactorMode(fa, nil, graph.Values{x: tensor.Scalar(1.5)}, meanfield.OK())
	require.NoError(t, err)
	require.True(t, res.Status.Success, res.Status.String())

	assert.InDelta(t, 0.0, res.Mode[x].Item(), 1e-3)
	assert.InDelta(t, 1.0, res.HessInv[x].Item(), 1e-3)
	// Tilted value at the mode: phi(0) plus the cavity N(0,100) density.
	want := -0.5*math.Log(2*math.Pi) + (-math.Log(100) - 0.5*math.Log(2*math.Pi))
	assert.InDelta(t, want, res.LogNorm, 1e-4)
}

func TestFindFactorModeFixedVariableHeld(t *testing.T) {
	// With two variables and one pinned, the optimizer only moves the
	// free one.
	x := graph.NewVariable("x")
	y := graph.NewVariable("y")
	f := graph.NewFactor("pair", func(args []*tensor.Array) (*tensor.Array, error) {
		sx := args[0].Item()
		sy := args[1].Item()
		return tensor.Scalar(-(sx-sy)*(sx-sy)/2 - sx*sx/2), nil
	}, x, y)
	g, err := graph.New(f)
	require.NoError(t, err)

	approx, err := meanfield.New(g, meanfield.MeanField{
		x: mustNormal(t, 0, 100),
		y: message.NewFixed(tensor.Scalar(2)),
	})
	require.NoError(t, err)
	fa, err := approx.FactorApproximation(f)
	require.NoError(t, err)

	res, err := optimise.FindFactorMode(fa, nil, graph.Values{x: tensor.Scalar(0)}, meanfield.OK())
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Mode[y].Item())
	// argmax of -(x-2)^2/2 - x^2/2 is x = 1.
	assert.InDelta(t, 1.0, res.Mode[x].Item(), 1e-3)
}

func TestFindFactorModeDeterministic(t *testing.T) {
	// y = x + 2: the deterministic mode and covariance follow the free
	// variable's through the unit Jacobian.
	x := graph.NewVariable("x")
	y := graph.NewVariable("y")
	link := graph.NewFactor("plus_two", func(args []*tensor.Array) (*tensor.Array, error) {
		return args[0].Shift(2), nil
	}, x).Equals(y)
	g, err := graph.New(link)
	require.NoError(t, err)

	approx, err := meanfield.New(g, meanfield.MeanField{
		x: mustNormal(t, 1, 2),
		y: message.NormalUniform(),
	})
	require.NoError(t, err)
	fa, err := approx.FactorApproximation(link)
	require.NoError(t, err)

	res, err := optimise.FindFactorMode(fa, nil, graph.Values{x: tensor.Scalar(0)}, meanfield.OK())
	require.NoError(t, err)
	require.True(t, res.Status.Success, res.Status.String())

	assert.InDelta(t, 1.0, res.Mode[x].Item(), 1e-3)
	assert.InDelta(t, 3.0, res.Mode[y].Item(), 1e-3)
	assert.InDelta(t, 4.0, res.HessInv[x].Item(), 2e-2)
	assert.InDelta(t, 4.0, res.HessInv[y].Item(), 2e-2)
}

func TestLaplaceFactorApproxConjugate(t *testing.T) {
	// phi(x) with prior N(0, 2): posterior precision 1 + 1/4.
	x := graph.NewVariable("x")
	f := graph.NewFactor("phi", stdNormal, x)
	g, err := graph.New(f)
	require.NoError(t, err)

	approx, err := meanfield.New(g, meanfield.MeanField{x: mustNormal(t, 0, 2)})
	require.NoError(t, err)

	next, status := optimise.LaplaceFactorApprox(approx, f, 1, nil)
	require.True(t, status.Success, status.String())

	m, ok := next.Dist(x)
	require.True(t, ok)
	wantVar := 1 / (1 + 0.25)
	assert.InDelta(t, 0.0, m.Mean().Item(), 1e-2)
	assert.InDelta(t, wantVar, m.Variance().Item(), 1e-2)

	// The original approximation is unchanged.
	orig, _ := approx.Dist(x)
	assert.InDelta(t, 2.0, orig.Scale().Item(), 1e-12)
}

func buildLinkApprox(t *testing.T) (*meanfield.MeanFieldApproximation, *graph.Factor, *graph.Variable, *graph.Variable) {
	t.Helper()
	x := graph.NewVariable("x")
	y := graph.NewVariable("y")
	link := graph.NewFactor("identity", func(args []*tensor.Array) (*tensor.Array, error) {
		return args[0].Clone(), nil
	}, x).Equals(y)
	g, err := graph.New(link)
	require.NoError(t, err)

	approx, err := meanfield.New(g, meanfield.MeanField{
		x: mustNormal(t, 0, 10),
		y: mustNormal(t, 3, 1),
	})
	require.NoError(t, err)
	return approx, link, x, y
}

func TestLstsqMatchesLaplace(t *testing.T) {
	// Identity link with N(0,10) on x and N(3,1) on y: both mode finders
	// must land on the posterior mode 3/(1 + 1/100) with matching
	// covariance.
	wantMode := 3.0 / 1.01
	wantVar := 1.0 / 1.01

	approxA, linkA, xA, _ := buildLinkApprox(t)
	faA, err := approxA.FactorApproximation(linkA)
	require.NoError(t, err)
	resA, err := optimise.FindFactorMode(faA, nil, graph.Values{xA: tensor.Scalar(0)}, meanfield.OK())
	require.NoError(t, err)

	approxB, linkB, xB, _ := buildLinkApprox(t)
	faB, err := approxB.FactorApproximation(linkB)
	require.NoError(t, err)
	lsq, err := optimise.NewLeastSquaresOpt(faB, nil, nil)
	require.NoError(t, err)
	resB, err := lsq.Run(nil, meanfield.OK())
	require.NoError(t, err)

	assert.InDelta(t, wantMode, resA.Mode[xA].Item(), 1e-3)
	assert.InDelta(t, wantMode, resB.Mode[xB].Item(), 1e-3)
	assert.InDelta(t, resA.Mode[xA].Item(), resB.Mode[xB].Item(), 1e-3)

	assert.InDelta(t, wantVar, resA.HessInv[xA].Item(), 1e-2)
	assert.InDelta(t, wantVar, resB.HessInv[xB].Item(), 1e-2)
}

func TestLstsqLaplaceFactorApprox(t *testing.T) {
	approx, link, x, _ := buildLinkApprox(t)
	next, status := optimise.LstsqLaplaceFactorApprox(approx, link, 1, nil, nil)
	require.True(t, status.Success, status.String())

	m, ok := next.Dist(x)
	require.True(t, ok)
	assert.InDelta(t, 3.0/1.01, m.Mean().Item(), 1e-2)
	assert.InDelta(t, 1.0/1.01, m.Variance().Item(), 5e-2)
}

func TestLstsqOptOnlyFiltersResiduals(t *testing.T) {
	// Restricting the residual terms to y removes x's own cavity pull:
	// the solution moves from 3/1.01 to exactly 3, and x is still an
	// optimized parameter rather than being pinned.
	approx, link, x, y := buildLinkApprox(t)
	fa, err := approx.FactorApproximation(link)
	require.NoError(t, err)

	lsq, err := optimise.NewLeastSquaresOpt(fa, []*graph.Variable{y}, nil)
	require.NoError(t, err)
	assert.Equal(t, []*graph.Variable{x}, lsq.FreeVars())

	res, err := lsq.Run(nil, meanfield.OK())
	require.NoError(t, err)
	require.True(t, res.Status.Success, res.Status.String())
	assert.InDelta(t, 3.0, res.Mode[x].Item(), 1e-3)
	assert.InDelta(t, 1.0, res.HessInv[x].Item(), 1e-2)
}
