package optimise

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
	"github.com/FiachAntaw/gofit/message"
	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

var ErrNoFreeVariables = errors.New("optimise: factor has no free variables")

// OptOptions carries every tunable of a factor optimization; nothing is
// read from ambient state.
type OptOptions struct {
	Minimize MinimizeOptions
	// HessianStep is the relative step of the numeric Hessian used for
	// the covariance estimate at the mode.
	HessianStep float64
	// Rand drives the sampling of missing start points. Defaults to a
	// fixed-seed source.
	Rand *rand.Rand
}

func (o *OptOptions) minimize() *MinimizeOptions {
	if o == nil {
		return nil
	}
	return &o.Minimize
}

func (o *OptOptions) hessianStep() float64 {
	if o == nil || o.HessianStep <= 0 {
		return 1e-4
	}
	return o.HessianStep
}

func (o *OptOptions) rng() *rand.Rand {
	if o != nil && o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(1))
}

// OptResult is the output of a single factor optimization: the mode and
// per-variable covariance blocks, the achieved log-value, raw solver
// diagnostics and the accumulated Status. Values are never mutated after
// construction; merging deterministic covariance produces a new OptResult.
type OptResult struct {
	Mode        graph.Values
	HessInv     map[*graph.Variable]*tensor.Array
	LogNorm     float64
	FullHessInv *mat.SymDense
	Result      *MinimizeResult
	Status      meanfield.Status
}

// OptFactor maximizes a factor approximation's tilted log-density over
// its free variables with a bounded quasi-Newton method. Variables whose
// model message is a FixedMessage are held at their pinned value; bounds
// come from each message's support, repeated per element in flattening
// order.
type OptFactor struct {
	approx      *meanfield.FactorApproximation
	paramShapes *utils.FlattenArrays[*graph.Variable]
	freeVars    []*graph.Variable
	fixed       graph.Values
	lower       []float64
	upper       []float64
	opts        *OptOptions
}

// NewOptFactor splits the factor's variables into free and fixed and
// derives the per-element optimizer bounds.
func NewOptFactor(fa *meanfield.FactorApproximation, opts *OptOptions) (*OptFactor, error) {
	o := &OptFactor{
		approx: fa,
		fixed:  graph.Values{},
		opts:   opts,
	}
	shapes := map[*graph.Variable][]int{}
	var lower, upper []float64
	for _, v := range fa.Factor.Variables() {
		dist, ok := fa.ModelDist[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s", meanfield.ErrMissingMessage, v.Name)
		}
		if message.IsFixed(dist) {
			o.fixed[v] = dist.Mean()
			continue
		}
		o.freeVars = append(o.freeVars, v)
		shapes[v] = dist.Shape()
		lo, hi := dist.Support()
		n := 1
		for _, d := range dist.Shape() {
			n *= d
		}
		for i := 0; i < n; i++ {
			lower = append(lower, lo)
			upper = append(upper, hi)
		}
	}
	if len(o.freeVars) == 0 {
		return nil, ErrNoFreeVariables
	}
	o.paramShapes = utils.NewFlattenArrays(o.freeVars, shapes)
	o.lower, o.upper = lower, upper
	return o, nil
}

// FreeVars returns the optimized variables in flattening order.
func (o *OptFactor) FreeVars() []*graph.Variable { return o.freeVars }

// Objective returns sign times the tilted log-density as a function of
// the flat parameter vector. Evaluation failures surface as +Inf so the
// line search backs away from them.
func (o *OptFactor) Objective(sign float64) func([]float64) float64 {
	return func(x []float64) float64 {
		params := graph.Values(o.paramShapes.UnflattenVec(x)).Merged(o.fixed)
		val, err := o.approx.Call(params)
		if err != nil || math.IsNaN(val) {
			return math.Inf(1)
		}
		return sign * val
	}
}

// Maximise finds the mode of the tilted log-density, starting from the
// supplied values where given and otherwise from a sample of each free
// variable's current model message. Internally a minimizer runs on the
// negated objective; the achieved log-value is reported un-negated.
// Non-convergence does not raise: it is recorded in the returned Status
// alongside the best-effort mode and covariance.
func (o *OptFactor) Maximise(start graph.Values, status meanfield.Status) *OptResult {
	rng := o.opts.rng()
	p0 := graph.Values{}
	for _, v := range o.freeVars {
		if val, ok := start[v]; ok {
			p0[v] = val
			continue
		}
		sample, err := o.approx.ModelDist[v].Sample(rng)
		if err != nil {
			status = status.Append(fmt.Sprintf(
				"optimise.Maximise: sampling start point for %s: %v, using mean", v.Name, err))
			sample = o.approx.ModelDist[v].Mean()
		}
		p0[v] = sample
	}
	x0 := o.paramShapes.Flatten(p0)

	neg := o.Objective(-1)
	res := Minimize(neg, x0, o.lower, o.upper, o.opts.minimize())
	status = status.Append(diagnostic("optimise.FindFactorMode", res))
	status.Success = status.Success && res.Success

	mode := graph.Values(o.paramShapes.UnflattenVec(res.X)).Merged(o.fixed)

	hess := utils.NumericalHessian(neg, res.X, o.opts.hessianStep())
	inv, ok := utils.InvertPSD(hess)
	if !ok {
		status = status.Fail("optimise.Maximise: Hessian inversion failed, using identity covariance")
		n := len(res.X)
		inv = mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			inv.SetSym(i, i, 1)
		}
	}
	n := len(res.X)
	invData := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			invData[i*n+j] = inv.At(i, j)
		}
	}
	hessInv := o.paramShapes.Unflatten(tensor.New([]int{n, n}, invData), 2)

	return &OptResult{
		Mode:        mode,
		HessInv:     hessInv,
		LogNorm:     -res.F,
		FullHessInv: inv,
		Result:      res,
		Status:      status,
	}
}

// FindFactorMode runs the gradient-based mode finder for a factor
// approximation and propagates the parameter covariance into the factor's
// deterministic variables. Deterministic covariance is added to any
// pre-existing entry, never overwritten, and a new OptResult is returned.
func FindFactorMode(fa *meanfield.FactorApproximation, opts *OptOptions, start graph.Values, status meanfield.Status) (*OptResult, error) {
	opt, err := NewOptFactor(fa, opts)
	if err != nil {
		return nil, err
	}
	res := opt.Maximise(start, status)

	// Evaluate once more at the mode for the deterministic values.
	fv, err := fa.Factor.Call(res.Mode)
	if err != nil {
		return nil, err
	}
	mode := res.Mode.Merged(fv.Deterministic)

	jac, err := fa.Factor.Jacobian(res.Mode, opt.FreeVars())
	if err != nil {
		return nil, err
	}
	hessInv := make(map[*graph.Variable]*tensor.Array, len(res.HessInv))
	for v, cov := range res.HessInv {
		hessInv[v] = cov
	}
	for key, block := range jac.Deterministic {
		cov, ok := res.HessInv[key.In]
		if !ok {
			continue
		}
		prop := utils.PropagateUncertainty(cov, block)
		if existing, ok := hessInv[key.Out]; ok {
			hessInv[key.Out] = tensor.MustAdd(existing, prop)
		} else {
			hessInv[key.Out] = prop
		}
	}
	return &OptResult{
		Mode:        mode,
		HessInv:     hessInv,
		LogNorm:     res.LogNorm,
		FullHessInv: res.FullHessInv,
		Result:      res.Result,
		Status:      res.Status,
	}, nil
}

// ProjectMode converts an OptResult into candidate model messages, one
// per variable of the mode, using each family's FromMode.
func ProjectMode(fa *meanfield.FactorApproximation, res *OptResult, status meanfield.Status) (meanfield.MeanField, meanfield.Status) {
	out := make(meanfield.MeanField, len(res.Mode))
	for v, mode := range res.Mode {
		dist, ok := fa.ModelDist[v]
		if !ok {
			continue
		}
		cov := res.HessInv[v]
		if cov == nil {
			if message.IsFixed(dist) {
				out[v] = dist
				continue
			}
			status = status.Fail(fmt.Sprintf(
				"optimise.ProjectMode: no covariance for %s", v.Name))
			out[v] = dist
			continue
		}
		msg, err := dist.FromMode(mode, cov)
		if err != nil {
			status = status.Fail(fmt.Sprintf(
				"optimise.ProjectMode: %s: %v", v.Name, err))
			out[v] = dist
			continue
		}
		out[v] = msg
	}
	return out, status
}

// LaplaceFactorApprox performs one full EP update of a single factor:
// cavity, Laplace mode finding, damped projection and global merge. A new
// approximation is returned together with the accumulated Status; the
// input approximation is never modified.
func LaplaceFactorApprox(approx *meanfield.MeanFieldApproximation, factor *graph.Factor, delta float64, opts *OptOptions) (*meanfield.MeanFieldApproximation, meanfield.Status) {
	fa, err := approx.FactorApproximation(factor)
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("optimise.LaplaceFactorApprox: %v", err))
	}
	res, err := FindFactorMode(fa, opts, nil, meanfield.OK())
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("optimise.LaplaceFactorApprox: %v", err))
	}
	modelDist, status := ProjectMode(fa, res, res.Status)
	proj, status := fa.Project(modelDist, delta, status)
	return approx.Project(proj, status)
}
