package optimise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
	"github.com/FiachAntaw/gofit/message"
	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

// LeastSquaresOptions are the tunables of LeastSquares. The zero value
// selects defaults.
type LeastSquaresOptions struct {
	// MaxIter bounds the number of accepted Levenberg-Marquardt steps.
	MaxIter int
	// Ftol is the relative cost-decrease convergence tolerance.
	Ftol float64
	// Gtol is the gradient infinity-norm convergence tolerance.
	Gtol float64
}

func (o *LeastSquaresOptions) maxIter() int {
	if o == nil || o.MaxIter <= 0 {
		return 100
	}
	return o.MaxIter
}

func (o *LeastSquaresOptions) ftol() float64 {
	if o == nil || o.Ftol <= 0 {
		return 1e-8
	}
	return o.Ftol
}

func (o *LeastSquaresOptions) gtol() float64 {
	if o == nil || o.Gtol <= 0 {
		return 1e-8
	}
	return o.Gtol
}

// LeastSquaresResult reports the outcome of a LeastSquares call. Jac is
// the residual Jacobian at the solution; Cost is half the squared
// residual norm. Non-convergence is reported here, never as an error.
type LeastSquaresResult struct {
	X          []float64
	Jac        *mat.Dense
	Cost       float64
	Optimality float64
	Success    bool
	StatusCode int
	Message    string
	NFev       int
	NJev       int
}

// LeastSquares minimizes half the squared norm of resid subject to
// elementwise box bounds using Levenberg-Marquardt with numeric Jacobians
// and Marquardt diagonal scaling. lower and upper may be nil.
func LeastSquares(resid func([]float64) []float64, x0, lower, upper []float64, opts *LeastSquaresOptions) *LeastSquaresResult {
	n := len(x0)
	nfev, njev := 0, 0
	eval := func(x []float64) []float64 {
		nfev++
		return resid(x)
	}
	clamp := func(x []float64) {
		for i := range x {
			if lower != nil && x[i] < lower[i] {
				x[i] = lower[i]
			}
			if upper != nil && x[i] > upper[i] {
				x[i] = upper[i]
			}
		}
	}
	cost := func(r []float64) float64 {
		return 0.5 * floats.Dot(r, r)
	}

	x := append([]float64(nil), x0...)
	clamp(x)
	r := eval(x)
	m := len(r)
	fx := cost(r)

	jacobian := func(x []float64) *mat.Dense {
		njev++
		jac := mat.NewDense(m, n, nil)
		fd.Jacobian(jac, func(dst, x []float64) {
			copy(dst, eval(x))
		}, x, &fd.JacobianSettings{})
		return jac
	}
	jac := jacobian(x)

	grad := make([]float64, n)
	gradient := func(jac *mat.Dense, r []float64) {
		gv := mat.NewVecDense(n, grad)
		gv.MulVec(jac.T(), mat.NewVecDense(m, r))
	}
	gradient(jac, r)

	lambda := 1e-3
	xNew := make([]float64, n)
	for iter := 0; ; iter++ {
		if floats.Norm(grad, math.Inf(1)) < opts.gtol() {
			return &LeastSquaresResult{
				X: append([]float64(nil), x...), Jac: jac, Cost: fx,
				Optimality: floats.Norm(grad, math.Inf(1)),
				Success:    true, StatusCode: StatusConverged,
				Message: "gradient tolerance reached", NFev: nfev, NJev: njev,
			}
		}
		if iter >= opts.maxIter() {
			return &LeastSquaresResult{
				X: append([]float64(nil), x...), Jac: jac, Cost: fx,
				Optimality: floats.Norm(grad, math.Inf(1)),
				Success:    false, StatusCode: StatusMaxIter,
				Message: "maximum iterations reached", NFev: nfev, NJev: njev,
			}
		}

		// A = J^T J + lambda diag(J^T J)
		var a mat.Dense
		a.Mul(jac.T(), jac)
		for i := 0; i < n; i++ {
			d := a.At(i, i)
			if d <= 0 {
				d = 1
			}
			a.Set(i, i, a.At(i, i)+lambda*d)
		}

		step := mat.NewVecDense(n, nil)
		if err := step.SolveVec(&a, mat.NewVecDense(n, grad)); err != nil {
			lambda *= 10
			if lambda > 1e12 {
				return &LeastSquaresResult{
					X: append([]float64(nil), x...), Jac: jac, Cost: fx,
					Optimality: floats.Norm(grad, math.Inf(1)),
					Success:    false, StatusCode: StatusLineSearch,
					Message: "normal equations singular", NFev: nfev, NJev: njev,
				}
			}
			continue
		}
		copy(xNew, x)
		floats.AddScaled(xNew, -1, step.RawVector().Data)
		clamp(xNew)
		rNew := eval(xNew)
		fNew := cost(rNew)

		if fNew < fx {
			accepted := math.Abs(fx-fNew) < opts.ftol()*math.Max(fx, 1e-30)
			copy(x, xNew)
			r = rNew
			fx = fNew
			jac = jacobian(x)
			gradient(jac, r)
			lambda = math.Max(lambda/3, 1e-12)
			if accepted {
				return &LeastSquaresResult{
					X: append([]float64(nil), x...), Jac: jac, Cost: fx,
					Optimality: floats.Norm(grad, math.Inf(1)),
					Success:    true, StatusCode: StatusConverged,
					Message: "cost tolerance reached", NFev: nfev, NJev: njev,
				}
			}
		} else {
			lambda *= 2
			if lambda > 1e12 {
				return &LeastSquaresResult{
					X: append([]float64(nil), x...), Jac: jac, Cost: fx,
					Optimality: floats.Norm(grad, math.Inf(1)),
					Success:    false, StatusCode: StatusLineSearch,
					Message: "damping exhausted without decrease", NFev: nfev, NJev: njev,
				}
			}
		}
	}
}

// LeastSquaresOpt recasts a factor approximation's mode search as a
// nonlinear least-squares problem: every free and deterministic variable
// of the factor contributes standardized residuals against its cavity
// mean and scale, so that the Gauss-Newton Hessian doubles as the
// covariance at the solution. Variables with an improper cavity (infinite
// scale) contribute no residual.
type LeastSquaresOpt struct {
	approx      *meanfield.FactorApproximation
	paramShapes *utils.FlattenArrays[*graph.Variable]
	residShapes *utils.FlattenArrays[*graph.Variable]
	freeVars    []*graph.Variable
	fixed       graph.Values
	lower       []float64
	upper       []float64
	means       map[*graph.Variable]*tensor.Array
	scales      map[*graph.Variable]*tensor.Array
	opts        *OptOptions
}

// NewLeastSquaresOpt prepares the residual structure for a factor. Every
// non-fixed free variable is optimized. The residual variables default to
// every free and deterministic variable with a proper cavity distribution;
// a non-nil optOnly restricts which of those contribute residual terms.
func NewLeastSquaresOpt(fa *meanfield.FactorApproximation, optOnly []*graph.Variable, opts *OptOptions) (*LeastSquaresOpt, error) {
	o := &LeastSquaresOpt{
		approx: fa,
		fixed:  graph.Values{},
		means:  map[*graph.Variable]*tensor.Array{},
		scales: map[*graph.Variable]*tensor.Array{},
		opts:   opts,
	}
	restricted := map[*graph.Variable]bool{}
	for _, v := range optOnly {
		restricted[v] = true
	}
	paramShapes := map[*graph.Variable][]int{}
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
		paramShapes[v] = dist.Shape()
		lo, hi := dist.Support()
		for i := 0; i < dist.Mean().Size(); i++ {
			lower = append(lower, lo)
			upper = append(upper, hi)
		}
	}
	if len(o.freeVars) == 0 {
		return nil, ErrNoFreeVariables
	}
	o.paramShapes = utils.NewFlattenArrays(o.freeVars, paramShapes)
	o.lower, o.upper = lower, upper

	var residVars []*graph.Variable
	residShapes := map[*graph.Variable][]int{}
	for _, v := range fa.Factor.AllVariables() {
		if optOnly != nil && !restricted[v] {
			continue
		}
		cavity, ok := fa.CavityDist[v]
		if !ok || message.IsFixed(cavity) {
			continue
		}
		scale := cavity.Scale()
		proper := false
		for _, s := range scale.Data() {
			if s > 0 && !math.IsInf(s, 0) {
				proper = true
				break
			}
		}
		if !proper {
			continue
		}
		residVars = append(residVars, v)
		residShapes[v] = cavity.Shape()
		o.means[v] = cavity.Mean()
		o.scales[v] = scale
	}
	if len(residVars) == 0 {
		return nil, fmt.Errorf("optimise: factor %s has no proper cavity distributions", fa.Factor.Name())
	}
	o.residShapes = utils.NewFlattenArrays(residVars, residShapes)
	return o, nil
}

// FreeVars returns the optimized variables in flattening order.
func (o *LeastSquaresOpt) FreeVars() []*graph.Variable { return o.freeVars }

// Residuals returns the standardized residual function over the flat
// parameter vector. Evaluation failures yield NaN residuals so the solver
// rejects the step.
func (o *LeastSquaresOpt) Residuals() func(x []float64) []float64 {
	return func(x []float64) []float64 {
		out := make([]float64, o.residShapes.Size())
		params := graph.Values(o.paramShapes.UnflattenVec(x)).Merged(o.fixed)
		fv, err := o.approx.Factor.Call(params)
		if err != nil {
			for i := range out {
				out[i] = math.NaN()
			}
			return out
		}
		all := params.Merged(fv.Deterministic)
		for _, v := range o.residShapes.Keys() {
			val, ok := all[v]
			if !ok {
				start, end := o.residShapes.Range(v)
				for i := start; i < end; i++ {
					out[i] = math.NaN()
				}
				continue
			}
			start, _ := o.residShapes.Range(v)
			vals := val.Data()
			means := o.means[v].Data()
			scales := o.scales[v].Data()
			for i := range vals {
				if scales[i] <= 0 || math.IsInf(scales[i], 0) {
					out[start+i] = 0
					continue
				}
				out[start+i] = (vals[i] - means[i]) / scales[i]
			}
		}
		return out
	}
}

// Run solves the least-squares problem and assembles an OptResult: the
// mode with deterministic values merged in, per-variable covariance from
// the inverted Gauss-Newton blocks, and covariance propagated through the
// residual Jacobian for the deterministic variables.
func (o *LeastSquaresOpt) Run(lsOpts *LeastSquaresOptions, status meanfield.Status) (*OptResult, error) {
	rng := o.opts.rng()
	p0 := graph.Values{}
	for _, v := range o.freeVars {
		sample, err := o.approx.ModelDist[v].Sample(rng)
		if err != nil {
			status = status.Append(fmt.Sprintf(
				"optimise.LeastSquaresOpt: sampling start point for %s: %v, using mean", v.Name, err))
			sample = o.approx.ModelDist[v].Mean()
		}
		p0[v] = sample
	}
	x0 := o.paramShapes.Flatten(p0)

	res := LeastSquares(o.Residuals(), x0, o.lower, o.upper, lsOpts)
	status = status.Append(fmt.Sprintf(
		"optimise.LeastSquaresOpt: nfev=%d, njev=%d, optimality=%g, cost=%g, status=%d, message=%s",
		res.NFev, res.NJev, res.Optimality, res.Cost, res.StatusCode, res.Message))
	status.Success = status.Success && res.Success

	params := graph.Values(o.paramShapes.UnflattenVec(res.X)).Merged(o.fixed)
	fv, err := o.approx.Factor.Call(params)
	if err != nil {
		return nil, err
	}
	mode := params.Merged(fv.Deterministic)

	// Gauss-Newton Hessian approximation J^T J, split into per-variable
	// diagonal blocks and inverted blockwise.
	n := o.paramShapes.Size()
	var a mat.Dense
	a.Mul(res.Jac.T(), res.Jac)
	aData := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aData[i*n+j] = a.At(i, j)
		}
	}
	blocks := o.paramShapes.Unflatten(tensor.New([]int{n, n}, aData), 2)

	hessInv := make(map[*graph.Variable]*tensor.Array, len(blocks))
	for _, v := range o.freeVars {
		block := blocks[v]
		start, end := o.paramShapes.Range(v)
		side := end - start
		sym := mat.NewSymDense(side, nil)
		for i := 0; i < side; i++ {
			for j := i; j < side; j++ {
				sym.SetSym(i, j, 0.5*(block.Data()[i*side+j]+block.Data()[j*side+i]))
			}
		}
		inv, ok := utils.InvertPSD(sym)
		if !ok {
			status = status.Fail(fmt.Sprintf(
				"optimise.LeastSquaresOpt: covariance block for %s is singular", v.Name))
			inv = mat.NewSymDense(side, nil)
			for i := 0; i < side; i++ {
				inv.SetSym(i, i, 1)
			}
		}
		invData := make([]float64, side*side)
		for i := 0; i < side; i++ {
			for j := 0; j < side; j++ {
				invData[i*side+j] = inv.At(i, j)
			}
		}
		hessInv[v] = tensor.New(block.Shape(), invData)
	}

	// Deterministic covariance: un-standardize the relevant rows of the
	// residual Jacobian and push each parameter block's covariance through.
	for _, d := range o.approx.Factor.DeterministicVariables() {
		dStart, dEnd := 0, 0
		found := false
		for _, rv := range o.residShapes.Keys() {
			if rv == d {
				dStart, dEnd = o.residShapes.Range(d)
				found = true
				break
			}
		}
		if !found {
			continue
		}
		dShape := o.residShapes.Shape(d)
		dScales := o.scales[d].Data()
		for _, v := range o.freeVars {
			pStart, pEnd := o.paramShapes.Range(v)
			rows, cols := dEnd-dStart, pEnd-pStart
			jacData := make([]float64, rows*cols)
			for i := 0; i < rows; i++ {
				s := dScales[i]
				if s <= 0 || math.IsInf(s, 0) {
					continue // residual row was zeroed, no sensitivity
				}
				for j := 0; j < cols; j++ {
					jacData[i*cols+j] = res.Jac.At(dStart+i, pStart+j) * s
				}
			}
			jacShape := append(append([]int(nil), dShape...), o.paramShapes.Shape(v)...)
			prop := utils.PropagateUncertainty(hessInv[v], tensor.New(jacShape, jacData))
			if existing, ok := hessInv[d]; ok {
				hessInv[d] = tensor.MustAdd(existing, prop)
			} else {
				hessInv[d] = prop
			}
		}
	}

	return &OptResult{
		Mode:    mode,
		HessInv: hessInv,
		LogNorm: -res.Cost,
		Result: &MinimizeResult{
			X: res.X, F: res.Cost, Success: res.Success,
			StatusCode: res.StatusCode, Message: res.Message, NFev: res.NFev,
		},
		Status: status,
	}, nil
}

// LstsqLaplaceFactorApprox performs one EP update of a single factor
// using the least-squares mode finder instead of the quasi-Newton one. A
// new approximation is returned; the input is never modified.
func LstsqLaplaceFactorApprox(approx *meanfield.MeanFieldApproximation, factor *graph.Factor, delta float64, opts *OptOptions, lsOpts *LeastSquaresOptions) (*meanfield.MeanFieldApproximation, meanfield.Status) {
	fa, err := approx.FactorApproximation(factor)
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("optimise.LstsqLaplaceFactorApprox: %v", err))
	}
	lsq, err := NewLeastSquaresOpt(fa, nil, opts)
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("optimise.LstsqLaplaceFactorApprox: %v", err))
	}
	res, err := lsq.Run(lsOpts, meanfield.OK())
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("optimise.LstsqLaplaceFactorApprox: %v", err))
	}
	modelDist, status := ProjectMode(fa, res, res.Status)
	proj, status := fa.Project(modelDist, delta, status)
	return approx.Project(proj, status)
}
