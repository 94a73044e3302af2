// Package optimise implements the per-factor inference steps of
// expectation propagation: a bounded quasi-Newton mode finder, a
// Levenberg-Marquardt least-squares alternative, and the Laplace EP
// iteration controller that sweeps them across a factor graph.
package optimise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Minimize status codes.
const (
	StatusConverged  = 0
	StatusMaxIter    = 1
	StatusLineSearch = 2
)

// MinimizeOptions are the tunables of Minimize. The zero value selects
// defaults; nothing is read from ambient state.
type MinimizeOptions struct {
	// Tol is the gradient infinity-norm convergence tolerance.
	Tol float64
	// MaxIter bounds the number of quasi-Newton iterations.
	MaxIter int
	// Callback, when set, observes every accepted iterate.
	Callback func(x []float64)
}

func (o *MinimizeOptions) tol() float64 {
	if o == nil || o.Tol <= 0 {
		return 1e-6
	}
	return o.Tol
}

func (o *MinimizeOptions) maxIter() int {
	if o == nil || o.MaxIter <= 0 {
		return 500
	}
	return o.MaxIter
}

// MinimizeResult reports the outcome of a Minimize call: the best iterate
// found, diagnostics and a success flag. Non-convergence is reported here,
// never as an error.
type MinimizeResult struct {
	X          []float64
	F          float64
	Success    bool
	StatusCode int
	Message    string
	NFev       int
	NIter      int
}

// Minimize finds a local minimum of f subject to elementwise box bounds
// using BFGS on the inverse Hessian with a backtracking line search and
// projection onto the feasible box. lower and upper may be nil for an
// unbounded problem. Gradients are numeric.
func Minimize(f func([]float64) float64, x0, lower, upper []float64, opts *MinimizeOptions) *MinimizeResult {
	n := len(x0)
	nfev := 0
	eval := func(x []float64) float64 {
		nfev++
		return f(x)
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

	x := append([]float64(nil), x0...)
	clamp(x)
	fx := eval(x)
	g := make([]float64, n)
	fd.Gradient(g, eval, x, nil)

	hinv := identityDense(n)
	dir := make([]float64, n)
	xNew := make([]float64, n)
	gNew := make([]float64, n)
	s := make([]float64, n)
	y := make([]float64, n)

	result := func(code int, msg string) *MinimizeResult {
		return &MinimizeResult{
			X:          append([]float64(nil), x...),
			F:          fx,
			Success:    code == StatusConverged,
			StatusCode: code,
			Message:    msg,
			NFev:       nfev,
		}
	}

	flat := 0
	var res *MinimizeResult
	for iter := 0; ; iter++ {
		if floats.Norm(g, math.Inf(1)) < opts.tol() {
			res = result(StatusConverged, "gradient tolerance reached")
			res.NIter = iter
			return res
		}
		if iter >= opts.maxIter() {
			res = result(StatusMaxIter, "maximum iterations reached")
			res.NIter = iter
			return res
		}

		// dir = -Hinv g
		gv := mat.NewVecDense(n, g)
		dv := mat.NewVecDense(n, dir)
		dv.MulVec(hinv, gv)
		floats.Scale(-1, dir)

		slope := floats.Dot(g, dir)
		if slope >= 0 {
			// Lost positive definiteness; restart from steepest descent.
			hinv = identityDense(n)
			copy(dir, g)
			floats.Scale(-1, dir)
			slope = floats.Dot(g, dir)
		}

		// Backtracking Armijo line search with projection onto bounds.
		const c1 = 1e-4
		step := 1.0
		var fNew float64
		ok := false
		for step > 1e-14 {
			copy(xNew, x)
			floats.AddScaled(xNew, step, dir)
			clamp(xNew)
			fNew = eval(xNew)
			if !math.IsNaN(fNew) && fNew <= fx+c1*step*slope {
				ok = true
				break
			}
			step *= 0.5
		}
		if !ok {
			res = result(StatusLineSearch, "line search failed to find sufficient decrease")
			res.NIter = iter
			return res
		}

		fd.Gradient(gNew, eval, xNew, nil)
		floats.SubTo(s, xNew, x)
		floats.SubTo(y, gNew, g)
		sy := floats.Dot(s, y)
		if sy > 1e-12 {
			bfgsUpdate(hinv, s, y, sy)
		}

		if math.Abs(fx-fNew) < 1e-12*(1+math.Abs(fx)) {
			flat++
		} else {
			flat = 0
		}
		copy(x, xNew)
		copy(g, gNew)
		fx = fNew
		if opts != nil && opts.Callback != nil {
			opts.Callback(x)
		}
		if flat >= 3 {
			res = result(StatusConverged, "objective stalled")
			res.NIter = iter + 1
			return res
		}
	}
}

// bfgsUpdate applies the inverse-Hessian BFGS update
// H <- (I - rho s y^T) H (I - rho y s^T) + rho s s^T.
func bfgsUpdate(h *mat.Dense, s, y []float64, sy float64) {
	n := len(s)
	rho := 1 / sy
	sv := mat.NewVecDense(n, s)
	yv := mat.NewVecDense(n, y)

	var u mat.Dense // I - rho s y^T
	u.Outer(-rho, sv, yv)
	for i := 0; i < n; i++ {
		u.Set(i, i, u.At(i, i)+1)
	}
	var tmp mat.Dense
	tmp.Mul(&u, h)
	h.Mul(&tmp, u.T())
	var ss mat.Dense
	ss.Outer(rho, sv, sv)
	h.Add(h, &ss)
}

func identityDense(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

func diagnostic(prefix string, res *MinimizeResult) string {
	return fmt.Sprintf("%s: nfev=%d, nit=%d, status=%d, message=%s",
		prefix, res.NFev, res.NIter, res.StatusCode, res.Message)
}
