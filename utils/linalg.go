package utils

import (
	"fmt"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/FiachAntaw/gofit/tensor"
)

// BlockDiag builds a size x size block diagonal matrix from square blocks.
func BlockDiag(size int, mats ...mat.Matrix) *mat.Dense {
	out := mat.NewDense(size, size, nil)
	offset := 0
	var r int
	var slice mat.Matrix
	for _, matrix := range mats {
		slice = out.Slice(offset, size, offset, size)
		slice.(*mat.Dense).Copy(matrix)
		r, _ = matrix.Dims()
		offset += r
	}
	return out
}

// Eye returns the n x n identity matrix.
func Eye(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// PropagateUncertainty propagates a covariance tensor through the Jacobian
// of a deterministic function, J Cov J^T, performed on the flattened square
// matrices and reshaped back to tensor form.
//
// cov has rank 2k over a k-axis variable; jac has rank detAxes + k whose
// trailing k axes must exactly match both halves of cov's shape.
//
// See https://en.wikipedia.org/wiki/Propagation_of_uncertainty
func PropagateUncertainty(cov, jac *tensor.Array) *tensor.Array {
	varNdim := cov.Rank() / 2
	detNdim := jac.Rank() - varNdim
	if detNdim < 0 {
		panic(fmt.Errorf("%w: jacobian rank %d below variable rank %d",
			ErrShapeMismatch, jac.Rank(), varNdim))
	}
	detShape := jac.Shape()[:detNdim]
	varShape := jac.Shape()[detNdim:]
	if !shapeEqual(varShape, cov.Shape()[:varNdim]) ||
		!shapeEqual(varShape, cov.Shape()[varNdim:]) {
		panic(fmt.Errorf("%w: jacobian variable shape %v does not match covariance shape %v",
			ErrShapeMismatch, varShape, cov.Shape()))
	}

	varSize := 1
	for _, d := range varShape {
		varSize *= d
	}
	detSize := 1
	for _, d := range detShape {
		detSize *= d
	}

	cov2d := mat.NewDense(varSize, varSize, append([]float64(nil), cov.Data()...))
	jac2d := mat.NewDense(detSize, varSize, append([]float64(nil), jac.Data()...))

	var jc, out mat.Dense
	jc.Mul(jac2d, cov2d)
	out.Mul(&jc, jac2d.T())

	outShape := append(append([]int(nil), detShape...), detShape...)
	return tensor.New(outShape, append([]float64(nil), out.RawMatrix().Data...))
}

// NumericalHessian estimates the Hessian of f at x by central differences
// of numeric gradients. The result is symmetrized.
func NumericalHessian(f func([]float64) float64, x []float64, step float64) *mat.SymDense {
	n := len(x)
	if step <= 0 {
		step = 1e-4
	}
	cols := mat.NewDense(n, n, nil)
	xp := append([]float64(nil), x...)
	gPlus := make([]float64, n)
	gMinus := make([]float64, n)
	for j := 0; j < n; j++ {
		h := step * (1 + absf(x[j]))
		xp[j] = x[j] + h
		fd.Gradient(gPlus, f, xp, nil)
		xp[j] = x[j] - h
		fd.Gradient(gMinus, f, xp, nil)
		xp[j] = x[j]
		for i := 0; i < n; i++ {
			cols.Set(i, j, (gPlus[i]-gMinus[i])/(2*h))
		}
	}
	hess := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			hess.SetSym(i, j, 0.5*(cols.At(i, j)+cols.At(j, i)))
		}
	}
	return hess
}

// InvertPSD inverts a symmetric positive-definite matrix via Cholesky,
// falling back to a dense inverse when the factorization fails. The second
// return reports whether any inversion succeeded.
func InvertPSD(a *mat.SymDense) (*mat.SymDense, bool) {
	n := a.SymmetricDim()
	var chol mat.Cholesky
	if chol.Factorize(a) {
		inv := mat.NewSymDense(n, nil)
		if err := chol.InverseTo(inv); err == nil {
			return inv, true
		}
	}
	var dense mat.Dense
	if err := dense.Inverse(a); err != nil {
		return nil, false
	}
	inv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			inv.SetSym(i, j, 0.5*(dense.At(i, j)+dense.At(j, i)))
		}
	}
	return inv, true
}

// DiagonalOf extracts the elementwise variances from a covariance tensor
// of shape (shape + shape), returning them with the variable's shape.
func DiagonalOf(cov *tensor.Array) *tensor.Array {
	varNdim := cov.Rank() / 2
	varShape := cov.Shape()[:varNdim]
	n := 1
	for _, d := range varShape {
		n *= d
	}
	if cov.Size() != n*n {
		panic(fmt.Errorf("%w: covariance shape %v is not doubled", ErrShapeMismatch, cov.Shape()))
	}
	data := make([]float64, n)
	raw := cov.Data()
	for i := 0; i < n; i++ {
		data[i] = raw[i*n+i]
	}
	return tensor.New(append([]int(nil), varShape...), data)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
