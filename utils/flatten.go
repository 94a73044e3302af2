// Package utils provides the numeric plumbing shared by the factor-graph
// engine: flattening named arrays into optimizer vectors, block-diagonal
// covariance assembly, uncertainty propagation and the special functions
// backing the Gamma and Beta sufficient statistics.
package utils

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/FiachAntaw/gofit/tensor"
)

var ErrShapeMismatch = errors.New("utils: array shape does not match registered shape")

// FlattenArrays maps a named, shaped collection of arrays to and from a
// single flat vector for consumption by optimizers that only understand
// flat vectors. Keys keep their registration order; shapes are immutable
// after construction.
type FlattenArrays[K comparable] struct {
	keys   []K
	shapes map[K][]int
	splits []int
	sizes  map[K]int
	size   int
}

// NewFlattenArrays registers keys in order with their array shapes.
func NewFlattenArrays[K comparable](keys []K, shapes map[K][]int) *FlattenArrays[K] {
	f := &FlattenArrays[K]{
		keys:   append([]K(nil), keys...),
		shapes: make(map[K][]int, len(keys)),
		splits: make([]int, len(keys)+1),
		sizes:  make(map[K]int, len(keys)),
	}
	for i, k := range keys {
		shape, ok := shapes[k]
		if !ok {
			panic(fmt.Errorf("utils: no shape registered for key %v", k))
		}
		n := 1
		for _, d := range shape {
			n *= d
		}
		f.shapes[k] = append([]int(nil), shape...)
		f.sizes[k] = n
		f.splits[i+1] = f.splits[i] + n
	}
	f.size = f.splits[len(keys)]
	return f
}

// Keys returns the registered keys in registration order.
func (f *FlattenArrays[K]) Keys() []K { return f.keys }

// Shape returns the registered shape of k.
func (f *FlattenArrays[K]) Shape(k K) []int { return f.shapes[k] }

// Size returns the total flattened length.
func (f *FlattenArrays[K]) Size() int { return f.size }

// Sizes returns the per-key element counts.
func (f *FlattenArrays[K]) Sizes() map[K]int { return f.sizes }

// Len returns the number of registered keys.
func (f *FlattenArrays[K]) Len() int { return len(f.keys) }

// Range returns the half-open interval of flat indices covered by k.
func (f *FlattenArrays[K]) Range(k K) (start, end int) {
	for i, key := range f.keys {
		if key == k {
			return f.splits[i], f.splits[i+1]
		}
	}
	panic(fmt.Errorf("utils: no shape registered for key %v", k))
}

// Flatten concatenates the arrays in registration order into one flat
// vector. Panics if any array's shape differs from the registered shape.
func (f *FlattenArrays[K]) Flatten(arrays map[K]*tensor.Array) []float64 {
	out := make([]float64, 0, f.size)
	for _, k := range f.keys {
		arr, ok := arrays[k]
		if !ok {
			panic(fmt.Errorf("%w: missing entry for key %v", ErrShapeMismatch, k))
		}
		if !shapeEqual(arr.Shape(), f.shapes[k]) {
			panic(fmt.Errorf("%w: key %v has shape %v, registered %v",
				ErrShapeMismatch, k, arr.Shape(), f.shapes[k]))
		}
		out = append(out, arr.Data()...)
	}
	return out
}

// Unflatten slices arr back into per-key arrays. ndim gives how many
// leading axes of arr are flattened over the registered keys: 1 for a
// plain vector, 2 for a square matrix such as a Hessian (yielding the
// diagonal blocks), and 1 on a transposed Jacobian to split only the
// variable axis while preserving trailing axes.
func (f *FlattenArrays[K]) Unflatten(arr *tensor.Array, ndim int) map[K]*tensor.Array {
	if ndim < 1 || ndim > arr.Rank() {
		panic(fmt.Errorf("%w: ndim %d invalid for rank %d", ErrShapeMismatch, ndim, arr.Rank()))
	}
	for i := 0; i < ndim; i++ {
		if arr.Shape()[i] != f.size {
			panic(fmt.Errorf("%w: axis %d has length %d, expected %d",
				ErrShapeMismatch, i, arr.Shape()[i], f.size))
		}
	}
	out := make(map[K]*tensor.Array, len(f.keys))
	trailing := arr.Shape()[ndim:]
	for i, k := range f.keys {
		block := arr.Block(ndim, f.splits[i], f.splits[i+1])
		shape := make([]int, 0, len(f.shapes[k])*ndim+len(trailing))
		for j := 0; j < ndim; j++ {
			shape = append(shape, f.shapes[k]...)
		}
		shape = append(shape, trailing...)
		out[k] = block.Reshape(shape...)
	}
	return out
}

// UnflattenVec is Unflatten for a plain flat vector.
func (f *FlattenArrays[K]) UnflattenVec(x []float64) map[K]*tensor.Array {
	if len(x) != f.size {
		panic(fmt.Errorf("%w: vector length %d, expected %d", ErrShapeMismatch, len(x), f.size))
	}
	data := make([]float64, len(x))
	copy(data, x)
	return f.Unflatten(tensor.New([]int{f.size}, data), 1)
}

// Flatten2D assembles a block-diagonal matrix from one square covariance
// block per key. Each entry must have the registered shape doubled
// (shape + shape).
func (f *FlattenArrays[K]) Flatten2D(values map[K]*tensor.Array) *mat.Dense {
	blocks := make([]mat.Matrix, 0, len(f.keys))
	for _, k := range f.keys {
		arr, ok := values[k]
		if !ok {
			panic(fmt.Errorf("%w: missing entry for key %v", ErrShapeMismatch, k))
		}
		doubled := append(append([]int(nil), f.shapes[k]...), f.shapes[k]...)
		if !shapeEqual(arr.Shape(), doubled) {
			panic(fmt.Errorf("%w: key %v has shape %v, expected %v",
				ErrShapeMismatch, k, arr.Shape(), doubled))
		}
		n := f.sizes[k]
		blocks = append(blocks, mat.NewDense(n, n, append([]float64(nil), arr.Data()...)))
	}
	return BlockDiag(f.size, blocks...)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
