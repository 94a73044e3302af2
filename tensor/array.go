// Package tensor implements a small shaped float64 array with NumPy-style
// broadcasting. It is the numeric currency exchanged between factors,
// messages and optimizers.
package tensor

import (
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("tensor: shape mismatch")
var ErrNotBroadcastable = errors.New("tensor: shapes not broadcastable")

// Array is an immutable-by-convention dense array of float64 stored in
// row-major order. A rank-0 Array holds a single scalar.
type Array struct {
	shape []int
	data  []float64
}

// New wraps shape and data into an Array. The data slice is not copied;
// callers must not alias it afterwards.
func New(shape []int, data []float64) *Array {
	if len(data) != sizeOf(shape) {
		panic(fmt.Errorf("%w: shape %v needs %d elements, got %d",
			ErrShapeMismatch, shape, sizeOf(shape), len(data)))
	}
	return &Array{shape: cloneShape(shape), data: data}
}

// Zeros returns a zero-filled Array of the given shape.
func Zeros(shape ...int) *Array {
	return &Array{shape: cloneShape(shape), data: make([]float64, sizeOf(shape))}
}

// Full returns an Array of the given shape with every element set to v.
func Full(v float64, shape ...int) *Array {
	out := Zeros(shape...)
	for i := range out.data {
		out.data[i] = v
	}
	return out
}

// Scalar returns a rank-0 Array holding v.
func Scalar(v float64) *Array {
	return &Array{shape: nil, data: []float64{v}}
}

// FromSlice returns a rank-1 Array over a copy of vals.
func FromSlice(vals []float64) *Array {
	data := make([]float64, len(vals))
	copy(data, vals)
	return &Array{shape: []int{len(vals)}, data: data}
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	if len(shape) == 0 {
		return nil
	}
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Shape returns the dimensions of the array. The returned slice must not
// be modified.
func (a *Array) Shape() []int { return a.shape }

// Rank returns the number of axes.
func (a *Array) Rank() int { return len(a.shape) }

// Size returns the total number of elements.
func (a *Array) Size() int { return len(a.data) }

// Data returns the backing slice. The returned slice must not be modified.
func (a *Array) Data() []float64 { return a.data }

// Item returns the value of a single-element array.
func (a *Array) Item() float64 {
	if len(a.data) != 1 {
		panic(fmt.Errorf("%w: Item on array of size %d", ErrShapeMismatch, len(a.data)))
	}
	return a.data[0]
}

// At returns the element at the given multi-index.
func (a *Array) At(idx ...int) float64 {
	return a.data[a.flatIndex(idx)]
}

// Set assigns the element at the given multi-index.
func (a *Array) Set(v float64, idx ...int) {
	a.data[a.flatIndex(idx)] = v
}

func (a *Array) flatIndex(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Errorf("%w: index rank %d for array rank %d",
			ErrShapeMismatch, len(idx), len(a.shape)))
	}
	flat := 0
	for i, d := range a.shape {
		if idx[i] < 0 || idx[i] >= d {
			panic(fmt.Errorf("tensor: index %v out of range for shape %v", idx, a.shape))
		}
		flat = flat*d + idx[i]
	}
	return flat
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	data := make([]float64, len(a.data))
	copy(data, a.data)
	return &Array{shape: cloneShape(a.shape), data: data}
}

// Reshape returns a copy of the array with a new shape of equal size.
func (a *Array) Reshape(shape ...int) *Array {
	if sizeOf(shape) != len(a.data) {
		panic(fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, a.shape, shape))
	}
	data := make([]float64, len(a.data))
	copy(data, a.data)
	return &Array{shape: cloneShape(shape), data: data}
}

// Ravel returns a rank-1 copy of the array.
func (a *Array) Ravel() *Array {
	return a.Reshape(len(a.data))
}

// Map returns a new array with f applied elementwise.
func (a *Array) Map(f func(float64) float64) *Array {
	out := a.Clone()
	for i, v := range out.data {
		out.data[i] = f(v)
	}
	return out
}

// Scale returns a * c elementwise.
func (a *Array) Scale(c float64) *Array {
	return a.Map(func(v float64) float64 { return v * c })
}

// Shift returns a + c elementwise.
func (a *Array) Shift(c float64) *Array {
	return a.Map(func(v float64) float64 { return v + c })
}

// Sum returns the sum of all elements.
func (a *Array) Sum() float64 {
	total := 0.0
	for _, v := range a.data {
		total += v
	}
	return total
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Array) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// BroadcastShape computes the NumPy broadcast of two shapes.
func BroadcastShape(x, y []int) ([]int, error) {
	n := len(x)
	if len(y) > n {
		n = len(y)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		dx, dy := 1, 1
		if i >= n-len(x) {
			dx = x[i-(n-len(x))]
		}
		if i >= n-len(y) {
			dy = y[i-(n-len(y))]
		}
		switch {
		case dx == dy:
			out[i] = dx
		case dx == 1:
			out[i] = dy
		case dy == 1:
			out[i] = dx
		default:
			return nil, fmt.Errorf("%w: %v and %v", ErrNotBroadcastable, x, y)
		}
	}
	return out, nil
}

// BroadcastTo returns a copy of the array expanded to the given shape.
func (a *Array) BroadcastTo(shape ...int) (*Array, error) {
	bshape, err := BroadcastShape(a.shape, shape)
	if err != nil {
		return nil, err
	}
	if sizeOf(bshape) != sizeOf(shape) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v",
			ErrNotBroadcastable, a.shape, shape)
	}
	out := Zeros(shape...)
	idx := make([]int, len(shape))
	for flat := 0; flat < out.Size(); flat++ {
		out.data[flat] = a.broadcastAt(idx)
		increment(idx, shape)
	}
	return out, nil
}

// broadcastAt reads the element a contributes at the given broadcast index.
func (a *Array) broadcastAt(idx []int) float64 {
	off := len(idx) - len(a.shape)
	flat := 0
	for i, d := range a.shape {
		j := idx[off+i]
		if d == 1 {
			j = 0
		}
		flat = flat*d + j
	}
	return a.data[flat]
}

func increment(idx, shape []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}

func binary(a, b *Array, f func(x, y float64) float64) (*Array, error) {
	shape, err := BroadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(shape...)
	idx := make([]int, len(shape))
	for flat := 0; flat < out.Size(); flat++ {
		out.data[flat] = f(a.broadcastAt(idx), b.broadcastAt(idx))
		increment(idx, shape)
	}
	return out, nil
}

// Add returns a + b with broadcasting.
func Add(a, b *Array) (*Array, error) {
	return binary(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Array) (*Array, error) {
	return binary(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b elementwise with broadcasting.
func Mul(a, b *Array) (*Array, error) {
	return binary(a, b, func(x, y float64) float64 { return x * y })
}

// Div returns a / b elementwise with broadcasting.
func Div(a, b *Array) (*Array, error) {
	return binary(a, b, func(x, y float64) float64 { return x / y })
}

// MustAdd is Add panicking on broadcast failure.
func MustAdd(a, b *Array) *Array { return must(Add(a, b)) }

// MustSub is Sub panicking on broadcast failure.
func MustSub(a, b *Array) *Array { return must(Sub(a, b)) }

// MustMul is Mul panicking on broadcast failure.
func MustMul(a, b *Array) *Array { return must(Mul(a, b)) }

// MustDiv is Div panicking on broadcast failure.
func MustDiv(a, b *Array) *Array { return must(Div(a, b)) }

func must(a *Array, err error) *Array {
	if err != nil {
		panic(err)
	}
	return a
}

// Block slices the leading ndim axes of the array to the half-open range
// [i0, i1), leaving the trailing axes untouched. Used to unflatten one
// registered block out of a flattened vector, matrix or higher-rank object.
func (a *Array) Block(ndim, i0, i1 int) *Array {
	if ndim > len(a.shape) {
		panic(fmt.Errorf("%w: Block ndim %d exceeds rank %d",
			ErrShapeMismatch, ndim, len(a.shape)))
	}
	outShape := make([]int, len(a.shape))
	copy(outShape, a.shape)
	for i := 0; i < ndim; i++ {
		if i1 > a.shape[i] {
			panic(fmt.Errorf("tensor: block [%d:%d) out of range for axis %d of %v",
				i0, i1, i, a.shape))
		}
		outShape[i] = i1 - i0
	}
	out := Zeros(outShape...)
	idx := make([]int, len(outShape))
	src := make([]int, len(a.shape))
	for flat := 0; flat < out.Size(); flat++ {
		copy(src, idx)
		for i := 0; i < ndim; i++ {
			src[i] += i0
		}
		out.data[flat] = a.At(src...)
		increment(idx, outShape)
	}
	return out
}

func (a *Array) String() string {
	return fmt.Sprintf("Array(shape=%v, data=%v)", a.shape, a.data)
}
