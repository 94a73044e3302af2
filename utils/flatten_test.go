package utils_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

func newFlatten(t *testing.T) *utils.FlattenArrays[string] {
	t.Helper()
	return utils.NewFlattenArrays(
		[]string{"a", "b", "c"},
		map[string][]int{
			"a": {2},
			"b": {2, 2},
			"c": nil, // scalar
		},
	)
}

func TestFlattenRoundTrip(t *testing.T) {
	f := newFlatten(t)
	assert.Equal(t, 7, f.Size())
	assert.Equal(t, 3, f.Len())

	in := map[string]*tensor.Array{
		"a": tensor.FromSlice([]float64{1, 2}),
		"b": tensor.New([]int{2, 2}, []float64{3, 4, 5, 6}),
		"c": tensor.Scalar(7),
	}
	flat := f.Flatten(in)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7}, flat)

	out := f.UnflattenVec(flat)
	assert.Equal(t, in["a"].Data(), out["a"].Data())
	assert.Equal(t, []int{2, 2}, out["b"].Shape())
	assert.Equal(t, in["b"].Data(), out["b"].Data())
	assert.Equal(t, 7.0, out["c"].Item())
}

func TestFlattenShapeMismatchPanics(t *testing.T) {
	f := newFlatten(t)
	in := map[string]*tensor.Array{
		"a": tensor.FromSlice([]float64{1, 2, 3}), // wrong shape
		"b": tensor.New([]int{2, 2}, []float64{3, 4, 5, 6}),
		"c": tensor.Scalar(7),
	}
	assert.Panics(t, func() { f.Flatten(in) })
	assert.Panics(t, func() { f.UnflattenVec([]float64{1, 2, 3}) })
}

func TestRange(t *testing.T) {
	f := newFlatten(t)
	start, end := f.Range("a")
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)
	start, end = f.Range("b")
	assert.Equal(t, 2, start)
	assert.Equal(t, 6, end)
	start, end = f.Range("c")
	assert.Equal(t, 6, start)
	assert.Equal(t, 7, end)
	assert.Panics(t, func() { f.Range("missing") })
}

func TestUnflattenMatrixBlocks(t *testing.T) {
	f := utils.NewFlattenArrays(
		[]string{"x", "y"},
		map[string][]int{"x": {2}, "y": nil},
	)
	// 3x3 matrix whose diagonal blocks are [2x2] for x and [1x1] for y.
	m := tensor.New([]int{3, 3}, []float64{
		1, 2, 0,
		2, 3, 0,
		0, 0, 4,
	})
	blocks := f.Unflatten(m, 2)
	require.Contains(t, blocks, "x")
	require.Contains(t, blocks, "y")
	assert.Equal(t, []int{2, 2}, blocks["x"].Shape())
	assert.Equal(t, []float64{1, 2, 2, 3}, blocks["x"].Data())
	assert.Equal(t, 4.0, blocks["y"].Item())
}

func TestUnflattenPreservesTrailingAxes(t *testing.T) {
	f := utils.NewFlattenArrays(
		[]string{"x", "y"},
		map[string][]int{"x": {2}, "y": {1}},
	)
	// A transposed Jacobian: variable axis first, 2 residuals trailing.
	jac := tensor.New([]int{3, 2}, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	blocks := f.Unflatten(jac, 1)
	assert.Equal(t, []int{2, 2}, blocks["x"].Shape())
	assert.Equal(t, []float64{1, 2, 3, 4}, blocks["x"].Data())
	assert.Equal(t, []int{1, 2}, blocks["y"].Shape())
	assert.Equal(t, []float64{5, 6}, blocks["y"].Data())
}

func TestFlatten2DBlockDiag(t *testing.T) {
	f := utils.NewFlattenArrays(
		[]string{"x", "y"},
		map[string][]int{"x": {2}, "y": {1}},
	)
	covs := map[string]*tensor.Array{
		"x": tensor.New([]int{2, 2}, []float64{1, 2, 2, 5}),
		"y": tensor.New([]int{1, 1}, []float64{9}),
	}
	m := f.Flatten2D(covs)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 1.0, m.At(0, 0))
	assert.Equal(t, 2.0, m.At(0, 1))
	assert.Equal(t, 5.0, m.At(1, 1))
	assert.Equal(t, 9.0, m.At(2, 2))
	assert.Equal(t, 0.0, m.At(0, 2))
	assert.Equal(t, 0.0, m.At(2, 0))
}
