package graph

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/FiachAntaw/gofit/tensor"
)

// JacKey identifies one Jacobian block: the derivative of Out's value with
// respect to In.
type JacKey struct {
	Out *Variable
	In  *Variable
}

// FactorJacobian holds numeric derivatives of a factor evaluated at a
// point: the log-value with respect to each requested variable, and each
// deterministic output with respect to each requested variable. Blocks
// have shape outputShape + variableShape.
type FactorJacobian struct {
	LogValue      Values
	Deterministic map[JacKey]*tensor.Array
}

// Jacobian computes forward-difference derivatives of the factor's
// log-value and deterministic outputs with respect to the wrt variables.
func (f *Factor) Jacobian(values Values, wrt []*Variable) (*FactorJacobian, error) {
	f0, err := f.Call(values)
	if err != nil {
		return nil, err
	}
	detVars := f.DeterministicVariables()

	// All outputs stacked into one vector: log-value rows first, then each
	// deterministic variable's rows.
	logSize := f0.LogValue.Size()
	rows := logSize
	for _, d := range detVars {
		rows += f0.Deterministic[d].Size()
	}
	origin := make([]float64, 0, rows)
	origin = append(origin, f0.LogValue.Data()...)
	for _, d := range detVars {
		origin = append(origin, f0.Deterministic[d].Data()...)
	}

	jac := &FactorJacobian{
		LogValue:      Values{},
		Deterministic: map[JacKey]*tensor.Array{},
	}
	for _, v := range wrt {
		x0 := values[v]
		if x0 == nil {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingValue, f.name, v.Name)
		}
		cols := x0.Size()

		var evalErr error
		dst := mat.NewDense(rows, cols, nil)
		fd.Jacobian(dst, func(out, x []float64) {
			probe := tensor.New(append([]int(nil), x0.Shape()...), append([]float64(nil), x...))
			fv, err := f.Call(values.Merged(Values{v: probe}))
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				for i := range out {
					out[i] = math.NaN()
				}
				return
			}
			copy(out, fv.LogValue.Data())
			off := logSize
			for _, d := range detVars {
				copy(out[off:], fv.Deterministic[d].Data())
				off += fv.Deterministic[d].Size()
			}
		}, x0.Data(), &fd.JacobianSettings{OriginValue: origin})
		if evalErr != nil {
			return nil, evalErr
		}

		raw := dst.RawMatrix().Data
		logShape := append(append([]int(nil), f0.LogValue.Shape()...), x0.Shape()...)
		jac.LogValue[v] = tensor.New(logShape, append([]float64(nil), raw[:logSize*cols]...))
		off := logSize
		for _, d := range detVars {
			dSize := f0.Deterministic[d].Size()
			shape := append(append([]int(nil), f0.Deterministic[d].Shape()...), x0.Shape()...)
			jac.Deterministic[JacKey{Out: d, In: v}] = tensor.New(
				shape, append([]float64(nil), raw[off*cols:(off+dSize)*cols]...))
			off += dSize
		}
	}
	return jac, nil
}
