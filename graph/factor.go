package graph

import (
	"errors"
	"fmt"

	"github.com/FiachAntaw/gofit/tensor"
)

var ErrMissingValue = errors.New("graph: missing value for variable")
var ErrAlreadyDeterministic = errors.New("graph: factor already has a deterministic variable")

// Func is the numeric function wrapped by a factor. Arguments arrive in
// the factor's declared variable order.
type Func func(args []*tensor.Array) (*tensor.Array, error)

// FactorValue is the result of calling a factor: the (possibly broadcast)
// log-value plus values for any deterministic variables produced.
type FactorValue struct {
	LogValue      *tensor.Array
	Deterministic Values
}

// Factor wraps a pure numeric function of named variables. A plain factor
// contributes the function's output as a log-density term. A deterministic
// factor (built with Equals) instead assigns the output to a derived
// variable and contributes zero log-value of its own.
type Factor struct {
	name      string
	fn        Func
	variables []*Variable
	det       *Variable
}

// NewFactor wraps fn over the given free variables.
func NewFactor(name string, fn Func, variables ...*Variable) *Factor {
	return &Factor{name: name, fn: fn, variables: variables}
}

// Equals returns a deterministic link: the factor's output becomes the
// value of det rather than a log-density contribution.
func (f *Factor) Equals(det *Variable) *Factor {
	if f.det != nil {
		panic(ErrAlreadyDeterministic)
	}
	return &Factor{
		name:      fmt.Sprintf("(%s == %s)", f.name, det.Name),
		fn:        f.fn,
		variables: f.variables,
		det:       det,
	}
}

// Name returns the factor's name.
func (f *Factor) Name() string { return f.name }

func (f *Factor) String() string { return fmt.Sprintf("Factor(%s)", f.name) }

// Variables returns the factor's free variables in declaration order.
func (f *Factor) Variables() []*Variable { return f.variables }

// DeterministicVariables returns the variables this factor produces.
func (f *Factor) DeterministicVariables() []*Variable {
	if f.det == nil {
		return nil
	}
	return []*Variable{f.det}
}

// AllVariables returns free variables followed by deterministic ones.
func (f *Factor) AllVariables() []*Variable {
	return append(append([]*Variable(nil), f.variables...), f.DeterministicVariables()...)
}

// Call evaluates the factor at a full assignment of its free variables.
// The factor is a pure function; equal inputs give equal outputs.
func (f *Factor) Call(values Values) (*FactorValue, error) {
	args := make([]*tensor.Array, len(f.variables))
	for i, v := range f.variables {
		arr, ok := values[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingValue, f.name, v.Name)
		}
		args[i] = arr
	}
	out, err := f.fn(args)
	if err != nil {
		return nil, fmt.Errorf("graph: factor %s: %w", f.name, err)
	}
	if f.det != nil {
		return &FactorValue{
			LogValue:      tensor.Scalar(0),
			Deterministic: Values{f.det: out},
		}, nil
	}
	return &FactorValue{LogValue: out, Deterministic: Values{}}, nil
}
