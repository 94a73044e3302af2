// Package graph implements the factor-graph data structures: variables and
// their broadcasting plates, factors wrapping numeric log-density
// functions, deterministic links and the composite factor graph.
package graph

import "github.com/FiachAntaw/gofit/tensor"

// Plate is a named index dimension. Variables referencing the same plate
// share that axis of their array shape via broadcasting.
type Plate struct {
	Name string
}

// NewPlate returns a new plate identity.
func NewPlate(name string) *Plate {
	return &Plate{Name: name}
}

func (p *Plate) String() string { return p.Name }

// Variable is an immutable identity token for a random variable. Variables
// are compared by pointer and used as map keys; they are never mutated.
type Variable struct {
	Name   string
	Plates []*Plate
}

// NewVariable returns a new variable identity over zero or more plates.
func NewVariable(name string, plates ...*Plate) *Variable {
	return &Variable{Name: name, Plates: plates}
}

func (v *Variable) String() string { return v.Name }

// Values assigns an array to each variable.
type Values map[*Variable]*tensor.Array

// Merged returns a new Values combining v and others; later maps win.
func (v Values) Merged(others ...Values) Values {
	out := make(Values, len(v))
	for key, val := range v {
		out[key] = val
	}
	for _, o := range others {
		for key, val := range o {
			out[key] = val
		}
	}
	return out
}
