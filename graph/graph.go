package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/FiachAntaw/gofit/tensor"
)

var ErrDuplicateName = errors.New("graph: variable names must be unique within a graph")
var ErrDuplicateDeterministic = errors.New("graph: deterministic variable produced by more than one factor")
var ErrUnresolvedDependency = errors.New("graph: could not resolve deterministic dependencies")

// FactorGraph composes factors into a single callable representing the
// joint unnormalized log-density. The product of factors is closed: Mul
// extends the graph with further factors.
type FactorGraph struct {
	factors       []*Factor
	variables     []*Variable
	deterministic []*Variable
}

// New builds a factor graph from factors, validating that variable names
// are globally unique and each deterministic variable has one producer.
func New(factors ...*Factor) (*FactorGraph, error) {
	g := &FactorGraph{}
	byName := map[string]*Variable{}
	producers := map[*Variable]*Factor{}
	for _, f := range factors {
		for _, v := range f.AllVariables() {
			if seen, ok := byName[v.Name]; ok {
				if seen != v {
					return nil, fmt.Errorf("%w: %q", ErrDuplicateName, v.Name)
				}
				continue
			}
			byName[v.Name] = v
		}
		for _, d := range f.DeterministicVariables() {
			if _, ok := producers[d]; ok {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateDeterministic, d.Name)
			}
			producers[d] = f
			g.deterministic = append(g.deterministic, d)
		}
		g.factors = append(g.factors, f)
	}
	isDet := map[*Variable]bool{}
	for _, d := range g.deterministic {
		isDet[d] = true
	}
	seen := map[*Variable]bool{}
	for _, f := range factors {
		for _, v := range f.variables {
			if !seen[v] && !isDet[v] {
				seen[v] = true
				g.variables = append(g.variables, v)
			}
		}
	}
	return g, nil
}

// Mul returns a new graph extended with more factors; the receiver is
// unchanged.
func (g *FactorGraph) Mul(factors ...*Factor) (*FactorGraph, error) {
	return New(append(append([]*Factor(nil), g.factors...), factors...)...)
}

// Factors returns the factors in declaration order.
func (g *FactorGraph) Factors() []*Factor { return g.factors }

// Variables returns the free (non-deterministic) variables in first-use
// order.
func (g *FactorGraph) Variables() []*Variable { return g.variables }

// DeterministicVariables returns all derived variables of the graph.
func (g *FactorGraph) DeterministicVariables() []*Variable { return g.deterministic }

// AllVariables returns free variables followed by deterministic ones.
func (g *FactorGraph) AllVariables() []*Variable {
	return append(append([]*Variable(nil), g.variables...), g.deterministic...)
}

// Name joins the factor names with ".".
func (g *FactorGraph) Name() string {
	names := make([]string, len(g.factors))
	for i, f := range g.factors {
		names[i] = f.name
	}
	return strings.Join(names, ".")
}

func (g *FactorGraph) String() string {
	names := make([]string, len(g.factors))
	for i, f := range g.factors {
		names[i] = f.String()
	}
	return "(" + strings.Join(names, " * ") + ")"
}

// Call evaluates the joint log-density at a full assignment of the free
// variables. Deterministic variables are resolved by deferring factors
// whose inputs are not yet available; the summed log-value broadcasts
// across factor shapes.
func (g *FactorGraph) Call(values Values) (*FactorValue, error) {
	avail := values.Merged()
	det := Values{}
	logValue := tensor.Scalar(0)

	done := make([]bool, len(g.factors))
	remaining := len(g.factors)
	for remaining > 0 {
		progress := false
		for i, f := range g.factors {
			if done[i] || !f.ready(avail) {
				continue
			}
			fv, err := f.Call(avail)
			if err != nil {
				return nil, err
			}
			sum, err := tensor.Add(logValue, fv.LogValue)
			if err != nil {
				return nil, err
			}
			logValue = sum
			for d, val := range fv.Deterministic {
				avail[d] = val
				det[d] = val
			}
			done[i] = true
			remaining--
			progress = true
		}
		if !progress {
			return nil, ErrUnresolvedDependency
		}
	}
	return &FactorValue{LogValue: logValue, Deterministic: det}, nil
}

func (f *Factor) ready(values Values) bool {
	for _, v := range f.variables {
		if _, ok := values[v]; !ok {
			return false
		}
	}
	return true
}
