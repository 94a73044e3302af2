package meanfield

import (
	"fmt"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/message"
)

// MeanFieldApproximation approximates the joint model as an independent
// product of per-variable messages, tracking each factor's contribution so
// that cavity distributions can be formed. It is never mutated: Project
// returns a brand-new approximation, leaving earlier snapshots valid.
type MeanFieldApproximation struct {
	graph       *graph.FactorGraph
	modelDist   MeanField
	factorDists map[*graph.Factor]MeanField
}

// New builds the initial approximation from one prior message per
// variable (free and deterministic). Each factor's contribution starts at
// the multiplicative identity of the variable's family, so the initial
// model distribution is exactly the priors.
func New(g *graph.FactorGraph, priors MeanField) (*MeanFieldApproximation, error) {
	modelDist := make(MeanField, len(priors))
	for _, v := range g.AllVariables() {
		msg, ok := priors[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingMessage, v.Name)
		}
		modelDist[v] = msg
	}
	factorDists := make(map[*graph.Factor]MeanField, len(g.Factors()))
	for _, f := range g.Factors() {
		dist := make(MeanField)
		for _, v := range f.AllVariables() {
			dist[v] = modelDist[v].Unit()
		}
		factorDists[f] = dist
	}
	return &MeanFieldApproximation{
		graph:       g,
		modelDist:   modelDist,
		factorDists: factorDists,
	}, nil
}

// Graph returns the underlying factor graph.
func (a *MeanFieldApproximation) Graph() *graph.FactorGraph { return a.graph }

// ModelDist returns the current model distribution. The returned map must
// not be modified.
func (a *MeanFieldApproximation) ModelDist() MeanField { return a.modelDist }

// Dist returns the current message for a variable.
func (a *MeanFieldApproximation) Dist(v *graph.Variable) (message.Message, bool) {
	m, ok := a.modelDist[v]
	return m, ok
}

// FactorApproximation builds the per-factor cavity view: for each of the
// factor's free and deterministic variables, the model distribution
// divided by this factor's current contribution.
func (a *MeanFieldApproximation) FactorApproximation(f *graph.Factor) (*FactorApproximation, error) {
	factorDist, ok := a.factorDists[f]
	if !ok {
		return nil, fmt.Errorf("meanfield: factor %s not part of approximation", f.Name())
	}
	cavity, err := a.modelDist.Divide(factorDist)
	if err != nil {
		return nil, fmt.Errorf("meanfield: cavity for %s: %w", f.Name(), err)
	}
	model := make(MeanField, len(factorDist))
	for v := range factorDist {
		model[v] = a.modelDist[v]
	}
	return &FactorApproximation{
		Factor:     f,
		CavityDist: cavity,
		FactorDist: factorDist.Clone(),
		ModelDist:  model,
	}, nil
}

// Project merges a factor projection back into the approximation,
// returning a new MeanFieldApproximation. The incoming approximation is
// left untouched; on failure the original state is returned with a failed
// Status.
func (a *MeanFieldApproximation) Project(proj *FactorProjection, status Status) (*MeanFieldApproximation, Status) {
	if _, ok := a.factorDists[proj.Factor]; !ok {
		return a, status.Fail(fmt.Sprintf(
			"meanfield.MeanFieldApproximation.Project: unknown factor %s", proj.Factor.Name()))
	}
	modelDist := a.modelDist.Clone()
	for v, msg := range proj.ModelDist {
		if _, ok := modelDist[v]; !ok {
			return a, status.Fail(fmt.Sprintf(
				"meanfield.MeanFieldApproximation.Project: unknown variable %s", v.Name))
		}
		modelDist[v] = msg
	}
	factorDists := make(map[*graph.Factor]MeanField, len(a.factorDists))
	for f, dist := range a.factorDists {
		factorDists[f] = dist
	}
	factorDists[proj.Factor] = proj.FactorDist.Clone()
	return &MeanFieldApproximation{
		graph:       a.graph,
		modelDist:   modelDist,
		factorDists: factorDists,
	}, status
}
