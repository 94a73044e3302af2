package meanfield

import (
	"errors"
	"fmt"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/message"
)

var ErrMissingMessage = errors.New("meanfield: no message for variable")

// MeanField assigns one approximating message to each variable.
type MeanField map[*graph.Variable]message.Message

// Clone returns a shallow copy; messages themselves are immutable.
func (m MeanField) Clone() MeanField {
	out := make(MeanField, len(m))
	for v, msg := range m {
		out[v] = msg
	}
	return out
}

// Divide returns, for every key of o, the receiver's message divided by
// o's message.
func (m MeanField) Divide(o MeanField) (MeanField, error) {
	out := make(MeanField, len(o))
	for v, denom := range o {
		num, ok := m[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingMessage, v.Name)
		}
		q, err := num.Divide(denom)
		if err != nil {
			return nil, fmt.Errorf("meanfield: dividing %s: %w", v.Name, err)
		}
		out[v] = q
	}
	return out, nil
}

// LogPDF sums the elementwise log-densities of every message whose
// variable has a value assigned.
func (m MeanField) LogPDF(values graph.Values) (float64, error) {
	total := 0.0
	for v, msg := range m {
		val, ok := values[v]
		if !ok {
			continue
		}
		lp, err := msg.LogPDF(val)
		if err != nil {
			return 0, fmt.Errorf("meanfield: logpdf of %s: %w", v.Name, err)
		}
		total += lp.Sum()
	}
	return total, nil
}

// FactorApproximation is the transient, per-factor view needed to update
// one factor in isolation: the factor itself, the cavity distribution
// (every other factor's contribution), the factor's own current
// contribution and the full model distribution restricted to the factor's
// variables. Created fresh each sweep step, never persisted.
type FactorApproximation struct {
	Factor     *graph.Factor
	CavityDist MeanField
	FactorDist MeanField
	ModelDist  MeanField
}

// DeterministicVariables returns the factor's derived variables.
func (fa *FactorApproximation) DeterministicVariables() []*graph.Variable {
	return fa.Factor.DeterministicVariables()
}

// Call evaluates the tilted log-density at a full assignment of the
// factor's free variables: the factor's own log-value plus the cavity
// contribution of every free and deterministic variable.
func (fa *FactorApproximation) Call(values graph.Values) (float64, error) {
	fv, err := fa.Factor.Call(values)
	if err != nil {
		return 0, err
	}
	total := fv.LogValue.Sum()
	all := values.Merged(fv.Deterministic)
	cavity, err := fa.CavityDist.LogPDF(all)
	if err != nil {
		return 0, err
	}
	return total + cavity, nil
}

// FactorProjection is the outcome of one factor's project step: the
// damped new factor contribution and the resulting model messages for the
// factor's variables.
type FactorProjection struct {
	Factor     *graph.Factor
	FactorDist MeanField
	ModelDist  MeanField
}

// Project blends a candidate model distribution into the factor's local
// contribution under damping delta (0 keeps the old contribution, 1
// replaces it). The candidate's implied factor message is
// modelDist / cavity; the damped contribution and the recomputed model
// messages are returned together with an accumulated Status.
func (fa *FactorApproximation) Project(modelDist MeanField, delta float64, status Status) (*FactorProjection, Status) {
	proj := &FactorProjection{
		Factor:     fa.Factor,
		FactorDist: make(MeanField, len(modelDist)),
		ModelDist:  make(MeanField, len(modelDist)),
	}
	for v, candidate := range modelDist {
		cavity, ok := fa.CavityDist[v]
		if !ok {
			status = status.Fail(fmt.Sprintf(
				"meanfield.Project: no cavity distribution for %s", v.Name))
			continue
		}
		old, ok := fa.FactorDist[v]
		if !ok {
			status = status.Fail(fmt.Sprintf(
				"meanfield.Project: no factor distribution for %s", v.Name))
			continue
		}
		implied, err := candidate.Divide(cavity)
		if err != nil {
			status = status.Fail(fmt.Sprintf(
				"meanfield.Project: %s: %v", v.Name, err))
			proj.FactorDist[v] = old
			proj.ModelDist[v] = fa.ModelDist[v]
			continue
		}
		damped, err := old.Damp(implied, delta)
		if err != nil {
			status = status.Fail(fmt.Sprintf(
				"meanfield.Project: damping %s: %v", v.Name, err))
			proj.FactorDist[v] = old
			proj.ModelDist[v] = fa.ModelDist[v]
			continue
		}
		model, err := cavity.Multiply(damped)
		if err != nil {
			status = status.Fail(fmt.Sprintf(
				"meanfield.Project: merging %s: %v", v.Name, err))
			proj.FactorDist[v] = old
			proj.ModelDist[v] = fa.ModelDist[v]
			continue
		}
		proj.FactorDist[v] = damped
		proj.ModelDist[v] = model
	}
	return proj, status
}
