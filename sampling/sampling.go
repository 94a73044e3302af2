// Package sampling implements the importance-sampled EP factor update:
// samples drawn from the current approximation are reweighted by the
// factor's tilted density and moment-matched back into each variable's
// message family.
package sampling

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
	"github.com/FiachAntaw/gofit/message"
	"github.com/FiachAntaw/gofit/tensor"
)

var ErrNoSamples = errors.New("sampling: no usable samples")

// ImportanceSampler draws reweighted samples from a factor's model
// distribution. The zero value is not usable; construct with
// NewImportanceSampler.
type ImportanceSampler struct {
	// NSamples is the number of draws per factor update.
	NSamples int
	// Rand drives the sampling. Defaults to a fixed-seed source.
	Rand *rand.Rand
}

// NewImportanceSampler returns a sampler with the given sample count and
// a deterministic default source.
func NewImportanceSampler(nSamples int) *ImportanceSampler {
	return &ImportanceSampler{
		NSamples: nSamples,
		Rand:     rand.New(rand.NewSource(1)),
	}
}

func (s *ImportanceSampler) rng() *rand.Rand {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.New(rand.NewSource(1))
}

// sampleSet holds one factor's draws: per-variable sample arrays plus the
// importance log-weight of each joint draw.
type sampleSet struct {
	samples    map[*graph.Variable][]*tensor.Array
	logWeights []float64
}

// ProjectFactor draws NSamples joint assignments of the factor's free
// variables from the model distribution, weights each by the factor's
// log-value plus the cavity density of its deterministic outputs minus
// the proposal density, and moment-matches every variable's message to
// the weighted cloud. The effective sample size is recorded in the
// returned Status.
func (s *ImportanceSampler) ProjectFactor(fa *meanfield.FactorApproximation, status meanfield.Status) (meanfield.MeanField, meanfield.Status, error) {
	rng := s.rng()
	freeVars := fa.Factor.Variables()
	detVars := fa.Factor.DeterministicVariables()

	set := sampleSet{
		samples: map[*graph.Variable][]*tensor.Array{},
	}
	for i := 0; i < s.NSamples; i++ {
		values := graph.Values{}
		logW := 0.0
		ok := true
		for _, v := range freeVars {
			dist := fa.ModelDist[v]
			if message.IsFixed(dist) {
				values[v] = dist.Mean()
				continue
			}
			draw, err := dist.Sample(rng)
			if err != nil {
				return nil, status, fmt.Errorf("sampling: drawing %s: %w", v.Name, err)
			}
			values[v] = draw
			// Proposal is model = cavity * factorDist, so the tilted
			// density factor * cavity over the proposal leaves
			// factor / factorDist as the weight.
			lp, err := fa.FactorDist[v].LogPDF(draw)
			if err != nil {
				return nil, status, fmt.Errorf("sampling: factor density of %s: %w", v.Name, err)
			}
			logW -= lp.Sum()
		}
		fv, err := fa.Factor.Call(values)
		if err != nil {
			ok = false
		} else {
			logW += fv.LogValue.Sum()
			for _, d := range detVars {
				dv, present := fv.Deterministic[d]
				if !present {
					ok = false
					break
				}
				values[d] = dv
				cavity, present := fa.CavityDist[d]
				if !present {
					continue
				}
				lp, err := cavity.LogPDF(dv)
				if err != nil {
					ok = false
					break
				}
				logW += lp.Sum()
			}
		}
		if !ok {
			continue
		}
		for v, val := range values {
			set.samples[v] = append(set.samples[v], val)
		}
		set.logWeights = append(set.logWeights, logW)
	}
	if len(set.logWeights) == 0 {
		return nil, status, ErrNoSamples
	}

	ess := message.EffectiveSampleSize(set.logWeights)
	status = status.Append(fmt.Sprintf(
		"sampling.ProjectFactor: %s: n=%d, ess=%.1f", fa.Factor.Name(), len(set.logWeights), ess))

	out := make(meanfield.MeanField, len(fa.ModelDist))
	for v, dist := range fa.ModelDist {
		if message.IsFixed(dist) {
			out[v] = dist
			continue
		}
		samples, present := set.samples[v]
		if !present {
			out[v] = dist
			continue
		}
		msg, err := dist.Project(samples, set.logWeights)
		if err != nil {
			status = status.Fail(fmt.Sprintf(
				"sampling.ProjectFactor: projecting %s: %v", v.Name, err))
			out[v] = dist
			continue
		}
		out[v] = msg
	}
	return out, status, nil
}

// ImportanceFactorApprox performs one full EP update of a single factor
// by importance sampling: cavity, weighted moment matching, damped
// projection and global merge. A new approximation is returned; the input
// is never modified.
func ImportanceFactorApprox(approx *meanfield.MeanFieldApproximation, factor *graph.Factor, sampler *ImportanceSampler, delta float64) (*meanfield.MeanFieldApproximation, meanfield.Status) {
	fa, err := approx.FactorApproximation(factor)
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("sampling.ImportanceFactorApprox: %v", err))
	}
	modelDist, status, err := sampler.ProjectFactor(fa, meanfield.OK())
	if err != nil {
		return approx, meanfield.OK().Fail(fmt.Sprintf("sampling.ImportanceFactorApprox: %v", err))
	}
	proj, status := fa.Project(modelDist, delta, status)
	return approx.Project(proj, status)
}
