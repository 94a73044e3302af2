// Package message implements the distribution families exchanged during
// expectation propagation. Each family is an immutable value object behind
// the Message interface; combining messages across families is an error.
package message

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"

	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

var ErrIncompatibleFamilies = errors.New("message: cannot combine messages of different families")
var ErrImproper = errors.New("message: distribution is improper")
var ErrBadMoments = errors.New("message: moments do not define a valid distribution")

// Message is an approximating probability distribution assigned to a
// variable. Every operation returns a new Message; values are never
// mutated.
type Message interface {
	// Shape of the variable's array; distribution parameters are
	// elementwise over this shape.
	Shape() []int
	Mean() *tensor.Array
	Variance() *tensor.Array
	// Scale is the elementwise standard deviation.
	Scale() *tensor.Array
	// Support returns the distribution's bounds; infinities mean
	// unbounded.
	Support() (lower, upper float64)
	// Unit returns the multiplicative identity of the same family and
	// shape.
	Unit() Message
	Sample(rng *rand.Rand) (*tensor.Array, error)
	// LogPDF returns the elementwise log-density at x, broadcast to the
	// message shape.
	LogPDF(x *tensor.Array) (*tensor.Array, error)
	Multiply(o Message) (Message, error)
	Divide(o Message) (Message, error)
	// Damp interpolates natural parameters between the receiver (weight
	// 1-delta) and o (weight delta).
	Damp(o Message, delta float64) (Message, error)
	// FromMode builds a same-family message from a mode and covariance.
	// cov may have doubled rank (a covariance tensor, of which the
	// diagonal is taken) or broadcast to the mode's shape as an
	// elementwise variance.
	FromMode(mode, cov *tensor.Array) (Message, error)
	// Project moment-matches a same-family message to weighted samples.
	Project(samples []*tensor.Array, logWeights []float64) (Message, error)
}

// IsFixed reports whether m is a degenerate zero-variance message.
func IsFixed(m Message) bool {
	_, ok := m.(*FixedMessage)
	return ok
}

// broadcastPair expands a and b to their common broadcast shape.
func broadcastPair(a, b *tensor.Array) (*tensor.Array, *tensor.Array, error) {
	shape, err := tensor.BroadcastShape(a.Shape(), b.Shape())
	if err != nil {
		return nil, nil, err
	}
	ba, err := a.BroadcastTo(shape...)
	if err != nil {
		return nil, nil, err
	}
	bb, err := b.BroadcastTo(shape...)
	if err != nil {
		return nil, nil, err
	}
	return ba, bb, nil
}

// varianceFrom interprets cov either as a covariance tensor over mode's
// shape (doubled rank; diagonal extracted) or as an elementwise variance
// broadcastable to mode's shape.
func varianceFrom(mode, cov *tensor.Array) (*tensor.Array, error) {
	doubled := cov.Rank() == 2*mode.Rank() && cov.Size() == mode.Size()*mode.Size()
	if doubled && mode.Rank() > 0 {
		return utils.DiagonalOf(cov).Reshape(mode.Shape()...), nil
	}
	if mode.Rank() == 0 && cov.Size() == 1 {
		return tensor.Scalar(cov.Data()[0]), nil
	}
	return cov.BroadcastTo(mode.Shape()...)
}

// weightedMoments computes the weighted mean and variance of each element
// across the sample axis, with weights normalized from log space.
func weightedMoments(samples []*tensor.Array, logWeights []float64) (mean, variance *tensor.Array, err error) {
	if len(samples) == 0 || len(samples) != len(logWeights) {
		return nil, nil, ErrBadMoments
	}
	w := normalizeLogWeights(logWeights)
	shape := samples[0].Shape()
	n := samples[0].Size()
	meanData := make([]float64, n)
	varData := make([]float64, n)
	for i, s := range samples {
		if !tensor.SameShape(s, samples[0]) {
			return nil, nil, ErrBadMoments
		}
		for j, v := range s.Data() {
			meanData[j] += w[i] * v
		}
	}
	for i, s := range samples {
		for j, v := range s.Data() {
			d := v - meanData[j]
			varData[j] += w[i] * d * d
		}
	}
	return tensor.New(append([]int(nil), shape...), meanData),
		tensor.New(append([]int(nil), shape...), varData), nil
}

func normalizeLogWeights(logWeights []float64) []float64 {
	maxLW := logWeights[0]
	for _, lw := range logWeights[1:] {
		if lw > maxLW {
			maxLW = lw
		}
	}
	w := make([]float64, len(logWeights))
	total := 0.0
	for i, lw := range logWeights {
		w[i] = math.Exp(lw - maxLW)
		total += w[i]
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

// EffectiveSampleSize returns (sum w)^2 / sum w^2 for weights given in log
// space, a standard importance-sampling quality diagnostic.
func EffectiveSampleSize(logWeights []float64) float64 {
	w := normalizeLogWeights(logWeights)
	sumSq := 0.0
	for _, wi := range w {
		sumSq += wi * wi
	}
	return 1 / sumSq
}
