package message

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

var betaMessage *BetaMessage
var _ Message = betaMessage // Check that BetaMessage respects the Message interface.

// BetaMessage is an elementwise-independent Beta message. Alpha and beta
// both 1 is the uniform member.
type BetaMessage struct {
	alpha *tensor.Array
	beta  *tensor.Array
}

// NewBeta builds a Beta message; alpha and beta broadcast to a common
// shape.
func NewBeta(alpha, beta *tensor.Array) (*BetaMessage, error) {
	a, b, err := broadcastPair(alpha, beta)
	if err != nil {
		return nil, err
	}
	for i := range a.Data() {
		if a.Data()[i] <= 0 || b.Data()[i] <= 0 {
			return nil, fmt.Errorf("%w: alpha %v, beta %v",
				ErrBadMoments, a.Data()[i], b.Data()[i])
		}
	}
	return &BetaMessage{alpha: a, beta: b}, nil
}

// BetaUniform returns the flat Beta(1, 1) member over the given shape.
func BetaUniform(shape ...int) *BetaMessage {
	return &BetaMessage{
		alpha: tensor.Full(1, shape...),
		beta:  tensor.Full(1, shape...),
	}
}

func (m *BetaMessage) Shape() []int { return m.alpha.Shape() }

// Alpha returns the elementwise first shape parameters.
func (m *BetaMessage) Alpha() *tensor.Array { return m.alpha }

// Beta returns the elementwise second shape parameters.
func (m *BetaMessage) Beta() *tensor.Array { return m.beta }

func (m *BetaMessage) Mean() *tensor.Array {
	return tensor.MustDiv(m.alpha, tensor.MustAdd(m.alpha, m.beta))
}

func (m *BetaMessage) Variance() *tensor.Array {
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		a, b := m.alpha.Data()[i], m.beta.Data()[i]
		out.Data()[i] = a * b / ((a + b) * (a + b) * (a + b + 1))
	}
	return out
}

func (m *BetaMessage) Scale() *tensor.Array {
	return m.Variance().Map(math.Sqrt)
}

func (m *BetaMessage) Support() (float64, float64) {
	return 0, 1
}

func (m *BetaMessage) Unit() Message {
	return BetaUniform(m.Shape()...)
}

func (m *BetaMessage) Sample(rng *rand.Rand) (*tensor.Array, error) {
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		dist := distuv.Beta{Alpha: m.alpha.Data()[i], Beta: m.beta.Data()[i], Src: rng}
		out.Data()[i] = dist.Rand()
	}
	return out, nil
}

func (m *BetaMessage) LogPDF(x *tensor.Array) (*tensor.Array, error) {
	bx, err := x.BroadcastTo(m.Shape()...)
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		dist := distuv.Beta{Alpha: m.alpha.Data()[i], Beta: m.beta.Data()[i]}
		out.Data()[i] = dist.LogProb(bx.Data()[i])
	}
	return out, nil
}

// combine applies the natural-parameter update rule: the product of two
// Betas has alpha1+alpha2-1 and beta1+beta2-1.
func (m *BetaMessage) combine(o Message, sign float64) (Message, error) {
	if f, ok := o.(*FixedMessage); ok {
		return f, nil
	}
	other, ok := o.(*BetaMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Beta and %T", ErrIncompatibleFamilies, o)
	}
	if !tensor.SameShape(m.alpha, other.alpha) {
		return nil, fmt.Errorf("%w: shapes %v and %v", ErrBadMoments, m.Shape(), other.Shape())
	}
	alpha := tensor.Zeros(m.Shape()...)
	beta := tensor.Zeros(m.Shape()...)
	for i := range alpha.Data() {
		a := m.alpha.Data()[i] + sign*(other.alpha.Data()[i]-1)
		b := m.beta.Data()[i] + sign*(other.beta.Data()[i]-1)
		if a <= 0 || b <= 0 {
			return nil, fmt.Errorf("%w: combined alpha %v, beta %v", ErrImproper, a, b)
		}
		alpha.Data()[i] = a
		beta.Data()[i] = b
	}
	return &BetaMessage{alpha: alpha, beta: beta}, nil
}

func (m *BetaMessage) Multiply(o Message) (Message, error) { return m.combine(o, 1) }

func (m *BetaMessage) Divide(o Message) (Message, error) { return m.combine(o, -1) }

func (m *BetaMessage) Damp(o Message, delta float64) (Message, error) {
	if IsFixed(o) {
		return o, nil
	}
	other, ok := o.(*BetaMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Beta and %T", ErrIncompatibleFamilies, o)
	}
	alpha := tensor.Zeros(m.Shape()...)
	beta := tensor.Zeros(m.Shape()...)
	for i := range alpha.Data() {
		alpha.Data()[i] = (1-delta)*m.alpha.Data()[i] + delta*other.alpha.Data()[i]
		beta.Data()[i] = (1-delta)*m.beta.Data()[i] + delta*other.beta.Data()[i]
	}
	return &BetaMessage{alpha: alpha, beta: beta}, nil
}

// FromMode inverts the mean/variance moment equations, treating the mode
// as the mean. Degenerate moments clamp the concentration at a small
// positive floor.
func (m *BetaMessage) FromMode(mode, cov *tensor.Array) (Message, error) {
	variance, err := varianceFrom(mode, cov)
	if err != nil {
		return nil, err
	}
	bmode, bvar, err := broadcastPair(mode, variance)
	if err != nil {
		return nil, err
	}
	alpha := tensor.Zeros(bmode.Shape()...)
	beta := tensor.Zeros(bmode.Shape()...)
	for i := range alpha.Data() {
		mu := math.Min(math.Max(bmode.Data()[i], 1e-6), 1-1e-6)
		v := bvar.Data()[i]
		nu := mu*(1-mu)/v - 1
		if nu <= 0 {
			nu = 1e-3
		}
		alpha.Data()[i] = math.Max(mu*nu, 1e-3)
		beta.Data()[i] = math.Max((1-mu)*nu, 1e-3)
	}
	return NewBeta(alpha, beta)
}

// Project moment-matches against the Beta sufficient statistics E[ln x]
// and E[ln(1-x)] via the Newton-Raphson inversion in utils.
func (m *BetaMessage) Project(samples []*tensor.Array, logWeights []float64) (Message, error) {
	logX := make([]*tensor.Array, len(samples))
	log1X := make([]*tensor.Array, len(samples))
	for i, s := range samples {
		logX[i] = s.Map(math.Log)
		log1X[i] = s.Map(func(v float64) float64 { return math.Log1p(-v) })
	}
	meanLogX, _, err := weightedMoments(logX, logWeights)
	if err != nil {
		return nil, err
	}
	meanLog1X, _, err := weightedMoments(log1X, logWeights)
	if err != nil {
		return nil, err
	}
	alpha, beta := utils.InvBetaSuffStats(meanLogX, meanLog1X)
	return NewBeta(alpha, beta)
}

func (m *BetaMessage) String() string {
	return fmt.Sprintf("BetaMessage(alpha=%v, beta=%v)", m.alpha, m.beta)
}
