package message

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FiachAntaw/gofit/tensor"
	"github.com/FiachAntaw/gofit/utils"
)

var gammaMessage *GammaMessage
var _ Message = gammaMessage // Check that GammaMessage respects the Message interface.

// GammaMessage is an elementwise-independent Gamma message in
// shape/rate parameterization. Rate 0 with shape 1 is the uniform member.
type GammaMessage struct {
	alpha *tensor.Array
	beta  *tensor.Array
}

// NewGamma builds a Gamma message; alpha and beta broadcast to a common
// shape.
func NewGamma(alpha, beta *tensor.Array) (*GammaMessage, error) {
	a, b, err := broadcastPair(alpha, beta)
	if err != nil {
		return nil, err
	}
	for i := range a.Data() {
		if a.Data()[i] <= 0 || b.Data()[i] < 0 {
			return nil, fmt.Errorf("%w: alpha %v, beta %v",
				ErrBadMoments, a.Data()[i], b.Data()[i])
		}
	}
	return &GammaMessage{alpha: a, beta: b}, nil
}

// GammaUniform returns the improper uniform member over the given shape.
func GammaUniform(shape ...int) *GammaMessage {
	return &GammaMessage{
		alpha: tensor.Full(1, shape...),
		beta:  tensor.Zeros(shape...),
	}
}

func (m *GammaMessage) Shape() []int { return m.alpha.Shape() }

// Alpha returns the elementwise shape parameters.
func (m *GammaMessage) Alpha() *tensor.Array { return m.alpha }

// Beta returns the elementwise rate parameters.
func (m *GammaMessage) Beta() *tensor.Array { return m.beta }

func (m *GammaMessage) Mean() *tensor.Array {
	return tensor.MustDiv(m.alpha, m.beta)
}

func (m *GammaMessage) Variance() *tensor.Array {
	return tensor.MustDiv(m.alpha, tensor.MustMul(m.beta, m.beta))
}

func (m *GammaMessage) Scale() *tensor.Array {
	return m.Variance().Map(math.Sqrt)
}

func (m *GammaMessage) Support() (float64, float64) {
	return 0, math.Inf(1)
}

func (m *GammaMessage) Unit() Message {
	return GammaUniform(m.Shape()...)
}

func (m *GammaMessage) Sample(rng *rand.Rand) (*tensor.Array, error) {
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		b := m.beta.Data()[i]
		if b == 0 {
			return nil, fmt.Errorf("%w: cannot sample uniform gamma message", ErrImproper)
		}
		dist := distuv.Gamma{Alpha: m.alpha.Data()[i], Beta: b, Src: rng}
		out.Data()[i] = dist.Rand()
	}
	return out, nil
}

func (m *GammaMessage) LogPDF(x *tensor.Array) (*tensor.Array, error) {
	bx, err := x.BroadcastTo(m.Shape()...)
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		b := m.beta.Data()[i]
		if b == 0 {
			continue // uniform member contributes nothing
		}
		dist := distuv.Gamma{Alpha: m.alpha.Data()[i], Beta: b}
		out.Data()[i] = dist.LogProb(bx.Data()[i])
	}
	return out, nil
}

// combine applies the natural-parameter update rule: the product of two
// Gammas has alpha1+alpha2-1 and beta1+beta2.
func (m *GammaMessage) combine(o Message, sign float64) (Message, error) {
	if f, ok := o.(*FixedMessage); ok {
		return f, nil
	}
	other, ok := o.(*GammaMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Gamma and %T", ErrIncompatibleFamilies, o)
	}
	if !tensor.SameShape(m.alpha, other.alpha) {
		return nil, fmt.Errorf("%w: shapes %v and %v", ErrBadMoments, m.Shape(), other.Shape())
	}
	alpha := tensor.Zeros(m.Shape()...)
	beta := tensor.Zeros(m.Shape()...)
	for i := range alpha.Data() {
		a := m.alpha.Data()[i] + sign*(other.alpha.Data()[i]-1)
		b := m.beta.Data()[i] + sign*other.beta.Data()[i]
		if a <= 0 || b < 0 {
			return nil, fmt.Errorf("%w: combined alpha %v, beta %v", ErrImproper, a, b)
		}
		alpha.Data()[i] = a
		beta.Data()[i] = b
	}
	return &GammaMessage{alpha: alpha, beta: beta}, nil
}

func (m *GammaMessage) Multiply(o Message) (Message, error) { return m.combine(o, 1) }

func (m *GammaMessage) Divide(o Message) (Message, error) { return m.combine(o, -1) }

func (m *GammaMessage) Damp(o Message, delta float64) (Message, error) {
	if IsFixed(o) {
		return o, nil
	}
	other, ok := o.(*GammaMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Gamma and %T", ErrIncompatibleFamilies, o)
	}
	alpha := tensor.Zeros(m.Shape()...)
	beta := tensor.Zeros(m.Shape()...)
	for i := range alpha.Data() {
		alpha.Data()[i] = (1-delta)*m.alpha.Data()[i] + delta*other.alpha.Data()[i]
		beta.Data()[i] = (1-delta)*m.beta.Data()[i] + delta*other.beta.Data()[i]
	}
	return &GammaMessage{alpha: alpha, beta: beta}, nil
}

// FromMode solves shape and rate from a mode and variance:
// mode = (alpha-1)/beta, var = alpha/beta^2.
func (m *GammaMessage) FromMode(mode, cov *tensor.Array) (Message, error) {
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
		mo, v := bmode.Data()[i], bvar.Data()[i]
		if v <= 0 {
			return nil, fmt.Errorf("%w: variance %v", ErrBadMoments, v)
		}
		b := (mo + math.Sqrt(mo*mo+4*v)) / (2 * v)
		alpha.Data()[i] = 1 + mo*b
		beta.Data()[i] = b
	}
	return NewGamma(alpha, beta)
}

// Project moment-matches against the Gamma sufficient statistics E[x] and
// E[ln x]; the shape parameter comes from inverting psi(a) - log(a).
func (m *GammaMessage) Project(samples []*tensor.Array, logWeights []float64) (Message, error) {
	mean, _, err := weightedMoments(samples, logWeights)
	if err != nil {
		return nil, err
	}
	logSamples := make([]*tensor.Array, len(samples))
	for i, s := range samples {
		logSamples[i] = s.Map(math.Log)
	}
	meanLog, _, err := weightedMoments(logSamples, logWeights)
	if err != nil {
		return nil, err
	}
	// psilog(alpha) = E[ln x] - ln E[x], strictly negative by Jensen;
	// clamp tiny positive values caused by weight degeneracy.
	c := tensor.MustSub(meanLog, mean.Map(math.Log)).Map(func(v float64) float64 {
		return math.Min(v, -1e-12)
	})
	alpha := utils.InvPsiLog(c)
	beta := tensor.MustDiv(alpha, mean)
	return NewGamma(alpha, beta)
}

func (m *GammaMessage) String() string {
	return fmt.Sprintf("GammaMessage(alpha=%v, beta=%v)", m.alpha, m.beta)
}
