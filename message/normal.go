package message

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FiachAntaw/gofit/tensor"
)

var normalMessage *NormalMessage
var _ Message = normalMessage // Check that NormalMessage respects the Message interface.

// NormalMessage is an elementwise-independent Gaussian message. Sigma may
// be +Inf for the uniform (zero-precision) member of the family.
type NormalMessage struct {
	mu    *tensor.Array
	sigma *tensor.Array
}

// NewNormal builds a Gaussian message; mu and sigma broadcast to a common
// shape.
func NewNormal(mu, sigma *tensor.Array) (*NormalMessage, error) {
	bmu, bsigma, err := broadcastPair(mu, sigma)
	if err != nil {
		return nil, err
	}
	for _, s := range bsigma.Data() {
		if s <= 0 {
			return nil, fmt.Errorf("%w: sigma %v", ErrBadMoments, s)
		}
	}
	return &NormalMessage{mu: bmu, sigma: bsigma}, nil
}

// NormalFromMode builds a Gaussian from a mode and a variance (scalar or
// covariance tensor), matching the mode-and-curvature output of a Laplace
// step.
func NormalFromMode(mode, cov *tensor.Array) (*NormalMessage, error) {
	variance, err := varianceFrom(mode, cov)
	if err != nil {
		return nil, err
	}
	return NewNormal(mode, variance.Map(math.Sqrt))
}

// NormalUniform returns the zero-precision member over the given shape.
func NormalUniform(shape ...int) *NormalMessage {
	return &NormalMessage{
		mu:    tensor.Zeros(shape...),
		sigma: tensor.Full(math.Inf(1), shape...),
	}
}

func (m *NormalMessage) Shape() []int { return m.mu.Shape() }

func (m *NormalMessage) Mean() *tensor.Array { return m.mu }

func (m *NormalMessage) Variance() *tensor.Array {
	return m.sigma.Map(func(s float64) float64 { return s * s })
}

func (m *NormalMessage) Scale() *tensor.Array { return m.sigma }

// Mu returns the elementwise means.
func (m *NormalMessage) Mu() *tensor.Array { return m.mu }

// Sigma returns the elementwise standard deviations.
func (m *NormalMessage) Sigma() *tensor.Array { return m.sigma }

func (m *NormalMessage) Support() (float64, float64) {
	return math.Inf(-1), math.Inf(1)
}

func (m *NormalMessage) Unit() Message {
	return NormalUniform(m.Shape()...)
}

func (m *NormalMessage) Sample(rng *rand.Rand) (*tensor.Array, error) {
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		s := m.sigma.Data()[i]
		if math.IsInf(s, 1) {
			return nil, fmt.Errorf("%w: cannot sample uniform normal message", ErrImproper)
		}
		dist := distuv.Normal{Mu: m.mu.Data()[i], Sigma: s, Src: rng}
		out.Data()[i] = dist.Rand()
	}
	return out, nil
}

func (m *NormalMessage) LogPDF(x *tensor.Array) (*tensor.Array, error) {
	bx, err := x.BroadcastTo(m.Shape()...)
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(m.Shape()...)
	for i := range out.Data() {
		s := m.sigma.Data()[i]
		if math.IsInf(s, 1) {
			continue // uniform member contributes nothing
		}
		dist := distuv.Normal{Mu: m.mu.Data()[i], Sigma: s}
		out.Data()[i] = dist.LogProb(bx.Data()[i])
	}
	return out, nil
}

// natural returns the precision tau = 1/sigma^2 and precision-adjusted
// mean nu = tau*mu.
func (m *NormalMessage) natural() (tau, nu []float64) {
	n := m.mu.Size()
	tau = make([]float64, n)
	nu = make([]float64, n)
	for i := 0; i < n; i++ {
		s := m.sigma.Data()[i]
		if math.IsInf(s, 1) {
			continue
		}
		tau[i] = 1 / (s * s)
		nu[i] = tau[i] * m.mu.Data()[i]
	}
	return tau, nu
}

func normalFromNatural(shape []int, tau, nu []float64) (*NormalMessage, error) {
	mu := tensor.Zeros(shape...)
	sigma := tensor.Zeros(shape...)
	for i := range tau {
		switch {
		case tau[i] < 0:
			return nil, fmt.Errorf("%w: negative precision %v", ErrImproper, tau[i])
		case tau[i] == 0:
			sigma.Data()[i] = math.Inf(1)
		default:
			sigma.Data()[i] = math.Sqrt(1 / tau[i])
			mu.Data()[i] = nu[i] / tau[i]
		}
	}
	return &NormalMessage{mu: mu, sigma: sigma}, nil
}

func (m *NormalMessage) combine(o Message, sign float64) (Message, error) {
	if f, ok := o.(*FixedMessage); ok {
		return f, nil
	}
	other, ok := o.(*NormalMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Normal and %T", ErrIncompatibleFamilies, o)
	}
	if !tensor.SameShape(m.mu, other.mu) {
		return nil, fmt.Errorf("%w: shapes %v and %v", ErrBadMoments, m.Shape(), other.Shape())
	}
	tau1, nu1 := m.natural()
	tau2, nu2 := other.natural()
	for i := range tau1 {
		tau1[i] += sign * tau2[i]
		nu1[i] += sign * nu2[i]
	}
	return normalFromNatural(m.Shape(), tau1, nu1)
}

func (m *NormalMessage) Multiply(o Message) (Message, error) { return m.combine(o, 1) }

func (m *NormalMessage) Divide(o Message) (Message, error) { return m.combine(o, -1) }

func (m *NormalMessage) Damp(o Message, delta float64) (Message, error) {
	if IsFixed(o) {
		return o, nil
	}
	other, ok := o.(*NormalMessage)
	if !ok {
		return nil, fmt.Errorf("%w: Normal and %T", ErrIncompatibleFamilies, o)
	}
	tau1, nu1 := m.natural()
	tau2, nu2 := other.natural()
	for i := range tau1 {
		tau1[i] = (1-delta)*tau1[i] + delta*tau2[i]
		nu1[i] = (1-delta)*nu1[i] + delta*nu2[i]
	}
	return normalFromNatural(m.Shape(), tau1, nu1)
}

func (m *NormalMessage) FromMode(mode, cov *tensor.Array) (Message, error) {
	return NormalFromMode(mode, cov)
}

func (m *NormalMessage) Project(samples []*tensor.Array, logWeights []float64) (Message, error) {
	mean, variance, err := weightedMoments(samples, logWeights)
	if err != nil {
		return nil, err
	}
	return NewNormal(mean, variance.Map(math.Sqrt))
}

func (m *NormalMessage) String() string {
	return fmt.Sprintf("NormalMessage(mu=%v, sigma=%v)", m.mu, m.sigma)
}
