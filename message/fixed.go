package message

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/FiachAntaw/gofit/tensor"
)

var fixedMessage *FixedMessage
var _ Message = fixedMessage // Check that FixedMessage respects the Message interface.

// FixedMessage is a degenerate, zero-variance message pinning a variable
// to a value. It absorbs multiplication and division: the pinned value
// always wins.
type FixedMessage struct {
	value *tensor.Array
}

// NewFixed pins the given value.
func NewFixed(value *tensor.Array) *FixedMessage {
	return &FixedMessage{value: value.Clone()}
}

func (m *FixedMessage) Shape() []int { return m.value.Shape() }

func (m *FixedMessage) Mean() *tensor.Array { return m.value }

func (m *FixedMessage) Variance() *tensor.Array { return tensor.Zeros(m.value.Shape()...) }

func (m *FixedMessage) Scale() *tensor.Array { return tensor.Zeros(m.value.Shape()...) }

func (m *FixedMessage) Support() (float64, float64) {
	return math.Inf(-1), math.Inf(1)
}

func (m *FixedMessage) Unit() Message { return m }

func (m *FixedMessage) Sample(rng *rand.Rand) (*tensor.Array, error) {
	return m.value.Clone(), nil
}

func (m *FixedMessage) LogPDF(x *tensor.Array) (*tensor.Array, error) {
	return tensor.Zeros(m.value.Shape()...), nil
}

func (m *FixedMessage) Multiply(o Message) (Message, error) { return m, nil }

func (m *FixedMessage) Divide(o Message) (Message, error) { return m, nil }

func (m *FixedMessage) Damp(o Message, delta float64) (Message, error) { return m, nil }

func (m *FixedMessage) FromMode(mode, cov *tensor.Array) (Message, error) {
	return NewFixed(mode), nil
}

func (m *FixedMessage) Project(samples []*tensor.Array, logWeights []float64) (Message, error) {
	return m, nil
}

func (m *FixedMessage) String() string {
	return fmt.Sprintf("FixedMessage(%v)", m.value)
}
