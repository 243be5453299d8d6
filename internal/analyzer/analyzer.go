// Package analyzer accumulates tensor statistics during calibration passes
// and turns them into encodings.
package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/quantsim/pkg/quant"
)

var (
	// ErrCalibration is returned when an encoding cannot be computed, most
	// often because a quantizer saw no data.
	ErrCalibration = errors.New("calibration error")

	ErrInvalidPercentile = fmt.Errorf("%w: percentile must be within [0, 100]", ErrCalibration)
)

// Analyzer observes values and finalizes them into an encoding.
// Implementations are not safe for concurrent use.
type Analyzer interface {
	Observe(values []float32)
	ComputeEncoding(p quant.EncodingParams) (quant.Encoding, error)
	Reset()
	Count() int
}

// New returns the analyzer a quant scheme calibrates with. Range-learning
// schemes only use it for the initial encoding.
func New(scheme quant.QuantScheme) Analyzer {
	switch {
	case scheme == quant.PostTrainingPercentile:
		return NewPercentile(100)
	case scheme.Enhanced():
		return NewSQNR()
	default:
		return &MinMax{}
	}
}

// MinMax tracks the running extremes.
type MinMax struct {
	lo, hi float64
	n      int
}

func (m *MinMax) Observe(values []float32) {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		if m.n == 0 {
			m.lo, m.hi = f, f
		} else {
			m.lo = math.Min(m.lo, f)
			m.hi = math.Max(m.hi, f)
		}
		m.n++
	}
}

func (m *MinMax) ComputeEncoding(p quant.EncodingParams) (quant.Encoding, error) {
	if m.n == 0 {
		return quant.Encoding{}, fmt.Errorf("%w: no statistics observed", ErrCalibration)
	}
	return quant.ComputeEncoding(m.lo, m.hi, p)
}

func (m *MinMax) Reset() { *m = MinMax{} }

func (m *MinMax) Count() int { return m.n }

// Range returns the observed extremes.
func (m *MinMax) Range() (float64, float64, bool) {
	return m.lo, m.hi, m.n > 0
}
