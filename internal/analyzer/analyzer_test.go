package analyzer

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/quantsim/pkg/quant"
)

var asym8 = quant.EncodingParams{Bitwidth: 8}

func ramp(n int, lo, hi float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float32(i)/float32(n-1)
	}
	return out
}

func TestMinMaxAccumulatesAcrossBatches(t *testing.T) {
	t.Parallel()
	var a MinMax
	a.Observe([]float32{-0.5, 0.25})
	a.Observe([]float32{0.75, float32(math.NaN())})
	lo, hi, ok := a.Range()
	if !ok || lo != -0.5 || hi != 0.75 {
		t.Fatalf("expected range [-0.5, 0.75], got [%v, %v] ok=%v", lo, hi, ok)
	}
	if a.Count() != 3 {
		t.Fatalf("expected 3 observations, got %d", a.Count())
	}
	a.Reset()
	if _, err := a.ComputeEncoding(asym8); !errors.Is(err, ErrCalibration) {
		t.Fatalf("expected ErrCalibration after reset, got %v", err)
	}
}

func TestNewSelectsAnalyzer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scheme quant.QuantScheme
		check  func(Analyzer) bool
	}{
		{quant.PostTrainingTF, func(a Analyzer) bool { _, ok := a.(*MinMax); return ok }},
		{quant.TrainingRangeLearningWithTFInit, func(a Analyzer) bool { _, ok := a.(*MinMax); return ok }},
		{quant.PostTrainingTFEnhanced, func(a Analyzer) bool { _, ok := a.(*SQNR); return ok }},
		{quant.TrainingRangeLearningWithTFEnhancedInit, func(a Analyzer) bool { _, ok := a.(*SQNR); return ok }},
		{quant.PostTrainingPercentile, func(a Analyzer) bool { _, ok := a.(*Percentile); return ok }},
	}
	for _, tc := range tests {
		if !tc.check(New(tc.scheme)) {
			t.Errorf("New(%v): unexpected analyzer %T", tc.scheme, New(tc.scheme))
		}
	}
}

func TestPercentileRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	a := NewPercentile(100)
	for _, p := range []float64{-0.1, 100.5, math.NaN()} {
		err := a.SetPercentile(p)
		if !errors.Is(err, ErrInvalidPercentile) || !errors.Is(err, ErrCalibration) {
			t.Fatalf("SetPercentile(%v): expected ErrInvalidPercentile, got %v", p, err)
		}
	}
	if err := a.SetPercentile(0); err != nil {
		t.Fatalf("SetPercentile(0): %v", err)
	}
	if err := a.SetPercentile(100); err != nil {
		t.Fatalf("SetPercentile(100): %v", err)
	}
}

func TestPercentileClipsOutliers(t *testing.T) {
	t.Parallel()
	data := ramp(1000, -1, 1)
	data = append(data, 50)

	full := NewPercentile(100)
	full.Observe(data)
	enc, err := full.ComputeEncoding(asym8)
	if err != nil {
		t.Fatalf("ComputeEncoding: %v", err)
	}
	if enc.Max < 49 {
		t.Fatalf("percentile 100 must keep the outlier, got max %v", enc.Max)
	}

	clipped := NewPercentile(99)
	clipped.Observe(data)
	enc, err = clipped.ComputeEncoding(asym8)
	if err != nil {
		t.Fatalf("ComputeEncoding: %v", err)
	}
	if enc.Max > 2 {
		t.Fatalf("percentile 99 should clip the outlier, got max %v", enc.Max)
	}
	if enc.Min > -0.5 {
		t.Fatalf("lower tail clipped too far, got min %v", enc.Min)
	}
}

func TestHistogramRebinsOnGrowth(t *testing.T) {
	t.Parallel()
	h := newHistogram(16)
	h.add([]float32{0, 1})
	h.add([]float32{-3, 3})
	if h.lo != -3 || h.hi != 3 {
		t.Fatalf("expected range [-3, 3], got [%v, %v]", h.lo, h.hi)
	}
	var total float64
	for _, c := range h.counts {
		total += c
	}
	if total != 4 || h.n != 4 {
		t.Fatalf("expected 4 counts after rebin, got %v (n=%d)", total, h.n)
	}
}

func TestSQNRClipsSparseTail(t *testing.T) {
	t.Parallel()
	// a dense bulk in [-1, 1] with a thin tail out to 3; at 4 bits the
	// rounding noise saved by clipping the tail outweighs the clipping error
	data := ramp(100000, -1, 1)
	data = append(data, ramp(100, 1, 3)...)
	p := quant.EncodingParams{Bitwidth: 4}

	var mm MinMax
	mm.Observe(data)
	base, err := mm.ComputeEncoding(p)
	if err != nil {
		t.Fatalf("minmax: %v", err)
	}

	a := NewSQNR()
	a.Observe(data)
	enc, err := a.ComputeEncoding(p)
	if err != nil {
		t.Fatalf("sqnr: %v", err)
	}
	if enc.Max >= base.Max {
		t.Fatalf("expected SQNR to clip below the min-max range %v, got %v", base.Max, enc.Max)
	}
	if enc.Max < 0.9 {
		t.Fatalf("SQNR clipped the bulk of the distribution, max %v", enc.Max)
	}
	if a.cost(enc) > a.cost(base) {
		t.Fatal("chosen encoding costs more than the min-max encoding")
	}
}

func TestEmptyStatisticsFail(t *testing.T) {
	t.Parallel()
	for _, a := range []Analyzer{&MinMax{}, NewPercentile(99), NewSQNR()} {
		if _, err := a.ComputeEncoding(asym8); !errors.Is(err, ErrCalibration) {
			t.Fatalf("%T: expected ErrCalibration, got %v", a, err)
		}
	}
}
