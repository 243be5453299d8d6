package quantizer

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/quantsim/internal/analyzer"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

func newQuantizer(t *testing.T, s Settings) *Quantizer {
	t.Helper()
	if s.Bitwidth == 0 {
		s.Bitwidth = 8
	}
	q, err := New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "act", Enabled: true})
	x := tensor.FromData([]float32{-1, -0.5, 0, 0.5, 1, 2}, 2, 3)

	if q.State() != Uncalibrated {
		t.Fatalf("expected uncalibrated, got %s", q.State())
	}
	y, err := q.Apply(ModeEvaluate, x)
	if err != nil || y != x {
		t.Fatal("expected uncalibrated quantizer to pass values through")
	}

	q.StartObserving()
	y, err = q.Apply(ModeCalibrate, x)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff(x.Data, y.Data); diff != "" {
		t.Fatalf("observing must not change values:\n%s", diff)
	}
	encs, err := q.ComputeEncoding()
	if err != nil {
		t.Fatalf("ComputeEncoding: %v", err)
	}
	if q.Calibrated() {
		t.Fatal("ComputeEncoding must not commit")
	}
	if err := q.SetEncoding(encs); err != nil {
		t.Fatalf("SetEncoding: %v", err)
	}
	if q.State() != Calibrated {
		t.Fatalf("expected calibrated, got %s", q.State())
	}
	if encs[0].Min > -1+1e-6 || encs[0].Max < 2-1e-6 {
		t.Fatalf("encoding %+v does not cover observed range", encs[0])
	}

	y, err = q.Apply(ModeEvaluate, x)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if d := tensor.MaxAbsDiff(x, y); d > encs[0].Scale/2+1e-6 {
		t.Fatalf("QDQ error %v exceeds half a step", d)
	}
	if x.Data[1] != -0.5 {
		t.Fatal("Apply modified its input")
	}

	if err := q.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := q.SetBitwidth(4); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	q.StartObserving()
	if q.State() != Frozen {
		t.Fatal("frozen quantizer must not restart observation")
	}

	q.Unfreeze()
	if q.State() != Calibrated {
		t.Fatalf("expected calibrated after unfreeze, got %s", q.State())
	}
	if diff := cmp.Diff(encs, q.Encoding()); diff != "" {
		t.Fatalf("unfreeze must keep the encoding:\n%s", diff)
	}
	wide := tensor.FromData([]float32{-8, 8}, 2)
	if err := q.Calibrate(wide); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if got := q.Encoding()[0]; got.Max < 7 {
		t.Fatalf("expected recalibration to widen the range, got %+v", got)
	}
}

func TestUnfreezeWithoutEncoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		s    Settings
	}{
		{"float", Settings{Name: "f", Enabled: true, DataType: quant.Float, Bitwidth: 16, Symmetric: true, UnsignedSymmetric: true}},
		{"disabled", Settings{Name: "d", Symmetric: true, UnsignedSymmetric: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := newQuantizer(t, tc.s)
			if err := q.Freeze(); err != nil {
				t.Fatalf("Freeze: %v", err)
			}
			if q.Calibrated() {
				t.Fatal("expected a frozen quantizer without encoding to report uncalibrated")
			}
			if got := q.Symmetry(); got != quant.SymmetricNonStrict {
				t.Fatalf("expected %s, got %s", quant.SymmetricNonStrict, got)
			}
			q.Unfreeze()
			if q.State() != Uncalibrated {
				t.Fatalf("expected uncalibrated, got %s", q.State())
			}
			q.Unfreeze()
			if q.State() != Uncalibrated {
				t.Fatal("unfreeze of a mutable quantizer must be a no-op")
			}
		})
	}
}

func TestDisabledAndPassThrough(t *testing.T) {
	t.Parallel()
	x := tensor.Rand(1, 4, 4)
	q := newQuantizer(t, Settings{Name: "w", Kind: KindParam, Enabled: true, Symmetric: true})
	if err := q.Calibrate(x); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if y, _ := q.Apply(ModePassThrough, x); y != x {
		t.Fatal("pass-through mode must return the input")
	}
	if err := q.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if y, _ := q.Apply(ModeEvaluate, x); y != x {
		t.Fatal("disabled quantizer must return the input")
	}
}

func TestPerChannelEncodings(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "conv.weight", Kind: KindParam, Enabled: true, Symmetric: true, PerChannel: true})
	b := &Builder{Op: "conv", Params: map[string]*Quantizer{"conv.weight": q}}
	w, err := b.Realize(RealizeInfo{Device: "cpu", ParamShapes: map[string][]int{"conv.weight": {3, 2, 1, 1}}})
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}
	if q.NumOutputChannels() != 3 || q.Device() != "cpu" {
		t.Fatalf("expected 3 channels on cpu, got %d on %q", q.NumOutputChannels(), q.Device())
	}

	weight := tensor.FromData([]float32{1, -1, 2, -2, 4, -4}, 3, 2, 1, 1)
	if err := q.Calibrate(weight); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	encs := q.Encoding()
	if len(encs) != 3 {
		t.Fatalf("expected 3 encodings, got %d", len(encs))
	}
	for c, want := range []float64{1, 2, 4} {
		if math.Abs(encs[c].Max-want) > 1e-9 {
			t.Fatalf("channel %d: expected max %v, got %v", c, want, encs[c].Max)
		}
	}

	ps, err := w.QuantizeParams(ModeEvaluate, map[string]*tensor.Tensor{"conv.weight": weight})
	if err != nil {
		t.Fatalf("QuantizeParams: %v", err)
	}
	if d := tensor.MaxAbsDiff(weight, ps["conv.weight"]); d > 1e-5 {
		t.Fatalf("per-channel QDQ of channel extremes should be exact, diff %v", d)
	}
	if _, err := q.Apply(ModeEvaluate, tensor.New(2, 2, 1, 1)); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected ErrShape for wrong channel count, got %v", err)
	}
}

func TestPercentileRequiresPercentileScheme(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "a", Enabled: true, QuantScheme: quant.PostTrainingTF})
	if err := q.SetPercentile(99); !errors.Is(err, analyzer.ErrInvalidPercentile) {
		t.Fatalf("expected ErrInvalidPercentile, got %v", err)
	}
	if err := q.SetQuantScheme(quant.PostTrainingPercentile); err != nil {
		t.Fatalf("SetQuantScheme: %v", err)
	}
	for _, p := range []float64{-1, 100.5} {
		if err := q.SetPercentile(p); !errors.Is(err, analyzer.ErrCalibration) {
			t.Fatalf("percentile %v: expected calibration error, got %v", p, err)
		}
	}
	if err := q.SetPercentile(99.9); err != nil {
		t.Fatalf("SetPercentile: %v", err)
	}
	if q.Percentile() != 99.9 {
		t.Fatalf("expected 99.9, got %v", q.Percentile())
	}
}

func TestComputeWithoutStatistics(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "a", Enabled: true})
	q.StartObserving()
	if _, err := q.ComputeEncoding(); !errors.Is(err, analyzer.ErrCalibration) {
		t.Fatalf("expected ErrCalibration, got %v", err)
	}
	if err := q.Freeze(); !errors.Is(err, analyzer.ErrCalibration) {
		t.Fatalf("expected ErrCalibration freezing without encoding, got %v", err)
	}
}

func TestFloatQuantizer(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "a", Enabled: true, DataType: quant.Float, Bitwidth: 16})
	x := tensor.FromData([]float32{1.0001, 3.14159, -65519}, 3)
	y, err := q.Apply(ModeEvaluate, x)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if y.Data[0] != 1 {
		t.Fatalf("expected 1.0001 to round to 1 in fp16, got %v", y.Data[0])
	}
	if y.Data[2] != -65504 {
		t.Fatalf("expected fp16 max magnitude, got %v", y.Data[2])
	}
	if _, err := New(Settings{Name: "b", DataType: quant.Float, Bitwidth: 8}); !errors.Is(err, quant.ErrInvalidBitwidth) {
		t.Fatalf("expected ErrInvalidBitwidth, got %v", err)
	}
}

func TestRangeLearning(t *testing.T) {
	t.Parallel()
	q := newQuantizer(t, Settings{Name: "a", Enabled: true, QuantScheme: quant.TrainingRangeLearningWithTFInit})
	if _, _, ok := q.LearnableRange(); ok {
		t.Fatal("range is not learnable before initialization")
	}
	if err := q.Calibrate(tensor.FromData([]float32{-1, 1}, 2)); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	mins, maxs, ok := q.LearnableRange()
	if !ok || len(mins) != 1 || len(maxs) != 1 {
		t.Fatal("expected one learnable range")
	}
	if err := q.SetRange([]float64{-2}, []float64{2}); err != nil {
		t.Fatalf("SetRange: %v", err)
	}
	enc := q.Encoding()[0]
	if math.Abs(enc.Scale-4/quant.Steps(8)) > 1e-9 {
		t.Fatalf("unexpected scale %v", enc.Scale)
	}

	tf := newQuantizer(t, Settings{Name: "b", Enabled: true})
	if err := tf.SetRange([]float64{-1}, []float64{1}); err == nil {
		t.Fatal("expected SetRange to fail for a post-training scheme")
	}
}

func TestWrapperAppliesBoundaryInputsOnly(t *testing.T) {
	t.Parallel()
	in := newQuantizer(t, Settings{Name: "input", Enabled: true})
	mid := newQuantizer(t, Settings{Name: "mid", Enabled: true})
	for _, q := range []*Quantizer{in, mid} {
		if err := q.SetEncoding([]quant.Encoding{{Min: 0, Max: 1, Scale: 1, Offset: 0, Bitwidth: 8}}); err != nil {
			t.Fatalf("SetEncoding: %v", err)
		}
	}
	b := &Builder{Op: "add", Inputs: []*Quantizer{in, mid}, Outputs: []*Quantizer{nil}, Boundary: []bool{true, false}}
	w, err := b.Realize(RealizeInfo{Device: "cpu"})
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}

	a := tensor.FromData([]float32{0.4}, 1)
	c := tensor.FromData([]float32{0.4}, 1)
	var seen []float32
	outs, err := w.Forward(ModeEvaluate, []*tensor.Tensor{a, c}, nil, func(ins []*tensor.Tensor, _ map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
		seen = []float32{ins[0].Data[0], ins[1].Data[0]}
		return []*tensor.Tensor{ins[0]}, nil
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]float32{0, 0.4}, seen); diff != "" {
		t.Fatalf("input quantization mismatch (-want +got):\n%s", diff)
	}
	if len(outs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outs))
	}
	if got := len(w.Quantizers()); got != 2 {
		t.Fatalf("expected 2 distinct quantizers, got %d", got)
	}
}
