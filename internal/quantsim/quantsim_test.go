package quantsim_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quantsim/internal/analyzer"
	"github.com/samcharles93/quantsim/internal/config"
	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/frontend/onnx"
	"github.com/samcharles93/quantsim/internal/frontend/torch"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/quantsim"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

// convRelu is input [1,3,4,4] -> Conv 3x3 pad 1 -> Relu -> output.
func convRelu(t *testing.T) *onnx.Model {
	t.Helper()
	m, err := onnx.New(&onnx.ModelProto{
		Graph: onnx.GraphProto{
			Node: []onnx.NodeProto{
				{Name: "conv", OpType: "Conv", Input: []string{"input", "conv.weight", "conv.bias"}, Output: []string{"conv_out"},
					Attribute: []onnx.Attribute{onnx.IntsAttr("kernel_shape", 3, 3), onnx.IntsAttr("pads", 1, 1, 1, 1)}},
				{Name: "relu", OpType: "Relu", Input: []string{"conv_out"}, Output: []string{"output"}},
			},
			Initializer: []onnx.TensorProto{
				onnx.NewTensorProto("conv.weight", tensor.Rand(1, 4, 3, 3, 3)),
				onnx.NewTensorProto("conv.bias", tensor.Rand(2, 4)),
			},
			Input:  []onnx.ValueInfo{{Name: "input", Shape: []int{1, 3, 4, 4}}},
			Output: []onnx.ValueInfo{{Name: "output", Shape: []int{1, 4, 4, 4}}},
		},
	})
	require.NoError(t, err)
	return m
}

func feed(inputs ...*tensor.Tensor) quantsim.ForwardPassCallback {
	return func(ctx context.Context, r quantsim.Runner, _ any) error {
		for _, x := range inputs {
			if _, err := r.Run(ctx, x); err != nil {
				return err
			}
		}
		return nil
	}
}

func encodingsOf(s *quantsim.Sim) map[string][]quant.Encoding {
	out := make(map[string][]quant.Encoding)
	for _, q := range s.Quantizers() {
		out[q.Name()] = q.Encoding()
	}
	return out
}

func TestSupergroupSuppressesConvOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		supergroups bool
		wantConvOut bool
	}{
		{"default config fuses conv and relu", true, false},
		{"no supergroups", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			if !tc.supergroups {
				cfg.Supergroups = nil
			}
			sim, err := quantsim.New(convRelu(t), quantsim.Options{Config: cfg})
			require.NoError(t, err)

			q, ok := sim.Quantizer("conv_out")
			require.True(t, ok)
			require.Equal(t, tc.wantConvOut, q.Enabled())
			in, _ := sim.Quantizer("input")
			require.True(t, in.Enabled(), "model inputs are quantized")
			bias, _ := sim.Quantizer("conv.bias")
			require.False(t, bias.Enabled(), "biases are not quantized by default")
			w, _ := sim.Quantizer("conv.weight")
			require.True(t, w.Enabled())
			require.True(t, w.Symmetric())
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := quantsim.New(convRelu(t), quantsim.Options{DefaultParamBitwidth: 40})
	require.Error(t, err)

	_, err = quantsim.New(torch.NewModel(nil), quantsim.Options{})
	require.ErrorIs(t, err, graph.ErrGraphConstruction, "an untraced model has no graph")
}

func TestDisabledQuantizersAreFloatExact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := convRelu(t)
	x := tensor.Rand(11, 1, 3, 4, 4)
	float, err := m.Forward(ctx, quantizer.ModeEvaluate, []*tensor.Tensor{x})
	require.NoError(t, err)

	sim, err := quantsim.New(m, quantsim.Options{})
	require.NoError(t, err)
	for _, q := range sim.Quantizers() {
		require.NoError(t, q.SetEnabled(false))
	}
	got, err := sim.Run(ctx, x)
	require.NoError(t, err)
	require.Zero(t, tensor.MaxAbsDiff(float[0], got[0]))
}

func TestExportLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	x := tensor.Rand(11, 1, 3, 4, 4)
	src, err := quantsim.New(convRelu(t), quantsim.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, src.ComputeEncodings(ctx, feed(x), nil))

	dir := t.TempDir()
	require.NoError(t, src.Export(dir, "conv_relu", quantsim.ExportOptions{}))

	m, err := onnx.Load(filepath.Join(dir, "conv_relu.onnx"))
	require.NoError(t, err)
	dst, err := quantsim.New(m, quantsim.DefaultOptions())
	require.NoError(t, err)
	mismatches, err := dst.LoadEncodings(filepath.Join(dir, "conv_relu.encodings"), true)
	require.NoError(t, err)
	require.Empty(t, mismatches)

	want := encodingsOf(src)
	for name, got := range encodingsOf(dst) {
		require.Len(t, got, len(want[name]), name)
		for i := range got {
			require.InDelta(t, want[name][i].Min, got[i].Min, 1e-5, name)
			require.InDelta(t, want[name][i].Max, got[i].Max, 1e-5, name)
			require.InDelta(t, want[name][i].Scale, got[i].Scale, 1e-5, name)
			require.Equal(t, want[name][i].Offset, got[i].Offset, name)
		}
	}
	w, _ := dst.Quantizer("conv.weight")
	require.Equal(t, quantizer.Frozen, w.State(), "loaded encodings are frozen")

	a, err := src.Run(ctx, x)
	require.NoError(t, err)
	b, err := dst.Run(ctx, x)
	require.NoError(t, err)
	require.InDelta(t, 0, tensor.MaxAbsDiff(a[0], b[0]), 1e-5)
}

func TestStrictLoadIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)
	require.NoError(t, src.ComputeEncodings(ctx, feed(tensor.Rand(3, 1, 3, 4, 4)), nil))
	doc := src.Encodings(quantsim.ExportOptions{})
	doc.ParamEncodings["conv.weight"][0].Bitwidth = 4

	dst, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)
	mismatches, err := dst.ApplyEncodings(doc, true)
	require.ErrorIs(t, err, encodings.ErrEncodingMismatch)
	require.NotEmpty(t, mismatches)
	for _, q := range dst.Quantizers() {
		require.Equal(t, quantizer.Uncalibrated, q.State(), "%s changed by a failed strict load", q.Name())
	}

	// Non-strict takes the file's bitwidth and reports it.
	mismatches, err = dst.ApplyEncodings(doc, false)
	require.NoError(t, err)
	require.NotEmpty(t, mismatches)
	w, _ := dst.Quantizer("conv.weight")
	require.Equal(t, 4, w.Bitwidth())
}

func TestPercentileScheme(t *testing.T) {
	t.Parallel()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{QuantScheme: quant.PostTrainingPercentile})
	require.NoError(t, err)
	q, _ := sim.Quantizer("output")
	require.ErrorIs(t, q.SetPercentile(100.5), analyzer.ErrInvalidPercentile)
	require.NoError(t, q.SetPercentile(99.9))
	require.NoError(t, sim.ComputeEncodings(context.Background(), feed(tensor.Rand(5, 1, 3, 4, 4)), nil))
	require.True(t, q.Calibrated())

	tf, err := quantsim.New(convRelu(t), quantsim.Options{QuantScheme: quant.PostTrainingTF})
	require.NoError(t, err)
	q, _ = tf.Quantizer("output")
	require.ErrorIs(t, q.SetPercentile(99), analyzer.ErrInvalidPercentile, "percentile only applies to the percentile scheme")
}

func TestComputeEncodingsIsAllOrNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)

	// No forward pass: activations see no data and nothing is committed.
	err = sim.ComputeEncodings(ctx, func(context.Context, quantsim.Runner, any) error { return nil }, nil)
	require.ErrorIs(t, err, analyzer.ErrCalibration)
	for _, q := range sim.Quantizers() {
		require.Equal(t, quantizer.Uncalibrated, q.State(), q.Name())
	}

	require.NoError(t, sim.ComputeEncodings(ctx, feed(tensor.Rand(1, 1, 3, 4, 4)), nil))
	before := encodingsOf(sim)

	boom := errors.New("data loader failed")
	err = sim.ComputeEncodings(ctx, func(ctx context.Context, r quantsim.Runner, _ any) error {
		if _, err := r.Run(ctx, tensor.Rand(2, 1, 3, 4, 4)); err != nil {
			return err
		}
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, encodingsOf(sim))
	for _, q := range sim.Quantizers() {
		if q.Enabled() {
			require.Equal(t, quantizer.Calibrated, q.State(), q.Name())
		}
	}
}

func TestComputeEncodingsAll(t *testing.T) {
	t.Parallel()
	x := tensor.Rand(6, 1, 3, 4, 4)
	cpu := convRelu(t)
	gpu := convRelu(t)
	gpu.SetDevice("cuda:0")

	var sims []*quantsim.Sim
	for _, m := range []*onnx.Model{cpu, gpu} {
		s, err := quantsim.New(m, quantsim.Options{})
		require.NoError(t, err)
		sims = append(sims, s)
	}
	require.NoError(t, quantsim.ComputeEncodingsAll(context.Background(), sims, feed(x), nil))
	require.Equal(t, encodingsOf(sims[0]), encodingsOf(sims[1]))
	w, _ := sims[1].Quantizer("conv.weight")
	require.Equal(t, "cuda:0", w.Device())
}

func TestFreezeEncodings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)
	require.Error(t, sim.FreezeEncodings(), "nothing is calibrated yet")

	require.NoError(t, sim.ComputeEncodings(ctx, feed(tensor.Rand(1, 1, 3, 4, 4)), nil))
	require.NoError(t, sim.FreezeEncodings())
	frozen := encodingsOf(sim)

	scaled := tensor.Rand(1, 1, 3, 4, 4)
	for i := range scaled.Data {
		scaled.Data[i] *= 10
	}
	require.NoError(t, sim.ComputeEncodings(ctx, feed(scaled), nil))
	require.Equal(t, frozen, encodingsOf(sim), "frozen encodings survive recalibration")
	q, _ := sim.Quantizer("output")
	require.ErrorIs(t, q.SetBitwidth(4), quantizer.ErrFrozen)
}

func TestUnfreezeEncodingsAllowsRecalibration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)
	require.NoError(t, sim.ComputeEncodings(ctx, feed(tensor.Rand(1, 1, 3, 4, 4)), nil))
	require.NoError(t, sim.FreezeEncodings())
	frozen := encodingsOf(sim)

	sim.UnfreezeEncodings()
	for _, q := range sim.Quantizers() {
		if q.Enabled() {
			require.Equal(t, quantizer.Calibrated, q.State(), q.Name())
		} else {
			require.Equal(t, quantizer.Uncalibrated, q.State(), q.Name())
		}
	}
	require.Equal(t, frozen, encodingsOf(sim), "unfreezing keeps the encodings")

	scaled := tensor.Rand(1, 1, 3, 4, 4)
	for i := range scaled.Data {
		scaled.Data[i] *= 10
	}
	require.NoError(t, sim.ComputeEncodings(ctx, feed(scaled), nil))
	in, _ := sim.Quantizer("input")
	require.Greater(t, in.Encoding()[0].Max, frozen["input"][0].Max*5, "input recalibrated on wider data")
	q, _ := sim.Quantizer("output")
	require.NoError(t, q.SetBitwidth(4))
}

func TestFrozenFloatSimReportsSymmetry(t *testing.T) {
	t.Parallel()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{
		DefaultDataType:       quant.Float,
		DefaultOutputBitwidth: 16,
		DefaultParamBitwidth:  16,
	})
	require.NoError(t, err)
	require.NoError(t, sim.ComputeEncodings(context.Background(), feed(tensor.Rand(1, 1, 3, 4, 4)), nil))
	require.NoError(t, sim.FreezeEncodings())
	for _, q := range sim.Quantizers() {
		if q.Enabled() {
			require.Equal(t, quantizer.Frozen, q.State(), q.Name())
		}
		require.False(t, q.Calibrated(), "%s has no integer encoding", q.Name())
		require.NotPanics(t, func() { _ = q.Symmetry() }, q.Name())
	}
	w, _ := sim.Quantizer("conv.weight")
	require.Equal(t, quant.SymmetricNonStrict, w.Symmetry())
	in, _ := sim.Quantizer("input")
	require.Equal(t, quant.Asymmetric, in.Symmetry())
}

func TestConvReluEncodingRanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Supergroups = nil
	sim, err := quantsim.New(convRelu(t), quantsim.Options{Config: cfg, QuantScheme: quant.PostTrainingTF})
	require.NoError(t, err)

	x := tensor.Rand(21, 1, 3, 4, 4)
	x.Data[0], x.Data[1] = -1, 1
	require.NoError(t, sim.ComputeEncodings(context.Background(), feed(x), nil))

	relu, _ := sim.Quantizer("output")
	out := relu.Encoding()[0]
	require.Zero(t, out.Min, "relu output starts at zero")
	require.Zero(t, out.Offset)

	in, _ := sim.Quantizer("input")
	enc := in.Encoding()[0]
	require.InDelta(t, -1, enc.Min, enc.Scale, "input min within one step of -1")
	require.InDelta(t, 1, enc.Max, enc.Scale, "input max within one step of 1")
	require.InDelta(t, 2.0/255, enc.Scale, 1e-9)

	conv, _ := sim.Quantizer("conv_out")
	require.True(t, conv.Enabled(), "no supergroup hides the conv output")
	require.True(t, conv.Calibrated())

	w, _ := sim.Quantizer("conv.weight")
	require.Equal(t, int64(-128), w.Encoding()[0].Offset)
	require.Equal(t, quant.SymmetricNonStrict, w.Symmetry())
}

func TestMultiOutputOpHasQuantizerPerOutput(t *testing.T) {
	t.Parallel()
	m, err := onnx.New(&onnx.ModelProto{
		Graph: onnx.GraphProto{
			Node: []onnx.NodeProto{
				{Name: "split", OpType: "Split", Input: []string{"input"}, Output: []string{"head", "tail"},
					Attribute: []onnx.Attribute{onnx.IntAttr("axis", 1), onnx.IntsAttr("split", 1, 3)}},
			},
			Input:  []onnx.ValueInfo{{Name: "input", Shape: []int{2, 4}}},
			Output: []onnx.ValueInfo{{Name: "head", Shape: []int{2, 1}}, {Name: "tail", Shape: []int{2, 3}}},
		},
	})
	require.NoError(t, err)
	sim, err := quantsim.New(m, quantsim.Options{QuantScheme: quant.PostTrainingTF})
	require.NoError(t, err)

	var split *quantizer.Wrapper
	for _, w := range sim.Wrappers() {
		if w.Op == "split" {
			split = w
		}
	}
	require.NotNil(t, split)
	require.Len(t, split.OutputQuantizers, 2)
	require.Equal(t, "head", split.OutputQuantizers[0].Name())
	require.Equal(t, "tail", split.OutputQuantizers[1].Name())

	// The head column spans [-8, 8]; the tail stays within [-1, 1].
	x := tensor.FromData([]float32{
		8, 0.5, -0.25, 1,
		-8, -1, 0.75, 0,
	}, 2, 4)
	require.NoError(t, sim.ComputeEncodings(context.Background(), feed(x), nil))
	head := split.OutputQuantizers[0].Encoding()[0]
	tail := split.OutputQuantizers[1].Encoding()[0]
	require.InDelta(t, 16.0/255, head.Scale, 1e-6)
	require.InDelta(t, 2.0/255, tail.Scale, 1e-6)

	out, err := sim.Run(context.Background(), x)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []int{2, 1}, out[0].Shape)
	require.Equal(t, []int{2, 3}, out[1].Shape)
}

func TestEncodingsDocument(t *testing.T) {
	t.Parallel()
	sim, err := quantsim.New(convRelu(t), quantsim.Options{})
	require.NoError(t, err)
	require.NoError(t, sim.ComputeEncodings(context.Background(), feed(tensor.Rand(1, 1, 3, 4, 4)), nil))

	doc := sim.Encodings(quantsim.ExportOptions{PropagateEncodings: true})
	require.NotContains(t, doc.ActivationEncodings, "conv_out")
	require.Contains(t, doc.ParamEncodings, "conv.weight")
	require.NotContains(t, doc.ParamEncodings, "conv.bias")
	require.Equal(t, "post_training_tf", doc.QuantizerArgs.QuantScheme)
	require.True(t, doc.QuantizerArgs.IsSymmetric)
}
