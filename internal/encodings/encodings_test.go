package encodings

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

type fakeSim struct {
	quantizers  map[string]*quantizer.Quantizer
	activations []string
	params      []string
}

func (f *fakeSim) Quantizer(name string) (*quantizer.Quantizer, bool) {
	q, ok := f.quantizers[name]
	return q, ok
}

func (f *fakeSim) ActivationNames() []string { return f.activations }
func (f *fakeSim) ParamNames() []string      { return f.params }

// newFakeSim builds input -> conv -> relu with a per-channel conv weight.
func newFakeSim(t *testing.T, calibrate bool) *fakeSim {
	t.Helper()
	f := &fakeSim{
		quantizers:  make(map[string]*quantizer.Quantizer),
		activations: []string{"input", "conv_out", "output"},
		params:      []string{"conv.weight", "conv.bias"},
	}
	add := func(s quantizer.Settings) *quantizer.Quantizer {
		s.Bitwidth = 8
		q, err := quantizer.New(s)
		require.NoError(t, err)
		f.quantizers[s.Name] = q
		return q
	}
	in := add(quantizer.Settings{Name: "input", Enabled: true})
	mid := add(quantizer.Settings{Name: "conv_out", Enabled: false})
	out := add(quantizer.Settings{Name: "output", Enabled: true})
	w := add(quantizer.Settings{Name: "conv.weight", Kind: quantizer.KindParam, Enabled: true, Symmetric: true, UnsignedSymmetric: true, PerChannel: true})
	add(quantizer.Settings{Name: "conv.bias", Kind: quantizer.KindParam})
	w.Bind("cpu", 2)
	_ = mid

	if calibrate {
		require.NoError(t, in.Calibrate(tensor.FromData([]float32{-1, 0.5, 1}, 3)))
		require.NoError(t, out.Calibrate(tensor.FromData([]float32{0, 0.25, 3}, 3)))
		require.NoError(t, w.Calibrate(tensor.FromData([]float32{0.5, -0.25, 0.1, 0.2}, 2, 2)))
	}
	return f
}

func TestBuildSkipsDisabledAndUncalibrated(t *testing.T) {
	t.Parallel()
	f := newFakeSim(t, true)
	doc := Build(f, BuildOptions{QuantizerArgs: &QuantizerArgs{ActivationBitwidth: 8, ParamBitwidth: 8, DType: "int", QuantScheme: "post_training_tf"}})

	require.Equal(t, Version, doc.Version)
	require.ElementsMatch(t, []string{"input", "output"}, keys(doc.ActivationEncodings))
	require.ElementsMatch(t, []string{"conv.weight"}, keys(doc.ParamEncodings))
	require.Len(t, doc.ParamEncodings["conv.weight"], 2)

	w := doc.ParamEncodings["conv.weight"]
	require.Equal(t, "True", w[0].IsSymmetric)
	require.Equal(t, int64(-128), *w[0].Offset)
	// second channel is non-negative, so the unsigned convention applies
	require.Equal(t, int64(0), *w[1].Offset)
	require.Equal(t, "False", doc.ActivationEncodings["input"][0].IsSymmetric)
}

func TestBuildPropagatesLoweredTensors(t *testing.T) {
	t.Parallel()
	f := newFakeSim(t, true)
	doc := Build(f, BuildOptions{Propagated: map[string]string{"/ps/Reshape_output_0": "output", "/ps/x": "conv_out"}})
	if diff := cmp.Diff(doc.ActivationEncodings["output"], doc.ActivationEncodings["/ps/Reshape_output_0"]); diff != "" {
		t.Fatalf("propagated encoding differs:\n%s", diff)
	}
	if _, ok := doc.ActivationEncodings["/ps/x"]; ok {
		t.Fatal("tensors propagated from an unquantized boundary must be omitted")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFakeSim(t, true)
	doc := Build(f, BuildOptions{})
	path := filepath.Join(t.TempDir(), "out", "model.encodings")
	require.NoError(t, WriteFile(path, doc))

	got, err := ReadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Fatalf("document changed on round trip (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc))
	text := buf.String()
	require.Less(t, strings.Index(text, `"conv.weight"`), strings.Index(text, `"excluded_layers"`))
	require.Less(t, strings.Index(text, `"input"`), strings.Index(text, `"output"`))
}

func TestReadRejectsBadDocuments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"fractional offset", `{"activation_encodings": {"x": [{"bitwidth": 8, "dtype": "int", "is_symmetric": "False", "min": -1, "max": 1, "scale": 0.0078, "offset": -127.5}]}}`},
		{"missing scale", `{"activation_encodings": {"x": [{"bitwidth": 8, "dtype": "int", "is_symmetric": "False", "min": -1, "max": 1, "offset": -128}]}}`},
		{"bad dtype", `{"param_encodings": {"w": [{"bitwidth": 8, "dtype": "fixed"}]}}`},
		{"bad float bitwidth", `{"param_encodings": {"w": [{"bitwidth": 8, "dtype": "float"}]}}`},
		{"python bool", `{"activation_encodings": {"x": [{"bitwidth": 8, "dtype": "int", "is_symmetric": "true", "min": -1, "max": 1, "scale": 0.0078, "offset": -128}]}}`},
		{"empty list", `{"activation_encodings": {"x": []}}`},
		{"not json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Read(strings.NewReader(tc.body))
			if !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

func TestApplyStrictRoundTrip(t *testing.T) {
	t.Parallel()
	src := newFakeSim(t, true)
	doc := Build(src, BuildOptions{})

	dst := newFakeSim(t, false)
	mismatches, err := Apply(dst, doc, true)
	require.NoError(t, err)
	require.Empty(t, mismatches)

	for _, name := range []string{"input", "output", "conv.weight"} {
		want, _ := src.Quantizer(name)
		got, _ := dst.Quantizer(name)
		require.Equal(t, quantizer.Frozen, got.State(), name)
		if diff := cmp.Diff(want.Encoding(), got.Encoding()); diff != "" {
			t.Fatalf("%s encoding mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestApplyStrictIsAtomic(t *testing.T) {
	t.Parallel()
	doc := Build(newFakeSim(t, true), BuildOptions{})
	doc.ActivationEncodings["ghost"] = doc.ActivationEncodings["input"]

	dst := newFakeSim(t, false)
	mismatches, err := Apply(dst, doc, true)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	require.ErrorIs(t, err, ErrEncodingMismatch)
	require.Equal(t, []string{`activation_encodings["ghost"]: not in sim`}, mismatches)
	for name, q := range dst.quantizers {
		require.Equal(t, quantizer.Uncalibrated, q.State(), name)
	}
}

func TestApplyNonStrictReconciles(t *testing.T) {
	t.Parallel()
	doc := Build(newFakeSim(t, true), BuildOptions{})
	doc.ActivationEncodings["ghost"] = doc.ActivationEncodings["input"]
	// conv_out is disabled in the sim but present in the file
	doc.ActivationEncodings["conv_out"] = doc.ActivationEncodings["input"]
	// output dropped from the file, so the sim quantizer gets disabled
	delete(doc.ActivationEncodings, "output")
	// bias becomes an fp16 quantizer
	doc.ParamEncodings["conv.bias"] = []Record{{Bitwidth: 16, DType: "float"}}
	// a per-tensor weight record cannot fill two channels
	doc.ParamEncodings["conv.weight"] = doc.ParamEncodings["conv.weight"][:1]

	dst := newFakeSim(t, false)
	dst.quantizers["input"], _ = quantizer.New(quantizer.Settings{Name: "input", Enabled: true, Bitwidth: 4, Symmetric: true})

	mismatches, err := Apply(dst, doc, false)
	require.NoError(t, err)
	want := []string{
		`activation_encodings["conv_out"]: disabled in sim`,
		`activation_encodings["ghost"]: not in sim`,
		`activation_encodings["input"]: asymmetric in file, sim quantizer does not produce it`,
		`activation_encodings["input"]: bitwidth 8 in file, 4 in sim`,
		`activation_encodings["output"]: enabled in sim but missing from file`,
		`param_encodings["conv.bias"]: disabled in sim`,
		`param_encodings["conv.bias"]: dtype float in file, int in sim`,
		`param_encodings["conv.weight"]: 1 records in file, sim expects 2`,
	}
	if diff := cmp.Diff(want, mismatches); diff != "" {
		t.Fatalf("mismatch list (-want +got):\n%s", diff)
	}

	in, _ := dst.Quantizer("input")
	require.Equal(t, 8, in.Bitwidth())
	require.False(t, in.Symmetric())
	require.Equal(t, quantizer.Frozen, in.State())

	mid, _ := dst.Quantizer("conv_out")
	require.True(t, mid.Enabled())

	out, _ := dst.Quantizer("output")
	require.False(t, out.Enabled())

	bias, _ := dst.Quantizer("conv.bias")
	require.Equal(t, quant.Float, bias.DataType())
	require.Equal(t, 16, bias.Bitwidth())

	w, _ := dst.Quantizer("conv.weight")
	require.Equal(t, quantizer.Uncalibrated, w.State())
}

func keys(m map[string][]Record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
