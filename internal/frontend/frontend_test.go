package frontend

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/tensor"
)

func TestNewKernelUnknownType(t *testing.T) {
	t.Parallel()
	if _, err := NewKernel(graph.OpConvTranspose, Attrs{}); !errors.Is(err, ErrNoKernel) {
		t.Fatalf("expected ErrNoKernel, got %v", err)
	}
	if _, err := NewKernel(graph.OpConstant, Attrs{}); err == nil {
		t.Fatal("expected a constant without a value to be rejected")
	}
}

func TestChannelsLastKernels(t *testing.T) {
	t.Parallel()
	x := tensor.Rand(1, 1, 3, 4, 4)
	xl, _ := tensor.Transpose(x, 0, 2, 3, 1)
	tests := []struct {
		name  string
		op    graph.OpType
		attrs Attrs
	}{
		{"max pool", graph.OpMaxPool, Attrs{Window: [2]int{2, 2}, Conv: tensor.ConvParams{Stride: [2]int{2, 2}}}},
		{"average pool", graph.OpAveragePool, Attrs{Window: [2]int{2, 2}, Conv: tensor.ConvParams{Stride: [2]int{1, 1}}}},
		{"global average pool", graph.OpGlobalAveragePool, Attrs{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			first, err := NewKernel(tc.op, tc.attrs)
			if err != nil {
				t.Fatalf("NewKernel: %v", err)
			}
			tc.attrs.NHWC = true
			last, err := NewKernel(tc.op, tc.attrs)
			if err != nil {
				t.Fatalf("NewKernel: %v", err)
			}
			want, err := first([]*tensor.Tensor{x}, nil)
			if err != nil {
				t.Fatalf("NCHW: %v", err)
			}
			got, err := last([]*tensor.Tensor{xl}, nil)
			if err != nil {
				t.Fatalf("NHWC: %v", err)
			}
			back, _ := tensor.Transpose(got[0], 0, 3, 1, 2)
			if d := tensor.MaxAbsDiff(want[0], back); d > 1e-6 {
				t.Fatalf("expected layouts to agree, max diff %g", d)
			}
		})
	}
}

func TestBindResolvesRoles(t *testing.T) {
	t.Parallel()
	k, err := NewKernel(graph.OpGemm, Attrs{TransB: true})
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	fn := Bind(k, map[string]graph.ParamRole{"fc.weight": graph.RoleWeight, "fc.bias": graph.RoleBias})
	x := tensor.FromData([]float32{1, 2}, 1, 2)
	w := tensor.FromData([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	b := tensor.FromData([]float32{0, 0, 10}, 3)
	out, err := fn([]*tensor.Tensor{x}, map[string]*tensor.Tensor{"fc.weight": w, "fc.bias": b})
	if err != nil {
		t.Fatalf("fn: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 13}, out[0].Data); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if _, err := fn([]*tensor.Tensor{x}, map[string]*tensor.Tensor{"other": w}); err == nil {
		t.Fatal("expected a parameter without a role to be rejected")
	}
}

// diamond is input -> a (Relu) -> b (Sigmoid) and c (Tanh) -> d (Add).
func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder()
	b.AddInput("input", []int{1, 4})
	b.AddOp(graph.OpSpec{Name: "d", Type: graph.OpAdd, Inputs: []string{"b_out", "c_out"}, Outputs: []string{"output"}})
	b.AddOp(graph.OpSpec{Name: "a", Type: graph.OpRelu, Inputs: []string{"input"}, Outputs: []string{"a_out"}})
	b.AddOp(graph.OpSpec{Name: "b", Type: graph.OpSigmoid, Inputs: []string{"a_out"}, Outputs: []string{"b_out"}})
	b.AddOp(graph.OpSpec{Name: "c", Type: graph.OpTanh, Inputs: []string{"a_out"}, Outputs: []string{"c_out"}})
	b.MarkOutput("output")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestExecuteTopologicalOrder(t *testing.T) {
	t.Parallel()
	g := diamond(t)
	var ran []string
	x := tensor.Rand(3, 1, 4)
	out, err := Execute(context.Background(), g, []*tensor.Tensor{x}, func(op *graph.Op, ins []*tensor.Tensor) ([]*tensor.Tensor, error) {
		ran = append(ran, op.Name)
		k, err := NewKernel(op.Type, Attrs{})
		if err != nil {
			return nil, err
		}
		return k(ins, nil)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran[0] != "a" || ran[3] != "d" {
		t.Fatalf("expected a first and d last, got %v", ran)
	}
	r := tensor.Relu(x)
	want, _ := tensor.Add(tensor.Sigmoid(r), tensor.Tanh(r))
	if d := tensor.MaxAbsDiff(want, out[0]); d != 0 {
		t.Fatalf("expected exact output, max diff %g", d)
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()
	g := diamond(t)
	identity := func(_ *graph.Op, ins []*tensor.Tensor) ([]*tensor.Tensor, error) { return ins[:1], nil }

	if _, err := Execute(context.Background(), g, nil, identity); err == nil {
		t.Fatal("expected an input count error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Execute(ctx, g, []*tensor.Tensor{tensor.New(1, 4)}, identity); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	twice := func(_ *graph.Op, ins []*tensor.Tensor) ([]*tensor.Tensor, error) { return []*tensor.Tensor{ins[0], ins[0]}, nil }
	if _, err := Execute(context.Background(), g, []*tensor.Tensor{tensor.New(1, 4)}, twice); err == nil {
		t.Fatal("expected an output count error")
	}
}
