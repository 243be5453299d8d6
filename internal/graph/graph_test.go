package graph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func opNames(ops []*Op) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Name
	}
	return out
}

func convReluAdd() *Builder {
	b := NewBuilder()
	b.AddInput("input", []int{1, 3, 8, 8})
	// declared out of order on purpose
	b.AddOp(OpSpec{Name: "add", Type: OpAdd, Inputs: []string{"relu_out", "conv2_out"}, Outputs: []string{"output"}})
	b.AddOp(OpSpec{Name: "conv1", Type: OpConv, Inputs: []string{"input", "conv1.weight"}, Outputs: []string{"conv1_out"}, ModuleKey: "conv1"},
		ParamSpec{Name: "conv1.weight", Role: RoleWeight, Shape: []int{4, 3, 3, 3}},
		ParamSpec{Name: "conv1.bias", Role: RoleBias, Shape: []int{4}})
	b.AddOp(OpSpec{Name: "relu", Type: OpRelu, Inputs: []string{"conv1_out"}, Outputs: []string{"relu_out"}, ModuleKey: "relu"})
	b.AddOp(OpSpec{Name: "conv2", Type: OpConv, Inputs: []string{"input"}, Outputs: []string{"conv2_out"}, ModuleKey: "conv2"},
		ParamSpec{Name: "conv2.weight", Role: RoleWeight, Shape: []int{4, 3, 1, 1}})
	b.MarkOutput("output")
	return b
}

func TestBuildOrdersTopologically(t *testing.T) {
	t.Parallel()
	g, err := convReluAdd().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"conv1", "relu", "conv2", "add"}
	if diff := cmp.Diff(want, opNames(g.OrderedOps())); diff != "" {
		t.Fatalf("op order mismatch (-want +got):\n%s", diff)
	}

	in, _ := g.Tensor("input")
	if diff := cmp.Diff([]string{"conv1", "conv2"}, opNames(in.Consumers)); diff != "" {
		t.Fatalf("input consumers mismatch (-want +got):\n%s", diff)
	}
	out, _ := g.Tensor("output")
	if !out.IsModelOutput || out.Producer == nil || out.Producer.Name != "add" {
		t.Fatalf("unexpected output tensor %+v", out)
	}
	conv1, _ := g.Op("conv1")
	if len(conv1.Inputs) != 1 || len(conv1.Params) != 2 {
		t.Fatalf("expected conv1 with 1 input and 2 params, got %d and %d", len(conv1.Inputs), len(conv1.Params))
	}
	if op, ok := g.OpForParam("conv1.bias"); !ok || op != conv1 {
		t.Fatal("OpForParam did not resolve conv1.bias")
	}
	if follower, ok := g.ActivationFollower(conv1); !ok || follower.Name != "relu" {
		t.Fatal("expected relu to follow conv1")
	}
	if len(g.Activations()) != 5 {
		t.Fatalf("expected 5 activations, got %d", len(g.Activations()))
	}
	if len(g.Params()) != 3 {
		t.Fatalf("expected 3 params, got %d", len(g.Params()))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()
	g1, err := convReluAdd().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g2, err := convReluAdd().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := func(g *Graph) []string {
		var out []string
		for _, tns := range g.Tensors() {
			out = append(out, tns.Name)
		}
		return out
	}
	if diff := cmp.Diff(names(g1), names(g2)); diff != "" {
		t.Fatalf("tensor order differs between builds:\n%s", diff)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		build  func(b *Builder)
		target error
	}{
		{
			name: "dangling input",
			build: func(b *Builder) {
				b.AddOp(OpSpec{Name: "relu", Type: OpRelu, Inputs: []string{"missing"}, Outputs: []string{"y"}})
			},
			target: ErrGraphConstruction,
		},
		{
			name: "no outputs",
			build: func(b *Builder) {
				b.AddOp(OpSpec{Name: "sink", Type: OpIdentity, Inputs: []string{"x"}})
			},
			target: ErrGraphConstruction,
		},
		{
			name: "two producers",
			build: func(b *Builder) {
				b.AddOp(OpSpec{Name: "a", Type: OpRelu, Inputs: []string{"x"}, Outputs: []string{"y"}})
				b.AddOp(OpSpec{Name: "b", Type: OpRelu, Inputs: []string{"x"}, Outputs: []string{"y"}})
			},
			target: ErrGraphConstruction,
		},
		{
			name: "cycle",
			build: func(b *Builder) {
				b.AddOp(OpSpec{Name: "a", Type: OpAdd, Inputs: []string{"x", "c"}, Outputs: []string{"y"}})
				b.AddOp(OpSpec{Name: "b", Type: OpRelu, Inputs: []string{"y"}, Outputs: []string{"c"}})
			},
			target: ErrGraphConstruction,
		},
		{
			name: "reused module",
			build: func(b *Builder) {
				b.AddOp(OpSpec{Name: "relu", Type: OpRelu, Inputs: []string{"x"}, Outputs: []string{"y"}, ModuleKey: "act"})
				b.AddOp(OpSpec{Name: "relu_1", Type: OpRelu, Inputs: []string{"y"}, Outputs: []string{"z"}, ModuleKey: "act"})
			},
			target: ErrUnsupported,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := NewBuilder()
			b.AddInput("x", []int{1})
			tc.build(b)
			_, err := b.Build()
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
		})
	}
}

func TestConstructionErrorMessage(t *testing.T) {
	t.Parallel()
	err := error(&ConstructionError{Op: "conv", Tensor: "x", Reason: "input has no producer"})
	var ce *ConstructionError
	if !errors.As(err, &ce) || ce.Op != "conv" {
		t.Fatalf("errors.As failed for %v", err)
	}
	if got := err.Error(); got != `graph construction failed at op "conv" tensor "x": input has no producer` {
		t.Fatalf("unexpected message %q", got)
	}
}
