package torch

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
)

type call struct {
	module  string
	mod     *Module
	inputs  []string
	outputs []string
	shapes  [][]int
}

func (c call) signature() string {
	return c.module + "(" + strings.Join(c.inputs, ",") + ")"
}

// recorder collects module calls during a tracing pass.
type recorder struct {
	calls  []call
	called map[string]bool
}

func newRecorder() *recorder {
	return &recorder{called: make(map[string]bool)}
}

func (r *recorder) record(module string, mod *Module, inputs, outputs []*Value) error {
	if r.called[module] {
		return fmt.Errorf("%w: module %q is called more than once", graph.ErrUnsupported, module)
	}
	r.called[module] = true
	c := call{module: module, mod: mod}
	for i, v := range inputs {
		if v.name == "" {
			return &graph.ConstructionError{
				Op:     module,
				Reason: fmt.Sprintf("input %d was produced by a functional operation outside any module", i),
			}
		}
		c.inputs = append(c.inputs, v.name)
	}
	for _, v := range outputs {
		c.outputs = append(c.outputs, v.name)
		c.shapes = append(c.shapes, slices.Clone(v.T.Shape))
	}
	r.calls = append(r.calls, c)
	return nil
}

// perturb returns a copy of t with small deterministic offsets, so data
// dependent branches have a chance to diverge from the first pass.
func perturb(t *tensor.Tensor, seed int64) *tensor.Tensor {
	noise := tensor.Rand(seed, t.Shape...)
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] += noise.Data[i]
	}
	return out
}

func (m *Model) tracePass(ctx context.Context, inputs []*tensor.Tensor) (*recorder, []*Value, error) {
	rec := newRecorder()
	outs, err := m.run(ctx, quantizer.ModePassThrough, rec, inputs)
	if err != nil {
		return nil, nil, err
	}
	return rec, outs, nil
}

// Trace runs the forward function twice, first on dummy and then on a
// perturbed copy of the same shape, and builds the connected graph from the
// recorded module calls. Different call sequences mean the forward function
// has data dependent control flow, which cannot be simulated.
func (m *Model) Trace(ctx context.Context, dummy ...*tensor.Tensor) (*graph.Graph, error) {
	first, outs, err := m.tracePass(ctx, dummy)
	if err != nil {
		return nil, err
	}
	perturbed := make([]*tensor.Tensor, len(dummy))
	for i, t := range dummy {
		perturbed[i] = perturb(t, int64(i)+1)
	}
	second, _, err := m.tracePass(ctx, perturbed)
	if err != nil {
		return nil, err
	}
	if len(first.calls) != len(second.calls) {
		return nil, &graph.ConstructionError{Reason: fmt.Sprintf("dynamic control flow: %d module calls, then %d", len(first.calls), len(second.calls))}
	}
	for i := range first.calls {
		if a, b := first.calls[i].signature(), second.calls[i].signature(); a != b {
			return nil, &graph.ConstructionError{Op: first.calls[i].module, Reason: fmt.Sprintf("dynamic control flow: call %d was %s, then %s", i, a, b)}
		}
	}

	rename := make(map[string]string)
	inputs := inputNames(len(dummy))
	for i, v := range outs {
		if v.name == "" {
			return nil, &graph.ConstructionError{Reason: fmt.Sprintf("model output %d was produced by a functional operation outside any module", i)}
		}
		if slices.Contains(inputs, v.name) {
			continue
		}
		if len(outs) == 1 {
			rename[v.name] = "output"
		} else {
			rename[v.name] = "output_" + strconv.Itoa(i)
		}
	}
	named := func(n string) string {
		if r, ok := rename[n]; ok {
			return r
		}
		return n
	}

	b := graph.NewBuilder()
	for i, t := range dummy {
		b.AddInput(inputs[i], t.Shape)
	}
	for _, c := range first.calls {
		spec := graph.OpSpec{Name: c.module, Type: c.mod.Type, Module: c.mod, ModuleKey: c.module}
		for _, in := range c.inputs {
			spec.Inputs = append(spec.Inputs, named(in))
		}
		for k, out := range c.outputs {
			spec.Outputs = append(spec.Outputs, named(out))
			b.SetShape(named(out), c.shapes[k])
		}
		var ps []graph.ParamSpec
		for _, local := range sortedParams(c.mod) {
			role, _ := c.mod.role(local)
			ps = append(ps, graph.ParamSpec{
				Name:  c.module + "." + local,
				Role:  role,
				Shape: c.mod.Params[local].Shape,
			})
		}
		b.AddOp(spec, ps...)
	}
	for _, v := range outs {
		b.MarkOutput(named(v.name))
	}
	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	m.graph = g
	return g, nil
}

// sortedParams orders weight first, then bias, then the rest by name, which
// is the declaration order torch modules use.
func sortedParams(mod *Module) []string {
	rank := map[string]int{"weight": 0, "bias": 1}
	names := make([]string, 0, len(mod.Params))
	for n := range mod.Params {
		names = append(names, n)
	}
	slices.SortFunc(names, func(a, b string) int {
		ra, oka := rank[a]
		rb, okb := rank[b]
		switch {
		case oka && okb:
			return ra - rb
		case oka:
			return -1
		case okb:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return names
}
