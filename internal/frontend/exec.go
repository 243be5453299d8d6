package frontend

import (
	"context"
	"fmt"

	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// Step runs one op on its activation inputs.
type Step func(op *graph.Op, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// Execute evaluates g in topological order and returns the model outputs.
// Values are released once their last consumer has run.
func Execute(ctx context.Context, g *graph.Graph, inputs []*tensor.Tensor, step Step) ([]*tensor.Tensor, error) {
	ins := g.Inputs()
	if len(inputs) != len(ins) {
		return nil, fmt.Errorf("model takes %d inputs, got %d", len(ins), len(inputs))
	}
	values := make(map[string]*tensor.Tensor)
	pending := make(map[string]int)
	keep := make(map[string]bool)
	for _, out := range g.Outputs() {
		keep[out.Name] = true
	}
	for i, in := range ins {
		values[in.Name] = inputs[i]
		pending[in.Name] = len(in.Consumers)
	}

	for _, op := range g.OrderedOps() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		args := make([]*tensor.Tensor, len(op.Inputs))
		for i, in := range op.Inputs {
			v, ok := values[in.Name]
			if !ok {
				return nil, fmt.Errorf("op %s: input %s was not computed", op.Name, in.Name)
			}
			args[i] = v
		}
		outs, err := step(op, args)
		if err != nil {
			return nil, err
		}
		if len(outs) != len(op.Outputs) {
			return nil, fmt.Errorf("op %s: produced %d outputs, graph declares %d", op.Name, len(outs), len(op.Outputs))
		}
		for i, out := range op.Outputs {
			values[out.Name] = outs[i]
			pending[out.Name] = len(out.Consumers)
		}
		seen := make(map[string]bool, len(op.Inputs))
		for _, in := range op.Inputs {
			if seen[in.Name] {
				continue
			}
			seen[in.Name] = true
			pending[in.Name]--
			if pending[in.Name] <= 0 && !keep[in.Name] {
				delete(values, in.Name)
			}
		}
	}

	result := make([]*tensor.Tensor, 0, len(g.Outputs()))
	for _, out := range g.Outputs() {
		result = append(result, values[out.Name])
	}
	return result, nil
}
