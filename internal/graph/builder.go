package graph

import (
	"fmt"
	"slices"
)

// OpSpec declares one op to a Builder. Inputs and Outputs are tensor names.
type OpSpec struct {
	Name    string
	Type    OpType
	Inputs  []string
	Outputs []string
	Module  any
	// ModuleKey identifies the native module instance behind the op. Two ops
	// sharing a key means one layer is reused at several call sites.
	ModuleKey string
}

// ParamSpec declares a parameter owned by the op it is added with.
type ParamSpec struct {
	Name        string
	Role        ParamRole
	Shape       []int
	ChannelAxis int
}

type opDecl struct {
	spec   OpSpec
	params []ParamSpec
	index  int
}

// Builder accumulates a model description and validates it in Build.
// Ops may be added in any order.
type Builder struct {
	inputs  []*Product
	ops     []*opDecl
	outputs []string
	shapes  map[string][]int
}

func NewBuilder() *Builder {
	return &Builder{shapes: make(map[string][]int)}
}

func (b *Builder) AddInput(name string, shape []int) {
	b.inputs = append(b.inputs, &Product{Name: name, Shape: slices.Clone(shape), IsModelInput: true})
}

func (b *Builder) AddOp(spec OpSpec, params ...ParamSpec) {
	b.ops = append(b.ops, &opDecl{spec: spec, params: params, index: len(b.ops)})
}

// SetShape records the shape of an activation once it is known.
func (b *Builder) SetShape(name string, shape []int) {
	b.shapes[name] = slices.Clone(shape)
}

func (b *Builder) MarkOutput(names ...string) {
	b.outputs = append(b.outputs, names...)
}

// Build validates the declarations and returns the connected graph.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		opIndex: make(map[string]*Op, len(b.ops)),
		tensors: make(map[string]*Product),
		params:  make(map[string]*Op),
	}
	modules := make(map[string]string)
	decls := make(map[*Op]*opDecl, len(b.ops))
	ops := make([]*Op, 0, len(b.ops))

	for _, in := range b.inputs {
		if _, dup := g.tensors[in.Name]; dup {
			return nil, &ConstructionError{Tensor: in.Name, Reason: "duplicate model input"}
		}
		g.tensors[in.Name] = in
		g.inputs = append(g.inputs, in)
	}

	for _, d := range b.ops {
		s := d.spec
		if s.Name == "" {
			return nil, &ConstructionError{Reason: fmt.Sprintf("op #%d has no name", d.index)}
		}
		if _, dup := g.opIndex[s.Name]; dup {
			return nil, &ConstructionError{Op: s.Name, Reason: "duplicate op name"}
		}
		if s.ModuleKey != "" {
			if prev, reused := modules[s.ModuleKey]; reused {
				return nil, fmt.Errorf("%w: module %q is called by both %q and %q", ErrUnsupported, s.ModuleKey, prev, s.Name)
			}
			modules[s.ModuleKey] = s.Name
		}
		if len(s.Outputs) == 0 {
			return nil, &ConstructionError{Op: s.Name, Reason: "op produces no outputs"}
		}
		op := &Op{Name: s.Name, Type: s.Type, Module: s.Module}
		for _, ps := range d.params {
			if _, dup := g.tensors[ps.Name]; dup {
				return nil, &ConstructionError{Op: s.Name, Tensor: ps.Name, Reason: "parameter name already in use"}
			}
			t := &Product{Name: ps.Name, Shape: slices.Clone(ps.Shape), IsParam: true}
			g.tensors[ps.Name] = t
			g.params[ps.Name] = op
			op.Params = append(op.Params, &Param{Name: ps.Name, Role: ps.Role, Tensor: t, ChannelAxis: ps.ChannelAxis})
		}
		g.opIndex[s.Name] = op
		decls[op] = d
		ops = append(ops, op)
	}

	for _, op := range ops {
		for _, name := range decls[op].spec.Outputs {
			if t, exists := g.tensors[name]; exists {
				switch {
				case t.IsModelInput:
					return nil, &ConstructionError{Op: op.Name, Tensor: name, Reason: "op writes a model input"}
				case t.IsParam:
					return nil, &ConstructionError{Op: op.Name, Tensor: name, Reason: "op writes a parameter"}
				default:
					return nil, &ConstructionError{Op: op.Name, Tensor: name, Reason: fmt.Sprintf("tensor already produced by %q", t.Producer.Name)}
				}
			}
			t := &Product{Name: name, Shape: b.shapes[name], Producer: op}
			g.tensors[name] = t
			op.Outputs = append(op.Outputs, t)
		}
	}

	for _, op := range ops {
		for _, name := range decls[op].spec.Inputs {
			t, ok := g.tensors[name]
			if !ok {
				return nil, &ConstructionError{Op: op.Name, Tensor: name, Reason: "input has no producer"}
			}
			if t.IsParam && g.params[name] != op {
				return nil, &ConstructionError{Op: op.Name, Tensor: name, Reason: fmt.Sprintf("parameter belongs to %q", g.params[name].Name)}
			}
			if !t.IsParam {
				op.Inputs = append(op.Inputs, t)
			}
		}
	}

	for _, name := range b.outputs {
		t, ok := g.tensors[name]
		if !ok || t.IsParam {
			return nil, &ConstructionError{Tensor: name, Reason: "model output is not produced by any op"}
		}
		t.IsModelOutput = true
		g.outputs = append(g.outputs, t)
	}

	sorted, err := topoSort(ops, decls)
	if err != nil {
		return nil, err
	}
	g.ops = sorted

	seen := make(map[string]bool)
	visit := func(t *Product) {
		if !seen[t.Name] {
			seen[t.Name] = true
			g.order = append(g.order, t.Name)
		}
	}
	for _, in := range g.inputs {
		visit(in)
	}
	for _, op := range g.ops {
		for _, p := range op.Params {
			visit(p.Tensor)
		}
		for _, in := range op.Inputs {
			visit(in)
			if !slices.Contains(in.Consumers, op) {
				in.Consumers = append(in.Consumers, op)
			}
		}
		for _, out := range op.Outputs {
			visit(out)
		}
	}
	return g, nil
}

// topoSort orders ops with Kahn's algorithm, always taking the earliest
// declared ready op so the order is stable across runs.
func topoSort(ops []*Op, decls map[*Op]*opDecl) ([]*Op, error) {
	deps := make(map[*Op]int, len(ops))
	users := make(map[*Op][]*Op)
	for _, op := range ops {
		producers := make(map[*Op]bool)
		for _, in := range op.Inputs {
			if in.Producer != nil && !producers[in.Producer] {
				producers[in.Producer] = true
				deps[op]++
				users[in.Producer] = append(users[in.Producer], op)
			}
		}
	}
	var ready []*Op
	for _, op := range ops {
		if deps[op] == 0 {
			ready = append(ready, op)
		}
	}
	out := make([]*Op, 0, len(ops))
	for len(ready) > 0 {
		next := 0
		for i, op := range ready {
			if decls[op].index < decls[ready[next]].index {
				next = i
			}
		}
		op := ready[next]
		ready = slices.Delete(ready, next, next+1)
		out = append(out, op)
		for _, u := range users[op] {
			deps[u]--
			if deps[u] == 0 {
				ready = append(ready, u)
			}
		}
	}
	if len(out) != len(ops) {
		for _, op := range ops {
			if deps[op] > 0 {
				return nil, &ConstructionError{Op: op.Name, Reason: "cycle detected; the graph has dynamic control flow"}
			}
		}
	}
	return out, nil
}
