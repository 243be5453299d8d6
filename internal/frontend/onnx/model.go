package onnx

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/samcharles93/quantsim/internal/frontend"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// slot names the parameter role of a node input position.
type slot struct {
	role graph.ParamRole
	axis int
}

func paramSlots(n *NodeProto) map[int]slot {
	switch graph.OpType(n.OpType) {
	case graph.OpConv, graph.OpConvTranspose:
		return map[int]slot{1: {graph.RoleWeight, 0}, 2: {graph.RoleBias, 0}}
	case graph.OpGemm:
		axis := 1
		if n.intAttr("transB", 0) != 0 {
			axis = 0
		}
		return map[int]slot{1: {graph.RoleWeight, axis}, 2: {graph.RoleBias, 0}}
	case graph.OpMatMul:
		return map[int]slot{1: {graph.RoleWeight, -1}}
	case graph.OpBatchNormalization:
		return map[int]slot{
			1: {graph.RoleGamma, 0},
			2: {graph.RoleBeta, 0},
			3: {graph.RoleRunningMean, 0},
			4: {graph.RoleRunningVar, 0},
		}
	default:
		return nil
	}
}

func attrs(n *NodeProto) (frontend.Attrs, error) {
	a := frontend.Attrs{
		Axis:   n.intAttr("axis", 1),
		Perm:   n.intsAttr("perm"),
		Shape:  n.intsAttr("shape"),
		Sizes:  n.intsAttr("split"),
		Min:    n.floatAttr("min", -3.4028235e38),
		Max:    n.floatAttr("max", 3.4028235e38),
		Eps:    n.floatAttr("epsilon", 1e-5),
		TransB: n.intAttr("transB", 0) != 0,
		Block:  n.intAttr("blocksize", 0),
	}
	if graph.OpType(n.OpType) == graph.OpSoftmax {
		a.Axis = n.intAttr("axis", -1)
	}
	a.Conv.Group = n.intAttr("group", 1)
	if s := n.intsAttr("strides"); len(s) >= 2 {
		a.Conv.Stride = [2]int{s[0], s[1]}
	}
	if p := n.intsAttr("pads"); len(p) >= 2 {
		if len(p) == 4 && (p[0] != p[2] || p[1] != p[3]) {
			return a, fmt.Errorf("%w: node %q has asymmetric pads %v", graph.ErrUnsupported, n.Name, p)
		}
		a.Conv.Pad = [2]int{p[0], p[1]}
	}
	if d := n.intsAttr("dilations"); len(d) >= 2 {
		a.Conv.Dilation = [2]int{d[0], d[1]}
	}
	if k := n.intsAttr("kernel_shape"); len(k) >= 2 {
		a.Window = [2]int{k[0], k[1]}
	}
	if v, ok := n.attr("value"); ok && v.T != nil {
		t, err := v.T.Tensor()
		if err != nil {
			return a, err
		}
		a.Value = t
	}
	return a, nil
}

// Model is a loaded onnx graph that a sim can wrap.
type Model struct {
	proto    *ModelProto
	graph    *graph.Graph
	inits    map[string]*tensor.Tensor
	params   map[string]bool
	kernels  map[string]quantizer.Func
	wrappers map[string]*quantizer.Wrapper
	device   string
}

// Load reads a binary .onnx model file.
func Load(path string) (*Model, error) {
	p, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return New(p)
}

// New builds the connected graph of proto. Initializers feeding weight,
// bias or batch-norm slots become parameters; any other initializer is a
// constant activation.
func New(proto *ModelProto) (*Model, error) {
	m := &Model{
		proto:    proto.Clone(),
		inits:    make(map[string]*tensor.Tensor),
		params:   make(map[string]bool),
		kernels:  make(map[string]quantizer.Func),
		wrappers: make(map[string]*quantizer.Wrapper),
	}
	g := &m.proto.Graph
	for i := range g.Initializer {
		t, err := g.Initializer[i].Tensor()
		if err != nil {
			return nil, &graph.ConstructionError{Tensor: g.Initializer[i].Name, Reason: err.Error()}
		}
		m.inits[g.Initializer[i].Name] = t
	}
	for i := range g.Node {
		if g.Node[i].Name == "" {
			g.Node[i].Name = "/" + g.Node[i].OpType + "_" + strconv.Itoa(i)
		}
	}

	// An initializer may serve one parameter slot and nothing else.
	owner := make(map[string]string)
	for _, n := range g.Node {
		slots := paramSlots(&n)
		for i, in := range n.Input {
			if _, ok := m.inits[in]; !ok {
				continue
			}
			_, isParam := slots[i]
			if prev, seen := owner[in]; seen && (isParam || m.params[in]) {
				return nil, fmt.Errorf("%w: initializer %q is shared by %q and %q", graph.ErrUnsupported, in, prev, n.Name)
			}
			owner[in] = n.Name
			if isParam {
				m.params[in] = true
			}
		}
	}

	b := graph.NewBuilder()
	for _, in := range g.Input {
		if _, isInit := m.inits[in.Name]; !isInit {
			b.AddInput(in.Name, in.Shape)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.inits)) {
		if m.params[name] || owner[name] == "" {
			continue
		}
		b.AddOp(graph.OpSpec{Name: "Initializer_" + name, Type: graph.OpConstant, Outputs: []string{name}})
		b.SetShape(name, m.inits[name].Shape)
		k, _ := frontend.NewKernel(graph.OpConstant, frontend.Attrs{Value: m.inits[name]})
		m.kernels["Initializer_"+name] = frontend.Bind(k, nil)
	}

	for i := range g.Node {
		n := &g.Node[i]
		t := graph.OpType(n.OpType)
		if !graph.IsKnownOpType(t) {
			return nil, fmt.Errorf("%w: node %q has op type %q", graph.ErrUnsupported, n.Name, n.OpType)
		}
		a, err := attrs(n)
		if errors.Is(err, graph.ErrUnsupported) {
			return nil, err
		}
		if err != nil {
			return nil, &graph.ConstructionError{Op: n.Name, Reason: err.Error()}
		}
		k, err := frontend.NewKernel(t, a)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		slots := paramSlots(n)
		spec := graph.OpSpec{Name: n.Name, Type: t, Outputs: n.Output, Module: n.Name, ModuleKey: n.Name}
		var ps []graph.ParamSpec
		roles := make(map[string]graph.ParamRole)
		for j, in := range n.Input {
			if in == "" {
				continue
			}
			if s, ok := slots[j]; ok && m.params[in] {
				ps = append(ps, graph.ParamSpec{Name: in, Role: s.role, Shape: m.inits[in].Shape, ChannelAxis: s.axis})
				roles[in] = s.role
			}
			spec.Inputs = append(spec.Inputs, in)
		}
		b.AddOp(spec, ps...)
		m.kernels[n.Name] = frontend.Bind(k, roles)
	}
	for _, out := range g.Output {
		b.SetShape(out.Name, out.Shape)
		b.MarkOutput(out.Name)
	}

	cg, err := b.Build()
	if err != nil {
		return nil, err
	}
	m.graph = cg
	return m, nil
}

func (m *Model) ConnectedGraph() *graph.Graph { return m.graph }

// Proto returns the float model as loaded.
func (m *Model) Proto() *ModelProto { return m.proto }

// SetDevice records where the model executes. It decides the domain of the
// inserted quantize nodes.
func (m *Model) SetDevice(device string) { m.device = device }

func (m *Model) DeviceOf(string) (string, bool) {
	return m.device, m.device != ""
}

func (m *Model) Parameter(name string) (*tensor.Tensor, bool) {
	if !m.params[name] {
		return nil, false
	}
	t, ok := m.inits[name]
	return t, ok
}

func (m *Model) InstallWrapper(op string, w *quantizer.Wrapper) error {
	if _, ok := m.graph.Op(op); !ok {
		return fmt.Errorf("no node named %q", op)
	}
	m.wrappers[op] = w
	return nil
}

func (m *Model) Wrapper(op string) (*quantizer.Wrapper, bool) {
	w, ok := m.wrappers[op]
	return w, ok
}

// Forward executes the graph with the installed quantizers.
func (m *Model) Forward(ctx context.Context, mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return frontend.Execute(ctx, m.graph, inputs, func(op *graph.Op, ins []*tensor.Tensor) ([]*tensor.Tensor, error) {
		params := make(map[string]*tensor.Tensor, len(op.Params))
		for _, p := range op.Params {
			params[p.Name] = m.inits[p.Name]
		}
		fn := m.kernels[op.Name]
		if w, ok := m.wrappers[op.Name]; ok {
			return w.Forward(mode, ins, params, fn)
		}
		return fn(ins, params)
	})
}

// ExportArtifact writes the float model to <prefix>.onnx. Quantize nodes
// are not part of the export; the encodings file carries them.
func (m *Model) ExportArtifact(dir, prefix string) error {
	out := m.proto.Clone()
	if out.IRVersion == 0 {
		out.IRVersion = defaultIRVersion
	}
	if len(out.OpsetImport) == 0 {
		out.OpsetImport = []OpsetID{{Domain: "", Version: defaultOpset}}
	}
	if out.ProducerName == "" {
		out.ProducerName = "quantsim"
	}
	for i := range out.Graph.Initializer {
		name := out.Graph.Initializer[i].Name
		out.Graph.Initializer[i] = NewTensorProto(name, m.inits[name])
	}
	return EncodeFile(filepath.Join(dir, prefix+".onnx"), out)
}
