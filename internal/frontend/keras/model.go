package keras

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"

	"github.com/samcharles93/quantsim/internal/frontend"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/safetensors"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// Layer is an entry of the model's layer list. Installing a wrapper swaps a
// NativeLayer for a WrappedLayer in place.
type Layer interface {
	Name() string
	Call(mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// NativeLayer is a compiled layer holding its variables.
type NativeLayer struct {
	Config LayerConfig
	// Weights are keyed by variable name, e.g. "conv1/kernel:0".
	Weights map[string]*tensor.Tensor

	op  graph.OpType
	out string
	fn  quantizer.Func
}

func (l *NativeLayer) Name() string        { return l.Config.Name }
func (l *NativeLayer) OpType() graph.OpType { return l.op }

// Output is the name of the tensor the layer produces.
func (l *NativeLayer) Output() string { return l.out }

func (l *NativeLayer) Call(_ quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return l.fn(inputs, l.Weights)
}

// WrappedLayer runs the inner layer through its quantizers.
type WrappedLayer struct {
	Inner   *NativeLayer
	Wrapper *quantizer.Wrapper
}

func (l *WrappedLayer) Name() string { return l.Inner.Name() }

func (l *WrappedLayer) Call(mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return l.Wrapper.Forward(mode, inputs, l.Inner.Weights, l.Inner.fn)
}

// Model is a functional model that a sim can wrap.
type Model struct {
	def     *Definition
	layers  []Layer
	index   map[string]int
	inputs  map[string]string
	weights map[string]*tensor.Tensor
	graph   *graph.Graph
	device  string
}

func variable(layer, local string) string { return layer + "/" + local + ":0" }

// Load reads a definition and its safetensors weights.
func Load(defPath, weightsPath string) (*Model, error) {
	def, err := DecodeFile(defPath)
	if err != nil {
		return nil, err
	}
	weights, err := safetensors.Load(weightsPath)
	if err != nil {
		return nil, err
	}
	return New(def, weights)
}

// New compiles def and builds its connected graph. Every weight must belong
// to a layer and every required variable must be present.
func New(def *Definition, weights map[string]*tensor.Tensor) (*Model, error) {
	m := &Model{
		def:     def.Clone(),
		index:   make(map[string]int),
		inputs:  make(map[string]string),
		weights: make(map[string]*tensor.Tensor),
	}
	for _, name := range m.def.InputLayers {
		m.inputs[name] = ""
	}

	b := graph.NewBuilder()
	outputs := make(map[string]string)
	used := make(map[string]bool)
	var specs []graph.OpSpec
	var params [][]graph.ParamSpec
	for i := range m.def.Layers {
		lc := &m.def.Layers[i]
		if _, dup := outputs[lc.Name]; dup || lc.Name == "" {
			return nil, &graph.ConstructionError{Op: lc.Name, Reason: "layer names must be unique and non-empty"}
		}
		if lc.ClassName == "InputLayer" {
			if _, ok := m.inputs[lc.Name]; !ok {
				return nil, &graph.ConstructionError{Op: lc.Name, Reason: "input layer is not listed in input_layers"}
			}
			name := lc.Name + ":0"
			m.inputs[lc.Name] = name
			outputs[lc.Name] = name
			b.AddInput(name, lc.Config.BatchInputShape)
			continue
		}
		switch len(lc.InboundNodes) {
		case 0:
			return nil, &graph.ConstructionError{Op: lc.Name, Reason: "layer is never called"}
		case 1:
		default:
			return nil, fmt.Errorf("%w: layer %q is called %d times", graph.ErrUnsupported, lc.Name, len(lc.InboundNodes))
		}

		c, err := compileLayer(lc)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", lc.Name, err)
		}
		l := &NativeLayer{
			Config:  *lc,
			Weights: make(map[string]*tensor.Tensor),
			op:      c.op,
			out:     lc.Name + "/" + c.tfOp + ":0",
		}
		outputs[lc.Name] = l.out

		var ps []graph.ParamSpec
		roles := make(map[string]graph.ParamRole)
		for _, s := range c.slots {
			name := variable(lc.Name, s.local)
			w, ok := weights[name]
			if !ok {
				return nil, &graph.ConstructionError{Op: lc.Name, Tensor: name, Reason: "missing weight"}
			}
			used[name] = true
			l.Weights[name] = w
			m.weights[name] = w
			roles[name] = s.role
			ps = append(ps, graph.ParamSpec{Name: name, Role: s.role, Shape: w.Shape, ChannelAxis: s.axis})
		}
		l.fn = frontend.Bind(c.kernel, roles)

		specs = append(specs, graph.OpSpec{Name: lc.Name, Type: c.op, Outputs: []string{l.out}, Module: l, ModuleKey: lc.Name})
		params = append(params, ps)
		m.index[lc.Name] = len(m.layers)
		m.layers = append(m.layers, l)
	}

	// Inbound references are resolved once every layer has named its output,
	// so layers may be listed in any order.
	for i, spec := range specs {
		for _, from := range m.layers[i].(*NativeLayer).Config.InboundNodes[0] {
			t, ok := outputs[from]
			if !ok {
				return nil, &graph.ConstructionError{Op: spec.Name, Reason: fmt.Sprintf("inbound layer %q does not exist", from)}
			}
			spec.Inputs = append(spec.Inputs, t)
		}
		b.AddOp(spec, params[i]...)
	}

	for name := range weights {
		if !used[name] {
			return nil, &graph.ConstructionError{Tensor: name, Reason: "weight belongs to no layer"}
		}
	}
	for name, t := range m.inputs {
		if t == "" {
			return nil, &graph.ConstructionError{Op: name, Reason: "input_layers names a missing InputLayer"}
		}
	}
	for _, name := range m.def.OutputLayers {
		t, ok := outputs[name]
		if !ok {
			return nil, &graph.ConstructionError{Op: name, Reason: "output layer does not exist"}
		}
		b.MarkOutput(t)
	}

	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	m.graph = g
	return m, nil
}

func (m *Model) ConnectedGraph() *graph.Graph { return m.graph }

// Definition returns the model as loaded.
func (m *Model) Definition() *Definition { return m.def }

// NumLayers excludes input layers.
func (m *Model) NumLayers() int { return len(m.layers) }

// Layer returns the i-th non-input layer; a WrappedLayer once a sim is built.
func (m *Model) Layer(i int) Layer { return m.layers[i] }

// LayerByName looks up a non-input layer.
func (m *Model) LayerByName(name string) (Layer, bool) {
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return m.layers[i], true
}

// SetDevice records the device the model runs on, e.g. "/GPU:0".
func (m *Model) SetDevice(device string) { m.device = device }

func (m *Model) DeviceOf(string) (string, bool) {
	return m.device, m.device != ""
}

func (m *Model) Parameter(name string) (*tensor.Tensor, bool) {
	t, ok := m.weights[name]
	return t, ok
}

func native(l Layer) *NativeLayer {
	if w, ok := l.(*WrappedLayer); ok {
		return w.Inner
	}
	return l.(*NativeLayer)
}

func (m *Model) InstallWrapper(op string, w *quantizer.Wrapper) error {
	i, ok := m.index[op]
	if !ok {
		return fmt.Errorf("no layer named %q", op)
	}
	m.layers[i] = &WrappedLayer{Inner: native(m.layers[i]), Wrapper: w}
	return nil
}

func (m *Model) Wrapper(op string) (*quantizer.Wrapper, bool) {
	i, ok := m.index[op]
	if !ok {
		return nil, false
	}
	w, ok := m.layers[i].(*WrappedLayer)
	if !ok {
		return nil, false
	}
	return w.Wrapper, true
}

// Forward runs every layer in topological order.
func (m *Model) Forward(ctx context.Context, mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return frontend.Execute(ctx, m.graph, inputs, func(op *graph.Op, ins []*tensor.Tensor) ([]*tensor.Tensor, error) {
		outs, err := m.layers[m.index[op.Name]].Call(mode, ins)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", op.Name, err)
		}
		return outs, nil
	})
}

// Weights returns every variable keyed by name.
func (m *Model) Weights() map[string]*tensor.Tensor { return maps.Clone(m.weights) }

// SaveWeights writes the variables as safetensors.
func (m *Model) SaveWeights(path string) error {
	return safetensors.WriteFile(path, m.weights, map[string]string{"format": "tf"})
}

// ExportArtifact writes <prefix>.keras.json and <prefix>.weights.safetensors.
// Wrapping layers are not part of the export.
func (m *Model) ExportArtifact(dir, prefix string) error {
	if err := EncodeFile(filepath.Join(dir, prefix+".keras.json"), m.def); err != nil {
		return err
	}
	return m.SaveWeights(filepath.Join(dir, prefix+".weights.safetensors"))
}

// LayerNames lists non-input layers in definition order.
func (m *Model) LayerNames() []string {
	out := make([]string, len(m.layers))
	for i, l := range m.layers {
		out[i] = l.Name()
	}
	return out
}
