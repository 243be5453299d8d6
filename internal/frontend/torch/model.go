package torch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/quantsim/internal/frontend"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
)

var ErrNotTraced = errors.New("torch: model has not been traced")

// Value is a tensor flowing through the forward function. Values created
// outside a module call carry no name and cannot be traced.
type Value struct {
	T    *tensor.Tensor
	name string
}

// NewValue wraps the result of a functional operation.
func NewValue(t *tensor.Tensor) *Value { return &Value{T: t} }

// ForwardFunc is the model's forward pass. It must reach every layer through
// Frame.Call.
type ForwardFunc func(f *Frame, inputs ...*Value) ([]*Value, error)

// Model is a named module tree plus its forward function.
type Model struct {
	modules  map[string]*Module
	order    []string
	forward  ForwardFunc
	graph    *graph.Graph
	wrappers map[string]*quantizer.Wrapper
}

func NewModel(forward ForwardFunc) *Model {
	return &Model{
		modules:  make(map[string]*Module),
		forward:  forward,
		wrappers: make(map[string]*quantizer.Wrapper),
	}
}

// Register adds a module under a dotted name such as "layer1.conv".
func (m *Model) Register(name string, mod *Module) error {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("invalid module name %q", name)
	}
	if _, dup := m.modules[name]; dup {
		return fmt.Errorf("module %q already registered", name)
	}
	if err := mod.compile(); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}
	for local := range mod.Params {
		if _, err := mod.role(local); err != nil {
			return fmt.Errorf("module %q: %w", name, err)
		}
	}
	m.modules[name] = mod
	m.order = append(m.order, name)
	return nil
}

// MustRegister is Register for static model definitions.
func (m *Model) MustRegister(name string, mod *Module) *Model {
	if err := m.Register(name, mod); err != nil {
		panic(err)
	}
	return m
}

func (m *Model) Module(name string) (*Module, bool) {
	mod, ok := m.modules[name]
	return mod, ok
}

// Modules returns module names in registration order.
func (m *Model) Modules() []string { return slices.Clone(m.order) }

// To moves every parameterized module to device.
func (m *Model) To(device string) {
	for _, mod := range m.modules {
		if len(mod.Params) > 0 {
			mod.Device = device
		}
	}
}

func (m *Model) ConnectedGraph() *graph.Graph { return m.graph }

func (m *Model) DeviceOf(op string) (string, bool) {
	mod, ok := m.modules[op]
	if !ok || len(mod.Params) == 0 || mod.Device == "" {
		return "", false
	}
	return mod.Device, true
}

// Parameter resolves "<module>.<param>".
func (m *Model) Parameter(name string) (*tensor.Tensor, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return nil, false
	}
	mod, ok := m.modules[name[:i]]
	if !ok {
		return nil, false
	}
	t, ok := mod.Params[name[i+1:]]
	return t, ok
}

func (m *Model) InstallWrapper(op string, w *quantizer.Wrapper) error {
	if _, ok := m.modules[op]; !ok {
		return fmt.Errorf("no module named %q", op)
	}
	m.wrappers[op] = w
	return nil
}

func (m *Model) Wrapper(op string) (*quantizer.Wrapper, bool) {
	w, ok := m.wrappers[op]
	return w, ok
}

// Frame is handed to the forward function for one pass.
type Frame struct {
	ctx   context.Context
	model *Model
	mode  quantizer.Mode
	trace *recorder
}

// Call runs a registered module on inputs.
func (f *Frame) Call(module string, inputs ...*Value) ([]*Value, error) {
	if err := f.ctx.Err(); err != nil {
		return nil, err
	}
	mod, ok := f.model.modules[module]
	if !ok {
		return nil, fmt.Errorf("no module named %q", module)
	}
	ins := make([]*tensor.Tensor, len(inputs))
	for i, v := range inputs {
		ins[i] = v.T
	}
	params := make(map[string]*tensor.Tensor, len(mod.Params))
	roles := make(map[string]graph.ParamRole, len(mod.Params))
	for local, p := range mod.Params {
		name := module + "." + local
		params[name] = p
		roles[name], _ = mod.role(local)
	}
	fn := frontend.Bind(mod.kernel, roles)

	var (
		outs []*tensor.Tensor
		err  error
	)
	if w, ok := f.model.wrappers[module]; ok && f.trace == nil {
		outs, err = w.Forward(f.mode, ins, params, fn)
	} else {
		outs, err = fn(ins, params)
	}
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", module, err)
	}

	values := make([]*Value, len(outs))
	for k, t := range outs {
		values[k] = &Value{T: t, name: outputName(module, mod.Type, k)}
	}
	if f.trace != nil {
		if err := f.trace.record(module, mod, inputs, values); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// Call1 is Call for single-output modules.
func (f *Frame) Call1(module string, inputs ...*Value) (*Value, error) {
	outs, err := f.Call(module, inputs...)
	if err != nil {
		return nil, err
	}
	if len(outs) != 1 {
		return nil, fmt.Errorf("module %s: expected one output, got %d", module, len(outs))
	}
	return outs[0], nil
}

func scope(module string) string {
	return "/" + strings.ReplaceAll(module, ".", "/")
}

func outputName(module string, t graph.OpType, k int) string {
	return scope(module) + "/" + string(t) + "_output_" + strconv.Itoa(k)
}

func inputNames(n int) []string {
	if n == 1 {
		return []string{"input"}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = "input_" + strconv.Itoa(i)
	}
	return out
}

func (m *Model) run(ctx context.Context, mode quantizer.Mode, rec *recorder, inputs []*tensor.Tensor) ([]*Value, error) {
	names := inputNames(len(inputs))
	vals := make([]*Value, len(inputs))
	for i, t := range inputs {
		vals[i] = &Value{T: t, name: names[i]}
	}
	f := &Frame{ctx: ctx, model: m, mode: mode, trace: rec}
	return m.forward(f, vals...)
}

// Forward runs the forward function with the installed wrappers.
func (m *Model) Forward(ctx context.Context, mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	outs, err := m.run(ctx, mode, nil, inputs)
	if err != nil {
		return nil, err
	}
	res := make([]*tensor.Tensor, len(outs))
	for i, v := range outs {
		res[i] = v.T
	}
	return res, nil
}

// PropagatedTensors maps the internal tensors of lowered modules to the
// module output whose encoding they share.
func (m *Model) PropagatedTensors() map[string]string {
	out := make(map[string]string)
	if m.graph == nil {
		return out
	}
	for _, op := range m.graph.OrderedOps() {
		mod := m.modules[op.Name]
		if len(mod.Lowered) < 2 || len(op.Outputs) != 1 {
			continue
		}
		for _, name := range loweredNames(op.Name, mod.Lowered)[:len(mod.Lowered)-1] {
			out[name] = op.Outputs[0].Name
		}
	}
	return out
}

// loweredNames names the outputs of a lowered module's nodes the way the
// exporter does: repeated types get a _<n> suffix.
func loweredNames(module string, types []graph.OpType) []string {
	seen := make(map[graph.OpType]int)
	out := make([]string, len(types))
	for i, t := range types {
		node := string(t)
		if n := seen[t]; n > 0 {
			node += "_" + strconv.Itoa(n)
		}
		seen[t]++
		out[i] = scope(module) + "/" + node + "_output_0"
	}
	return out
}

// StateDict returns every parameter keyed "<module>.<param>".
func (m *Model) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, name := range m.order {
		for _, local := range slices.Sorted(maps.Keys(m.modules[name].Params)) {
			out[name+"."+local] = m.modules[name].Params[local]
		}
	}
	return out
}

// LoadStateDict copies values into existing parameters. Shapes must match.
// With strict set, missing and unexpected keys are errors.
func (m *Model) LoadStateDict(state map[string]*tensor.Tensor, strict bool) error {
	own := m.StateDict()
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(state)) {
		dst, ok := own[name]
		if !ok {
			if strict {
				errs = append(errs, fmt.Errorf("unexpected key %s", name))
			}
			continue
		}
		src := state[name]
		if !slices.Equal(dst.Shape, src.Shape) {
			errs = append(errs, fmt.Errorf("%s: shape %v in state dict, %v in model", name, src.Shape, dst.Shape))
		}
	}
	if strict {
		for _, name := range slices.Sorted(maps.Keys(own)) {
			if _, ok := state[name]; !ok {
				errs = append(errs, fmt.Errorf("missing key %s", name))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for name, src := range state {
		if dst, ok := own[name]; ok {
			copy(dst.Data, src.Data)
		}
	}
	return nil
}
