package quantizer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/quantsim/internal/tensor"
)

// Builder is an un-realized wrapper: the op it belongs to and the quantizers
// resolved for its slots. Quantizers are shared with every other builder
// touching the same tensor.
type Builder struct {
	Op      string
	Inputs  []*Quantizer
	Outputs []*Quantizer
	Params  map[string]*Quantizer

	// Boundary marks inputs fed by a tensor no op produces. Only those are
	// quantized on the way in; everything else was quantized by its producer.
	Boundary []bool
}

// RealizeInfo carries what is only known once the native model is in hand.
type RealizeInfo struct {
	Device      string
	ParamShapes map[string][]int
}

// Realize binds device and channel counts and returns the wrapper.
func (b *Builder) Realize(info RealizeInfo) (*Wrapper, error) {
	if len(b.Boundary) != len(b.Inputs) {
		return nil, fmt.Errorf("wrapper %s: %d boundary flags for %d inputs", b.Op, len(b.Boundary), len(b.Inputs))
	}
	for name, q := range b.Params {
		channels := 0
		if q.PerChannel() {
			shape, ok := info.ParamShapes[name]
			if !ok {
				return nil, fmt.Errorf("wrapper %s: no shape for per-channel param %s", b.Op, name)
			}
			axis, err := tensor.NormAxis(q.ChannelAxis(), len(shape))
			if err != nil {
				return nil, fmt.Errorf("wrapper %s: param %s: %w", b.Op, name, err)
			}
			channels = shape[axis]
		}
		q.Bind(info.Device, channels)
	}
	for i, q := range b.Inputs {
		if q != nil && b.Boundary[i] {
			q.Bind(info.Device, 0)
		}
	}
	for _, q := range b.Outputs {
		if q != nil {
			q.Bind(info.Device, 0)
		}
	}
	return &Wrapper{
		Op:               b.Op,
		Device:           info.Device,
		InputQuantizers:  b.Inputs,
		OutputQuantizers: b.Outputs,
		ParamQuantizers:  b.Params,
		boundary:         b.Boundary,
	}, nil
}

// Wrapper attaches quantizers to one op. Slots without a quantizer are nil.
type Wrapper struct {
	Op               string
	Device           string
	InputQuantizers  []*Quantizer
	OutputQuantizers []*Quantizer
	ParamQuantizers  map[string]*Quantizer

	boundary []bool
}

// Boundary reports whether input i is quantized by this wrapper rather than
// by the op producing it.
func (w *Wrapper) Boundary(i int) bool { return i < len(w.boundary) && w.boundary[i] }

// Func is the float computation an op performs.
type Func func(inputs []*tensor.Tensor, params map[string]*tensor.Tensor) ([]*tensor.Tensor, error)

// QuantizeInputs applies the boundary input quantizers.
func (w *Wrapper) QuantizeInputs(mode Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(w.InputQuantizers) {
		return nil, fmt.Errorf("wrapper %s: expected %d inputs, got %d", w.Op, len(w.InputQuantizers), len(inputs))
	}
	out := make([]*tensor.Tensor, len(inputs))
	for i, x := range inputs {
		q := w.InputQuantizers[i]
		if q == nil || !w.boundary[i] {
			out[i] = x
			continue
		}
		y, err := q.Apply(mode, x)
		if err != nil {
			return nil, err
		}
		out[i] = y
	}
	return out, nil
}

// QuantizeParams returns params with their quantizers applied. The map is
// copied; native parameter tensors are never overwritten.
func (w *Wrapper) QuantizeParams(mode Mode, params map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(params))
	for name, p := range params {
		q, ok := w.ParamQuantizers[name]
		if !ok || q == nil {
			out[name] = p
			continue
		}
		y, err := q.Apply(mode, p)
		if err != nil {
			return nil, err
		}
		out[name] = y
	}
	return out, nil
}

// QuantizeOutputs applies the output quantizers in declaration order.
func (w *Wrapper) QuantizeOutputs(mode Mode, outputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(outputs) != len(w.OutputQuantizers) {
		return nil, fmt.Errorf("wrapper %s: expected %d outputs, got %d", w.Op, len(w.OutputQuantizers), len(outputs))
	}
	out := make([]*tensor.Tensor, len(outputs))
	for i, y := range outputs {
		q := w.OutputQuantizers[i]
		if q == nil {
			out[i] = y
			continue
		}
		z, err := q.Apply(mode, y)
		if err != nil {
			return nil, err
		}
		out[i] = z
	}
	return out, nil
}

// Forward runs fn between the input/param quantizers and the output
// quantizers.
func (w *Wrapper) Forward(mode Mode, inputs []*tensor.Tensor, params map[string]*tensor.Tensor, fn Func) ([]*tensor.Tensor, error) {
	ins, err := w.QuantizeInputs(mode, inputs)
	if err != nil {
		return nil, err
	}
	ps, err := w.QuantizeParams(mode, params)
	if err != nil {
		return nil, err
	}
	outs, err := fn(ins, ps)
	if err != nil {
		return nil, fmt.Errorf("op %s: %w", w.Op, err)
	}
	return w.QuantizeOutputs(mode, outs)
}

// Quantizers lists every distinct quantizer the wrapper references.
func (w *Wrapper) Quantizers() []*Quantizer {
	seen := make(map[*Quantizer]bool)
	var out []*Quantizer
	add := func(q *Quantizer) {
		if q != nil && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, q := range w.InputQuantizers {
		add(q)
	}
	for _, q := range w.OutputQuantizers {
		add(q)
	}
	for _, name := range slices.Sorted(maps.Keys(w.ParamQuantizers)) {
		add(w.ParamQuantizers[name])
	}
	return out
}
