package keras

import (
	"fmt"

	"github.com/samcharles93/quantsim/internal/frontend"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// weightSlot is one trainable or moving variable of a layer class.
type weightSlot struct {
	local string
	role  graph.ParamRole
	axis  int
}

// compiled is a layer mapped onto the shared op vocabulary.
type compiled struct {
	op     graph.OpType
	tfOp   string
	slots  []weightSlot
	kernel frontend.Kernel
}

type activation struct {
	op   graph.OpType
	tfOp string
	fn   func(*tensor.Tensor) (*tensor.Tensor, error)
}

func lookupActivation(name string) (activation, error) {
	switch name {
	case "", "linear":
		return activation{op: graph.OpIdentity, tfOp: "Identity"}, nil
	case "relu":
		return activation{graph.OpRelu, "Relu", func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.Relu(x), nil }}, nil
	case "relu6":
		return activation{graph.OpClip, "Relu6", func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.Clip(x, 0, 6), nil }}, nil
	case "sigmoid":
		return activation{graph.OpSigmoid, "Sigmoid", func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.Sigmoid(x), nil }}, nil
	case "tanh":
		return activation{graph.OpTanh, "Tanh", func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.Tanh(x), nil }}, nil
	case "softmax":
		return activation{graph.OpSoftmax, "Softmax", func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.Softmax(x, -1) }}, nil
	default:
		return activation{}, fmt.Errorf("%w: activation %q", graph.ErrUnsupported, name)
	}
}

// then applies fn to the single output of k.
func then(k frontend.Kernel, fn func(*tensor.Tensor) (*tensor.Tensor, error)) frontend.Kernel {
	if fn == nil {
		return k
	}
	return func(in []*tensor.Tensor, p frontend.Params) ([]*tensor.Tensor, error) {
		outs, err := k(in, p)
		if err != nil {
			return nil, err
		}
		y, err := fn(outs[0])
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{y}, nil
	}
}

func pair(v []int, def [2]int) [2]int {
	switch len(v) {
	case 0:
		return def
	case 1:
		return [2]int{v[0], v[0]}
	default:
		return [2]int{v[0], v[1]}
	}
}

// window derives stride and padding for a conv or pool layer. Same padding
// is supported only where it is symmetric, i.e. stride 1 and an odd
// effective window.
func window(c Config, k [2]int, defStride [2]int) (tensor.ConvParams, error) {
	p := tensor.ConvParams{
		Stride:   pair(c.Strides, defStride),
		Dilation: pair(c.DilationRate, [2]int{1, 1}),
	}
	switch c.Padding {
	case "", "valid":
	case "same":
		for i := range 2 {
			eff := p.Dilation[i] * (k[i] - 1)
			if p.Stride[i] != 1 || eff%2 != 0 {
				return p, fmt.Errorf("%w: asymmetric same padding (kernel %v, strides %v)", graph.ErrUnsupported, k, p.Stride)
			}
			p.Pad[i] = eff / 2
		}
	default:
		return p, fmt.Errorf("%w: padding %q", graph.ErrUnsupported, c.Padding)
	}
	return p, nil
}

func biasSlots(kernelAxis int, useBias bool) []weightSlot {
	s := []weightSlot{{local: "kernel", role: graph.RoleWeight, axis: kernelAxis}}
	if useBias {
		s = append(s, weightSlot{local: "bias", role: graph.RoleBias})
	}
	return s
}

// compileLayer maps a layer class to its op type, tensorflow op name and
// reference kernel. Input layers are handled by the caller.
func compileLayer(lc *LayerConfig) (*compiled, error) {
	c := lc.Config
	a := frontend.Attrs{NHWC: true}
	out := &compiled{}
	var post func(*tensor.Tensor) (*tensor.Tensor, error)

	switch lc.ClassName {
	case "Conv2D", "Dense":
		act, err := lookupActivation(c.Activation)
		if err != nil {
			return nil, err
		}
		post = act.fn
		if lc.ClassName == "Conv2D" {
			k := pair(c.KernelSize, [2]int{1, 1})
			if a.Conv, err = window(c, k, [2]int{1, 1}); err != nil {
				return nil, err
			}
			// HWIO kernel: output channels on axis 3.
			out.op, out.tfOp, out.slots = graph.OpConv, "Conv2D", biasSlots(3, c.useBias())
		} else {
			out.op, out.tfOp, out.slots = graph.OpGemm, "MatMul", biasSlots(1, c.useBias())
		}
		switch {
		case act.fn != nil:
			out.tfOp = act.tfOp
		case c.useBias():
			out.tfOp = "BiasAdd"
		}
	case "BatchNormalization":
		if ax := c.axis(-1); ax != -1 && ax != 3 {
			return nil, fmt.Errorf("%w: batch normalization over axis %d", graph.ErrUnsupported, ax)
		}
		a.Eps = c.Epsilon
		if a.Eps == 0 {
			a.Eps = 1e-3
		}
		out.op, out.tfOp = graph.OpBatchNormalization, "FusedBatchNormV3"
		out.slots = []weightSlot{
			{local: "gamma", role: graph.RoleGamma},
			{local: "beta", role: graph.RoleBeta},
			{local: "moving_mean", role: graph.RoleRunningMean},
			{local: "moving_variance", role: graph.RoleRunningVar},
		}
	case "Activation":
		act, err := lookupActivation(c.Activation)
		if err != nil {
			return nil, err
		}
		out.op, out.tfOp = act.op, act.tfOp
		a.Min, a.Max, a.Axis = 0, 6, -1
	case "ReLU":
		switch {
		case c.MaxValue == nil:
			out.op, out.tfOp = graph.OpRelu, "Relu"
		case *c.MaxValue == 6:
			out.op, out.tfOp = graph.OpClip, "Relu6"
		default:
			out.op, out.tfOp = graph.OpClip, "clip_by_value"
		}
		if c.MaxValue != nil {
			a.Min, a.Max = 0, *c.MaxValue
		}
	case "Softmax":
		out.op, out.tfOp = graph.OpSoftmax, "Softmax"
		a.Axis = c.axis(-1)
	case "Add":
		out.op, out.tfOp = graph.OpAdd, "add"
	case "Multiply":
		out.op, out.tfOp = graph.OpMul, "mul"
	case "Concatenate":
		out.op, out.tfOp = graph.OpConcat, "concat"
		a.Axis = c.axis(-1)
	case "MaxPooling2D", "AveragePooling2D":
		a.Window = pair(c.PoolSize, [2]int{2, 2})
		var err error
		if a.Conv, err = window(c, a.Window, a.Window); err != nil {
			return nil, err
		}
		out.op, out.tfOp = graph.OpMaxPool, "MaxPool"
		if lc.ClassName == "AveragePooling2D" {
			out.op, out.tfOp = graph.OpAveragePool, "AvgPool"
		}
	case "GlobalAveragePooling2D":
		out.op, out.tfOp = graph.OpGlobalAveragePool, "Mean"
		// The pool keeps 1x1 spatial dims; keras drops them.
		post = func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return x.Reshape(x.Shape[0], x.Shape[3])
		}
	case "Flatten":
		out.op, out.tfOp = graph.OpFlatten, "Reshape"
		a.Axis = 1
	case "Reshape":
		out.op, out.tfOp = graph.OpReshape, "Reshape"
		a.Shape = append([]int{-1}, c.TargetShape...)
	case "Permute":
		out.op, out.tfOp = graph.OpTranspose, "transpose"
		a.Perm = append([]int{0}, c.Dims...)
	case "Dropout":
		out.op, out.tfOp = graph.OpIdentity, "Identity"
	default:
		return nil, fmt.Errorf("%w: layer class %q", graph.ErrUnsupported, lc.ClassName)
	}

	k, err := frontend.NewKernel(out.op, a)
	if err != nil {
		return nil, err
	}
	out.kernel = then(k, post)
	return out, nil
}
