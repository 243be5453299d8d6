// Package frontend holds what the torch, keras and onnx frontends share: the
// reference kernels behind each op type and a topological executor.
package frontend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
)

var ErrNoKernel = errors.New("no reference kernel for op type")

// Attrs are the static attributes an op type may need. Unused fields are
// ignored.
type Attrs struct {
	Conv   tensor.ConvParams
	Window [2]int
	Axis   int
	Perm   []int
	Shape  []int
	Sizes  []int
	Min    float32
	Max    float32
	Eps    float32
	TransB bool
	Block  int
	// NHWC marks channels-last spatial data. Conv weights are then HWIO.
	NHWC  bool
	Value *tensor.Tensor
}

// Params passes an op's parameters to its kernel by role.
type Params map[graph.ParamRole]*tensor.Tensor

// Kernel computes an op in float.
type Kernel func(inputs []*tensor.Tensor, params Params) ([]*tensor.Tensor, error)

func one(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

func arity(t graph.OpType, inputs []*tensor.Tensor, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%s: expected %d inputs, got %d", t, n, len(inputs))
	}
	return nil
}

// channelsFirst runs fn on an NCHW view of an NHWC tensor.
func channelsFirst(x *tensor.Tensor, fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	xn, err := tensor.Transpose(x, 0, 3, 1, 2)
	if err != nil {
		return nil, err
	}
	y, err := fn(xn)
	if err != nil {
		return nil, err
	}
	return tensor.Transpose(y, 0, 2, 3, 1)
}

// NewKernel returns the reference kernel for t.
func NewKernel(t graph.OpType, a Attrs) (Kernel, error) {
	spatial := func(fn func(*tensor.Tensor) (*tensor.Tensor, error)) Kernel {
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			if a.NHWC {
				return one(channelsFirst(in[0], fn))
			}
			return one(fn(in[0]))
		}
	}
	unary := func(fn func(*tensor.Tensor) *tensor.Tensor) Kernel {
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{fn(in[0])}, nil
		}
	}
	binary := func(fn func(x, y *tensor.Tensor) (*tensor.Tensor, error)) Kernel {
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 2); err != nil {
				return nil, err
			}
			return one(fn(in[0], in[1]))
		}
	}

	switch t {
	case graph.OpConv:
		return func(in []*tensor.Tensor, p Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			w, ok := p[graph.RoleWeight]
			if !ok {
				return nil, fmt.Errorf("%s: missing weight", t)
			}
			if a.NHWC {
				return one(tensor.Conv2DNHWC(in[0], w, p[graph.RoleBias], a.Conv))
			}
			return one(tensor.Conv2D(in[0], w, p[graph.RoleBias], a.Conv))
		}, nil
	case graph.OpGemm, graph.OpMatMul:
		return func(in []*tensor.Tensor, p Params) ([]*tensor.Tensor, error) {
			if w, ok := p[graph.RoleWeight]; ok {
				if err := arity(t, in, 1); err != nil {
					return nil, err
				}
				return one(tensor.Linear(in[0], w, p[graph.RoleBias], a.TransB))
			}
			if err := arity(t, in, 2); err != nil {
				return nil, err
			}
			return one(tensor.Linear(in[0], in[1], nil, a.TransB))
		}, nil
	case graph.OpBatchNormalization:
		return func(in []*tensor.Tensor, p Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			for _, r := range []graph.ParamRole{graph.RoleGamma, graph.RoleBeta, graph.RoleRunningMean, graph.RoleRunningVar} {
				if p[r] == nil {
					return nil, fmt.Errorf("%s: missing %s", t, r)
				}
			}
			eps := a.Eps
			if eps == 0 {
				eps = 1e-5
			}
			bn := func(x *tensor.Tensor) (*tensor.Tensor, error) {
				return tensor.BatchNorm(x, p[graph.RoleGamma], p[graph.RoleBeta], p[graph.RoleRunningMean], p[graph.RoleRunningVar], eps)
			}
			if a.NHWC && in[0].Rank() == 4 {
				return one(channelsFirst(in[0], bn))
			}
			return one(bn(in[0]))
		}, nil
	case graph.OpRelu:
		return unary(tensor.Relu), nil
	case graph.OpSigmoid:
		return unary(tensor.Sigmoid), nil
	case graph.OpTanh:
		return unary(tensor.Tanh), nil
	case graph.OpIdentity:
		return unary(func(x *tensor.Tensor) *tensor.Tensor { return x }), nil
	case graph.OpClip:
		return unary(func(x *tensor.Tensor) *tensor.Tensor { return tensor.Clip(x, a.Min, a.Max) }), nil
	case graph.OpSoftmax:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return one(tensor.Softmax(in[0], a.Axis))
		}, nil
	case graph.OpAdd:
		return binary(tensor.Add), nil
	case graph.OpMul:
		return binary(tensor.Mul), nil
	case graph.OpMaxPool:
		return spatial(func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.MaxPool2D(x, a.Window, a.Conv) }), nil
	case graph.OpAveragePool:
		return spatial(func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.AvgPool2D(x, a.Window, a.Conv) }), nil
	case graph.OpGlobalAveragePool:
		return spatial(tensor.GlobalAvgPool), nil
	case graph.OpFlatten:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return one(tensor.Flatten(in[0], a.Axis))
		}, nil
	case graph.OpReshape:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return one(in[0].Reshape(a.Shape...))
		}, nil
	case graph.OpTranspose:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return one(tensor.Transpose(in[0], a.Perm...))
		}, nil
	case graph.OpDepthToSpace:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return one(tensor.PixelShuffle(in[0], a.Block))
		}, nil
	case graph.OpConcat:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			return one(tensor.Concat(a.Axis, in...))
		}, nil
	case graph.OpSplit:
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 1); err != nil {
				return nil, err
			}
			return tensor.Split(in[0], a.Axis, a.Sizes)
		}, nil
	case graph.OpConstant:
		if a.Value == nil {
			return nil, fmt.Errorf("%s: no value", t)
		}
		return func(in []*tensor.Tensor, _ Params) ([]*tensor.Tensor, error) {
			if err := arity(t, in, 0); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{a.Value.Clone()}, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoKernel, t)
	}
}

// Bind adapts a kernel to a wrapper's name-keyed parameters.
func Bind(k Kernel, roles map[string]graph.ParamRole) quantizer.Func {
	return func(inputs []*tensor.Tensor, params map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
		byRole := make(Params, len(params))
		for name, v := range params {
			r, ok := roles[name]
			if !ok {
				return nil, fmt.Errorf("parameter %s has no role", name)
			}
			byRole[r] = v
		}
		return k(inputs, byRole)
	}
}

// Roles maps an op's parameter names to their roles.
func Roles(op *graph.Op) map[string]graph.ParamRole {
	out := make(map[string]graph.ParamRole, len(op.Params))
	for _, p := range op.Params {
		out[p.Name] = p.Role
	}
	return out
}
