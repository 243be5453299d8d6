// Package torch is the frontend for module trees whose forward function calls
// child modules by name. The connected graph is recovered by tracing the
// forward function.
package torch

import (
	"fmt"

	"github.com/samcharles93/quantsim/internal/frontend"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// Module is one layer. Params are keyed by their local name (weight, bias,
// running_mean, running_var).
type Module struct {
	Type   graph.OpType
	Params map[string]*tensor.Tensor
	Attrs  frontend.Attrs
	// Device is where the parameters live; empty for parameterless modules.
	Device string
	// Lowered lists the primitive nodes the module exports as, when it is
	// not a single node. The last one produces the module output.
	Lowered []graph.OpType

	kernel frontend.Kernel
}

func (m *Module) compile() error {
	if m.kernel != nil {
		return nil
	}
	k, err := frontend.NewKernel(m.Type, m.Attrs)
	if err != nil {
		return err
	}
	m.kernel = k
	return nil
}

// role maps a local parameter name to its role for this module type.
func (m *Module) role(local string) (graph.ParamRole, error) {
	if m.Type == graph.OpBatchNormalization {
		switch local {
		case "weight":
			return graph.RoleGamma, nil
		case "bias":
			return graph.RoleBeta, nil
		}
	}
	r := graph.ParamRole(local)
	if !graph.IsKnownParamRole(r) {
		return "", fmt.Errorf("parameter %q has no known role", local)
	}
	return r, nil
}

func withParams(t graph.OpType, attrs frontend.Attrs, params map[string]*tensor.Tensor) *Module {
	for k, v := range params {
		if v == nil {
			delete(params, k)
		}
	}
	return &Module{Type: t, Attrs: attrs, Params: params, Device: "cpu"}
}

// Conv2d convolves NCHW input with weight [out, in/groups, kh, kw].
func Conv2d(weight, bias *tensor.Tensor, p tensor.ConvParams) *Module {
	return withParams(graph.OpConv, frontend.Attrs{Conv: p}, map[string]*tensor.Tensor{"weight": weight, "bias": bias})
}

// Linear computes x*W^T + b for weight [out, in].
func Linear(weight, bias *tensor.Tensor) *Module {
	return withParams(graph.OpGemm, frontend.Attrs{TransB: true}, map[string]*tensor.Tensor{"weight": weight, "bias": bias})
}

func BatchNorm2d(weight, bias, mean, variance *tensor.Tensor, eps float32) *Module {
	return withParams(graph.OpBatchNormalization, frontend.Attrs{Eps: eps}, map[string]*tensor.Tensor{
		"weight":       weight,
		"bias":         bias,
		"running_mean": mean,
		"running_var":  variance,
	})
}

func ReLU() *Module    { return &Module{Type: graph.OpRelu} }
func ReLU6() *Module   { return &Module{Type: graph.OpClip, Attrs: frontend.Attrs{Min: 0, Max: 6}} }
func Sigmoid() *Module { return &Module{Type: graph.OpSigmoid} }
func Tanh() *Module    { return &Module{Type: graph.OpTanh} }

func Softmax(dim int) *Module {
	return &Module{Type: graph.OpSoftmax, Attrs: frontend.Attrs{Axis: dim}}
}

func MaxPool2d(kernel, stride int) *Module {
	return &Module{Type: graph.OpMaxPool, Attrs: frontend.Attrs{
		Window: [2]int{kernel, kernel},
		Conv:   tensor.ConvParams{Stride: [2]int{stride, stride}},
	}}
}

func AvgPool2d(kernel, stride int) *Module {
	return &Module{Type: graph.OpAveragePool, Attrs: frontend.Attrs{
		Window: [2]int{kernel, kernel},
		Conv:   tensor.ConvParams{Stride: [2]int{stride, stride}},
	}}
}

// AdaptiveAvgPool2d reduces each channel to 1x1.
func AdaptiveAvgPool2d() *Module { return &Module{Type: graph.OpGlobalAveragePool} }

func Flatten(startDim int) *Module {
	return &Module{Type: graph.OpFlatten, Attrs: frontend.Attrs{Axis: startDim}}
}

// PixelShuffle exports as Reshape, Transpose, Reshape.
func PixelShuffle(factor int) *Module {
	return &Module{
		Type:    graph.OpDepthToSpace,
		Attrs:   frontend.Attrs{Block: factor},
		Lowered: []graph.OpType{graph.OpReshape, graph.OpTranspose, graph.OpReshape},
	}
}

// Add and Mul are the elementwise modules that stand in for the functional
// operators so they can be traced and quantized.
func Add() *Module { return &Module{Type: graph.OpAdd} }
func Mul() *Module { return &Module{Type: graph.OpMul} }

func Concat(dim int) *Module {
	return &Module{Type: graph.OpConcat, Attrs: frontend.Attrs{Axis: dim}}
}

func Identity() *Module { return &Module{Type: graph.OpIdentity} }
