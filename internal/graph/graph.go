// Package graph holds the framework-agnostic connected graph every frontend
// lowers its native model into: ops, the tensors flowing between them and
// the parameters they own.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrGraphConstruction = errors.New("graph construction failed")
	// ErrUnsupported marks models that parse but cannot be simulated, such as
	// one module instance called at two positions in the graph.
	ErrUnsupported = errors.New("unsupported model structure")
)

// ConstructionError reports which op or tensor broke graph construction.
type ConstructionError struct {
	Op     string
	Tensor string
	Reason string
}

func (e *ConstructionError) Error() string {
	switch {
	case e.Op != "" && e.Tensor != "":
		return fmt.Sprintf("graph construction failed at op %q tensor %q: %s", e.Op, e.Tensor, e.Reason)
	case e.Op != "":
		return fmt.Sprintf("graph construction failed at op %q: %s", e.Op, e.Reason)
	case e.Tensor != "":
		return fmt.Sprintf("graph construction failed at tensor %q: %s", e.Tensor, e.Reason)
	default:
		return "graph construction failed: " + e.Reason
	}
}

func (e *ConstructionError) Unwrap() error { return ErrGraphConstruction }

// OpType is an ONNX op-type name. Frontends map their native layer classes
// onto this vocabulary so one policy config serves every framework.
type OpType string

const (
	OpConv               OpType = "Conv"
	OpConvTranspose      OpType = "ConvTranspose"
	OpGemm               OpType = "Gemm"
	OpMatMul             OpType = "MatMul"
	OpAdd                OpType = "Add"
	OpMul                OpType = "Mul"
	OpRelu               OpType = "Relu"
	OpClip               OpType = "Clip"
	OpSigmoid            OpType = "Sigmoid"
	OpTanh               OpType = "Tanh"
	OpSoftmax            OpType = "Softmax"
	OpBatchNormalization OpType = "BatchNormalization"
	OpMaxPool            OpType = "MaxPool"
	OpAveragePool        OpType = "AveragePool"
	OpGlobalAveragePool  OpType = "GlobalAveragePool"
	OpFlatten            OpType = "Flatten"
	OpReshape            OpType = "Reshape"
	OpTranspose          OpType = "Transpose"
	OpConcat             OpType = "Concat"
	OpSplit              OpType = "Split"
	OpIdentity           OpType = "Identity"
	OpDepthToSpace       OpType = "DepthToSpace"
	OpConstant           OpType = "Constant"
)

var knownOpTypes = []OpType{
	OpConv, OpConvTranspose, OpGemm, OpMatMul, OpAdd, OpMul, OpRelu, OpClip,
	OpSigmoid, OpTanh, OpSoftmax, OpBatchNormalization, OpMaxPool,
	OpAveragePool, OpGlobalAveragePool, OpFlatten, OpReshape, OpTranspose,
	OpConcat, OpSplit, OpIdentity, OpDepthToSpace, OpConstant,
}

// KnownOpTypes returns the op-type vocabulary in declaration order.
func KnownOpTypes() []OpType { return slices.Clone(knownOpTypes) }

func IsKnownOpType(t OpType) bool { return slices.Contains(knownOpTypes, t) }

// ParamRole names what a parameter is to its op.
type ParamRole string

const (
	RoleWeight      ParamRole = "weight"
	RoleBias        ParamRole = "bias"
	RoleGamma       ParamRole = "gamma"
	RoleBeta        ParamRole = "beta"
	RoleRunningMean ParamRole = "running_mean"
	RoleRunningVar  ParamRole = "running_var"
)

var knownRoles = []ParamRole{RoleWeight, RoleBias, RoleGamma, RoleBeta, RoleRunningMean, RoleRunningVar}

func IsKnownParamRole(r ParamRole) bool { return slices.Contains(knownRoles, r) }

// Product is a named tensor edge. Activations have a producer unless they
// are model inputs or constants; parameters never do.
type Product struct {
	Name          string
	Shape         []int
	Producer      *Op
	Consumers     []*Op
	IsModelInput  bool
	IsModelOutput bool
	IsParam       bool
}

// Param is a named parameter tensor owned by an op.
type Param struct {
	Name   string
	Role   ParamRole
	Tensor *Product
	// ChannelAxis is the output-feature axis used for per-channel encodings.
	ChannelAxis int
}

// Op is one call site in the model.
type Op struct {
	Name    string
	Type    OpType
	Inputs  []*Product
	Outputs []*Product
	Params  []*Param
	// Module is the frontend's handle for the native layer behind this op.
	Module any
}

// Param returns the op's parameter with the given role.
func (o *Op) Param(role ParamRole) (*Param, bool) {
	for _, p := range o.Params {
		if p.Role == role {
			return p, true
		}
	}
	return nil, false
}

// Graph is an immutable connected graph in topological order.
type Graph struct {
	ops     []*Op
	opIndex map[string]*Op
	tensors map[string]*Product
	order   []string
	params  map[string]*Op
	inputs  []*Product
	outputs []*Product
}

// OrderedOps returns ops in a stable topological order.
func (g *Graph) OrderedOps() []*Op { return slices.Clone(g.ops) }

func (g *Graph) Op(name string) (*Op, bool) {
	op, ok := g.opIndex[name]
	return op, ok
}

func (g *Graph) Tensor(name string) (*Product, bool) {
	t, ok := g.tensors[name]
	return t, ok
}

// Tensors returns every tensor in first-seen order: model inputs, then each
// op's params, inputs and outputs in topological order.
func (g *Graph) Tensors() []*Product {
	out := make([]*Product, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tensors[name])
	}
	return out
}

// Activations returns the non-parameter tensors in first-seen order.
func (g *Graph) Activations() []*Product {
	var out []*Product
	for _, name := range g.order {
		if t := g.tensors[name]; !t.IsParam {
			out = append(out, t)
		}
	}
	return out
}

// Params returns every parameter in op order.
func (g *Graph) Params() []*Param {
	var out []*Param
	for _, op := range g.ops {
		out = append(out, op.Params...)
	}
	return out
}

func (g *Graph) Inputs() []*Product { return slices.Clone(g.inputs) }

func (g *Graph) Outputs() []*Product { return slices.Clone(g.outputs) }

// OpForParam returns the op owning a parameter tensor.
func (g *Graph) OpForParam(name string) (*Op, bool) {
	op, ok := g.params[name]
	return op, ok
}

var activationTypes = []OpType{OpRelu, OpClip, OpSigmoid, OpTanh}

// ActivationFollower returns the activation op that is the sole consumer of
// op's single output, if any.
func (g *Graph) ActivationFollower(op *Op) (*Op, bool) {
	if len(op.Outputs) != 1 || len(op.Outputs[0].Consumers) != 1 {
		return nil, false
	}
	next := op.Outputs[0].Consumers[0]
	if slices.Contains(activationTypes, next.Type) {
		return next, true
	}
	return nil, false
}
