// Package onnx is the frontend for flat node-list graphs with named value
// edges and initializers. Models are read and written as ONNX protobuf
// (.onnx); the message types below carry the subset of onnx.proto the
// frontend executes.
package onnx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/samcharles93/quantsim/internal/tensor"
)

// ModelProto is the top-level model document.
type ModelProto struct {
	IRVersion    int
	ProducerName string
	OpsetImport  []OpsetID
	Graph        GraphProto
}

type OpsetID struct {
	Domain  string
	Version int
}

type GraphProto struct {
	Name        string
	Node        []NodeProto
	Initializer []TensorProto
	Input       []ValueInfo
	Output      []ValueInfo
}

type NodeProto struct {
	Name      string
	OpType    string
	Domain    string
	Input     []string
	Output    []string
	Attribute []Attribute
}

// Attribute holds one of the typed attribute values.
type Attribute struct {
	Name string
	I    *int64
	F    *float32
	S    string
	Ints []int64
	T    *TensorProto
}

// TensorProto is a float32 tensor. Other element types are rejected when
// a model is decoded.
type TensorProto struct {
	Name      string
	Dims      []int
	FloatData []float32
}

// ValueInfo is a float tensor value with a static shape. A negative
// dimension stands for a symbolic one.
type ValueInfo struct {
	Name  string
	Shape []int
}

// Tensor converts the proto to a tensor, checking the element count.
func (t *TensorProto) Tensor() (*tensor.Tensor, error) {
	if tensor.Numel(t.Dims) != len(t.FloatData) {
		return nil, fmt.Errorf("tensor %s: %d values for dims %v", t.Name, len(t.FloatData), t.Dims)
	}
	return tensor.FromData(slices.Clone(t.FloatData), t.Dims...), nil
}

// NewTensorProto captures a tensor under a name.
func NewTensorProto(name string, t *tensor.Tensor) TensorProto {
	return TensorProto{Name: name, Dims: slices.Clone(t.Shape), FloatData: slices.Clone(t.Data)}
}

func (n *NodeProto) attr(name string) (Attribute, bool) {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func (n *NodeProto) intAttr(name string, def int) int {
	if a, ok := n.attr(name); ok && a.I != nil {
		return int(*a.I)
	}
	return def
}

func (n *NodeProto) floatAttr(name string, def float32) float32 {
	if a, ok := n.attr(name); ok && a.F != nil {
		return *a.F
	}
	return def
}

func (n *NodeProto) intsAttr(name string) []int {
	a, ok := n.attr(name)
	if !ok {
		return nil
	}
	out := make([]int, len(a.Ints))
	for i, v := range a.Ints {
		out[i] = int(v)
	}
	return out
}

// IntAttr builds an integer attribute.
func IntAttr(name string, v int) Attribute {
	i := int64(v)
	return Attribute{Name: name, I: &i}
}

// FloatAttr builds a float attribute.
func FloatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, F: &v}
}

// IntsAttr builds an integer-list attribute.
func IntsAttr(name string, vs ...int) Attribute {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return Attribute{Name: name, Ints: out}
}

// Clone deep-copies the model through its wire encoding.
func (m *ModelProto) Clone() *ModelProto {
	out, err := Unmarshal(m.Marshal())
	if err != nil {
		panic(fmt.Sprintf("onnx: clone model: %v", err))
	}
	return out
}

// Decode reads a binary ONNX model.
func Decode(r io.Reader) (*ModelProto, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read onnx model: %w", err)
	}
	return Unmarshal(data)
}

func DecodeFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func Encode(w io.Writer, m *ModelProto) error {
	_, err := w.Write(m.Marshal())
	return err
}

func EncodeFile(path string, m *ModelProto) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, m.Marshal(), 0o644)
}
