package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers and enum values from onnx.proto.
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrT    protowire.Number = 5
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueName protowire.Number = 1
	valueType protowire.Number = 2

	typeTensor      protowire.Number = 1
	typeTensorElem  protowire.Number = 1
	typeTensorShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	dimParam        protowire.Number = 2
)

const (
	attrTypeFloat  = 1
	attrTypeInt    = 2
	attrTypeString = 3
	attrTypeTensor = 4
	attrTypeInts   = 7

	dataTypeFloat = 1

	defaultIRVersion = 7
	defaultOpset     = 13
)

var errMalformed = errors.New("malformed onnx protobuf")

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendOptString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendString(b, num, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Marshal encodes the model in the ONNX wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = appendVarint(b, modelIRVersion, int64(m.IRVersion))
	}
	b = appendOptString(b, modelProducerName, m.ProducerName)
	b = appendMessage(b, modelGraph, m.Graph.marshal())
	for _, o := range m.OpsetImport {
		var ob []byte
		ob = appendOptString(ob, opsetDomain, o.Domain)
		ob = appendVarint(ob, opsetVersion, int64(o.Version))
		b = appendMessage(b, modelOpsetImport, ob)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for i := range g.Node {
		b = appendMessage(b, graphNode, g.Node[i].marshal())
	}
	b = appendOptString(b, graphName, g.Name)
	for i := range g.Initializer {
		b = appendMessage(b, graphInitializer, g.Initializer[i].marshal())
	}
	for i := range g.Input {
		b = appendMessage(b, graphInput, g.Input[i].marshal())
	}
	for i := range g.Output {
		b = appendMessage(b, graphOutput, g.Output[i].marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	// Empty names mark omitted optional inputs and must stay in place.
	for _, in := range n.Input {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.Output {
		b = appendString(b, nodeOutput, out)
	}
	b = appendOptString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	for i := range n.Attribute {
		b = appendMessage(b, nodeAttribute, n.Attribute[i].marshal())
	}
	b = appendOptString(b, nodeDomain, n.Domain)
	return b
}

func (a *Attribute) marshal() []byte {
	b := appendString(nil, attrName, a.Name)
	var typ int64
	switch {
	case a.F != nil:
		typ = attrTypeFloat
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*a.F))
	case a.I != nil:
		typ = attrTypeInt
		b = appendVarint(b, attrI, *a.I)
	case a.T != nil:
		typ = attrTypeTensor
		b = appendMessage(b, attrT, a.T.marshal())
	case a.Ints != nil:
		typ = attrTypeInts
		for _, v := range a.Ints {
			b = appendVarint(b, attrInts, v)
		}
	default:
		typ = attrTypeString
		b = appendString(b, attrS, a.S)
	}
	return appendVarint(b, attrType, typ)
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, tensorDims, int64(d))
	}
	b = appendVarint(b, tensorDataType, dataTypeFloat)
	b = appendOptString(b, tensorName, t.Name)
	raw := make([]byte, 4*len(t.FloatData))
	for i, v := range t.FloatData {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return appendMessage(b, tensorRawData, raw)
}

func (v *ValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = appendString(dim, dimParam, "N")
		} else {
			dim = appendVarint(dim, dimValue, int64(d))
		}
		shape = appendMessage(shape, shapeDim, dim)
	}
	tt := appendVarint(nil, typeTensorElem, dataTypeFloat)
	if v.Shape != nil {
		tt = appendMessage(tt, typeTensorShape, shape)
	}
	b := appendString(nil, valueName, v.Name)
	return appendMessage(b, valueType, appendMessage(nil, typeTensor, tt))
}

// field is called once per field of a message. It returns the number of
// bytes of b it consumed, or a negative protowire error code.
type field func(num protowire.Number, typ protowire.Type, b []byte) int

func walk(b []byte, fn field) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// message decodes a length-delimited submessage with dec and reports any
// nested error through errp.
func message(b []byte, errp *error, dec func([]byte) error) int {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := dec(v); err != nil && *errp == nil {
		*errp = err
	}
	return n
}

func str(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func varint(b []byte, dst *int64) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int64(v)
	}
	return n
}

// ints accepts both packed and unpacked repeated varints.
func ints(typ protowire.Type, b []byte, add func(int64)) int {
	if typ == protowire.VarintType {
		var v int64
		n := varint(b, &v)
		if n >= 0 {
			add(v)
		}
		return n
	}
	if typ != protowire.BytesType {
		return protowire.ConsumeFieldValue(0, typ, b)
	}
	buf, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(buf) > 0 {
		v, m := protowire.ConsumeVarint(buf)
		if m < 0 {
			return m
		}
		add(int64(v))
		buf = buf[m:]
	}
	return n
}

// floats accepts both packed and unpacked repeated fixed32 floats.
func floats(typ protowire.Type, b []byte, add func(float32)) int {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			add(math.Float32frombits(v))
		}
		return n
	}
	if typ != protowire.BytesType {
		return protowire.ConsumeFieldValue(0, typ, b)
	}
	buf, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(buf) > 0 {
		v, m := protowire.ConsumeFixed32(buf)
		if m < 0 {
			return m
		}
		add(math.Float32frombits(v))
		buf = buf[m:]
	}
	return n
}

// Unmarshal decodes a binary ONNX model. Fields the frontend does not model
// are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	var inner error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			var v int64
			n := varint(b, &v)
			m.IRVersion = int(v)
			return n
		case num == modelProducerName && typ == protowire.BytesType:
			return str(b, &m.ProducerName)
		case num == modelGraph && typ == protowire.BytesType:
			return message(b, &inner, m.Graph.unmarshal)
		case num == modelOpsetImport && typ == protowire.BytesType:
			return message(b, &inner, func(b []byte) error {
				var o OpsetID
				err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch {
					case num == opsetDomain && typ == protowire.BytesType:
						return str(b, &o.Domain)
					case num == opsetVersion && typ == protowire.VarintType:
						var v int64
						n := varint(b, &v)
						o.Version = int(v)
						return n
					}
					return protowire.ConsumeFieldValue(num, typ, b)
				})
				m.OpsetImport = append(m.OpsetImport, o)
				return err
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err == nil {
		err = inner
	}
	if err != nil {
		return nil, fmt.Errorf("decode onnx model: %w", err)
	}
	return m, nil
}

func (g *GraphProto) unmarshal(data []byte) error {
	var inner error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		switch num {
		case graphNode:
			return message(b, &inner, func(b []byte) error {
				var n NodeProto
				err := n.unmarshal(b)
				g.Node = append(g.Node, n)
				return err
			})
		case graphName:
			return str(b, &g.Name)
		case graphInitializer:
			return message(b, &inner, func(b []byte) error {
				var t TensorProto
				err := t.unmarshal(b)
				g.Initializer = append(g.Initializer, t)
				return err
			})
		case graphInput, graphOutput:
			return message(b, &inner, func(b []byte) error {
				var v ValueInfo
				err := v.unmarshal(b)
				if num == graphInput {
					g.Input = append(g.Input, v)
				} else {
					g.Output = append(g.Output, v)
				}
				return err
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return inner
}

func (n *NodeProto) unmarshal(data []byte) error {
	var inner error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		var s string
		switch num {
		case nodeInput:
			c := str(b, &s)
			n.Input = append(n.Input, s)
			return c
		case nodeOutput:
			c := str(b, &s)
			n.Output = append(n.Output, s)
			return c
		case nodeName:
			return str(b, &n.Name)
		case nodeOpType:
			return str(b, &n.OpType)
		case nodeDomain:
			return str(b, &n.Domain)
		case nodeAttribute:
			return message(b, &inner, func(b []byte) error {
				var a Attribute
				err := a.unmarshal(b)
				n.Attribute = append(n.Attribute, a)
				return err
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return inner
}

func (a *Attribute) unmarshal(data []byte) error {
	var inner error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == attrName && typ == protowire.BytesType:
			return str(b, &a.Name)
		case num == attrF && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n >= 0 {
				f := math.Float32frombits(v)
				a.F = &f
			}
			return n
		case num == attrI && typ == protowire.VarintType:
			var v int64
			n := varint(b, &v)
			a.I = &v
			return n
		case num == attrS && typ == protowire.BytesType:
			return str(b, &a.S)
		case num == attrT && typ == protowire.BytesType:
			return message(b, &inner, func(b []byte) error {
				a.T = &TensorProto{}
				return a.T.unmarshal(b)
			})
		case num == attrInts:
			return ints(typ, b, func(v int64) { a.Ints = append(a.Ints, v) })
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return inner
}

func (t *TensorProto) unmarshal(data []byte) error {
	dataType := int64(dataTypeFloat)
	var raw []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == tensorDims:
			return ints(typ, b, func(v int64) { t.Dims = append(t.Dims, int(v)) })
		case num == tensorDataType && typ == protowire.VarintType:
			return varint(b, &dataType)
		case num == tensorFloatData:
			return floats(typ, b, func(v float32) { t.FloatData = append(t.FloatData, v) })
		case num == tensorName && typ == protowire.BytesType:
			return str(b, &t.Name)
		case num == tensorRawData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				raw = v
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	if dataType != dataTypeFloat {
		return fmt.Errorf("tensor %s: unsupported data type %d, only FLOAT is executed", t.Name, dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return fmt.Errorf("tensor %s: raw_data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.FloatData = make([]float32, len(raw)/4)
		for i := range t.FloatData {
			t.FloatData[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return nil
}

func (v *ValueInfo) unmarshal(data []byte) error {
	var inner error
	dims := func(b []byte) error {
		return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			if num != shapeDim || typ != protowire.BytesType {
				return protowire.ConsumeFieldValue(num, typ, b)
			}
			return message(b, &inner, func(b []byte) error {
				d := int64(-1)
				err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num == dimValue && typ == protowire.VarintType {
						return varint(b, &d)
					}
					return protowire.ConsumeFieldValue(num, typ, b)
				})
				v.Shape = append(v.Shape, int(d))
				return err
			})
		})
	}
	tensorType := func(b []byte) error {
		return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			if num == typeTensorShape && typ == protowire.BytesType {
				v.Shape = []int{}
				return message(b, &inner, dims)
			}
			return protowire.ConsumeFieldValue(num, typ, b)
		})
	}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == valueName && typ == protowire.BytesType:
			return str(b, &v.Name)
		case num == valueType && typ == protowire.BytesType:
			return message(b, &inner, func(b []byte) error {
				return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num == typeTensor && typ == protowire.BytesType {
						return message(b, &inner, tensorType)
					}
					return protowire.ConsumeFieldValue(num, typ, b)
				})
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return inner
}
