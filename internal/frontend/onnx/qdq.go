package onnx

import (
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/quantsim/internal/quantizer"
)

const (
	QuantizeOpType = "QcQuantizeOp"
	DomainCPU      = "aimet.customop.cpu"
	DomainCUDA     = "aimet.customop.cuda"
)

// QuantizeDomain is the custom-op domain for a device.
func QuantizeDomain(device string) string {
	if strings.HasPrefix(device, "cuda") {
		return DomainCUDA
	}
	return DomainCPU
}

func quantizeNode(tensorName, in, out string, q *quantizer.Quantizer) NodeProto {
	enabled := 0
	if q.Enabled() {
		enabled = 1
	}
	return NodeProto{
		Name:   QuantizeOpType + "_" + tensorName,
		OpType: QuantizeOpType,
		Domain: QuantizeDomain(q.Device()),
		Input:  []string{in},
		Output: []string{out},
		Attribute: []Attribute{
			IntAttr("bitwidth", q.Bitwidth()),
			IntAttr("enabled", enabled),
		},
	}
}

func rename(names []string, from, to string) {
	for i, n := range names {
		if n == from {
			names[i] = to
		}
	}
}

// SimProto returns the model with a QcQuantizeOp node behind every quantized
// tensor. A node output t is renamed t_updated and the quantize node writes
// t again. Model inputs and constants keep their names; the quantize node
// writes t_updated and consumers read that. Parameters are read through
// <p>_qdq.
func (m *Model) SimProto() *ModelProto {
	out := m.proto.Clone()
	g := &out.Graph

	acts := make(map[string]*quantizer.Quantizer)
	params := make(map[string]*quantizer.Quantizer)
	for _, w := range m.wrappers {
		for i, q := range w.InputQuantizers {
			if q != nil && w.Boundary(i) {
				acts[q.Name()] = q
			}
		}
		for _, q := range w.OutputQuantizers {
			if q != nil {
				acts[q.Name()] = q
			}
		}
		for name, q := range w.ParamQuantizers {
			if q != nil {
				params[name] = q
			}
		}
	}

	producer := make(map[string]int)
	for i, n := range g.Node {
		for _, o := range n.Output {
			producer[o] = i
		}
	}

	var added []NodeProto
	for _, t := range m.graph.Activations() {
		q, ok := acts[t.Name]
		if !ok {
			continue
		}
		if i, produced := producer[t.Name]; produced {
			rename(g.Node[i].Output, t.Name, t.Name+"_updated")
			added = append(added, quantizeNode(t.Name, t.Name+"_updated", t.Name, q))
			continue
		}
		for i := range g.Node {
			rename(g.Node[i].Input, t.Name, t.Name+"_updated")
		}
		added = append(added, quantizeNode(t.Name, t.Name, t.Name+"_updated", q))
	}
	for _, name := range slices.Sorted(maps.Keys(params)) {
		for i := range g.Node {
			rename(g.Node[i].Input, name, name+"_qdq")
		}
		added = append(added, quantizeNode(name, name, name+"_qdq", params[name]))
	}
	g.Node = append(g.Node, added...)
	return out
}
