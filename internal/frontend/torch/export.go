package torch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantsim/internal/safetensors"
)

// ExportedNode is one primitive node of the exported graph.
type ExportedNode struct {
	Name    string   `json:"name"`
	OpType  string   `json:"op_type"`
	Module  string   `json:"module"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// ExportedGraph is the graph artifact written next to the encodings. Lowered
// modules appear as their primitive nodes.
type ExportedGraph struct {
	Inputs  []string       `json:"inputs"`
	Outputs []string       `json:"outputs"`
	Nodes   []ExportedNode `json:"nodes"`
}

// Export lists the primitive nodes of the traced graph.
func (m *Model) Export() (*ExportedGraph, error) {
	if m.graph == nil {
		return nil, ErrNotTraced
	}
	out := &ExportedGraph{}
	for _, in := range m.graph.Inputs() {
		out.Inputs = append(out.Inputs, in.Name)
	}
	for _, o := range m.graph.Outputs() {
		out.Outputs = append(out.Outputs, o.Name)
	}
	for _, op := range m.graph.OrderedOps() {
		var ins, outs []string
		for _, in := range op.Inputs {
			ins = append(ins, in.Name)
		}
		for _, p := range op.Params {
			ins = append(ins, p.Name)
		}
		for _, o := range op.Outputs {
			outs = append(outs, o.Name)
		}
		mod := m.modules[op.Name]
		if len(mod.Lowered) < 2 {
			out.Nodes = append(out.Nodes, ExportedNode{
				Name:    scope(op.Name) + "/" + string(op.Type),
				OpType:  string(op.Type),
				Module:  op.Name,
				Inputs:  ins,
				Outputs: outs,
			})
			continue
		}
		names := loweredNames(op.Name, mod.Lowered)
		prev := ins
		for i, t := range mod.Lowered {
			node := strings.TrimSuffix(names[i], "_output_0")
			if i == len(names)-1 {
				names[i] = outs[0]
			}
			out.Nodes = append(out.Nodes, ExportedNode{
				Name:    node,
				OpType:  string(t),
				Module:  op.Name,
				Inputs:  prev,
				Outputs: []string{names[i]},
			})
			prev = []string{names[i]}
		}
	}
	return out, nil
}

// SaveStateDict writes the parameters as a safetensors file.
func (m *Model) SaveStateDict(path string) error {
	return safetensors.WriteFile(path, m.StateDict(), map[string]string{"format": "pt"})
}

// LoadStateDictFile reads a safetensors state dict into the model.
func (m *Model) LoadStateDictFile(path string, strict bool) error {
	state, err := safetensors.Load(path)
	if err != nil {
		return err
	}
	return m.LoadStateDict(state, strict)
}

// ExportArtifact writes <prefix>.graph.json and <prefix>.safetensors.
func (m *Model) ExportArtifact(dir, prefix string) error {
	g, err := m.Export()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, prefix+".graph.json"), data, 0o644); err != nil {
		return err
	}
	return m.SaveStateDict(filepath.Join(dir, prefix+".safetensors"))
}
