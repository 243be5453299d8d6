package config

import (
	"maps"
	"slices"

	"github.com/samcharles93/quantsim/internal/graph"
)

// QuantizerSettings is the resolved policy of one quantizer slot.
type QuantizerSettings struct {
	Enabled           bool
	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool
	PerChannel        bool
}

// OpSettings holds the resolved slots of one op. Inputs and Outputs follow
// the op's tensor order; Params is keyed by parameter name.
type OpSettings struct {
	Op      string
	Type    graph.OpType
	Inputs  []QuantizerSettings
	Outputs []QuantizerSettings
	Params  map[string]QuantizerSettings
}

// QuantizerSpec is the resolved policy for a whole graph.
type QuantizerSpec struct {
	order       []string
	ops         map[string]*OpSettings
	activations map[string]QuantizerSettings
	params      map[string]QuantizerSettings
	supergroups [][]string
}

func (s *QuantizerSpec) Op(name string) (*OpSettings, bool) {
	o, ok := s.ops[name]
	return o, ok
}

// Ops returns the per-op settings in topological order.
func (s *QuantizerSpec) Ops() []*OpSettings {
	out := make([]*OpSettings, len(s.order))
	for i, name := range s.order {
		out[i] = s.ops[name]
	}
	return out
}

// Activation returns the tensor-level view of an activation: it is
// quantized when its producer's output slot or any consumer's input slot is.
func (s *QuantizerSpec) Activation(tensor string) (QuantizerSettings, bool) {
	q, ok := s.activations[tensor]
	return q, ok
}

func (s *QuantizerSpec) Param(name string) (QuantizerSettings, bool) {
	q, ok := s.params[name]
	return q, ok
}

// Supergroups returns the matched op-name sequences.
func (s *QuantizerSpec) Supergroups() [][]string {
	out := make([][]string, len(s.supergroups))
	for i, g := range s.supergroups {
		out[i] = slices.Clone(g)
	}
	return out
}

// Equal reports whether two specs resolve every slot identically.
func (s *QuantizerSpec) Equal(o *QuantizerSpec) bool {
	if !slices.Equal(s.order, o.order) ||
		!maps.Equal(s.activations, o.activations) ||
		!maps.Equal(s.params, o.params) ||
		!slices.EqualFunc(s.supergroups, o.supergroups, slices.Equal[[]string]) {
		return false
	}
	return maps.EqualFunc(s.ops, o.ops, func(a, b *OpSettings) bool {
		return a.Op == b.Op && a.Type == b.Type &&
			slices.Equal(a.Inputs, b.Inputs) &&
			slices.Equal(a.Outputs, b.Outputs) &&
			maps.Equal(a.Params, b.Params)
	})
}

type scope struct {
	inputs, outputs bool
	symmetric       bool
	strict          bool
	unsigned        bool
	perChannel      bool
}

func set(dst *bool, src *Bool) {
	if src != nil {
		*dst = bool(*src)
	}
}

// Resolve applies cfg to g. Precedence from weakest to strongest: global
// defaults, op-type rules, parameter-role rules (then op-type parameter
// rules), supergroup fusion, model input/output overrides. Resolve does not
// modify cfg or g and returns equal specs for equal inputs.
func Resolve(g *graph.Graph, cfg *Config) (*QuantizerSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spec := &QuantizerSpec{
		ops:         make(map[string]*OpSettings),
		activations: make(map[string]QuantizerSettings),
		params:      make(map[string]QuantizerSettings),
	}
	d := cfg.Defaults
	ops := g.OrderedOps()

	for _, op := range ops {
		sc := scope{}
		set(&sc.inputs, d.Ops.IsInputQuantized)
		set(&sc.outputs, d.Ops.IsOutputQuantized)
		set(&sc.symmetric, d.Ops.IsSymmetric)
		set(&sc.strict, d.StrictSymmetric)
		set(&sc.unsigned, d.UnsignedSymmetric)
		set(&sc.perChannel, d.PerChannelQuantization)

		rule, hasRule := cfg.OpType[op.Type]
		if hasRule {
			set(&sc.inputs, rule.IsInputQuantized)
			set(&sc.outputs, rule.IsOutputQuantized)
			set(&sc.symmetric, rule.IsSymmetric)
			set(&sc.strict, rule.StrictSymmetric)
			set(&sc.unsigned, rule.UnsignedSymmetric)
			set(&sc.perChannel, rule.PerChannelQuantization)
		}

		act := func(enabled bool) QuantizerSettings {
			return QuantizerSettings{
				Enabled:           enabled,
				Symmetric:         sc.symmetric,
				StrictSymmetric:   sc.symmetric && sc.strict,
				UnsignedSymmetric: sc.symmetric && sc.unsigned,
			}
		}
		st := &OpSettings{
			Op:      op.Name,
			Type:    op.Type,
			Inputs:  make([]QuantizerSettings, len(op.Inputs)),
			Outputs: make([]QuantizerSettings, len(op.Outputs)),
			Params:  make(map[string]QuantizerSettings, len(op.Params)),
		}
		for i := range op.Inputs {
			st.Inputs[i] = act(sc.inputs)
		}
		for i := range op.Outputs {
			st.Outputs[i] = act(sc.outputs)
		}

		for _, p := range op.Params {
			var enabled, symmetric bool
			set(&enabled, d.Params.IsQuantized)
			set(&symmetric, d.Params.IsSymmetric)
			if r, ok := cfg.Params[p.Role]; ok {
				set(&enabled, r.IsQuantized)
				set(&symmetric, r.IsSymmetric)
			}
			if hasRule {
				if r, ok := rule.Params[p.Role]; ok {
					set(&enabled, r.IsQuantized)
					set(&symmetric, r.IsSymmetric)
				}
			}
			st.Params[p.Name] = QuantizerSettings{
				Enabled:           enabled,
				Symmetric:         symmetric,
				StrictSymmetric:   symmetric && sc.strict,
				UnsignedSymmetric: symmetric && sc.unsigned,
				PerChannel:        sc.perChannel && p.Role == graph.RoleWeight,
			}
		}
		spec.ops[op.Name] = st
		spec.order = append(spec.order, op.Name)
	}

	for _, chain := range matchSupergroups(ops, cfg.Supergroups) {
		names := make([]string, len(chain))
		for i, op := range chain {
			names[i] = op.Name
			st := spec.ops[op.Name]
			if i < len(chain)-1 {
				for j := range st.Outputs {
					st.Outputs[j].Enabled = false
				}
			}
			if i > 0 {
				link := chain[i-1].Outputs[0]
				for j, in := range op.Inputs {
					if in == link {
						st.Inputs[j].Enabled = false
					}
				}
			}
		}
		spec.supergroups = append(spec.supergroups, names)
	}

	for _, op := range ops {
		st := spec.ops[op.Name]
		if v := cfg.ModelInput.IsInputQuantized; v != nil {
			for j, in := range op.Inputs {
				if in.IsModelInput {
					st.Inputs[j].Enabled = bool(*v)
				}
			}
		}
		if v := cfg.ModelOutput.IsOutputQuantized; v != nil {
			for j, out := range op.Outputs {
				if out.IsModelOutput {
					st.Outputs[j].Enabled = bool(*v)
				}
			}
		}
		for name, q := range st.Params {
			spec.params[name] = q
		}
	}

	for _, t := range g.Activations() {
		spec.activations[t.Name] = tensorSettings(spec, t)
	}
	return spec, nil
}

// tensorSettings folds the slots touching one tensor into a single setting,
// preferring the producer's output slot.
func tensorSettings(spec *QuantizerSpec, t *graph.Product) QuantizerSettings {
	var slots []QuantizerSettings
	if t.Producer != nil {
		st := spec.ops[t.Producer.Name]
		for j, out := range t.Producer.Outputs {
			if out == t {
				slots = append(slots, st.Outputs[j])
			}
		}
	}
	for _, c := range t.Consumers {
		st := spec.ops[c.Name]
		for j, in := range c.Inputs {
			if in == t {
				slots = append(slots, st.Inputs[j])
			}
		}
	}
	if len(slots) == 0 {
		return QuantizerSettings{}
	}
	for _, s := range slots {
		if s.Enabled {
			return s
		}
	}
	return slots[0]
}

// matchSupergroups scans ops in topological order. At each unconsumed op the
// longest matching pattern wins, earlier declarations breaking ties.
func matchSupergroups(ops []*graph.Op, groups []Supergroup) [][]*graph.Op {
	consumed := make(map[*graph.Op]bool)
	var matches [][]*graph.Op
	for _, start := range ops {
		if consumed[start] {
			continue
		}
		var best []*graph.Op
		for _, sg := range groups {
			if chain := matchChain(start, sg.OpList, consumed); len(chain) > len(best) {
				best = chain
			}
		}
		if best == nil {
			continue
		}
		for _, op := range best {
			consumed[op] = true
		}
		matches = append(matches, best)
	}
	return matches
}

// matchChain follows single-consumer edges from start along pattern.
func matchChain(start *graph.Op, pattern []graph.OpType, consumed map[*graph.Op]bool) []*graph.Op {
	if start.Type != pattern[0] {
		return nil
	}
	chain := []*graph.Op{start}
	cur := start
	for _, t := range pattern[1:] {
		if len(cur.Outputs) != 1 {
			return nil
		}
		link := cur.Outputs[0]
		if link.IsModelOutput || len(link.Consumers) != 1 {
			return nil
		}
		next := link.Consumers[0]
		if consumed[next] || next.Type != t {
			return nil
		}
		chain = append(chain, next)
		cur = next
	}
	return chain
}
