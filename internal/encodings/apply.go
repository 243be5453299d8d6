package encodings

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/pkg/quant"
)

// MismatchError lists every discrepancy found by a strict load.
type MismatchError struct {
	Mismatches []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%d encoding mismatches: %s", len(e.Mismatches), strings.Join(e.Mismatches, "; "))
}

func (e *MismatchError) Unwrap() error { return ErrEncodingMismatch }

// change is one quantizer update derived from the file.
type change struct {
	q         *quantizer.Quantizer
	dataType  quant.DataType
	bitwidth  int
	symmetry  quant.Symmetry
	encodings []quant.Encoding
}

type plan struct {
	changes  []change
	disable  []*quantizer.Quantizer
	problems *treeset.Set
}

func (p *plan) report(format string, args ...any) {
	p.problems.Add(fmt.Sprintf(format, args...))
}

func (p *plan) mismatches() []string {
	out := make([]string, 0, p.problems.Size())
	for _, v := range p.problems.Values() {
		out = append(out, v.(string))
	}
	return out
}

// Apply loads doc into t. The document is checked against every quantizer
// before anything is changed.
//
// In strict mode any discrepancy fails with a *MismatchError and t is left
// untouched. Otherwise entries naming unknown quantizers or carrying the
// wrong channel count are skipped, attribute differences are resolved in
// favour of the file, and enabled quantizers missing from the file are
// disabled. Every applied entry leaves its quantizer frozen. The returned
// list names each discrepancy in sorted order.
func Apply(t Target, doc *Document, strict bool) ([]string, error) {
	p := &plan{problems: treeset.NewWithStringComparator()}
	check := func(section string, names []string, entries map[string][]Record) {
		known := make(map[string]bool, len(names))
		for _, name := range names {
			known[name] = true
		}
		for _, name := range sortedNames(entries) {
			if !known[name] {
				p.report("%s[%q]: not in sim", section, name)
				continue
			}
			q, _ := t.Quantizer(name)
			p.entry(section, name, q, entries[name])
		}
		for _, name := range names {
			q, ok := t.Quantizer(name)
			if !ok || !q.Enabled() {
				continue
			}
			if _, inFile := entries[name]; inFile {
				continue
			}
			p.report("%s[%q]: enabled in sim but missing from file", section, name)
			if q.State() != quantizer.Frozen {
				p.disable = append(p.disable, q)
			}
		}
	}
	check("activation_encodings", t.ActivationNames(), doc.ActivationEncodings)
	check("param_encodings", t.ParamNames(), doc.ParamEncodings)

	mismatches := p.mismatches()
	if strict && len(mismatches) > 0 {
		return mismatches, &MismatchError{Mismatches: mismatches}
	}
	for _, c := range p.changes {
		if err := c.apply(); err != nil {
			return mismatches, err
		}
	}
	for _, q := range p.disable {
		if err := q.SetEnabled(false); err != nil {
			return mismatches, err
		}
	}
	return mismatches, nil
}

func (p *plan) entry(section, name string, q *quantizer.Quantizer, recs []Record) {
	at := fmt.Sprintf("%s[%q]", section, name)
	dt, encs, err := decodeRecords(recs)
	if err != nil {
		p.report("%s: %v", at, err)
		return
	}
	c := change{q: q, dataType: dt, bitwidth: recs[0].Bitwidth, encodings: encs}

	if dt == quant.Int && len(encs) != q.NumOutputChannels() {
		p.report("%s: %d records in file, sim expects %d", at, len(encs), q.NumOutputChannels())
		return
	}
	if q.State() == quantizer.Frozen {
		if !q.Enabled() || q.DataType() != dt || !slices.Equal(q.Encoding(), encs) {
			p.report("%s: quantizer is frozen with a different encoding", at)
		}
		return
	}
	if !q.Enabled() {
		p.report("%s: disabled in sim", at)
	}
	if q.DataType() != dt {
		p.report("%s: dtype %s in file, %s in sim", at, dt, q.DataType())
	} else if q.Bitwidth() != c.bitwidth {
		p.report("%s: bitwidth %d in file, %d in sim", at, c.bitwidth, q.Bitwidth())
	}
	if dt == quant.Int {
		c.symmetry = encs[0].InferSymmetry(recs[0].IsSymmetric == "True")
		if !q.Accepts(c.symmetry) {
			p.report("%s: %s in file, sim quantizer does not produce it", at, c.symmetry)
		}
	}
	p.changes = append(p.changes, c)
}

func (c change) apply() error {
	q := c.q
	if err := q.SetEnabled(true); err != nil {
		return err
	}
	if q.DataType() != c.dataType || q.Bitwidth() != c.bitwidth {
		if err := q.SetDataType(c.dataType, c.bitwidth); err != nil {
			return err
		}
	}
	if c.dataType == quant.Int {
		if !q.Accepts(c.symmetry) {
			if err := q.SetSymmetry(c.symmetry); err != nil {
				return err
			}
		}
		if err := q.SetEncoding(c.encodings); err != nil {
			return err
		}
	}
	return q.Freeze()
}

func sortedNames(m map[string][]Record) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
