// Package encodings reads and writes the versioned encodings file and
// reconciles it with the quantizers of a live sim.
package encodings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/pkg/quant"
)

// Version is written into every exported document.
const Version = "0.6.1"

var (
	ErrEncodingMismatch = errors.New("encodings do not match the sim")
	ErrInvalidDocument  = errors.New("invalid encodings document")
)

// Record is one per-tensor or per-channel encoding entry. Float records
// carry only bitwidth and dtype.
type Record struct {
	Bitwidth    int      `json:"bitwidth"`
	DType       string   `json:"dtype"`
	IsSymmetric string   `json:"is_symmetric,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Offset      *int64   `json:"offset,omitempty"`
	Scale       *float64 `json:"scale,omitempty"`
}

// QuantizerArgs records the defaults a sim was built with.
type QuantizerArgs struct {
	ActivationBitwidth     int    `json:"activation_bitwidth"`
	ParamBitwidth          int    `json:"param_bitwidth"`
	DType                  string `json:"dtype"`
	IsSymmetric            bool   `json:"is_symmetric"`
	PerChannelQuantization bool   `json:"per_channel_quantization"`
	QuantScheme            string `json:"quant_scheme"`
}

type Document struct {
	Version             string              `json:"version"`
	ActivationEncodings map[string][]Record `json:"activation_encodings"`
	ParamEncodings      map[string][]Record `json:"param_encodings"`
	ExcludedLayers      []string            `json:"excluded_layers"`
	QuantizerArgs       *QuantizerArgs      `json:"quantizer_args,omitempty"`
}

// Target is the view of a sim the serializer needs. Names are returned in
// topological order.
type Target interface {
	Quantizer(name string) (*quantizer.Quantizer, bool)
	ActivationNames() []string
	ParamNames() []string
}

func symmetricFlag(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// Records renders a quantizer's current encoding.
func Records(q *quantizer.Quantizer) []Record {
	if q.DataType() == quant.Float {
		return []Record{{Bitwidth: q.Bitwidth(), DType: quant.Float.String()}}
	}
	encs := q.Encoding()
	out := make([]Record, len(encs))
	for i, e := range encs {
		out[i] = Record{
			Bitwidth:    e.Bitwidth,
			DType:       quant.Int.String(),
			IsSymmetric: symmetricFlag(q.Symmetric()),
			Max:         &e.Max,
			Min:         &e.Min,
			Offset:      &e.Offset,
			Scale:       &e.Scale,
		}
	}
	return out
}

// Exported reports whether a quantizer contributes to an encodings file.
func Exported(q *quantizer.Quantizer) bool {
	if !q.Enabled() {
		return false
	}
	return q.DataType() == quant.Float || q.Calibrated()
}

// BuildOptions tune Build.
type BuildOptions struct {
	QuantizerArgs *QuantizerArgs
	// Propagated maps tensors internal to a lowered op onto the boundary
	// tensor whose encoding they should repeat.
	Propagated map[string]string
}

// Build collects every enabled, calibrated quantizer of t.
func Build(t Target, opts BuildOptions) *Document {
	doc := &Document{
		Version:             Version,
		ActivationEncodings: make(map[string][]Record),
		ParamEncodings:      make(map[string][]Record),
		ExcludedLayers:      []string{},
		QuantizerArgs:       opts.QuantizerArgs,
	}
	for _, name := range t.ActivationNames() {
		if q, ok := t.Quantizer(name); ok && Exported(q) {
			doc.ActivationEncodings[name] = Records(q)
		}
	}
	for internal, boundary := range opts.Propagated {
		if recs, ok := doc.ActivationEncodings[boundary]; ok {
			doc.ActivationEncodings[internal] = recs
		}
	}
	for _, name := range t.ParamNames() {
		if q, ok := t.Quantizer(name); ok && Exported(q) {
			doc.ParamEncodings[name] = Records(q)
		}
	}
	return doc
}

// Write encodes doc as indented JSON. Map keys come out sorted.
func Write(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(doc)
}

// WriteFile writes doc to path, creating parent directories.
func WriteFile(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Write(&buf, doc); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Read decodes and validates a document.
func Read(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.ActivationEncodings == nil {
		doc.ActivationEncodings = make(map[string][]Record)
	}
	if doc.ParamEncodings == nil {
		doc.ParamEncodings = make(map[string][]Record)
	}
	for section, m := range map[string]map[string][]Record{
		"activation_encodings": doc.ActivationEncodings,
		"param_encodings":      doc.ParamEncodings,
	} {
		for name, recs := range m {
			if _, _, err := decodeRecords(recs); err != nil {
				return nil, fmt.Errorf("%w: %s[%q]: %v", ErrInvalidDocument, section, name, err)
			}
		}
	}
	return &doc, nil
}

func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	doc, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// decodeRecords converts records into encodings. All records of one entry
// must share bitwidth, dtype and symmetry.
func decodeRecords(recs []Record) (quant.DataType, []quant.Encoding, error) {
	if len(recs) == 0 {
		return 0, nil, errors.New("no records")
	}
	dt, err := quant.ParseDataType(recs[0].DType)
	if err != nil {
		return 0, nil, err
	}
	if err := quant.ValidateBitwidth(dt, recs[0].Bitwidth); err != nil {
		return 0, nil, err
	}
	if dt == quant.Float {
		return dt, nil, nil
	}
	out := make([]quant.Encoding, len(recs))
	for i, r := range recs {
		if r.DType != recs[0].DType || r.Bitwidth != recs[0].Bitwidth || r.IsSymmetric != recs[0].IsSymmetric {
			return 0, nil, fmt.Errorf("record %d disagrees with record 0", i)
		}
		if r.IsSymmetric != "True" && r.IsSymmetric != "False" {
			return 0, nil, fmt.Errorf(`record %d: is_symmetric must be "True" or "False", got %q`, i, r.IsSymmetric)
		}
		if r.Min == nil || r.Max == nil || r.Scale == nil || r.Offset == nil {
			return 0, nil, fmt.Errorf("record %d: int records need min, max, scale and offset", i)
		}
		e := quant.Encoding{Min: *r.Min, Max: *r.Max, Scale: *r.Scale, Offset: *r.Offset, Bitwidth: r.Bitwidth}
		if err := e.Validate(); err != nil {
			return 0, nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = e
	}
	return dt, out, nil
}
