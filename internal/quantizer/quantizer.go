// Package quantizer holds the simulated quantize/dequantize nodes placed on
// activations and parameters, and the wrappers that attach them to ops.
package quantizer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/quantsim/internal/analyzer"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

// ErrFrozen is returned when a frozen quantizer is asked to change.
var ErrFrozen = errors.New("quantizer is frozen")

// State is the calibration lifecycle of a quantizer.
type State uint8

const (
	Uncalibrated State = iota
	Observing
	Calibrated
	Frozen
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Observing:
		return "observing"
	case Calibrated:
		return "calibrated"
	case Frozen:
		return "frozen"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Mode selects what a forward pass does at each quantizer.
type Mode uint8

const (
	// ModeEvaluate applies QDQ where an encoding exists, identity elsewhere.
	ModeEvaluate Mode = iota
	// ModeCalibrate records statistics at observing quantizers and applies
	// QDQ at calibrated or frozen ones.
	ModeCalibrate
	// ModePassThrough never touches values.
	ModePassThrough
)

func (m Mode) String() string {
	switch m {
	case ModeEvaluate:
		return "evaluate"
	case ModeCalibrate:
		return "calibrate"
	case ModePassThrough:
		return "passthrough"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Kind tells activation quantizers from parameter quantizers.
type Kind uint8

const (
	KindActivation Kind = iota
	KindParam
)

func (k Kind) String() string {
	if k == KindParam {
		return "param"
	}
	return "activation"
}

// Settings are the static attributes a quantizer is created with.
type Settings struct {
	Name              string
	Kind              Kind
	Enabled           bool
	Bitwidth          int
	DataType          quant.DataType
	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool
	PerChannel        bool
	ChannelAxis       int
	QuantScheme       quant.QuantScheme
}

// Quantizer simulates quantization noise for one tensor. A quantizer is
// owned by a single sim and is not safe for concurrent use.
type Quantizer struct {
	name        string
	kind        Kind
	enabled     bool
	bitwidth    int
	dataType    quant.DataType
	symmetric   bool
	strict      bool
	unsigned    bool
	perChannel  bool
	numChannels int
	channelAxis int
	scheme      quant.QuantScheme
	percentile  float64
	device      string

	state     State
	encoding  []quant.Encoding
	analyzers []analyzer.Analyzer
}

func New(s Settings) (*Quantizer, error) {
	if err := quant.ValidateBitwidth(s.DataType, s.Bitwidth); err != nil {
		return nil, fmt.Errorf("quantizer %s: %w", s.Name, err)
	}
	return &Quantizer{
		name:        s.Name,
		kind:        s.Kind,
		enabled:     s.Enabled,
		bitwidth:    s.Bitwidth,
		dataType:    s.DataType,
		symmetric:   s.Symmetric,
		strict:      s.Symmetric && s.StrictSymmetric,
		unsigned:    s.Symmetric && s.UnsignedSymmetric,
		perChannel:  s.PerChannel,
		numChannels: 1,
		channelAxis: s.ChannelAxis,
		scheme:      s.QuantScheme,
		percentile:  100,
	}, nil
}

func (q *Quantizer) Name() string                   { return q.name }
func (q *Quantizer) Kind() Kind                     { return q.kind }
func (q *Quantizer) Enabled() bool                  { return q.enabled }
func (q *Quantizer) Bitwidth() int                  { return q.bitwidth }
func (q *Quantizer) DataType() quant.DataType       { return q.dataType }
func (q *Quantizer) Symmetric() bool                { return q.symmetric }
func (q *Quantizer) StrictSymmetric() bool          { return q.strict }
func (q *Quantizer) UnsignedSymmetric() bool        { return q.unsigned }
func (q *Quantizer) PerChannel() bool               { return q.perChannel }
func (q *Quantizer) NumOutputChannels() int         { return q.numChannels }
func (q *Quantizer) ChannelAxis() int               { return q.channelAxis }
func (q *Quantizer) QuantScheme() quant.QuantScheme { return q.scheme }
func (q *Quantizer) Percentile() float64            { return q.percentile }
func (q *Quantizer) Device() string                 { return q.device }
func (q *Quantizer) State() State                   { return q.state }

// Calibrated reports whether the quantizer holds an encoding. A frozen float
// or disabled quantizer has none.
func (q *Quantizer) Calibrated() bool { return q.state >= Calibrated && len(q.encoding) > 0 }

// Encoding returns a copy of the per-channel encodings, nil before
// calibration.
func (q *Quantizer) Encoding() []quant.Encoding { return slices.Clone(q.encoding) }

// EncodingParams returns the static attributes that shape an encoding.
func (q *Quantizer) EncodingParams() quant.EncodingParams {
	return quant.EncodingParams{
		Bitwidth:          q.bitwidth,
		Symmetric:         q.symmetric,
		StrictSymmetric:   q.strict,
		UnsignedSymmetric: q.unsigned,
	}
}

// Symmetry is the convention new encodings are computed with.
func (q *Quantizer) Symmetry() quant.Symmetry {
	switch {
	case !q.symmetric:
		return quant.Asymmetric
	case q.unsigned && len(q.encoding) > 0 && q.encoding[0].Offset == 0:
		return quant.SymmetricUnsigned
	case q.strict:
		return quant.SymmetricStrict
	default:
		return quant.SymmetricNonStrict
	}
}

func (q *Quantizer) mutable() error {
	if q.state == Frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, q.name)
	}
	return nil
}

func (q *Quantizer) SetEnabled(v bool) error {
	if err := q.mutable(); err != nil {
		return err
	}
	q.enabled = v
	return nil
}

// SetBitwidth changes the bitwidth and drops any encoding computed for the
// previous one.
func (q *Quantizer) SetBitwidth(bw int) error {
	if err := q.mutable(); err != nil {
		return err
	}
	if err := quant.ValidateBitwidth(q.dataType, bw); err != nil {
		return fmt.Errorf("quantizer %s: %w", q.name, err)
	}
	if bw != q.bitwidth {
		q.bitwidth = bw
		q.invalidate()
	}
	return nil
}

func (q *Quantizer) SetDataType(dt quant.DataType, bw int) error {
	if err := q.mutable(); err != nil {
		return err
	}
	if err := quant.ValidateBitwidth(dt, bw); err != nil {
		return fmt.Errorf("quantizer %s: %w", q.name, err)
	}
	q.dataType, q.bitwidth = dt, bw
	q.invalidate()
	return nil
}

// SetSymmetry switches to the flags that produce encodings of symmetry s.
// Flags that do not conflict with s are kept.
func (q *Quantizer) SetSymmetry(s quant.Symmetry) error {
	if err := q.mutable(); err != nil {
		return err
	}
	switch s {
	case quant.Asymmetric:
		q.symmetric, q.strict, q.unsigned = false, false, false
	case quant.SymmetricUnsigned:
		q.symmetric, q.unsigned = true, true
	case quant.SymmetricStrict:
		q.symmetric, q.strict = true, true
	default:
		q.symmetric, q.strict = true, false
	}
	return nil
}

// Accepts reports whether q's flags could have produced an encoding of
// symmetry s. An unsigned quantizer yields signed encodings for signed data.
func (q *Quantizer) Accepts(s quant.Symmetry) bool {
	switch s {
	case quant.Asymmetric:
		return !q.symmetric
	case quant.SymmetricUnsigned:
		return q.symmetric && q.unsigned
	case quant.SymmetricStrict:
		return q.symmetric && q.strict
	default:
		return q.symmetric && !q.strict
	}
}

func (q *Quantizer) SetQuantScheme(s quant.QuantScheme) error {
	if err := q.mutable(); err != nil {
		return err
	}
	q.scheme = s
	q.analyzers = nil
	if q.state == Observing {
		q.newAnalyzers()
	}
	return nil
}

// SetPercentile sets the clipping percentile used by the percentile scheme.
func (q *Quantizer) SetPercentile(p float64) error {
	if err := q.mutable(); err != nil {
		return err
	}
	if q.scheme != quant.PostTrainingPercentile {
		return fmt.Errorf("%w: quantizer %s uses %s", analyzer.ErrInvalidPercentile, q.name, q.scheme)
	}
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: got %v", analyzer.ErrInvalidPercentile, p)
	}
	q.percentile = p
	for _, a := range q.analyzers {
		if pa, ok := a.(*analyzer.Percentile); ok {
			if err := pa.SetPercentile(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bind fixes the device and, for per-channel quantizers, the channel count.
func (q *Quantizer) Bind(device string, channels int) {
	q.device = device
	if q.perChannel && channels > 0 {
		q.numChannels = channels
	}
}

func (q *Quantizer) invalidate() {
	q.encoding = nil
	q.analyzers = nil
	if q.state != Frozen {
		q.state = Uncalibrated
	}
}

func (q *Quantizer) newAnalyzers() {
	q.analyzers = make([]analyzer.Analyzer, q.numChannels)
	for i := range q.analyzers {
		if q.scheme == quant.PostTrainingPercentile {
			q.analyzers[i] = analyzer.NewPercentile(q.percentile)
			continue
		}
		q.analyzers[i] = analyzer.New(q.scheme)
	}
}

// StartObserving clears statistics and begins collecting new ones. Frozen,
// disabled and float quantizers are left alone.
func (q *Quantizer) StartObserving() {
	if q.state == Frozen || !q.enabled || q.dataType == quant.Float {
		return
	}
	q.newAnalyzers()
	q.state = Observing
}

// Observe feeds a tensor into the statistics.
func (q *Quantizer) Observe(t *tensor.Tensor) error {
	if q.state != Observing {
		return nil
	}
	if !q.perChannel {
		q.analyzers[0].Observe(t.Data)
		return nil
	}
	chans, err := t.Channels(q.channelAxis)
	if err != nil {
		return fmt.Errorf("quantizer %s: %w", q.name, err)
	}
	if len(chans) != q.numChannels {
		return fmt.Errorf("quantizer %s: %w: expected %d channels, got %d", q.name, tensor.ErrShape, q.numChannels, len(chans))
	}
	for c, vals := range chans {
		q.analyzers[c].Observe(vals)
	}
	return nil
}

// ComputeEncoding finalizes the observed statistics without committing them.
// Callers decide when to install the result with SetEncoding.
func (q *Quantizer) ComputeEncoding() ([]quant.Encoding, error) {
	if q.state != Observing {
		return nil, fmt.Errorf("%w: quantizer %s is %s", analyzer.ErrCalibration, q.name, q.state)
	}
	p := q.EncodingParams()
	out := make([]quant.Encoding, len(q.analyzers))
	for i, a := range q.analyzers {
		enc, err := a.ComputeEncoding(p)
		if err != nil {
			return nil, fmt.Errorf("quantizer %s: %w", q.name, err)
		}
		out[i] = enc
	}
	return out, nil
}

// SetEncoding installs encodings and marks the quantizer calibrated.
func (q *Quantizer) SetEncoding(encs []quant.Encoding) error {
	if err := q.mutable(); err != nil {
		return err
	}
	if len(encs) != q.numChannels {
		return fmt.Errorf("quantizer %s: expected %d encodings, got %d", q.name, q.numChannels, len(encs))
	}
	for _, e := range encs {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("quantizer %s: %w", q.name, err)
		}
		if e.Bitwidth != q.bitwidth {
			return fmt.Errorf("quantizer %s: encoding bitwidth %d does not match %d", q.name, e.Bitwidth, q.bitwidth)
		}
	}
	q.encoding = slices.Clone(encs)
	q.analyzers = nil
	q.state = Calibrated
	return nil
}

// Calibrate computes and installs an encoding from a single tensor, which is
// how parameter quantizers are initialized.
func (q *Quantizer) Calibrate(t *tensor.Tensor) error {
	if q.state == Frozen || !q.enabled || q.dataType == quant.Float {
		return nil
	}
	q.StartObserving()
	if err := q.Observe(t); err != nil {
		return err
	}
	encs, err := q.ComputeEncoding()
	if err != nil {
		return err
	}
	return q.SetEncoding(encs)
}

// Freeze pins the current encoding.
func (q *Quantizer) Freeze() error {
	if q.state == Frozen {
		return nil
	}
	if q.enabled && q.dataType == quant.Int && !q.Calibrated() {
		return fmt.Errorf("%w: quantizer %s has no encoding to freeze", analyzer.ErrCalibration, q.name)
	}
	q.analyzers = nil
	q.state = Frozen
	return nil
}

// Unfreeze makes a frozen quantizer mutable again. It keeps its encoding
// and returns to Calibrated, or to Uncalibrated when it never had one.
func (q *Quantizer) Unfreeze() {
	if q.state != Frozen {
		return
	}
	q.state = Uncalibrated
	if len(q.encoding) > 0 {
		q.state = Calibrated
	}
}

// LearnableRange returns the per-channel min and max a range-learning loop
// may adjust. ok is false for other schemes or before calibration.
func (q *Quantizer) LearnableRange() (mins, maxs []float64, ok bool) {
	if !q.scheme.RangeLearning() || !q.Calibrated() {
		return nil, nil, false
	}
	for _, e := range q.encoding {
		mins = append(mins, e.Min)
		maxs = append(maxs, e.Max)
	}
	return mins, maxs, true
}

// SetRange recomputes scale and offset from learned ranges.
func (q *Quantizer) SetRange(mins, maxs []float64) error {
	if err := q.mutable(); err != nil {
		return err
	}
	if !q.scheme.RangeLearning() {
		return fmt.Errorf("quantizer %s: %s does not learn ranges", q.name, q.scheme)
	}
	if len(mins) != q.numChannels || len(maxs) != q.numChannels {
		return fmt.Errorf("quantizer %s: expected %d ranges, got %d/%d", q.name, q.numChannels, len(mins), len(maxs))
	}
	encs := make([]quant.Encoding, q.numChannels)
	for i := range encs {
		enc, err := quant.FromRange(mins[i], maxs[i], q.EncodingParams())
		if err != nil {
			return fmt.Errorf("quantizer %s: %w", q.name, err)
		}
		encs[i] = enc
	}
	return q.SetEncoding(encs)
}

// Apply runs the quantizer over t in the given mode. The input is never
// modified; a new tensor is returned whenever values change.
func (q *Quantizer) Apply(mode Mode, t *tensor.Tensor) (*tensor.Tensor, error) {
	if mode == ModePassThrough || !q.enabled {
		return t, nil
	}
	if q.dataType == quant.Float {
		if q.bitwidth == 32 {
			return t, nil
		}
		out := t.Clone()
		quant.QuantizeDequantizeFP16(out.Data, out.Data)
		return out, nil
	}
	if mode == ModeCalibrate && q.state == Observing {
		return t, q.Observe(t)
	}
	if !q.Calibrated() {
		return t, nil
	}
	return q.qdq(t)
}

func (q *Quantizer) qdq(t *tensor.Tensor) (*tensor.Tensor, error) {
	out := t.Clone()
	if !q.perChannel {
		quant.QuantizeDequantize(out.Data, out.Data, q.encoding[0])
		return out, nil
	}
	axis, err := tensor.NormAxis(q.channelAxis, out.Rank())
	if err != nil {
		return nil, fmt.Errorf("quantizer %s: %w", q.name, err)
	}
	if out.Shape[axis] != len(q.encoding) {
		return nil, fmt.Errorf("quantizer %s: %w: expected %d channels, got %d", q.name, tensor.ErrShape, len(q.encoding), out.Shape[axis])
	}
	err = out.MapChannels(axis, func(c int, vals []float32) {
		quant.QuantizeDequantize(vals, vals, q.encoding[c])
	})
	if err != nil {
		return nil, fmt.Errorf("quantizer %s: %w", q.name, err)
	}
	return out, nil
}

// Checkpoint is a saved calibration state.
type Checkpoint struct {
	q        *Quantizer
	state    State
	encoding []quant.Encoding
}

// Checkpoint records the calibration state so a failed pass can be undone.
func (q *Quantizer) Checkpoint() Checkpoint {
	return Checkpoint{q: q, state: q.state, encoding: slices.Clone(q.encoding)}
}

// Restore returns the quantizer to the recorded state, dropping statistics.
func (c Checkpoint) Restore() {
	c.q.state = c.state
	c.q.encoding = slices.Clone(c.encoding)
	c.q.analyzers = nil
	if c.q.state == Observing {
		c.q.state = Uncalibrated
	}
}
