// Package quantsim builds a quantization simulation around a frontend model:
// it resolves the policy config, places one quantizer per tensor, drives
// calibration and moves encodings in and out.
package quantsim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/quantsim/internal/config"
	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

// Options configure a sim. Zero values pick the defaults documented on
// each field.
type Options struct {
	// QuantScheme is the calibration scheme. The zero value is
	// post_training_tf; DefaultOptions picks post_training_tf_enhanced.
	QuantScheme quant.QuantScheme
	// DefaultOutputBitwidth applies to activations; 8 when zero.
	DefaultOutputBitwidth int
	// DefaultParamBitwidth applies to parameters; 8 when zero.
	DefaultParamBitwidth int
	DefaultDataType      quant.DataType
	// Config is the policy; the embedded default when nil.
	Config *config.Config
	// DefaultDevice is used for ops whose device the frontend cannot tell;
	// "cpu" when empty.
	DefaultDevice string
	Logger        logger.Logger
}

func (o *Options) setDefaults() {
	if o.DefaultOutputBitwidth == 0 {
		o.DefaultOutputBitwidth = 8
	}
	if o.DefaultParamBitwidth == 0 {
		o.DefaultParamBitwidth = 8
	}
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.DefaultDevice == "" {
		o.DefaultDevice = "cpu"
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// DefaultOptions returns the options New uses for zero fields.
func DefaultOptions() Options {
	o := Options{QuantScheme: quant.PostTrainingTFEnhanced}
	o.setDefaults()
	return o
}

// Sim is a quantization simulation of one model. A Sim is not safe for
// concurrent use; independent sims may run in parallel.
type Sim struct {
	id    uuid.UUID
	model Model
	graph *graph.Graph
	spec  *config.QuantizerSpec
	opts  Options
	log   logger.Logger

	quantizers  map[string]*quantizer.Quantizer
	activations []string
	params      []string
	wrappers    []*quantizer.Wrapper
}

// New resolves the policy against the model's connected graph and installs
// a wrapper on every op. Nothing is installed if any step fails.
func New(model Model, opts Options) (*Sim, error) {
	opts.setDefaults()
	if err := quant.ValidateBitwidth(opts.DefaultDataType, opts.DefaultOutputBitwidth); err != nil {
		return nil, fmt.Errorf("activation bitwidth: %w", err)
	}
	if err := quant.ValidateBitwidth(opts.DefaultDataType, opts.DefaultParamBitwidth); err != nil {
		return nil, fmt.Errorf("param bitwidth: %w", err)
	}
	g := model.ConnectedGraph()
	if g == nil {
		return nil, fmt.Errorf("%w: model has no connected graph", graph.ErrGraphConstruction)
	}
	spec, err := config.Resolve(g, opts.Config)
	if err != nil {
		return nil, err
	}

	s := &Sim{
		id:         uuid.New(),
		model:      model,
		graph:      g,
		spec:       spec,
		opts:       opts,
		quantizers: make(map[string]*quantizer.Quantizer),
	}
	s.log = opts.Logger.With("sim", s.id.String())

	for _, t := range g.Activations() {
		st, _ := spec.Activation(t.Name)
		q, err := quantizer.New(quantizer.Settings{
			Name:              t.Name,
			Kind:              quantizer.KindActivation,
			Enabled:           st.Enabled,
			Bitwidth:          opts.DefaultOutputBitwidth,
			DataType:          opts.DefaultDataType,
			Symmetric:         st.Symmetric,
			StrictSymmetric:   st.StrictSymmetric,
			UnsignedSymmetric: st.UnsignedSymmetric,
			QuantScheme:       opts.QuantScheme,
		})
		if err != nil {
			return nil, err
		}
		s.quantizers[t.Name] = q
		s.activations = append(s.activations, t.Name)
	}
	for _, p := range g.Params() {
		st, _ := spec.Param(p.Name)
		q, err := quantizer.New(quantizer.Settings{
			Name:              p.Name,
			Kind:              quantizer.KindParam,
			Enabled:           st.Enabled,
			Bitwidth:          opts.DefaultParamBitwidth,
			DataType:          opts.DefaultDataType,
			Symmetric:         st.Symmetric,
			StrictSymmetric:   st.StrictSymmetric,
			UnsignedSymmetric: st.UnsignedSymmetric,
			PerChannel:        st.PerChannel,
			ChannelAxis:       p.ChannelAxis,
			QuantScheme:       opts.QuantScheme,
		})
		if err != nil {
			return nil, err
		}
		s.quantizers[p.Name] = q
		s.params = append(s.params, p.Name)
	}

	devices, _ := model.(DeviceReporter)
	for _, op := range g.OrderedOps() {
		b := s.builder(op)
		info := quantizer.RealizeInfo{Device: opts.DefaultDevice, ParamShapes: make(map[string][]int)}
		if devices != nil {
			if d, ok := devices.DeviceOf(op.Name); ok {
				info.Device = d
			}
		}
		for _, p := range op.Params {
			if v, ok := model.Parameter(p.Name); ok {
				info.ParamShapes[p.Name] = v.Shape
			} else {
				info.ParamShapes[p.Name] = p.Tensor.Shape
			}
		}
		w, err := b.Realize(info)
		if err != nil {
			return nil, err
		}
		s.wrappers = append(s.wrappers, w)
	}
	for _, w := range s.wrappers {
		if err := model.InstallWrapper(w.Op, w); err != nil {
			return nil, fmt.Errorf("install wrapper on %s: %w", w.Op, err)
		}
	}

	s.log.Debug("sim created",
		"scheme", opts.QuantScheme.String(),
		"ops", len(s.wrappers),
		"activations", len(s.activations),
		"params", len(s.params),
	)
	return s, nil
}

func (s *Sim) builder(op *graph.Op) *quantizer.Builder {
	b := &quantizer.Builder{
		Op:       op.Name,
		Inputs:   make([]*quantizer.Quantizer, len(op.Inputs)),
		Outputs:  make([]*quantizer.Quantizer, len(op.Outputs)),
		Params:   make(map[string]*quantizer.Quantizer, len(op.Params)),
		Boundary: make([]bool, len(op.Inputs)),
	}
	for i, in := range op.Inputs {
		b.Inputs[i] = s.quantizers[in.Name]
		b.Boundary[i] = in.Producer == nil
	}
	for i, out := range op.Outputs {
		b.Outputs[i] = s.quantizers[out.Name]
	}
	for _, p := range op.Params {
		b.Params[p.Name] = s.quantizers[p.Name]
	}
	return b
}

func (s *Sim) ID() uuid.UUID                  { return s.id }
func (s *Sim) Model() Model                   { return s.model }
func (s *Sim) Graph() *graph.Graph            { return s.graph }
func (s *Sim) Spec() *config.QuantizerSpec    { return s.spec }
func (s *Sim) Options() Options               { return s.opts }
func (s *Sim) Wrappers() []*quantizer.Wrapper { return s.wrappers }

// Quantizer looks up an activation or parameter quantizer by tensor name.
func (s *Sim) Quantizer(name string) (*quantizer.Quantizer, bool) {
	q, ok := s.quantizers[name]
	return q, ok
}

// ActivationNames lists activation quantizers in topological order.
func (s *Sim) ActivationNames() []string { return s.activations }

// ParamNames lists parameter quantizers in op order.
func (s *Sim) ParamNames() []string { return s.params }

// Quantizers returns every quantizer, activations first.
func (s *Sim) Quantizers() []*quantizer.Quantizer {
	out := make([]*quantizer.Quantizer, 0, len(s.quantizers))
	for _, name := range s.activations {
		out = append(out, s.quantizers[name])
	}
	for _, name := range s.params {
		out = append(out, s.quantizers[name])
	}
	return out
}

// Runner executes the wrapped model in a fixed mode.
type Runner struct {
	sim  *Sim
	mode quantizer.Mode
}

func (r Runner) Mode() quantizer.Mode { return r.mode }

func (r Runner) Run(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return r.sim.model.Forward(ctx, r.mode, inputs)
}

func (s *Sim) Runner(mode quantizer.Mode) Runner { return Runner{sim: s, mode: mode} }

// Run is an evaluation-mode forward pass.
func (s *Sim) Run(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return s.Runner(quantizer.ModeEvaluate).Run(ctx, inputs...)
}

// ForwardPassCallback feeds calibration data through the runner it is given.
type ForwardPassCallback func(ctx context.Context, r Runner, args any) error

// ComputeEncodings calibrates every enabled quantizer that is not frozen.
// Parameter encodings come straight from the parameter values; activation
// statistics are collected while callback runs. If anything fails, every
// quantizer is returned to its state before the call.
func (s *Sim) ComputeEncodings(ctx context.Context, callback ForwardPassCallback, args any) error {
	checkpoints := make([]quantizer.Checkpoint, 0, len(s.quantizers))
	for _, q := range s.Quantizers() {
		checkpoints = append(checkpoints, q.Checkpoint())
	}
	rollback := func(err error) error {
		for _, c := range checkpoints {
			c.Restore()
		}
		s.log.Warn("compute encodings failed", "error", err)
		return err
	}

	for _, name := range s.params {
		q := s.quantizers[name]
		if !q.Enabled() || q.State() == quantizer.Frozen {
			continue
		}
		v, ok := s.model.Parameter(name)
		if !ok {
			return rollback(fmt.Errorf("parameter %s not found in model", name))
		}
		if err := q.Calibrate(v); err != nil {
			return rollback(err)
		}
	}

	var observing []*quantizer.Quantizer
	for _, name := range s.activations {
		q := s.quantizers[name]
		q.StartObserving()
		if q.State() == quantizer.Observing {
			observing = append(observing, q)
		}
	}

	if err := callback(ctx, s.Runner(quantizer.ModeCalibrate), args); err != nil {
		return rollback(fmt.Errorf("forward pass callback: %w", err))
	}

	results := make([][]quant.Encoding, len(observing))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, q := range observing {
		g.Go(func() error {
			encs, err := q.ComputeEncoding()
			if err != nil {
				return err
			}
			results[i] = encs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rollback(err)
	}
	for i, q := range observing {
		if err := q.SetEncoding(results[i]); err != nil {
			return rollback(err)
		}
	}
	s.log.Info("encodings computed", "activations", len(observing), "scheme", s.opts.QuantScheme.String())
	return nil
}

// ComputeEncodingsAll calibrates independent sims concurrently with the same
// callback. Each sim owns its quantizers, so no state is shared.
func ComputeEncodingsAll(ctx context.Context, sims []*Sim, callback ForwardPassCallback, args any) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sims {
		g.Go(func() error {
			if err := s.ComputeEncodings(ctx, callback, args); err != nil {
				return fmt.Errorf("sim %s: %w", s.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// FreezeEncodings pins every calibrated quantizer. It fails without changing
// anything if an enabled integer quantizer has no encoding.
func (s *Sim) FreezeEncodings() error {
	qs := s.Quantizers()
	var errs []error
	for _, q := range qs {
		if q.Enabled() && q.DataType() == quant.Int && !q.Calibrated() {
			errs = append(errs, fmt.Errorf("quantizer %s is %s", q.Name(), q.State()))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, q := range qs {
		if q.Calibrated() || q.Enabled() {
			if err := q.Freeze(); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnfreezeEncodings releases every frozen quantizer so the next
// ComputeEncodings recalibrates it.
func (s *Sim) UnfreezeEncodings() {
	n := 0
	for _, q := range s.Quantizers() {
		if q.State() == quantizer.Frozen {
			q.Unfreeze()
			n++
		}
	}
	s.log.Info("encodings unfrozen", "quantizers", n)
}

// ExportOptions tune Export.
type ExportOptions struct {
	// PropagateEncodings repeats boundary encodings onto tensors internal to
	// lowered ops.
	PropagateEncodings bool
}

// QuantizerArgs summarizes the defaults the sim was built with.
func (s *Sim) QuantizerArgs() *encodings.QuantizerArgs {
	d := s.opts.Config.Defaults
	return &encodings.QuantizerArgs{
		ActivationBitwidth:     s.opts.DefaultOutputBitwidth,
		ParamBitwidth:          s.opts.DefaultParamBitwidth,
		DType:                  s.opts.DefaultDataType.String(),
		IsSymmetric:            d.Params.IsSymmetric != nil && bool(*d.Params.IsSymmetric),
		PerChannelQuantization: d.PerChannelQuantization != nil && bool(*d.PerChannelQuantization),
		QuantScheme:            s.opts.QuantScheme.String(),
	}
}

// Encodings builds the document Export would write.
func (s *Sim) Encodings(opts ExportOptions) *encodings.Document {
	bo := encodings.BuildOptions{QuantizerArgs: s.QuantizerArgs()}
	if p, ok := s.model.(Propagator); ok && opts.PropagateEncodings {
		bo.Propagated = p.PropagatedTensors()
	}
	return encodings.Build(s, bo)
}

// Export writes <prefix>.encodings and the frontend artifact into dir.
func (s *Sim) Export(dir, prefix string, opts ExportOptions) error {
	path := filepath.Join(dir, prefix+".encodings")
	if err := encodings.WriteFile(path, s.Encodings(opts)); err != nil {
		return fmt.Errorf("write encodings: %w", err)
	}
	if err := s.model.ExportArtifact(dir, prefix); err != nil {
		return fmt.Errorf("export artifact: %w", err)
	}
	s.log.Info("exported", "dir", dir, "prefix", prefix)
	return nil
}

// ApplyEncodings loads a parsed document; see encodings.Apply.
func (s *Sim) ApplyEncodings(doc *encodings.Document, strict bool) ([]string, error) {
	mismatches, err := encodings.Apply(s, doc, strict)
	if err != nil {
		return mismatches, err
	}
	if len(mismatches) > 0 {
		s.log.Warn("encodings loaded with mismatches", "mismatches", len(mismatches))
		for _, m := range mismatches {
			s.log.Debug("encoding mismatch", "detail", m)
		}
	}
	return mismatches, nil
}

// LoadEncodings reads an encodings file and applies it.
func (s *Sim) LoadEncodings(path string, strict bool) ([]string, error) {
	doc, err := encodings.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.ApplyEncodings(doc, strict)
}
