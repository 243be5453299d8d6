package quantsim

import (
	"context"

	"github.com/samcharles93/quantsim/internal/graph"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// Model is what a frontend exposes so a sim can wrap it. The connected
// graph must stay valid for the life of the model.
type Model interface {
	ConnectedGraph() *graph.Graph
	// Parameter returns the float value of a named parameter.
	Parameter(name string) (*tensor.Tensor, bool)
	InstallWrapper(op string, w *quantizer.Wrapper) error
	Wrapper(op string) (*quantizer.Wrapper, bool)
	// Forward runs the model with installed wrappers in the given mode.
	Forward(ctx context.Context, mode quantizer.Mode, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
	// ExportArtifact writes the framework's graph artifact next to the
	// encodings file.
	ExportArtifact(dir, prefix string) error
}

// Propagator is implemented by frontends whose ops lower into several
// exported nodes. The map sends each internal tensor to the boundary tensor
// whose encoding it repeats.
type Propagator interface {
	PropagatedTensors() map[string]string
}

// DeviceReporter is implemented by frontends that know where an op's
// parameters live.
type DeviceReporter interface {
	DeviceOf(op string) (string, bool)
}
