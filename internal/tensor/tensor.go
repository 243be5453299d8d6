package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrShape     = errors.New("tensor: shape mismatch")
	ErrAxis      = errors.New("tensor: axis out of range")
	ErrBroadcast = errors.New("tensor: shapes cannot be broadcast")
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, Numel(shape))}
}

// FromData wraps data with the given shape. It panics when the element
// count does not match.
func FromData(data []float32, shape ...int) *Tensor {
	if Numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Rand returns a tensor filled with reproducible values in (-1, 1).
func Rand(seed int64, shape ...int) *Tensor {
	t := New(shape...)
	FillRand(t.Data, seed)
	return t
}

// Numel returns the element count of shape. A scalar shape has one element.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Numel() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one inferred dimension in %v", ErrShape, shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape)
		}
		out[infer] = len(t.Data) / known
	}
	if Numel(out) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape)
	}
	return &Tensor{Shape: out, Data: t.Data}, nil
}

// NormAxis resolves a possibly negative axis against rank.
func NormAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("%w: axis %d for rank %d", ErrAxis, axis, rank)
	}
	return axis, nil
}

// splitAt returns (outer, dim, inner) sizes around axis.
func splitAt(shape []int, axis int) (int, int, int) {
	return Numel(shape[:axis]), shape[axis], Numel(shape[axis+1:])
}

// Channels gathers a copy of the values belonging to each index of axis.
func (t *Tensor) Channels(axis int) ([][]float32, error) {
	axis, err := NormAxis(axis, t.Rank())
	if err != nil {
		return nil, err
	}
	outer, dim, inner := splitAt(t.Shape, axis)
	out := make([][]float32, dim)
	for c := range dim {
		vals := make([]float32, 0, outer*inner)
		for o := range outer {
			base := (o*dim + c) * inner
			vals = append(vals, t.Data[base:base+inner]...)
		}
		out[c] = vals
	}
	return out, nil
}

// MapChannels calls fn with each channel's values along axis and writes
// the (possibly modified) values back into t.
func (t *Tensor) MapChannels(axis int, fn func(c int, vals []float32)) error {
	chans, err := t.Channels(axis)
	if err != nil {
		return err
	}
	axis, _ = NormAxis(axis, t.Rank())
	outer, dim, inner := splitAt(t.Shape, axis)
	for c := range dim {
		vals := chans[c]
		fn(c, vals)
		for o := range outer {
			base := (o*dim + c) * inner
			copy(t.Data[base:base+inner], vals[o*inner:(o+1)*inner])
		}
	}
	return nil
}

// MaxAbsDiff returns the largest element-wise absolute difference.
func MaxAbsDiff(a, b *Tensor) float64 {
	var maxAbs float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i] - b.Data[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

// MinMax returns the smallest and largest element.
func MinMax(data []float32) (float32, float32) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}
