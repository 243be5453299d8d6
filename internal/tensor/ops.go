package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Unary applies fn element-wise into a new tensor.
func Unary(x *Tensor, fn func(float32) float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = fn(v)
	}
	return out
}

func Relu(x *Tensor) *Tensor {
	return Unary(x, func(v float32) float32 { return max(v, 0) })
}

// Clip bounds every element to [lo, hi]. ReLU6 is Clip(x, 0, 6).
func Clip(x *Tensor, lo, hi float32) *Tensor {
	return Unary(x, func(v float32) float32 { return min(max(v, lo), hi) })
}

func Sigmoid(x *Tensor) *Tensor {
	return Unary(x, sigmoid)
}

func Tanh(x *Tensor) *Tensor {
	return Unary(x, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Softmax normalizes x along axis.
func Softmax(x *Tensor, axis int) (*Tensor, error) {
	axis, err := NormAxis(axis, x.Rank())
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	outer, dim, inner := splitAt(x.Shape, axis)
	row := make([]float32, dim)
	for o := range outer {
		for i := range inner {
			for d := range dim {
				row[d] = out.Data[(o*dim+d)*inner+i]
			}
			softmax(row)
			for d := range dim {
				out.Data[(o*dim+d)*inner+i] = row[d]
			}
		}
	}
	return out, nil
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func Add(a, b *Tensor) (*Tensor, error) {
	return broadcast(a, b, func(x, y float32) float32 { return x + y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return broadcast(a, b, func(x, y float32) float32 { return x * y })
}

// broadcast applies fn with numpy-style right-aligned broadcasting.
func broadcast(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if slices.Equal(a.Shape, b.Shape) {
		out := New(a.Shape...)
		for i := range out.Data {
			out.Data[i] = fn(a.Data[i], b.Data[i])
		}
		return out, nil
	}
	rank := max(a.Rank(), b.Rank())
	shape := make([]int, rank)
	sa := alignStrides(a.Shape, rank)
	sb := alignStrides(b.Shape, rank)
	da := alignDims(a.Shape, rank)
	db := alignDims(b.Shape, rank)
	for i := range rank {
		switch {
		case da[i] == db[i]:
			shape[i] = da[i]
		case da[i] == 1:
			shape[i] = db[i]
			sa[i] = 0
		case db[i] == 1:
			shape[i] = da[i]
			sb[i] = 0
		default:
			return nil, fmt.Errorf("%w: %v and %v", ErrBroadcast, a.Shape, b.Shape)
		}
	}
	out := New(shape...)
	idx := make([]int, rank)
	for n := range out.Data {
		rem := n
		for i := rank - 1; i >= 0; i-- {
			idx[i] = rem % shape[i]
			rem /= shape[i]
		}
		var ia, ib int
		for i := range rank {
			ia += idx[i] * sa[i]
			ib += idx[i] * sb[i]
		}
		out.Data[n] = fn(a.Data[ia], b.Data[ib])
	}
	return out, nil
}

func alignDims(shape []int, rank int) []int {
	out := make([]int, rank)
	for i := range out {
		out[i] = 1
	}
	copy(out[rank-len(shape):], shape)
	return out
}

func alignStrides(shape []int, rank int) []int {
	dims := alignDims(shape, rank)
	strides := make([]int, rank)
	s := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return strides
}

// Linear computes x*W^T + b for W shaped [out, in] when transB is set, or
// x*W + b for W shaped [in, out] otherwise. x is [batch, in].
func Linear(x, w, b *Tensor, transB bool) (*Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 {
		return nil, fmt.Errorf("%w: linear expects rank-2 input and weight, got %v and %v", ErrShape, x.Shape, w.Shape)
	}
	in, out := w.Shape[0], w.Shape[1]
	if transB {
		in, out = w.Shape[1], w.Shape[0]
	}
	if x.Shape[1] != in {
		return nil, fmt.Errorf("%w: linear input %v against weight %v", ErrShape, x.Shape, w.Shape)
	}
	y := New(x.Shape[0], out)
	a := NewMatFromData(x.Shape[0], in, x.Data)
	bm := NewMatFromData(w.Shape[0], w.Shape[1], w.Data)
	c := NewMatFromData(x.Shape[0], out, y.Data)
	Gemm(&c, &a, &bm, transB)
	if b != nil {
		if b.Numel() != out {
			return nil, fmt.Errorf("%w: bias %v for %d outputs", ErrShape, b.Shape, out)
		}
		for i := range x.Shape[0] {
			row := c.Row(i)
			for j := range row {
				row[j] += b.Data[j]
			}
		}
	}
	return y, nil
}

// MatMul multiplies rank-2 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	return Linear(a, b, nil, false)
}

// Flatten collapses dims [axis:] into one, keeping the leading dims as one.
func Flatten(x *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis > x.Rank() {
		return nil, fmt.Errorf("%w: flatten axis %d for rank %d", ErrAxis, axis, x.Rank())
	}
	return x.Reshape(Numel(x.Shape[:axis]), Numel(x.Shape[axis:]))
}

// Transpose permutes the dimensions of x.
func Transpose(x *Tensor, perm ...int) (*Tensor, error) {
	rank := x.Rank()
	if len(perm) != rank {
		return nil, fmt.Errorf("%w: permutation %v for rank %d", ErrAxis, perm, rank)
	}
	shape := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank {
			return nil, fmt.Errorf("%w: permutation %v", ErrAxis, perm)
		}
		shape[i] = x.Shape[p]
	}
	src := alignStrides(x.Shape, rank)
	out := New(shape...)
	idx := make([]int, rank)
	for n := range out.Data {
		rem := n
		for i := rank - 1; i >= 0; i-- {
			idx[i] = rem % shape[i]
			rem /= shape[i]
		}
		off := 0
		for i, p := range perm {
			off += idx[i] * src[p]
		}
		out.Data[n] = x.Data[off]
	}
	return out, nil
}

// Concat joins tensors along axis.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of nothing", ErrShape)
	}
	axis, err := NormAxis(axis, ts[0].Rank())
	if err != nil {
		return nil, err
	}
	shape := slices.Clone(ts[0].Shape)
	shape[axis] = 0
	for _, t := range ts {
		if t.Rank() != len(shape) {
			return nil, fmt.Errorf("%w: concat rank mismatch", ErrShape)
		}
		for i := range shape {
			if i != axis && t.Shape[i] != ts[0].Shape[i] {
				return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, ts[0].Shape, t.Shape)
			}
		}
		shape[axis] += t.Shape[axis]
	}
	out := New(shape...)
	outer := Numel(shape[:axis])
	inner := Numel(shape[axis+1:])
	pos := 0
	for o := range outer {
		for _, t := range ts {
			n := t.Shape[axis] * inner
			copy(out.Data[pos:pos+n], t.Data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out, nil
}

// Split divides x along axis into pieces of the given sizes.
func Split(x *Tensor, axis int, sizes []int) ([]*Tensor, error) {
	axis, err := NormAxis(axis, x.Rank())
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != x.Shape[axis] {
		return nil, fmt.Errorf("%w: split sizes %v for dim %d", ErrShape, sizes, x.Shape[axis])
	}
	outer, dim, inner := splitAt(x.Shape, axis)
	outs := make([]*Tensor, len(sizes))
	start := 0
	for k, s := range sizes {
		shape := slices.Clone(x.Shape)
		shape[axis] = s
		t := New(shape...)
		for o := range outer {
			src := (o*dim + start) * inner
			copy(t.Data[o*s*inner:(o+1)*s*inner], x.Data[src:src+s*inner])
		}
		outs[k] = t
		start += s
	}
	return outs, nil
}
