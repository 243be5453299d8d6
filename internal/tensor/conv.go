package tensor

import (
	"fmt"
	"math"
)

// ConvParams describes a 2D convolution or pooling window in NCHW layout.
type ConvParams struct {
	Stride   [2]int
	Pad      [2]int
	Dilation [2]int
	Group    int
}

func (p ConvParams) normalized() ConvParams {
	for i := range 2 {
		if p.Stride[i] == 0 {
			p.Stride[i] = 1
		}
		if p.Dilation[i] == 0 {
			p.Dilation[i] = 1
		}
	}
	if p.Group == 0 {
		p.Group = 1
	}
	return p
}

func outDim(in, k, stride, pad, dil int) int {
	return (in+2*pad-dil*(k-1)-1)/stride + 1
}

// Conv2D convolves x [N,C,H,W] with w [M,C/group,KH,KW] plus optional bias [M].
func Conv2D(x, w, b *Tensor, p ConvParams) (*Tensor, error) {
	p = p.normalized()
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv2d expects rank-4 input and weight, got %v and %v", ErrShape, x.Shape, w.Shape)
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m, cg, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if c != cg*p.Group || m%p.Group != 0 {
		return nil, fmt.Errorf("%w: conv2d input channels %d, weight %v, group %d", ErrShape, c, w.Shape, p.Group)
	}
	if b != nil && b.Numel() != m {
		return nil, fmt.Errorf("%w: conv2d bias %v for %d filters", ErrShape, b.Shape, m)
	}
	oh := outDim(h, kh, p.Stride[0], p.Pad[0], p.Dilation[0])
	ow := outDim(wd, kw, p.Stride[1], p.Pad[1], p.Dilation[1])
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv2d output %dx%d", ErrShape, oh, ow)
	}
	out := New(n, m, oh, ow)
	mPerGroup := m / p.Group
	for ni := range n {
		for mi := range m {
			g := mi / mPerGroup
			var bias float32
			if b != nil {
				bias = b.Data[mi]
			}
			for y := range oh {
				for xo := range ow {
					sum := bias
					for ci := range cg {
						cin := g*cg + ci
						for ky := range kh {
							iy := y*p.Stride[0] - p.Pad[0] + ky*p.Dilation[0]
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range kw {
								ix := xo*p.Stride[1] - p.Pad[1] + kx*p.Dilation[1]
								if ix < 0 || ix >= wd {
									continue
								}
								sum += x.Data[((ni*c+cin)*h+iy)*wd+ix] * w.Data[((mi*cg+ci)*kh+ky)*kw+kx]
							}
						}
					}
					out.Data[((ni*m+mi)*oh+y)*ow+xo] = sum
				}
			}
		}
	}
	return out, nil
}

// Conv2DNHWC convolves x [N,H,W,C] with an HWIO kernel [KH,KW,C,M].
func Conv2DNHWC(x, w, b *Tensor, p ConvParams) (*Tensor, error) {
	xn, err := Transpose(x, 0, 3, 1, 2)
	if err != nil {
		return nil, err
	}
	wn, err := Transpose(w, 3, 2, 0, 1)
	if err != nil {
		return nil, err
	}
	y, err := Conv2D(xn, wn, b, p)
	if err != nil {
		return nil, err
	}
	return Transpose(y, 0, 2, 3, 1)
}

func pool2D(x *Tensor, k [2]int, p ConvParams, init float32, acc func(a, v float32) float32, fin func(a float32, n int) float32) (*Tensor, error) {
	p = p.normalized()
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: pool expects rank-4 input, got %v", ErrShape, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := outDim(h, k[0], p.Stride[0], p.Pad[0], 1)
	ow := outDim(w, k[1], p.Stride[1], p.Pad[1], 1)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: pool output %dx%d", ErrShape, oh, ow)
	}
	out := New(n, c, oh, ow)
	for nc := range n * c {
		plane := x.Data[nc*h*w : (nc+1)*h*w]
		for y := range oh {
			for xo := range ow {
				a := init
				cnt := 0
				for ky := range k[0] {
					iy := y*p.Stride[0] - p.Pad[0] + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := range k[1] {
						ix := xo*p.Stride[1] - p.Pad[1] + kx
						if ix < 0 || ix >= w {
							continue
						}
						a = acc(a, plane[iy*w+ix])
						cnt++
					}
				}
				out.Data[(nc*oh+y)*ow+xo] = fin(a, cnt)
			}
		}
	}
	return out, nil
}

func MaxPool2D(x *Tensor, k [2]int, p ConvParams) (*Tensor, error) {
	return pool2D(x, k, p, float32(math.Inf(-1)),
		func(a, v float32) float32 { return max(a, v) },
		func(a float32, _ int) float32 { return a })
}

// AvgPool2D averages each window, excluding padding from the count.
func AvgPool2D(x *Tensor, k [2]int, p ConvParams) (*Tensor, error) {
	return pool2D(x, k, p, 0,
		func(a, v float32) float32 { return a + v },
		func(a float32, n int) float32 {
			if n == 0 {
				return 0
			}
			return a / float32(n)
		})
}

// GlobalAvgPool reduces [N,C,H,W] to [N,C,1,1].
func GlobalAvgPool(x *Tensor) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: global pool expects rank-4 input, got %v", ErrShape, x.Shape)
	}
	return AvgPool2D(x, [2]int{x.Shape[2], x.Shape[3]}, ConvParams{})
}

// BatchNorm applies inference-mode batch normalization over axis 1.
func BatchNorm(x, scale, bias, mean, variance *Tensor, eps float32) (*Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("%w: batchnorm expects rank >= 2, got %v", ErrShape, x.Shape)
	}
	outer, dim, inner := splitAt(x.Shape, 1)
	for _, p := range []*Tensor{scale, bias, mean, variance} {
		if p.Numel() != dim {
			return nil, fmt.Errorf("%w: batchnorm param %v for %d channels", ErrShape, p.Shape, dim)
		}
	}
	out := New(x.Shape...)
	for o := range outer {
		for c := range dim {
			inv := scale.Data[c] / float32(math.Sqrt(float64(variance.Data[c]+eps)))
			shift := bias.Data[c] - mean.Data[c]*inv
			base := (o*dim + c) * inner
			for i := range inner {
				out.Data[base+i] = x.Data[base+i]*inv + shift
			}
		}
	}
	return out, nil
}

// PixelShuffle rearranges [N, C*r*r, H, W] into [N, C, H*r, W*r].
func PixelShuffle(x *Tensor, r int) (*Tensor, error) {
	if x.Rank() != 4 || r <= 0 || x.Shape[1]%(r*r) != 0 {
		return nil, fmt.Errorf("%w: pixel shuffle of %v by %d", ErrShape, x.Shape, r)
	}
	n, c, h, w := x.Shape[0], x.Shape[1]/(r*r), x.Shape[2], x.Shape[3]
	v, err := x.Reshape(n, c, r, r, h, w)
	if err != nil {
		return nil, err
	}
	v, err = Transpose(v, 0, 1, 4, 2, 5, 3)
	if err != nil {
		return nil, err
	}
	return v.Reshape(n, c, h*r, w*r)
}
