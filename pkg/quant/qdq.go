package quant

import (
	"math"

	"github.com/x448/float16"
)

// Quantize maps x to its unsigned grid index in [0, 2^bw - 1].
func (e Encoding) Quantize(x float32) int64 {
	q := int64(math.Round(float64(x) * (1 / e.Scale)))
	lo := e.Offset
	hi := e.Offset + int64(Steps(e.Bitwidth))
	q = min(max(q, lo), hi)
	return q - e.Offset
}

// Dequantize maps a grid index back to a real value.
func (e Encoding) Dequantize(q int64) float32 {
	return float32(float64(q+e.Offset) * e.Scale)
}

// QuantizeDequantize writes dequantize(quantize(src)) into dst. dst and src
// may alias.
func QuantizeDequantize(dst, src []float32, e Encoding) {
	lo := float64(e.Offset)
	hi := lo + Steps(e.Bitwidth)
	inv := 1 / e.Scale
	for i, v := range src {
		q := math.Round(float64(v) * inv)
		q = math.Min(math.Max(q, lo), hi)
		dst[i] = float32(q * e.Scale)
	}
}

// QuantizeDequantizeFP16 rounds every value through IEEE half precision.
func QuantizeDequantizeFP16(dst, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Float32()
	}
}
