package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Gemm computes C = A*op(B) where op(B) is B or B transposed.
// C must already have the output shape.
func Gemm(c, a, b *Mat, transB bool) {
	inner := a.C
	for i := 0; i < a.R; i++ {
		arow := a.Row(i)
		crow := c.Row(i)
		for j := 0; j < c.C; j++ {
			var sum float32
			if transB {
				brow := b.Row(j)
				for k := 0; k < inner; k++ {
					sum += arow[k] * brow[k]
				}
			} else {
				for k := 0; k < inner; k++ {
					sum += arow[k] * b.Data[k*b.Stride+j]
				}
			}
			crow[j] = sum
		}
	}
}

// FillRand fills data with reproducible pseudo‑random values in (-1, 1).
// The same seed always produces the same values.
func FillRand(data []float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
}
