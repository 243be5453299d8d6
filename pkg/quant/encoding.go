package quant

import (
	"fmt"
	"math"
)

// MinRange is the smallest span an encoding may cover. Constant tensors
// are widened to it so scale stays positive.
const MinRange = 0.01

// Encoding maps a real range onto the integer grid
// [Offset, Offset + 2^Bitwidth - 1] with step Scale.
type Encoding struct {
	Min      float64
	Max      float64
	Scale    float64
	Offset   int64
	Bitwidth int
}

// EncodingParams are the static quantizer attributes that shape an encoding.
type EncodingParams struct {
	Bitwidth          int
	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool
}

// Steps returns 2^bw - 1.
func Steps(bw int) float64 {
	return math.Exp2(float64(bw)) - 1
}

func signedOffset(bw int) int64 {
	return -(int64(1) << (bw - 1))
}

// ComputeEncoding turns an observed [lo, hi] range into an encoding. The
// range is first widened to include zero.
//
//	asymmetric:   offset = round(min/scale), min and max snapped to the grid
//	non-strict:   offset = -2^(bw-1), min = -max - scale
//	strict:       offset = -2^(bw-1), min = -max
//	unsigned:     offset = 0, min = 0 (only when lo >= 0)
func ComputeEncoding(lo, hi float64, p EncodingParams) (Encoding, error) {
	if err := ValidateBitwidth(Int, p.Bitwidth); err != nil {
		return Encoding{}, err
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
		return Encoding{}, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, lo, hi)
	}
	bw := p.Bitwidth
	steps := Steps(bw)
	lo = math.Min(lo, 0)
	hi = math.Max(hi, 0)
	if hi-lo < MinRange {
		hi = lo + MinRange
	}

	if !p.Symmetric {
		scale := (hi - lo) / steps
		offset := int64(math.Round(lo / scale))
		mn := float64(offset) * scale
		return Encoding{
			Min:      mn,
			Max:      mn + scale*steps,
			Scale:    scale,
			Offset:   offset,
			Bitwidth: bw,
		}, nil
	}

	if p.UnsignedSymmetric && lo >= 0 {
		scale := hi / steps
		return Encoding{Min: 0, Max: hi, Scale: scale, Offset: 0, Bitwidth: bw}, nil
	}

	absMax := math.Max(-lo, hi)
	offset := signedOffset(bw)
	half := math.Exp2(float64(bw - 1))
	if p.StrictSymmetric {
		scale := absMax / half
		return Encoding{Min: -absMax, Max: absMax, Scale: scale, Offset: offset, Bitwidth: bw}, nil
	}
	scale := absMax / (half - 1)
	return Encoding{
		Min:      float64(offset) * scale,
		Max:      absMax,
		Scale:    scale,
		Offset:   offset,
		Bitwidth: bw,
	}, nil
}

// FromRange recomputes scale and offset for a range that is already fixed,
// as happens when a range-learning loop moves min and max. No widening is
// applied beyond keeping scale positive.
func FromRange(mn, mx float64, p EncodingParams) (Encoding, error) {
	if mx <= mn {
		return Encoding{}, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, mn, mx)
	}
	if p.Symmetric && !(p.UnsignedSymmetric && mn >= 0) {
		return ComputeEncoding(-mx, mx, p)
	}
	return ComputeEncoding(mn, mx, p)
}

// Validate checks the grid relationships every encoding must satisfy.
func (e Encoding) Validate() error {
	if err := ValidateBitwidth(Int, e.Bitwidth); err != nil {
		return err
	}
	if !(e.Scale > 0) || math.IsInf(e.Scale, 0) {
		return fmt.Errorf("%w: scale %v", ErrInvalidRange, e.Scale)
	}
	if e.Max < e.Min {
		return fmt.Errorf("%w: min %v above max %v", ErrInvalidRange, e.Min, e.Max)
	}
	return nil
}

// Symmetry describes which convention produced an encoding.
type Symmetry uint8

const (
	Asymmetric Symmetry = iota
	SymmetricNonStrict
	SymmetricStrict
	SymmetricUnsigned
)

func (s Symmetry) String() string {
	switch s {
	case Asymmetric:
		return "asymmetric"
	case SymmetricNonStrict:
		return "symmetric"
	case SymmetricStrict:
		return "strict_symmetric"
	case SymmetricUnsigned:
		return "unsigned_symmetric"
	default:
		return fmt.Sprintf("Symmetry(%d)", uint8(s))
	}
}

// InferSymmetry recovers the symmetric convention from the min/max/offset
// relationship. symmetric is the record's declared is_symmetric flag.
func (e Encoding) InferSymmetry(symmetric bool) Symmetry {
	if !symmetric {
		return Asymmetric
	}
	if e.Offset == 0 {
		return SymmetricUnsigned
	}
	if math.Abs(e.Min+e.Max) < e.Scale/2 {
		return SymmetricStrict
	}
	return SymmetricNonStrict
}
