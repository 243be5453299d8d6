package analyzer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/quantsim/pkg/quant"
)

// DefaultBins is the histogram resolution used by the percentile and SQNR
// analyzers.
const DefaultBins = 512

// histogram is a fixed-bin-count histogram whose range grows with the data.
// When a batch falls outside the current range the existing counts are
// redistributed by bin center into the wider range.
type histogram struct {
	lo, hi float64
	counts []float64
	n      int
}

func newHistogram(bins int) histogram {
	return histogram{counts: make([]float64, bins)}
}

func (h *histogram) width() float64 {
	return (h.hi - h.lo) / float64(len(h.counts))
}

func (h *histogram) center(i int) float64 {
	return h.lo + (float64(i)+0.5)*h.width()
}

func (h *histogram) bin(v float64) int {
	w := h.width()
	if w == 0 {
		return 0
	}
	i := int((v - h.lo) / w)
	return min(max(i, 0), len(h.counts)-1)
}

func (h *histogram) add(values []float32) {
	blo, bhi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		blo = math.Min(blo, f)
		bhi = math.Max(bhi, f)
	}
	if blo > bhi {
		return
	}
	if h.n == 0 {
		h.lo, h.hi = blo, bhi
	} else if blo < h.lo || bhi > h.hi {
		h.rebin(math.Min(blo, h.lo), math.Max(bhi, h.hi))
	}
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		h.counts[h.bin(f)]++
		h.n++
	}
}

func (h *histogram) rebin(lo, hi float64) {
	old := *h
	old.counts = append([]float64(nil), h.counts...)
	clear(h.counts)
	h.lo, h.hi = lo, hi
	for i, c := range old.counts {
		if c == 0 {
			continue
		}
		h.counts[h.bin(old.center(i))] += c
	}
}

func (h *histogram) reset() {
	clear(h.counts)
	h.lo, h.hi, h.n = 0, 0, 0
}

func (h *histogram) centers() []float64 {
	out := make([]float64, len(h.counts))
	for i := range out {
		out[i] = h.center(i)
	}
	return out
}

// Percentile clips the observed range to the lower and upper percentile.
// A percentile of 100 keeps the exact observed extremes.
type Percentile struct {
	hist       histogram
	percentile float64
}

func NewPercentile(p float64) *Percentile {
	return &Percentile{hist: newHistogram(DefaultBins), percentile: p}
}

// SetPercentile updates the clipping percentile. Values outside [0, 100]
// are rejected.
func (a *Percentile) SetPercentile(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return fmt.Errorf("%w: got %v", ErrInvalidPercentile, p)
	}
	a.percentile = p
	return nil
}

func (a *Percentile) Percentile() float64 { return a.percentile }

func (a *Percentile) Observe(values []float32) { a.hist.add(values) }

func (a *Percentile) Reset() { a.hist.reset() }

func (a *Percentile) Count() int { return a.hist.n }

func (a *Percentile) ComputeEncoding(p quant.EncodingParams) (quant.Encoding, error) {
	if a.hist.n == 0 {
		return quant.Encoding{}, fmt.Errorf("%w: no statistics observed", ErrCalibration)
	}
	lo, hi := a.hist.lo, a.hist.hi
	if a.percentile < 100 && a.hist.width() > 0 {
		if floats.Sum(a.hist.counts) == 0 {
			return quant.Encoding{}, fmt.Errorf("%w: empty histogram", ErrCalibration)
		}
		x := a.hist.centers()
		upper := a.percentile / 100
		lower := 1 - upper
		lo = math.Max(stat.Quantile(lower, stat.Empirical, x, a.hist.counts), a.hist.lo)
		hi = math.Min(stat.Quantile(upper, stat.Empirical, x, a.hist.counts), a.hist.hi)
		if lo > hi {
			lo, hi = hi, lo
		}
	}
	return quant.ComputeEncoding(lo, hi, p)
}

// SQNR searches candidate clipping ranges for the one with the lowest
// expected quantization plus clipping noise. Candidates shrink the observed
// minimum and maximum independently.
type SQNR struct {
	hist       histogram
	candidates int
	gamma      float64
}

func NewSQNR() *SQNR {
	return &SQNR{hist: newHistogram(DefaultBins), candidates: 32, gamma: 3}
}

func (a *SQNR) Observe(values []float32) { a.hist.add(values) }

func (a *SQNR) Reset() { a.hist.reset() }

func (a *SQNR) Count() int { return a.hist.n }

func (a *SQNR) ComputeEncoding(p quant.EncodingParams) (quant.Encoding, error) {
	if a.hist.n == 0 {
		return quant.Encoding{}, fmt.Errorf("%w: no statistics observed", ErrCalibration)
	}
	best, err := quant.ComputeEncoding(a.hist.lo, a.hist.hi, p)
	if err != nil {
		return quant.Encoding{}, err
	}
	if a.hist.width() == 0 {
		return best, nil
	}
	bestCost := a.cost(best)
	n := float64(a.candidates)
	for i := 1; i <= a.candidates; i++ {
		lo := a.hist.lo * float64(i) / n
		for j := 1; j <= a.candidates; j++ {
			hi := a.hist.hi * float64(j) / n
			if lo >= hi {
				continue
			}
			enc, err := quant.ComputeEncoding(lo, hi, p)
			if err != nil {
				continue
			}
			if c := a.cost(enc); c < bestCost {
				best, bestCost = enc, c
			}
		}
	}
	return best, nil
}

// cost is the expected squared error of a histogram under enc: uniform
// rounding noise inside the range and weighted clipping error outside it.
func (a *SQNR) cost(enc quant.Encoding) float64 {
	rounding := enc.Scale * enc.Scale / 12
	var total float64
	for i, c := range a.hist.counts {
		if c == 0 {
			continue
		}
		x := a.hist.center(i)
		switch {
		case x < enc.Min:
			d := enc.Min - x
			total += c * a.gamma * d * d
		case x > enc.Max:
			d := x - enc.Max
			total += c * a.gamma * d * d
		default:
			total += c * rounding
		}
	}
	return total
}
