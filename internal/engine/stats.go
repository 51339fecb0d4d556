package engine

import (
	"math"
	"slices"

	"github.com/shopspring/decimal"
)

// rankEpsilon keeps p*n products like 0.9*10 from landing just above an
// integer and shifting the rank by one.
const rankEpsilon = 1e-9

// percentile returns the nearest-rank percentile of an ascending sample:
// index ceil(p*n)-1, clamped to [0, n-1]. It returns nil for an empty sample.
func percentile(sorted []float64, p float64) *float64 {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	idx := int(math.Ceil(p*float64(n)-rankEpsilon)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	v := sorted[idx]
	return &v
}

// mean returns the arithmetic mean of an ascending sample, or nil when empty.
// Summing the sorted sample keeps the result independent of arrival order.
func mean(sorted []float64) *float64 {
	if len(sorted) == 0 {
		return nil
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	v := sum / float64(len(sorted))
	return &v
}

// distribution splits an ascending sample into equal-width bins between its
// minimum and maximum. Equal values all land in the first bin.
func distribution(sorted []float64, bins int) []int {
	out := make([]int, bins)
	n := len(sorted)
	if n == 0 {
		return out
	}
	lo, hi := sorted[0], sorted[n-1]
	if lo == hi {
		out[0] = n
		return out
	}
	size := (hi - lo) / float64(bins)
	for _, v := range sorted {
		idx := int((v - lo) / size)
		if idx > bins-1 {
			idx = bins - 1
		}
		out[idx]++
	}
	return out
}

// sample buffers values until they are sorted once for reporting.
type sample struct {
	values []float64
	sorted bool
}

func (s *sample) add(v float64) {
	s.values = append(s.values, v)
	s.sorted = false
}

func (s *sample) ascending() []float64 {
	if !s.sorted {
		slices.Sort(s.values)
		s.sorted = true
	}
	return s.values
}

// exactMean accumulates float values in arbitrary precision so that the
// average does not depend on the order values were added in.
type exactMean struct {
	sum decimal.Decimal
	n   int64
}

func (m *exactMean) add(v float64) {
	m.sum = m.sum.Add(decimal.NewFromFloat(v))
	m.n++
}

func (m *exactMean) value() (float64, bool) {
	if m.n == 0 {
		return 0, false
	}
	return m.sum.Div(decimal.NewFromInt(m.n)).InexactFloat64(), true
}
