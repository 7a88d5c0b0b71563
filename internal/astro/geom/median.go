package geom

import (
	"fmt"
	"math"
	"slices"
)

type weighted struct {
	v, w float64
}

// WeightedMedian returns the weighted median of values. Elements are ordered
// by value and the median is the first element at which the cumulative weight
// reaches half the total; when the cumulative weight lands exactly on half,
// the result is interpolated halfway to the next element with positive
// weight. Zero-weight elements are ignored.
//
// The selection is an in-place quickselect over a copy of the input with a
// median-of-three pivot and a three-way partition, so runs of equal values
// always shrink the active range.
func WeightedMedian(values, weights []float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, fmt.Errorf("geom: %d values but %d weights", len(values), len(weights))
	}
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}

	data := make([]weighted, 0, len(values))
	total := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return 0, fmt.Errorf("%w: invalid weight %v at index %d", ErrZeroWeight, w, i)
		}
		if w == 0 {
			continue
		}
		data = append(data, weighted{values[i], w})
		total += w
	}
	if total <= 0 || len(data) == 0 {
		return 0, ErrZeroWeight
	}
	return selectWeighted(data, total/2), nil
}

// Median returns the unweighted median of values without modifying them.
func Median(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	s := slices.Clone(values)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2], nil
	}
	return (s[n/2-1] + s[n/2]) / 2, nil
}

func selectWeighted(d []weighted, half float64) float64 {
	lo, hi := 0, len(d)
	wLeft := 0.0 // weight of d[:lo], all smaller than the active range

	for {
		if hi-lo <= 3 {
			return smallSelect(d, lo, hi, wLeft, half)
		}

		p := pivotOf(d, lo, hi)
		lt, gt := partition3(d, lo, hi, p)

		var wLess, wEq float64
		for i := lo; i < lt; i++ {
			wLess += d[i].w
		}
		for i := lt; i < gt; i++ {
			wEq += d[i].w
		}

		switch below := wLeft + wLess; {
		case below > half:
			hi = lt
		case below == half:
			return (maxValue(d, lo, lt) + p) / 2
		case below+wEq > half:
			return p
		case below+wEq == half:
			return (p + minValue(d, gt, len(d))) / 2
		default:
			wLeft = below + wEq
			lo = gt
		}
	}
}

// smallSelect resolves a range of at most three elements directly.
func smallSelect(d []weighted, lo, hi int, wLeft, half float64) float64 {
	sub := d[lo:hi]
	slices.SortFunc(sub, func(a, b weighted) int {
		switch {
		case a.v < b.v:
			return -1
		case a.v > b.v:
			return 1
		}
		return 0
	})
	cum := wLeft
	for i, e := range sub {
		cum += e.w
		if cum > half {
			return e.v
		}
		if cum == half {
			if i+1 < len(sub) {
				return (e.v + sub[i+1].v) / 2
			}
			if hi < len(d) {
				return (e.v + minValue(d, hi, len(d))) / 2
			}
			return e.v
		}
	}
	// Only reachable through rounding in the cumulative sum.
	return sub[len(sub)-1].v
}

func pivotOf(d []weighted, lo, hi int) float64 {
	a, b, c := d[lo].v, d[lo+(hi-lo)/2].v, d[hi-1].v
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
		if a > b {
			b = a
		}
	}
	return b
}

// partition3 rearranges d[lo:hi] into <p, ==p, >p and returns the bounds
// of the equal run.
func partition3(d []weighted, lo, hi int, p float64) (lt, gt int) {
	lt, i, gt := lo, lo, hi
	for i < gt {
		switch v := d[i].v; {
		case v < p:
			d[lt], d[i] = d[i], d[lt]
			lt++
			i++
		case v > p:
			gt--
			d[i], d[gt] = d[gt], d[i]
		default:
			i++
		}
	}
	return lt, gt
}

func minValue(d []weighted, lo, hi int) float64 {
	m := math.Inf(1)
	for i := lo; i < hi; i++ {
		m = math.Min(m, d[i].v)
	}
	return m
}

func maxValue(d []weighted, lo, hi int) float64 {
	m := math.Inf(-1)
	for i := lo; i < hi; i++ {
		m = math.Max(m, d[i].v)
	}
	return m
}
