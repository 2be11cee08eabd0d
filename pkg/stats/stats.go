// Package stats holds the small set of descriptive statistics used to turn
// observed distributions into thresholds.
package stats

import (
	"math"
	"sort"
)

// Z95 is the two-sided standard normal quantile for a 95% interval.
const Z95 = 1.959963984540054

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev is the sample standard deviation (n-1 denominator). Fewer than two
// observations yield 0.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// CoefficientOfVariation is StdDev/Mean, 0 when the mean is 0.
func CoefficientOfVariation(xs []float64) float64 {
	m := Mean(xs)
	if m == 0 {
		return 0
	}
	return StdDev(xs) / m
}

func sorted(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}

// Percentile returns the p-th percentile (p in [0,100]) using linear
// interpolation between closest ranks. The input is not modified.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return percentileSorted(sorted(xs), p)
}

func percentileSorted(s []float64, p float64) float64 {
	if p <= 0 {
		return s[0]
	}
	if p >= 100 {
		return s[len(s)-1]
	}
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	frac := rank - float64(lo)
	return s[lo] + frac*(s[hi]-s[lo])
}

// PercentileRank is the share of observations strictly below x plus half of
// those equal to it, scaled to [0,100].
func PercentileRank(xs []float64, x float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var below, equal int
	for _, v := range xs {
		switch {
		case v < x:
			below++
		case v == x:
			equal++
		}
	}
	return 100 * (float64(below) + 0.5*float64(equal)) / float64(len(xs))
}

// Interval is a distribution-free confidence interval for a percentile.
type Interval struct {
	Value float64
	Lower float64
	Upper float64
}

// Width is Upper-Lower.
func (i Interval) Width() float64 {
	return i.Upper - i.Lower
}

// PercentileInterval estimates the p-th percentile with an order-statistic
// confidence interval at normal quantile z. Small samples give wide
// intervals; a single observation gives the observed range of zero width
// and callers must rely on sample size for confidence instead.
func PercentileInterval(xs []float64, p, z float64) Interval {
	if len(xs) == 0 {
		return Interval{}
	}
	s := sorted(xs)
	n := float64(len(s))
	q := p / 100
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}

	half := z * math.Sqrt(n*q*(1-q))
	lo := int(math.Floor(n*q-half)) - 1
	hi := int(math.Ceil(n*q+half)) - 1
	if lo < 0 {
		lo = 0
	}
	if hi > len(s)-1 {
		hi = len(s) - 1
	}
	if hi < lo {
		hi = lo
	}

	iv := Interval{
		Value: percentileSorted(s, p),
		Lower: s[lo],
		Upper: s[hi],
	}
	iv.Lower = math.Min(iv.Lower, iv.Value)
	iv.Upper = math.Max(iv.Upper, iv.Value)
	return iv
}

// Trend is an ordinary least-squares fit of y against its index.
type Trend struct {
	Slope         float64
	StandardError float64
}

// LinearTrend fits y[i] = a + b*i. Fewer than three points have no
// standard error and report 0 for both fields.
func LinearTrend(ys []float64) Trend {
	n := len(ys)
	if n < 3 {
		if n == 2 {
			return Trend{Slope: ys[1] - ys[0]}
		}
		return Trend{}
	}

	xm := float64(n-1) / 2
	ym := Mean(ys)
	var sxx, sxy float64
	for i, y := range ys {
		dx := float64(i) - xm
		sxx += dx * dx
		sxy += dx * (y - ym)
	}
	b := sxy / sxx
	a := ym - b*xm

	var sse float64
	for i, y := range ys {
		r := y - (a + b*float64(i))
		sse += r * r
	}
	se := math.Sqrt(sse/float64(n-2)) / math.Sqrt(sxx)

	return Trend{Slope: b, StandardError: se}
}

// ZScore of the mean of recent against the baseline sample, using the
// standard error of the recent mean under the baseline spread. A baseline
// without spread yields 0 unless the means differ, in which case the sign
// carries the direction with unbounded magnitude.
func ZScore(baseline, recent []float64) float64 {
	if len(baseline) == 0 || len(recent) == 0 {
		return 0
	}
	mb := Mean(baseline)
	mr := Mean(recent)
	sd := StdDev(baseline)
	if sd == 0 {
		switch {
		case mr > mb:
			return math.Inf(1)
		case mr < mb:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	return (mr - mb) / (sd / math.Sqrt(float64(len(recent))))
}

func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
