package trend

import (
	"math"
	"sort"

	"gitops-sentinel/pkg/domain/pipeline"
)

// Mean returns the arithmetic mean, 0 for an empty series.
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

// Median returns the middle value (mean of the two middle values for
// even-length series).
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// P95 returns the 95th percentile by nearest-rank.
func P95(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// StdDev returns the population standard deviation.
func StdDev(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	mean := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// Summarize computes the summary statistics block for a series.
func Summarize(xs []float64) pipeline.Stats {
	mean := Mean(xs)
	std := StdDev(xs)
	cv := 0.0
	if mean != 0 {
		cv = std / mean
	}
	return pipeline.Stats{
		Count:  len(xs),
		Mean:   mean,
		Median: Median(xs),
		P95:    P95(xs),
		StdDev: std,
		CV:     cv,
	}
}

// OLS fits y = intercept + slope*i over equally spaced samples.
func OLS(ys []float64) (slope, intercept float64) {
	n := float64(len(ys))
	if n < 2 {
		return 0, Mean(ys)
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, Mean(ys)
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// RelativeSlope is the OLS slope normalized by the series mean. A zero
// mean yields 0.
func RelativeSlope(ys []float64) float64 {
	mean := Mean(ys)
	if mean == 0 {
		return 0
	}
	slope, _ := OLS(ys)
	return slope / mean
}

// DirectionFor classifies a relative slope against the significance
// cutoff (strictly greater in either direction).
func DirectionFor(relSlope, significance float64) pipeline.TrendDirection {
	switch {
	case relSlope > significance:
		return pipeline.TrendIncreasing
	case relSlope < -significance:
		return pipeline.TrendDecreasing
	default:
		return pipeline.TrendStable
	}
}

// MovingAverage returns the trailing-window means, emitted from index
// w-1. Windows larger than the series return nil.
func MovingAverage(xs []float64, w int) []float64 {
	if w <= 0 || len(xs) < w {
		return nil
	}
	out := make([]float64, 0, len(xs)-w+1)
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= w {
			sum -= xs[i-w]
		}
		if i >= w-1 {
			out = append(out, sum/float64(w))
		}
	}
	return out
}

// ChangePoints finds interior indices where the sliding-window means on
// either side differ by more than 2x the pooled standard deviation. The
// window size is max(5, N/10).
func ChangePoints(xs []float64) []int {
	n := len(xs)
	w := n / 10
	if w < 5 {
		w = 5
	}
	if n < 2*w {
		return nil
	}
	var out []int
	for i := w; i <= n-w; i++ {
		before := xs[i-w : i]
		after := xs[i : i+w]
		bMean, aMean := Mean(before), Mean(after)
		bStd, aStd := StdDev(before), StdDev(after)
		pooled := math.Sqrt((bStd*bStd + aStd*aStd) / 2)
		if pooled == 0 {
			if bMean != aMean {
				out = append(out, i)
			}
			continue
		}
		if math.Abs(aMean-bMean) > 2*pooled {
			out = append(out, i)
		}
	}
	return out
}

// Pearson returns the correlation coefficient of two equal-length
// series, 0 when either side is constant.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	mx, my := Mean(xs), Mean(ys)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

// ZScores flags samples whose |z| strictly exceeds the threshold,
// using the global mean/stdev of the series.
func ZScores(xs []float64, threshold float64) []int {
	mean := Mean(xs)
	std := StdDev(xs)
	if std == 0 {
		return nil
	}
	var out []int
	for i, x := range xs {
		if math.Abs((x-mean)/std) > threshold {
			out = append(out, i)
		}
	}
	return out
}
