package report

import (
	"errors"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// BoxStats summarizes one category for a box plot. Whiskers reach the most
// extreme values within 1.5 IQR of the box; anything beyond is an outlier.
type BoxStats struct {
	Q1, Median, Q3 float64
	Low, High      float64
	Outliers       []float64
}

func Box(values []float64) (BoxStats, error) {
	var out BoxStats
	if len(values) == 0 {
		return out, errors.New("no values to summarize")
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		x := sorted[0]
		return BoxStats{Q1: x, Median: x, Q3: x, Low: x, High: x}, nil
	}

	q, err := stats.Quartile(stats.Float64Data(sorted))
	if err != nil {
		return out, err
	}
	out.Q1, out.Median, out.Q3 = q.Q1, q.Q2, q.Q3

	iqr := out.Q3 - out.Q1
	lo, hi := out.Q1-1.5*iqr, out.Q3+1.5*iqr
	out.Low, out.High = out.Q1, out.Q3
	for _, x := range sorted {
		if x < lo || x > hi {
			out.Outliers = append(out.Outliers, x)
			continue
		}
		out.Low = math.Min(out.Low, x)
		out.High = math.Max(out.High, x)
	}

	return out, nil
}

// ScottBandwidth is the Gaussian kernel width n^(-1/5)·σ.
func ScottBandwidth(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil) * math.Pow(float64(len(values)), -0.2)
}

// Density evaluates a Gaussian kernel density estimate of values at points,
// with Scott's bandwidth. A zero bandwidth (one value, or all equal) gives
// nil.
func Density(values, points []float64) []float64 {
	h := ScottBandwidth(values)
	if h == 0 || math.IsNaN(h) {
		return nil
	}

	norm := 1 / (float64(len(values)) * h * math.Sqrt(2*math.Pi))
	out := make([]float64, len(points))
	for i, p := range points {
		var sum float64
		for _, x := range values {
			u := (p - x) / h
			sum += math.Exp(-0.5 * u * u)
		}
		out[i] = sum * norm
	}

	return out
}

// violinSupport spans the data plus two bandwidths either side.
func violinSupport(values []float64, n int) []float64 {
	h := ScottBandwidth(values)
	lo, hi := values[0], values[0]
	for _, x := range values {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	lo, hi = lo-2*h, hi+2*h

	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}
