package research

import (
	"math"
	"sort"
	"time"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var s float64
	for _, v := range xs {
		s += (v - mu) * (v - mu)
	}
	return math.Sqrt(s / float64(len(xs)-1))
}

// quantile uses linear interpolation between closest ranks.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

// fences returns the 1.5×IQR outlier fences and the IQR itself.
func fences(xs []float64) (lower, upper, iqr float64) {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	q1 := quantile(s, 0.25)
	q3 := quantile(s, 0.75)
	iqr = q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr, iqr
}

// latestZ scores the last point's one-step residual against an exponentially
// smoothed baseline, using the earlier residuals as the reference
// distribution. ok is false when there are too few residuals or no spread.
func latestZ(xs []float64, alpha float64) (z float64, ok bool) {
	if len(xs) < 4 {
		return 0, false
	}
	smoothed := xs[0]
	residuals := make([]float64, 0, len(xs)-1)
	for _, v := range xs[1:] {
		residuals = append(residuals, v-smoothed)
		smoothed = alpha*v + (1-alpha)*smoothed
	}
	ref := residuals[:len(residuals)-1]
	sd := stddev(ref)
	if sd < 1e-12 {
		return 0, false
	}
	return (residuals[len(residuals)-1] - mean(ref)) / sd, true
}

// pearson correlates two series aligned on bucket start.
func pearson(a, b []models.Bucket) (float64, bool) {
	idx := make(map[time.Time]float64, len(b))
	for _, x := range b {
		idx[x.Start] = x.Value
	}
	var xs, ys []float64
	for _, x := range a {
		if y, ok := idx[x.Start]; ok {
			xs = append(xs, x.Value)
			ys = append(ys, y)
		}
	}
	if len(xs) < 3 {
		return 0, false
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	return sxy / math.Sqrt(sxx*syy), true
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
