// Package forecast is the ROI prediction engine. It picks additive
// Holt-Winters when the series covers two full seasons, least-squares linear
// regression when it does not, and a widened naive mean for very short series.
// It always answers and always reports which method produced the answer.
package forecast

import (
	"math"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Options tune the engine. Zero fields take the defaults.
type Options struct {
	Alpha     float64
	Beta      float64
	Gamma     float64
	Season    int
	MinPoints int
	// Z is the normal quantile for the prediction interval.
	Z float64
}

// DefaultOptions returns α 0.5, β 0.1, γ 0.3, a weekly season on daily data,
// four points minimum and a 95% interval.
func DefaultOptions() Options {
	return Options{Alpha: 0.5, Beta: 0.1, Gamma: 0.3, Season: 7, MinPoints: 4, Z: 1.96}
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.Beta <= 0 || opts.Beta > 1 {
		opts.Beta = def.Beta
	}
	if opts.Gamma <= 0 || opts.Gamma > 1 {
		opts.Gamma = def.Gamma
	}
	if opts.Season < 2 {
		opts.Season = def.Season
	}
	if opts.MinPoints < 3 {
		opts.MinPoints = def.MinPoints
	}
	if opts.Z <= 0 {
		opts.Z = def.Z
	}
	return &Engine{opts: opts}
}

// Predict forecasts horizon steps past the end of series. Expected is the
// mean of the per-step expectations; the bounds use the widest (last step)
// half-width.
func (e *Engine) Predict(series []float64, horizon int) models.Forecast {
	if horizon < 1 {
		horizon = 1
	}
	clean := finite(series)

	var f models.Forecast
	switch {
	case len(clean) >= 2*e.opts.Season:
		f = e.holtWinters(clean, horizon)
	case len(clean) >= e.opts.MinPoints:
		f = e.linear(clean, horizon)
	default:
		f = e.naive(clean, horizon)
	}
	f.Horizon = horizon

	var sum float64
	for _, p := range f.Points {
		sum += p.Expected
	}
	f.Expected = sum / float64(len(f.Points))
	last := f.Points[len(f.Points)-1]
	half := (last.UpperBound - last.LowerBound) / 2
	f.LowerBound = f.Expected - half
	f.UpperBound = f.Expected + half
	return f
}

func (e *Engine) holtWinters(x []float64, horizon int) models.Forecast {
	m := e.opts.Season
	a, b, g := e.opts.Alpha, e.opts.Beta, e.opts.Gamma

	level := mean(x[:m])
	trend := (mean(x[m:2*m]) - level) / float64(m)
	season := make([]float64, m)
	for i := 0; i < m; i++ {
		season[i] = x[i] - level
	}

	var sse float64
	var residuals int
	for t := m; t < len(x); t++ {
		s := season[t%m]
		predicted := level + trend + s
		err := x[t] - predicted
		sse += err * err
		residuals++

		prevLevel := level
		level = a*(x[t]-s) + (1-a)*(level+trend)
		trend = b*(level-prevLevel) + (1-b)*trend
		season[t%m] = g*(x[t]-level) + (1-g)*s
	}
	sigma := math.Sqrt(sse / float64(residuals))

	n := len(x)
	points := make([]models.ForecastPoint, horizon)
	for h := 1; h <= horizon; h++ {
		exp := level + float64(h)*trend + season[(n+h-1)%m]
		half := e.opts.Z * sigma * math.Sqrt(float64(h))
		points[h-1] = models.ForecastPoint{Step: h, Expected: exp, LowerBound: exp - half, UpperBound: exp + half}
	}
	return models.Forecast{Method: models.MethodHoltWinters, Points: points}
}

func (e *Engine) linear(y []float64, horizon int) models.Forecast {
	n := float64(len(y))
	slope, intercept, xbar, sxx := fitLine(y)

	var sse float64
	for i, v := range y {
		r := v - (intercept + slope*float64(i))
		sse += r * r
	}
	s := math.Sqrt(sse / (n - 2))

	points := make([]models.ForecastPoint, horizon)
	for h := 1; h <= horizon; h++ {
		x0 := n - 1 + float64(h)
		exp := intercept + slope*x0
		half := e.opts.Z * s * math.Sqrt(1+1/n+(x0-xbar)*(x0-xbar)/sxx)
		points[h-1] = models.ForecastPoint{Step: h, Expected: exp, LowerBound: exp - half, UpperBound: exp + half}
	}
	return models.Forecast{Method: models.MethodLinearRegression, Points: points}
}

// naive widens its interval ×2 and is always degraded. The spread has a
// floor proportional to the mean, so it is never zero.
func (e *Engine) naive(y []float64, horizon int) models.Forecast {
	mu := mean(y)
	sd := stddev(y, mu)
	if len(y) < 2 {
		sd = 0.5 * math.Abs(mu)
	}
	// A flat or empty history still carries uncertainty.
	sd = math.Max(sd, 0.25*math.Max(math.Abs(mu), 1))
	points := make([]models.ForecastPoint, horizon)
	for h := 1; h <= horizon; h++ {
		half := 2 * e.opts.Z * sd * math.Sqrt(float64(h))
		points[h-1] = models.ForecastPoint{Step: h, Expected: mu, LowerBound: mu - half, UpperBound: mu + half}
	}
	return models.Forecast{Method: models.MethodNaiveMean, Degraded: true, Points: points}
}

// fitLine returns the least-squares line through (i, y[i]).
func fitLine(y []float64) (slope, intercept, xbar, sxx float64) {
	n := float64(len(y))
	xbar = (n - 1) / 2
	ybar := mean(y)
	var sxy float64
	for i, v := range y {
		dx := float64(i) - xbar
		sxx += dx * dx
		sxy += dx * (v - ybar)
	}
	if sxx > 0 {
		slope = sxy / sxx
	}
	intercept = ybar - slope*xbar
	return slope, intercept, xbar, sxx
}

func finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

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

func stddev(xs []float64, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var s float64
	for _, v := range xs {
		s += (v - mu) * (v - mu)
	}
	return math.Sqrt(s / float64(len(xs)-1))
}
