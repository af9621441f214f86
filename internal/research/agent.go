// Package research implements the Researcher agent: statistical anomaly,
// risk and opportunity detection over a tenant's ROAS series, fact-checked
// against the series before anything is reported.
package research

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Options tune the Researcher. Zero fields take the defaults.
type Options struct {
	// DegradedCeiling caps confidence when the data layer is unavailable.
	DegradedCeiling float64
	ZThreshold      float64
	SmoothingAlpha  float64
	// MinPoints is the series length a channel needs to count as covered.
	MinPoints int
}

func DefaultOptions() Options {
	return Options{DegradedCeiling: 30, ZThreshold: 2, SmoothingAlpha: 0.3, MinPoints: 4}
}

// Agent is the Researcher.
type Agent struct {
	gen  contracts.Generator
	opts Options
}

// New creates a Researcher. gen may be nil, in which case every narrative
// uses the heuristic summary.
func New(gen contracts.Generator, opts Options) *Agent {
	def := DefaultOptions()
	if opts.DegradedCeiling <= 0 {
		opts.DegradedCeiling = def.DegradedCeiling
	}
	if opts.ZThreshold <= 0 {
		opts.ZThreshold = def.ZThreshold
	}
	if opts.SmoothingAlpha <= 0 || opts.SmoothingAlpha > 1 {
		opts.SmoothingAlpha = def.SmoothingAlpha
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = def.MinPoints
	}
	return &Agent{gen: gen, opts: opts}
}

var _ contracts.Researcher = (*Agent)(nil)

// Analyze never fails: missing data or a failed narrative call produce a
// degraded result instead.
func (a *Agent) Analyze(ctx context.Context, tenant models.TenantContext, in contracts.ResearchInput) models.ResearchOutcome {
	if in.DataErr != nil || !hasData(in.Series) {
		return a.heuristic(ctx, tenant, in)
	}

	var notes []string
	winners, err := tenant.Winners(ctx)
	if err != nil {
		notes = append(notes, fmt.Sprintf("historical winners unavailable: %v", err))
		winners = nil
	}

	channels := sortedChannels(in)
	var (
		candidates []models.Finding
		insights   []models.ChannelInsight
		confSum    float64
		confN      int
		covered    int
	)
	for _, ch := range channels {
		series := in.Series[ch]
		values := models.Values(series)
		fc, hasForecast := in.Forecasts[ch]

		if len(values) >= a.opts.MinPoints {
			covered++
		}
		candidates = append(candidates, a.anomalies(ch, series)...)
		if f, ok := a.zscoreFinding(ch, series); ok {
			candidates = append(candidates, f)
		}
		if hasForecast && len(values) > 0 {
			candidates = append(candidates, a.trendFinding(ch, values, fc, winners))
			confSum += fc.Confidence()
			confN++
		}
		insights = append(insights, insight(ch, values, fc, hasForecast, in.Snapshot))
	}

	result := models.ResearchResult{Channels: insights, Correlations: correlations(channels, in.Series)}
	for _, f := range candidates {
		if a.verify(f, in.Series[f.Channel], in.Forecasts[f.Channel]) {
			result.Findings = append(result.Findings, f)
		} else {
			result.Dropped++
		}
	}
	rank(result.Findings)
	if result.Dropped > 0 {
		notes = append(notes, fmt.Sprintf("fact-check dropped %d finding(s)", result.Dropped))
	}

	base := len(in.Snapshot.Channels)
	if base < len(channels) {
		base = len(channels)
	}
	var avgConf float64
	if confN > 0 {
		avgConf = confSum / float64(confN)
	}
	coverage := float64(covered) / float64(base)
	confidence := models.ClampConfidence(0.6*avgConf + 40*coverage)

	out := models.ResearchOutcome{Payload: result, Confidence: confidence, Notes: notes}
	a.narrate(ctx, tenant, &out)
	return out
}

// heuristic is the data-unavailable path: snapshot rules only, confidence
// capped, always degraded.
func (a *Agent) heuristic(ctx context.Context, tenant models.TenantContext, in contracts.ResearchInput) models.ResearchOutcome {
	reason := models.ErrDataUnavailable.Error()
	if in.DataErr != nil {
		reason = fmt.Sprintf("%v: %v", models.ErrDataUnavailable, in.DataErr)
	}
	log.Warn().Str("tenant", tenant.Key()).Str("reason", reason).Msg("⚠️ Research falling back to snapshot heuristics")

	var (
		result models.ResearchResult
		best   models.ChannelSnapshot
	)
	for _, c := range in.Snapshot.Channels {
		roas := c.ROAS()
		if c.Spend > 0 && roas < 1 {
			result.Findings = append(result.Findings, models.Finding{
				Kind:        models.FindingRisk,
				Channel:     c.Channel,
				Magnitude:   1 - roas,
				Score:       100 * (1 - roas),
				Statistic:   models.Statistic{Method: models.StatHeuristic, Value: roas, Upper: 1},
				Observed:    roas,
				Description: fmt.Sprintf("%s returns %.2f per unit spent, below break-even", c.Channel, roas),
			})
		}
		if roas > best.ROAS() {
			best = c
		}
		vol := 0.25 * roas
		result.Channels = append(result.Channels, models.ChannelInsight{
			Channel:      c.Channel,
			CurrentROAS:  roas,
			MeanROAS:     roas,
			Volatility:   vol,
			ForecastROAS: roas,
			ForecastLow:  math.Max(0, roas-2*vol),
			ForecastHigh: roas + 2*vol,
			Method:       "snapshot",
		})
	}
	if best.Channel != "" && best.ROAS() >= 1 {
		roas := best.ROAS()
		result.Findings = append(result.Findings, models.Finding{
			Kind:        models.FindingOpportunity,
			Channel:     best.Channel,
			Magnitude:   roas - 1,
			Score:       math.Min(100, 50*(roas-1)),
			Statistic:   models.Statistic{Method: models.StatHeuristic, Value: roas, Lower: 1},
			Observed:    roas,
			Description: fmt.Sprintf("%s is the strongest channel at %.2f ROAS", best.Channel, roas),
		})
	}
	rank(result.Findings)

	out := models.ResearchOutcome{
		Payload:    result,
		Confidence: a.opts.DegradedCeiling,
		Degraded:   true,
		Notes:      []string{reason},
	}
	a.narrate(ctx, tenant, &out)
	if out.Confidence > a.opts.DegradedCeiling {
		out.Confidence = a.opts.DegradedCeiling
	}
	return out
}

func (a *Agent) anomalies(ch string, series []models.Bucket) []models.Finding {
	values := models.Values(series)
	if len(values) < a.opts.MinPoints {
		return nil
	}
	lower, upper, iqr := fences(values)
	scale := math.Max(iqr, 1e-9)
	var out []models.Finding
	for _, b := range series {
		var mag float64
		switch {
		case b.Value > upper:
			mag = b.Value - upper
		case b.Value < lower:
			mag = lower - b.Value
		default:
			continue
		}
		out = append(out, models.Finding{
			Kind:        models.FindingAnomaly,
			Channel:     ch,
			Magnitude:   mag,
			Score:       100 * (1 - math.Exp(-mag/scale)),
			Statistic:   models.Statistic{Method: models.StatIQR, Value: b.Value, Lower: lower, Upper: upper},
			Observed:    b.Value,
			BucketStart: b.Start,
			Description: fmt.Sprintf("%s ROAS %.2f on %s is outside [%.2f, %.2f]", ch, b.Value, b.Start.Format("2006-01-02"), lower, upper),
		})
	}
	return out
}

func (a *Agent) zscoreFinding(ch string, series []models.Bucket) (models.Finding, bool) {
	values := models.Values(series)
	z, ok := latestZ(values, a.opts.SmoothingAlpha)
	if !ok || math.Abs(z) <= a.opts.ZThreshold {
		return models.Finding{}, false
	}
	last := series[len(series)-1]
	kind, dir := models.FindingOpportunity, "above"
	if z < 0 {
		kind, dir = models.FindingRisk, "below"
	}
	return models.Finding{
		Kind:        kind,
		Channel:     ch,
		Magnitude:   math.Abs(z),
		Score:       math.Min(100, 25*math.Abs(z)),
		Statistic:   models.Statistic{Method: models.StatZScore, Value: last.Value, Z: z},
		Observed:    last.Value,
		BucketStart: last.Start,
		Description: fmt.Sprintf("%s latest ROAS %.2f is %.1fσ %s its smoothed baseline", ch, last.Value, math.Abs(z), dir),
	}, true
}

// trendFinding ranks the forecast against the tenant's historical winners on
// the same channel. Without winners the similarity is neutral (0.5).
func (a *Agent) trendFinding(ch string, values []float64, fc models.Forecast, winners []models.HistoricalWinner) models.Finding {
	mu := mean(values)
	delta := fc.Expected - mu

	sim := 0.5
	var best float64
	for _, w := range winners {
		if w.Channel == ch && w.ROAS > best {
			best = w.ROAS
		}
	}
	if best > 0 {
		sim = math.Exp(-math.Abs(fc.Expected-best) / best)
	}

	kind := models.FindingOpportunity
	score := fc.Confidence() * sim
	if delta < 0 {
		kind = models.FindingRisk
		score = fc.Confidence() * math.Min(1, math.Abs(delta)/math.Max(mu, 1e-9))
	}
	return models.Finding{
		Kind:      kind,
		Channel:   ch,
		Magnitude: delta,
		Score:     models.ClampConfidence(score),
		Statistic: models.Statistic{
			Method: models.StatTrend,
			Value:  fc.Expected,
			Lower:  fc.LowerBound,
			Upper:  fc.UpperBound,
		},
		Observed:    mu,
		Description: fmt.Sprintf("%s ROAS forecast %.2f vs %.2f average (%s)", ch, fc.Expected, mu, fc.Method),
	}
}

// verify recomputes a finding from the series it claims to describe.
// Anything that no longer holds is dropped, never caveated.
func (a *Agent) verify(f models.Finding, series []models.Bucket, fc models.Forecast) bool {
	values := models.Values(series)
	if len(values) == 0 || math.IsNaN(f.Magnitude) || math.IsInf(f.Magnitude, 0) {
		return false
	}
	switch f.Statistic.Method {
	case models.StatIQR:
		lower, upper, _ := fences(values)
		for _, b := range series {
			if !b.Start.Equal(f.BucketStart) {
				continue
			}
			if !closeTo(b.Value, f.Observed) {
				return false
			}
			switch {
			case b.Value > upper:
				return closeTo(f.Magnitude, b.Value-upper)
			case b.Value < lower:
				return closeTo(f.Magnitude, lower-b.Value)
			}
			return false
		}
		return false
	case models.StatZScore:
		z, ok := latestZ(values, a.opts.SmoothingAlpha)
		return ok && closeTo(z, f.Statistic.Z) && closeTo(values[len(values)-1], f.Observed)
	case models.StatTrend:
		mu := mean(values)
		if !closeTo(mu, f.Observed) || !closeTo(fc.Expected, f.Statistic.Value) {
			return false
		}
		// A forecast far outside anything the series has shown is not a
		// finding about this series.
		lo, hi := values[0], values[0]
		for _, v := range values {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		span := math.Max(hi-lo, math.Abs(mu))
		return fc.Expected >= lo-3*span && fc.Expected <= hi+3*span
	}
	return false
}

func (a *Agent) narrate(ctx context.Context, tenant models.TenantContext, out *models.ResearchOutcome) {
	summary := heuristicSummary(out.Payload)
	if a.gen == nil {
		out.Payload.Summary = summary
		out.Degraded = true
		out.Confidence *= 0.8
		out.Notes = append(out.Notes, "narrative: "+models.ErrInferenceUnavailable.Error())
		return
	}
	cand, err := a.gen.Generate(ctx, narrativePrompt(tenant, out.Payload))
	if err != nil || strings.TrimSpace(cand.Text) == "" {
		if err == nil {
			err = models.ErrInferenceUnavailable
		}
		log.Warn().Err(err).Str("tenant", tenant.Key()).Msg("⚠️ Research narrative unavailable, using heuristic summary")
		out.Payload.Summary = summary
		out.Degraded = true
		out.Confidence *= 0.8
		out.Notes = append(out.Notes, fmt.Sprintf("narrative: %v", err))
		return
	}
	out.Payload.Summary = strings.TrimSpace(cand.Text)
}

func narrativePrompt(tenant models.TenantContext, r models.ResearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize these marketing findings for brand %s in two sentences.\n", tenant.BrandID)
	for i, f := range r.Findings {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Description)
	}
	return b.String()
}

func heuristicSummary(r models.ResearchResult) string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("No significant movement across %d channel(s).", len(r.Channels))
	}
	top := r.Findings[0]
	return fmt.Sprintf("%d finding(s) across %d channel(s); top %s: %s.", len(r.Findings), len(r.Channels), top.Kind, top.Description)
}

func insight(ch string, values []float64, fc models.Forecast, hasForecast bool, snap models.LiveSnapshot) models.ChannelInsight {
	mu := mean(values)
	if c, ok := snap.Channel(ch); ok && len(values) == 0 {
		mu = c.ROAS()
	}
	vol := stddev(values)
	if len(values) < 2 {
		vol = 0.25 * mu
	}
	in := models.ChannelInsight{
		Channel:      ch,
		MeanROAS:     mu,
		Volatility:   vol,
		ForecastROAS: mu,
		ForecastLow:  math.Max(0, mu-2*vol),
		ForecastHigh: mu + 2*vol,
		Method:       "series_mean",
		Points:       len(values),
	}
	if len(values) > 0 {
		in.CurrentROAS = values[len(values)-1]
	}
	if c, ok := snap.Channel(ch); ok && c.Spend > 0 {
		in.CurrentROAS = c.ROAS()
	}
	if hasForecast {
		in.ForecastROAS = fc.Expected
		in.ForecastLow = fc.LowerBound
		in.ForecastHigh = fc.UpperBound
		in.Method = string(fc.Method)
		in.Confidence = fc.Confidence()
	}
	return in
}

func correlations(channels []string, series map[string][]models.Bucket) map[string]float64 {
	out := make(map[string]float64)
	for i := 0; i < len(channels); i++ {
		for j := i + 1; j < len(channels); j++ {
			if r, ok := pearson(series[channels[i]], series[channels[j]]); ok {
				out[models.CorrelationKey(channels[i], channels[j])] = r
			}
		}
	}
	return out
}

func rank(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Score != findings[j].Score {
			return findings[i].Score > findings[j].Score
		}
		if findings[i].Channel != findings[j].Channel {
			return findings[i].Channel < findings[j].Channel
		}
		return findings[i].Kind < findings[j].Kind
	})
}

func hasData(series map[string][]models.Bucket) bool {
	for _, s := range series {
		if len(s) > 0 {
			return true
		}
	}
	return false
}

// sortedChannels lists channels with series plus snapshot channels, sorted.
func sortedChannels(in contracts.ResearchInput) []string {
	seen := make(map[string]struct{})
	for ch := range in.Series {
		seen[ch] = struct{}{}
	}
	for _, c := range in.Snapshot.Channels {
		seen[c.Channel] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
