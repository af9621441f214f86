// Package strategy implements the Strategist agent: Monte Carlo ROAS
// simulation, synergy-aware budget reallocation and the circuit breaker.
package strategy

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Options tune the Strategist. Zero fields take the defaults.
type Options struct {
	Trials        int
	SynergyWeight float64
}

func DefaultOptions() Options {
	return Options{Trials: 2000, SynergyWeight: 0.1}
}

// Agent is the Strategist.
type Agent struct {
	gen  contracts.Generator
	opts Options
}

func New(gen contracts.Generator, opts Options) *Agent {
	def := DefaultOptions()
	if opts.Trials <= 0 {
		opts.Trials = def.Trials
	}
	if opts.SynergyWeight < 0 {
		opts.SynergyWeight = 0
	} else if opts.SynergyWeight == 0 {
		opts.SynergyWeight = def.SynergyWeight
	}
	return &Agent{gen: gen, opts: opts}
}

var _ contracts.Strategist = (*Agent)(nil)

// Seed derives a stable Monte Carlo seed from a task id.
func Seed(taskID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(taskID))
	return h.Sum64()
}

type channelSim struct {
	name    string
	current float64
	samples []float64 // sorted after simulation
	mean    float64
	synergy float64
}

// Propose never fails. Clamping is an annotation, not a degradation; only a
// failed rationale call or an interrupted simulation degrades the result.
func (a *Agent) Propose(ctx context.Context, tenant models.TenantContext, research models.ResearchResult,
	snapshot models.LiveSnapshot, opts contracts.StrategyOptions) models.AllocationOutcome {

	capPct := opts.Cap
	if capPct <= 0 || capPct > DefaultCap {
		capPct = DefaultCap
	}

	sims := make([]*channelSim, 0, len(snapshot.Channels))
	for _, c := range snapshot.Channels {
		sims = append(sims, &channelSim{name: c.Channel, current: c.Spend})
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].name < sims[j].name })

	out := models.AllocationOutcome{Payload: models.BudgetAllocation{Trials: a.opts.Trials}}
	total := snapshot.TotalSpend()
	if len(sims) == 0 || total <= 0 {
		out.Payload.Annotations = append(out.Payload.Annotations, "no live spend to reallocate")
		out.Confidence = models.ClampConfidence(0.5 * opts.ResearchConfidence)
		a.rationale(ctx, tenant, &out)
		return out
	}

	if err := a.simulate(ctx, sims, research, snapshot, opts.Seed); err != nil {
		out.Degraded = true
		out.Notes = append(out.Notes, fmt.Sprintf("simulation interrupted: %v", err))
		out.Confidence = 0
		return out
	}

	// Synergy with the other channels, weighted by their current share.
	for _, s := range sims {
		boost := 0.0
		for _, o := range sims {
			if o == s {
				continue
			}
			r := research.Correlations[models.CorrelationKey(s.name, o.name)]
			boost += a.opts.SynergyWeight * math.Max(0, r) * o.current / total
		}
		s.synergy = 1 + boost
	}

	// Budget-neutral optimum: share ∝ effective ROAS².
	var weight float64
	for _, s := range sims {
		eff := s.mean * s.synergy
		weight += eff * eff
	}
	channels := make([]models.ChannelAllocation, len(sims))
	for i, s := range sims {
		proposed := s.current
		if weight > 0 {
			eff := s.mean * s.synergy
			proposed = total * eff * eff / weight
		}
		channels[i] = models.ChannelAllocation{
			Channel:       s.name,
			CurrentSpend:  s.current,
			ProposedSpend: proposed,
			Scenarios: models.ScenarioSet{
				Pessimistic: percentile(s.samples, 0.10) * s.synergy,
				Expected:    s.mean * s.synergy,
				Optimistic:  percentile(s.samples, 0.90) * s.synergy,
			},
		}
	}

	notes := ApplyBreaker(channels, capPct, opts.Committed)
	out.Payload.Channels = channels
	out.Payload.Annotations = notes
	for _, ch := range channels {
		out.Payload.Clamped = out.Payload.Clamped || ch.Clamped
	}
	out.Payload.Portfolio = portfolio(sims, channels, a.opts.Trials)

	out.Confidence = models.ClampConfidence(0.5*opts.ResearchConfidence + 0.5*stability(sims, total))
	a.rationale(ctx, tenant, &out)
	return out
}

// simulate samples each channel's ROAS in parallel. Every channel has its own
// generator seeded from the task seed and the channel name, so results do not
// depend on scheduling.
func (a *Agent) simulate(ctx context.Context, sims []*channelSim, research models.ResearchResult,
	snapshot models.LiveSnapshot, seed uint64) error {

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sims {
		mu, sigma := expectation(s.name, research, snapshot)
		g.Go(func() error {
			h := fnv.New64a()
			h.Write([]byte(s.name))
			rng := rand.New(rand.NewPCG(seed, h.Sum64()))

			samples := make([]float64, a.opts.Trials)
			var sum float64
			for i := range samples {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				v := math.Max(0, mu+sigma*rng.NormFloat64())
				samples[i] = v
				sum += v
			}
			sort.Float64s(samples)
			s.samples = samples
			s.mean = sum / float64(len(samples))
			return nil
		})
	}
	return g.Wait()
}

// expectation returns the forecast ROAS and volatility for a channel, falling
// back to the snapshot when research has nothing on it.
func expectation(channel string, research models.ResearchResult, snapshot models.LiveSnapshot) (mu, sigma float64) {
	if in, ok := research.Insight(channel); ok {
		mu, sigma = in.ForecastROAS, in.Volatility
	} else if c, ok := snapshot.Channel(channel); ok {
		mu = c.ROAS()
		sigma = 0.25 * mu
	}
	if mu < 0 || math.IsNaN(mu) {
		mu = 0
	}
	if sigma < 0 || math.IsNaN(sigma) {
		sigma = 0
	}
	return mu, sigma
}

func portfolio(sims []*channelSim, channels []models.ChannelAllocation, trials int) models.ScenarioSet {
	var spend float64
	for _, ch := range channels {
		spend += ch.ProposedSpend
	}
	if spend <= 0 {
		return models.ScenarioSet{}
	}
	// Samples are sorted per channel, so trial i pairs equal quantiles. That
	// is the comonotone bound and keeps the portfolio range conservative.
	series := make([]float64, trials)
	for i := range series {
		var roas float64
		for k, s := range sims {
			roas += channels[k].ProposedSpend * s.samples[i] * s.synergy
		}
		series[i] = roas / spend
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return models.ScenarioSet{
		Pessimistic: percentile(series, 0.10),
		Expected:    sum / float64(trials),
		Optimistic:  percentile(series, 0.90),
	}
}

// stability is the spend-weighted narrowness of the P10–P90 band, 0–100.
func stability(sims []*channelSim, total float64) float64 {
	var acc float64
	for _, s := range sims {
		score := 0.0
		if s.mean > 1e-9 {
			spread := percentile(s.samples, 0.90) - percentile(s.samples, 0.10)
			score = 100 * (1 - math.Min(1, spread/(2*s.mean)))
		}
		acc += score * s.current / total
	}
	return acc
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

func (a *Agent) rationale(ctx context.Context, tenant models.TenantContext, out *models.AllocationOutcome) {
	fallback := templatedRationale(out.Payload)
	if a.gen == nil {
		out.Payload.Rationale = fallback
		out.Degraded = true
		out.Notes = append(out.Notes, "rationale: "+models.ErrInferenceUnavailable.Error())
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Explain this budget reallocation for brand %s in two sentences.\n", tenant.BrandID)
	for _, ch := range out.Payload.Channels {
		fmt.Fprintf(&b, "- %s: %.2f → %.2f (expected ROAS %.2f)\n", ch.Channel, ch.CurrentSpend, ch.ProposedSpend, ch.Scenarios.Expected)
	}
	cand, err := a.gen.Generate(ctx, b.String())
	if err != nil || strings.TrimSpace(cand.Text) == "" {
		if err == nil {
			err = models.ErrInferenceUnavailable
		}
		log.Warn().Err(err).Str("tenant", tenant.Key()).Msg("⚠️ Strategy rationale unavailable, using template")
		out.Payload.Rationale = fallback
		out.Degraded = true
		out.Notes = append(out.Notes, fmt.Sprintf("rationale: %v", err))
		return
	}
	out.Payload.Rationale = strings.TrimSpace(cand.Text)
}

func templatedRationale(b models.BudgetAllocation) string {
	var moves []string
	for _, ch := range b.Channels {
		if math.Abs(ch.Delta) < 0.005 {
			continue
		}
		moves = append(moves, fmt.Sprintf("%s %+.2f", ch.Channel, ch.Delta))
	}
	if len(moves) == 0 {
		return "Hold current allocation."
	}
	s := fmt.Sprintf("Shift budget toward higher expected ROAS: %s; portfolio ROAS %.2f (P10 %.2f, P90 %.2f).",
		strings.Join(moves, ", "), b.Portfolio.Expected, b.Portfolio.Pessimistic, b.Portfolio.Optimistic)
	if b.Clamped {
		s += " Some moves were limited by the circuit breaker."
	}
	return s
}
