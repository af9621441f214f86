// Package creative implements the Creative agent. It writes one variant per
// target platform, regenerates variants that break platform limits, and falls
// back to deterministic templates when generation is unavailable.
package creative

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/guardrails"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Confidence assigned to variants whose generator gave no score, and to
// template variants.
const (
	generatedConfidence = 75
	templateConfidence  = 55
)

type Options struct {
	MaxRegenerations int
}

// Agent is the Creative agent.
type Agent struct {
	gen    contracts.Generator
	guard  *guardrails.Engine
	policy *config.Policy
	opts   Options
}

func New(gen contracts.Generator, guard *guardrails.Engine, policy *config.Policy, opts Options) *Agent {
	if opts.MaxRegenerations < 0 {
		opts.MaxRegenerations = 0
	} else if opts.MaxRegenerations == 0 {
		opts.MaxRegenerations = 3
	}
	return &Agent{gen: gen, guard: guard, policy: policy, opts: opts}
}

var _ contracts.CreativeAgent = (*Agent)(nil)

func (a *Agent) Generate(ctx context.Context, tenant models.TenantContext, in contracts.CreativeInput) models.CreativeOutcome {
	platforms := in.Constraints.Platforms
	if len(platforms) == 0 {
		platforms = a.policy.Platforms
	}
	round := in.Round
	if round < 1 {
		round = 1
	}
	brief := newBrief(tenant, in)

	out := models.CreativeOutcome{Payload: models.CreativeResult{Round: round}}
	var confSum float64
	for _, pc := range platforms {
		hints := hintsFor(pc.Platform, in.Hints, in.Previous)
		v, score, ok, degradedNote := a.variant(ctx, brief, pc, hints, round)
		if degradedNote != "" {
			out.Degraded = true
			out.Notes = append(out.Notes, degradedNote)
		}
		if !ok {
			out.Payload.Dropped++
			out.Notes = append(out.Notes, fmt.Sprintf("%s: dropped after %d regenerations", pc.Platform, a.opts.MaxRegenerations))
			continue
		}
		out.Payload.Variants = append(out.Payload.Variants, v)
		confSum += score
	}
	if n := len(out.Payload.Variants); n > 0 {
		out.Confidence = models.ClampConfidence(confSum / float64(n))
	}
	if in.Previous != nil {
		out.Payload.Diff = Diff(*in.Previous, out.Payload)
	}
	return out
}

// variant produces one platform's variant. ok is false when every attempt
// violated the platform limits.
func (a *Agent) variant(ctx context.Context, b brief, pc models.PlatformConstraint, hints []models.RewriteHint, round int) (models.CreativeVariant, float64, bool, string) {
	if a.gen == nil {
		return a.template(b, pc, hints, round), templateConfidence, true,
			pc.Platform + ": " + models.ErrInferenceUnavailable.Error()
	}

	for attempt := 0; attempt <= a.opts.MaxRegenerations; attempt++ {
		cand, err := a.gen.Generate(ctx, prompt(b, pc, hints, attempt))
		if err != nil {
			log.Warn().Err(err).Str("platform", pc.Platform).Msg("⚠️ Creative generation unavailable, using template")
			return a.template(b, pc, hints, round), templateConfidence, true,
				fmt.Sprintf("%s: %v", pc.Platform, err)
		}
		headline, body := parse(cand.Text)
		v := models.CreativeVariant{
			ID:         uuid.New().String(),
			Platform:   pc.Platform,
			Channel:    b.channel,
			Headline:   applyHints(headline, hints),
			Body:       applyHints(body, hints),
			Constraint: pc,
			Source:     models.SourceGenerated,
		}
		if a.guard.Limits(v).Passed {
			score := cand.Score
			if !cand.Scored || score <= 0 {
				score = generatedConfidence
			}
			v.Score = score
			return v, score, true, ""
		}
	}
	return models.CreativeVariant{}, 0, false, ""
}

// template builds a deterministic variant that always fits the platform.
func (a *Agent) template(b brief, pc models.PlatformConstraint, hints []models.RewriteHint, round int) models.CreativeVariant {
	t := a.policy.Templates
	calm, shorten := false, false
	for _, h := range hints {
		calm = calm || h.Calmer
		shorten = shorten || h.Shorten
	}

	headline := pick(t.Headlines, round-1, "{brand}")
	bodies := t.Bodies
	if calm && len(t.Calm) > 0 {
		bodies = t.Calm
	}
	body := pick(bodies, round-1, "Discover {brand}.")

	headline = applyHints(b.fill(headline), hints)
	body = applyHints(b.fill(body), hints)
	if calm {
		headline, body = soften(headline), soften(body)
	}
	maxH, maxB := pc.MaxHeadlineChars, pc.MaxBodyChars
	if shorten {
		maxH, maxB = maxH*3/4, maxB*3/4
	}
	return models.CreativeVariant{
		ID:         uuid.New().String(),
		Platform:   pc.Platform,
		Channel:    b.channel,
		Headline:   truncate(headline, maxH),
		Body:       truncate(body, maxB),
		Constraint: pc,
		Score:      templateConfidence,
		Source:     models.SourceTemplate,
	}
}

// ── Brief ───────────────────────────────────────────────────

type brief struct {
	brand   string
	channel string
	roas    float64
	finding string
}

func newBrief(tenant models.TenantContext, in contracts.CreativeInput) brief {
	b := brief{brand: tenant.BrandID}
	if in.Allocation != nil && len(in.Allocation.Channels) > 0 {
		chans := append([]models.ChannelAllocation(nil), in.Allocation.Channels...)
		sort.SliceStable(chans, func(i, j int) bool { return chans[i].Delta > chans[j].Delta })
		b.channel = chans[0].Channel
		b.roas = chans[0].Scenarios.Expected
	}
	if in.Research != nil {
		for _, f := range in.Research.Findings {
			if f.Kind == models.FindingOpportunity {
				b.finding = f.Description
				if b.channel == "" {
					b.channel = f.Channel
				}
				break
			}
		}
	}
	if b.channel == "" {
		b.channel = "every channel"
	}
	return b
}

func (b brief) fill(s string) string {
	roas := "great"
	if b.roas > 0 {
		roas = fmt.Sprintf("%.1f", b.roas)
	}
	finding := b.finding
	if finding != "" && !strings.HasSuffix(finding, ".") {
		finding += "."
	}
	r := strings.NewReplacer("{brand}", b.brand, "{channel}", b.channel, "{roas}", roas, "{finding}", finding)
	return strings.Join(strings.Fields(r.Replace(s)), " ")
}

func prompt(b brief, pc models.PlatformConstraint, hints []models.RewriteHint, attempt int) string {
	var s strings.Builder
	fmt.Fprintf(&s, "Write ad copy for brand %s on %s, promoting the %s channel.\n", b.brand, pc.Platform, b.channel)
	if b.finding != "" {
		fmt.Fprintf(&s, "Insight: %s\n", b.finding)
	}
	fmt.Fprintf(&s, "Headline at most %d characters, body at most %d characters.\n", pc.MaxHeadlineChars, pc.MaxBodyChars)
	for _, h := range hints {
		fmt.Fprintf(&s, "Fix: %s\n", h.Message)
		if len(h.RemoveTerms) > 0 {
			fmt.Fprintf(&s, "Do not use: %s\n", strings.Join(h.RemoveTerms, ", "))
		}
	}
	if attempt > 0 {
		s.WriteString("The previous attempt was too long. Be shorter.\n")
	}
	s.WriteString("Answer exactly as:\nHEADLINE: <headline>\nBODY: <body>\nSCORE: <0-100 self-assessed quality>\n")
	return s.String()
}

var fieldLine = regexp.MustCompile(`(?im)^\s*(HEADLINE|BODY)\s*:\s*(.*)$`)

// parse reads HEADLINE/BODY lines. Text without markers becomes the body.
func parse(text string) (headline, body string) {
	for _, m := range fieldLine.FindAllStringSubmatch(text, -1) {
		switch strings.ToUpper(m[1]) {
		case "HEADLINE":
			headline = strings.TrimSpace(m[2])
		case "BODY":
			body = strings.TrimSpace(m[2])
		}
	}
	if headline == "" && body == "" {
		body = strings.TrimSpace(text)
	}
	return headline, body
}

// ── Hints ───────────────────────────────────────────────────

// hintsFor selects hints addressed to platform: untargeted hints, and hints
// naming a previous variant on that platform.
func hintsFor(platform string, hints []models.RewriteHint, prev *models.CreativeResult) []models.RewriteHint {
	owner := map[string]string{}
	if prev != nil {
		for _, v := range prev.Variants {
			owner[v.ID] = v.Platform
		}
	}
	var out []models.RewriteHint
	for _, h := range hints {
		if h.VariantID == "" || owner[h.VariantID] == platform {
			out = append(out, h)
		}
	}
	return out
}

func applyHints(s string, hints []models.RewriteHint) string {
	for _, h := range hints {
		for _, term := range h.RemoveTerms {
			if term == "" {
				continue
			}
			re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(term))
			s = re.ReplaceAllString(s, "")
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

// soften drops exclamation marks and lower-cases shouted words.
func soften(s string) string {
	s = strings.ReplaceAll(s, "!", ".")
	s = strings.ReplaceAll(s, "..", ".")
	words := strings.Fields(s)
	for i, w := range words {
		if utf8.RuneCountInString(w) > 1 && strings.ToUpper(w) == w && strings.ToLower(w) != w {
			words[i] = strings.ToLower(w)
		}
	}
	return strings.Join(words, " ")
}

// truncate cuts s to at most max runes, preferring a word boundary.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)[:max]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:-")
}

func pick(list []string, i int, fallback string) string {
	if len(list) == 0 {
		return fallback
	}
	if i < 0 {
		i = 0
	}
	return list[i%len(list)]
}

// Diff renders a unified diff of the copy between two rounds.
func Diff(prev, cur models.CreativeResult) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(render(prev)),
		B:        difflib.SplitLines(render(cur)),
		FromFile: fmt.Sprintf("round-%d", prev.Round),
		ToFile:   fmt.Sprintf("round-%d", cur.Round),
		Context:  1,
	}
	text, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return text
}

func render(r models.CreativeResult) string {
	var b strings.Builder
	for _, v := range r.Variants {
		fmt.Fprintf(&b, "[%s] %s\n[%s] %s\n", v.Platform, v.Headline, v.Platform, v.Body)
	}
	return b.String()
}
