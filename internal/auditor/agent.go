// Package auditor implements the Auditor agent. Audits run in three layers:
// hard policy (blocklist, brand safety, PII), brand voice, and structural
// re-validation of platform limits. Only a clean PASS releases the publish
// lock.
package auditor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/guardrails"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

const (
	hardFailConfidence = 95
	ruleConfidence     = 70
)

type Options struct {
	// VoiceThreshold is the minimum judge score for brand voice.
	VoiceThreshold float64
}

// Agent is the Auditor.
type Agent struct {
	gen   contracts.Generator
	guard *guardrails.Engine
	opts  Options
}

func New(gen contracts.Generator, guard *guardrails.Engine, opts Options) *Agent {
	if opts.VoiceThreshold <= 0 {
		opts.VoiceThreshold = 60
	}
	return &Agent{gen: gen, guard: guard, opts: opts}
}

var _ contracts.Auditor = (*Agent)(nil)

func (a *Agent) Audit(ctx context.Context, tenant models.TenantContext, creative models.CreativeResult) models.AuditOutcome {
	if len(creative.Variants) == 0 {
		return models.AuditOutcome{Payload: models.AuditResult{
			Verdict:     models.VerdictNeedsRewrite,
			PublishLock: true,
			Reasoning:   []string{"no variants to audit"},
		}}
	}

	// Layer 1: hard policy. Any hit fails the whole creative immediately.
	var res models.AuditResult
	for _, v := range creative.Variants {
		eval := a.guard.Policy(v.Text())
		for _, f := range eval.Failures() {
			res.ViolatedRules = appendUnique(res.ViolatedRules, f.Rule)
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("policy: %s variant %s", v.Platform, f.Message))
		}
	}
	if len(res.ViolatedRules) > 0 {
		res.Verdict = models.VerdictFail
		res.PublishLock = true
		log.Info().Str("tenant", tenant.Key()).Strs("rules", res.ViolatedRules).Msg("🚫 Creative failed hard policy")
		return models.AuditOutcome{Payload: res, Confidence: hardFailConfidence}
	}
	res.Reasoning = append(res.Reasoning, fmt.Sprintf("policy: %d variant(s) clear of blocklist, brand-safety and PII rules", len(creative.Variants)))

	out := models.AuditOutcome{}

	// Layer 2: brand voice, judged by the generator or by rules.
	confidence, degraded, note := a.voice(ctx, tenant, creative, &res)
	out.Degraded = degraded
	if note != "" {
		out.Notes = append(out.Notes, note)
	}

	// Layer 3: structural limits.
	for _, v := range creative.Variants {
		for _, f := range a.guard.Limits(v).Failures() {
			res.ViolatedRules = appendUnique(res.ViolatedRules, f.Rule)
			res.RewriteHints = append(res.RewriteHints, models.RewriteHint{
				VariantID: v.ID,
				Rule:      f.Rule,
				Message:   f.Message,
				Shorten:   f.Hint == "shorten",
			})
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("structure: %s %s", v.Platform, f.Message))
		}
	}

	if len(res.RewriteHints) > 0 {
		res.Verdict = models.VerdictNeedsRewrite
		res.PublishLock = true
	} else {
		res.Verdict = models.VerdictPass
		res.PublishLock = false
		res.Reasoning = append(res.Reasoning, "structure: all variants within platform limits")
	}
	out.Payload = res
	out.Confidence = models.ClampConfidence(confidence)
	return out
}

// voice runs layer 2 and returns the audit confidence. When the judge is
// unavailable for any variant the expr-lang rules decide for all of them.
func (a *Agent) voice(ctx context.Context, tenant models.TenantContext, creative models.CreativeResult, res *models.AuditResult) (float64, bool, string) {
	if a.gen != nil {
		scores := make([]float64, 0, len(creative.Variants))
		var failure error
		for _, v := range creative.Variants {
			cand, err := a.gen.Generate(ctx, judgePrompt(tenant, v))
			if err == nil && !cand.Scored {
				err = fmt.Errorf("judge returned no score")
			}
			if err != nil {
				failure = err
				break
			}
			scores = append(scores, cand.Score)
		}
		if failure == nil {
			var sum float64
			for i, v := range creative.Variants {
				sum += scores[i]
				if scores[i] < a.opts.VoiceThreshold {
					res.ViolatedRules = appendUnique(res.ViolatedRules, "brand_voice_judge")
					res.RewriteHints = append(res.RewriteHints, models.RewriteHint{
						VariantID: v.ID,
						Rule:      "brand_voice_judge",
						Message:   fmt.Sprintf("brand voice score %.0f below %.0f", scores[i], a.opts.VoiceThreshold),
						Calmer:    true,
					})
					res.Reasoning = append(res.Reasoning, fmt.Sprintf("voice: %s scored %.0f, below %.0f", v.Platform, scores[i], a.opts.VoiceThreshold))
				} else {
					res.Reasoning = append(res.Reasoning, fmt.Sprintf("voice: %s scored %.0f", v.Platform, scores[i]))
				}
			}
			return sum / float64(len(scores)), false, ""
		}
		log.Warn().Err(failure).Str("tenant", tenant.Key()).Msg("⚠️ Brand voice judge unavailable, applying rules")
		return a.voiceRules(creative, res), true, fmt.Sprintf("voice judge: %v", failure)
	}
	return a.voiceRules(creative, res), true, "voice judge: " + models.ErrInferenceUnavailable.Error()
}

func (a *Agent) voiceRules(creative models.CreativeResult, res *models.AuditResult) float64 {
	clean := true
	for _, v := range creative.Variants {
		for _, f := range a.guard.BrandVoice(v.Text()).Failures() {
			clean = false
			res.ViolatedRules = appendUnique(res.ViolatedRules, f.Rule)
			res.RewriteHints = append(res.RewriteHints, models.RewriteHint{
				VariantID: v.ID,
				Rule:      f.Rule,
				Message:   f.Message,
				Calmer:    f.Hint == "calmer",
				Shorten:   f.Hint == "shorten",
			})
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("voice rule %s: %s %s", f.Rule, v.Platform, f.Message))
		}
	}
	if clean {
		res.Reasoning = append(res.Reasoning, "voice: brand voice rules satisfied")
	}
	return ruleConfidence
}

func judgePrompt(tenant models.TenantContext, v models.CreativeVariant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate how well this %s ad fits the calm, confident voice of brand %s.\n", v.Platform, tenant.BrandID)
	fmt.Fprintf(&b, "Headline: %s\nBody: %s\n", v.Headline, v.Body)
	b.WriteString("Reply with a single line: SCORE: <0-100>\n")
	return b.String()
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
