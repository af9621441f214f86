package auditor

import (
	"context"
	"testing"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/guardrails"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

type judge struct {
	score    float64
	unscored bool
	err      error
}

func (j judge) Generate(ctx context.Context, prompt string) (contracts.Candidate, error) {
	if j.err != nil {
		return contracts.Candidate{}, j.err
	}
	return contracts.Candidate{Score: j.score, Scored: !j.unscored}, nil
}

var tenant = models.TenantContext{OrganizationID: "acme", BrandID: "Stride"}

func newTestAgent(t *testing.T, gen contracts.Generator) *Agent {
	t.Helper()
	guard, err := guardrails.NewEngine(config.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	return New(gen, guard, Options{VoiceThreshold: 60})
}

func creative(headline, body string) models.CreativeResult {
	return models.CreativeResult{Round: 1, Variants: []models.CreativeVariant{{
		ID:         "v1",
		Platform:   "meta_feed",
		Headline:   headline,
		Body:       body,
		Constraint: models.PlatformConstraint{Platform: "meta_feed", MaxHeadlineChars: 40, MaxBodyChars: 125, MaxAssets: 1},
	}}}
}

func TestAudit_Pass(t *testing.T) {
	out := newTestAgent(t, judge{score: 88}).Audit(context.Background(), tenant, creative("Walk further", "Shoes built for long days."))
	if out.Payload.Verdict != models.VerdictPass || out.Payload.PublishLock {
		t.Fatalf("audit = %+v, want PASS without lock", out.Payload)
	}
	if out.Confidence != 88 || out.Degraded {
		t.Errorf("Confidence = %v Degraded = %v", out.Confidence, out.Degraded)
	}
	if len(out.Payload.Reasoning) == 0 {
		t.Error("PASS must carry reasoning")
	}
}

func TestAudit_HardFailLocks(t *testing.T) {
	tests := []struct {
		name, body, rule string
	}{
		{"blocklist", "Guaranteed results in a week.", "platform_blocklist"},
		{"pii", "Questions? mail jo@example.com", "pii_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestAgent(t, judge{score: 99}).Audit(context.Background(), tenant, creative("Walk further", tt.body))
			if out.Payload.Verdict != models.VerdictFail || !out.Payload.PublishLock {
				t.Fatalf("audit = %+v, want FAIL with lock", out.Payload)
			}
			if out.Payload.ViolatedRules[0] != tt.rule {
				t.Errorf("ViolatedRules = %v, want %s", out.Payload.ViolatedRules, tt.rule)
			}
		})
	}
}

func TestAudit_LowJudgeScoreNeedsRewrite(t *testing.T) {
	out := newTestAgent(t, judge{score: 35}).Audit(context.Background(), tenant, creative("Walk further", "Shoes built for long days."))
	if out.Payload.Verdict != models.VerdictNeedsRewrite || !out.Payload.PublishLock {
		t.Fatalf("audit = %+v, want NEEDS_REWRITE with lock", out.Payload)
	}
	if len(out.Payload.RewriteHints) != 1 || !out.Payload.RewriteHints[0].Calmer || out.Payload.RewriteHints[0].VariantID != "v1" {
		t.Errorf("hints = %+v", out.Payload.RewriteHints)
	}
}

func TestAudit_ZeroScoreIsAVerdict(t *testing.T) {
	body := "Shoes built for long days."
	zero := newTestAgent(t, judge{score: 0}).Audit(context.Background(), tenant, creative("Walk further", body))
	if zero.Payload.Verdict != models.VerdictNeedsRewrite || zero.Degraded {
		t.Errorf("SCORE: 0 = %+v degraded %v, want non-degraded NEEDS_REWRITE", zero.Payload, zero.Degraded)
	}

	missing := newTestAgent(t, judge{unscored: true}).Audit(context.Background(), tenant, creative("Walk further", body))
	if missing.Payload.Verdict != models.VerdictPass || !missing.Degraded {
		t.Errorf("no score line = %+v degraded %v, want degraded PASS from the rules", missing.Payload, missing.Degraded)
	}
}

func TestAudit_JudgeUnavailableUsesRules(t *testing.T) {
	a := newTestAgent(t, judge{err: models.ErrInferenceTimeout})

	calm := a.Audit(context.Background(), tenant, creative("Walk further", "Shoes built for long days."))
	if calm.Payload.Verdict != models.VerdictPass || !calm.Degraded {
		t.Errorf("calm copy = %+v degraded %v, want degraded PASS", calm.Payload, calm.Degraded)
	}
	if calm.Confidence < 60 {
		t.Errorf("degraded PASS confidence %v would block approval", calm.Confidence)
	}

	loud := a.Audit(context.Background(), tenant, creative("WALK NOW!!!", "BEST SHOES EVER!"))
	if loud.Payload.Verdict != models.VerdictNeedsRewrite || !loud.Payload.PublishLock {
		t.Errorf("loud copy = %+v, want NEEDS_REWRITE", loud.Payload)
	}
}

func TestAudit_StructuralLimits(t *testing.T) {
	c := creative("A headline that is much too long for this feed slot", "ok")
	out := newTestAgent(t, judge{score: 90}).Audit(context.Background(), tenant, c)
	if out.Payload.Verdict != models.VerdictNeedsRewrite {
		t.Fatalf("Verdict = %s, want NEEDS_REWRITE", out.Payload.Verdict)
	}
	var shorten bool
	for _, h := range out.Payload.RewriteHints {
		shorten = shorten || h.Shorten
	}
	if !shorten {
		t.Errorf("hints = %+v, want a shorten hint", out.Payload.RewriteHints)
	}
}

func TestAudit_NoVariantsKeepsLock(t *testing.T) {
	out := newTestAgent(t, judge{score: 90}).Audit(context.Background(), tenant, models.CreativeResult{})
	if out.Payload.Verdict == models.VerdictPass || !out.Payload.PublishLock {
		t.Errorf("empty creative = %+v", out.Payload)
	}
}
