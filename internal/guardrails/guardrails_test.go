package guardrails

import (
	"strings"
	"testing"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(config.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestPolicy(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name string
		text string
		rule string
	}{
		{"clean", "Comfortable shoes for every day.", ""},
		{"term inside a word", "Secure checkout on every order", ""},
		{"unsafe term inside a word", "Whatever you run, run faster", ""},
		{"whole word", "The cure for cold mornings", "platform_blocklist"},
		{"term at the end", "Nothing to hate.", "brand_safety"},
		{"blocklist", "Guaranteed results or your money back", "platform_blocklist"},
		{"brand safety", "Not a cheap knockoff", "brand_safety"},
		{"email", "Write to sales@example.com", "pii_email"},
		{"card", "Pay with 4111 1111 1111 1111", "pii_card_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := e.Policy(tt.text)
			if tt.rule == "" {
				if !eval.Passed {
					t.Errorf("Policy(%q) failed: %+v", tt.text, eval.Failures())
				}
				return
			}
			if eval.Passed || !eval.Hard {
				t.Fatalf("Policy(%q) = passed %v hard %v, want hard failure", tt.text, eval.Passed, eval.Hard)
			}
			var found bool
			for _, f := range eval.Failures() {
				found = found || f.Rule == tt.rule
			}
			if !found {
				t.Errorf("failures %+v do not include %s", eval.Failures(), tt.rule)
			}
		})
	}
}

func TestPolicy_ReportsTerms(t *testing.T) {
	e := newTestEngine(t)
	eval := e.Policy("A MIRACLE cure, risk-free!")
	f := eval.Failures()[0]
	if strings.Join(f.Terms, ",") != "cure,miracle,risk-free" {
		t.Errorf("Terms = %v", f.Terms)
	}
}

func TestLimits(t *testing.T) {
	e := newTestEngine(t)
	c := models.PlatformConstraint{Platform: "google_search", MaxHeadlineChars: 10, MaxBodyChars: 20, MaxAssets: 1}

	ok := e.Limits(models.CreativeVariant{Headline: "Run fast", Body: "Shoes that fit.", Constraint: c})
	if !ok.Passed {
		t.Errorf("within limits failed: %+v", ok.Failures())
	}

	bad := e.Limits(models.CreativeVariant{
		Headline:   "A headline far too long",
		Body:       "Shoes that fit.",
		Assets:     []string{"a.png", "b.png"},
		Constraint: c,
	})
	if bad.Passed || bad.Hard {
		t.Fatalf("over limits = passed %v hard %v, want soft failure", bad.Passed, bad.Hard)
	}
	rules := map[string]string{}
	for _, f := range bad.Failures() {
		rules[f.Rule] = f.Hint
	}
	if rules["headline_length"] != "shorten" {
		t.Errorf("headline_length hint = %q, want shorten", rules["headline_length"])
	}
	if _, ok := rules["asset_count"]; !ok {
		t.Error("asset_count not flagged")
	}
}

func TestLimits_GeneratorLeak(t *testing.T) {
	e := newTestEngine(t)
	c := models.PlatformConstraint{Platform: "x", MaxHeadlineChars: 100, MaxBodyChars: 100}
	eval := e.Limits(models.CreativeVariant{Headline: "HEADLINE: shoes", Body: "ok", Constraint: c})
	if eval.Passed {
		t.Error("echoed format markers should fail")
	}
}

func TestBrandVoice(t *testing.T) {
	e := newTestEngine(t)
	if eval := e.BrandVoice("Made for the way you walk."); !eval.Passed {
		t.Errorf("calm copy failed: %+v", eval.Failures())
	}

	eval := e.BrandVoice("BUY NOW!!! THE BEST SHOES EVER!")
	if eval.Passed {
		t.Fatal("shouting copy passed brand voice")
	}
	got := map[string]bool{}
	for _, f := range eval.Failures() {
		got[f.Rule] = true
		if f.Hint != "calmer" {
			t.Errorf("%s hint = %q, want calmer", f.Rule, f.Hint)
		}
	}
	if !got["excessive_exclamations"] || !got["shouting"] {
		t.Errorf("failures = %v", got)
	}
}

func TestNewEngine_RejectsBadRules(t *testing.T) {
	p := &config.Policy{BrandVoice: []config.VoiceRule{{Name: "bad", When: "unknown_var > 1"}}}
	if _, err := NewEngine(p); err == nil {
		t.Error("expected compile error for unknown variable")
	}
	p = &config.Policy{PII: []config.NamedPattern{{Name: "bad", Pattern: "("}}}
	if _, err := NewEngine(p); err == nil {
		t.Error("expected compile error for invalid regex")
	}
}

func TestFeatures(t *testing.T) {
	f := Features("Best shoes! Truly the ULTIMATE fit.")
	if f.Exclamations != 1 || f.Superlatives != 2 || f.WordCount != 6 {
		t.Errorf("Features() = %+v", f)
	}
}
