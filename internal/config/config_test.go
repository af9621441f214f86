package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Pipeline.ResearchThreshold != 60 {
		t.Errorf("ResearchThreshold = %v, want 60", cfg.Pipeline.ResearchThreshold)
	}
	if cfg.Pipeline.StrategyThreshold != 50 {
		t.Errorf("StrategyThreshold = %v, want 50", cfg.Pipeline.StrategyThreshold)
	}
	if cfg.Pipeline.MonteCarloTrials != 2000 {
		t.Errorf("MonteCarloTrials = %d, want 2000", cfg.Pipeline.MonteCarloTrials)
	}
	if cfg.Inference.Timeout != 3*time.Second {
		t.Errorf("Inference.Timeout = %v, want 3s", cfg.Inference.Timeout)
	}
	if cfg.Pipeline.VarianceCap != 0.35 {
		t.Errorf("VarianceCap = %v, want 0.35", cfg.Pipeline.VarianceCap)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_AUDIT_THRESHOLD", "75.5")
	t.Setenv("INFERENCE_TIMEOUT", "750ms")
	t.Setenv("PIPELINE_MAX_ROUNDS", "not-a-number")

	cfg := Load()
	if cfg.Pipeline.AuditThreshold != 75.5 {
		t.Errorf("AuditThreshold = %v, want 75.5", cfg.Pipeline.AuditThreshold)
	}
	if cfg.Inference.Timeout != 750*time.Millisecond {
		t.Errorf("Inference.Timeout = %v, want 750ms", cfg.Inference.Timeout)
	}
	if cfg.Pipeline.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d, want fallback 3", cfg.Pipeline.MaxRounds)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if len(p.Platforms) == 0 {
		t.Fatal("default policy has no platforms")
	}
	if _, ok := p.Platform("GOOGLE_SEARCH"); !ok {
		t.Error("Platform lookup should be case-insensitive")
	}
	if len(p.BrandVoice) == 0 || len(p.PII) == 0 || len(p.Blocklist) == 0 {
		t.Error("default policy should carry brand voice, PII and blocklist rules")
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "platforms:\n  - platform: x\n    max_headline_chars: 10\n    max_body_chars: 20\nblocklist: [foo]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Platforms) != 1 || p.Platforms[0].MaxBodyChars != 20 {
		t.Errorf("Platforms = %+v", p.Platforms)
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	cases := map[string]string{
		"no name":   "platforms:\n  - max_headline_chars: 1\n    max_body_chars: 1\n",
		"no limits": "platforms:\n  - platform: x\n",
		"bad rule":  "brand_voice:\n  - name: r\n",
		"bad yaml":  "platforms: [",
	}
	for name, doc := range cases {
		if _, err := ParsePolicy([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
