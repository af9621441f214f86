package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Policy is the brand and platform rule set shared by the Creative and
// Auditor agents.
type Policy struct {
	Platforms []models.PlatformConstraint `yaml:"platforms"`

	// Blocklist holds platform-policy terms; BrandSafety holds terms the
	// brand never wants associated with it. Both are hard failures.
	Blocklist   []string `yaml:"blocklist"`
	BrandSafety []string `yaml:"brand_safety"`

	// PII patterns are regular expressions. A match is a hard failure.
	PII []NamedPattern `yaml:"pii"`

	// BrandVoice rules are expr-lang boolean expressions over text features.
	// A rule that evaluates true is a violation.
	BrandVoice []VoiceRule `yaml:"brand_voice"`

	Templates TemplateSet `yaml:"templates"`
}

type NamedPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type VoiceRule struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Message string `yaml:"message"`
	// Hint is one of "calmer", "shorten", or empty.
	Hint string `yaml:"hint"`
}

// TemplateSet drives the deterministic creative fallback. Placeholders:
// {channel}, {brand}, {roas}, {finding}.
type TemplateSet struct {
	Headlines []string `yaml:"headlines"`
	Bodies    []string `yaml:"bodies"`
	Calm      []string `yaml:"calm_bodies"`
}

// DefaultPolicy returns the policy compiled into the binary.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded policy: %v", err))
	}
	return p
}

// LoadPolicy reads a YAML policy from path, or the default policy when path
// is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for i, pc := range p.Platforms {
		if strings.TrimSpace(pc.Platform) == "" {
			return nil, fmt.Errorf("policy platform %d: name is required", i)
		}
		if pc.MaxHeadlineChars <= 0 || pc.MaxBodyChars <= 0 {
			return nil, fmt.Errorf("policy platform %s: character limits must be positive", pc.Platform)
		}
	}
	for _, r := range p.BrandVoice {
		if r.Name == "" || r.When == "" {
			return nil, fmt.Errorf("policy brand_voice rule needs name and when")
		}
	}
	return &p, nil
}

// Platform returns the constraint configured for name.
func (p *Policy) Platform(name string) (models.PlatformConstraint, bool) {
	for _, pc := range p.Platforms {
		if strings.EqualFold(pc.Platform, name) {
			return pc, true
		}
	}
	return models.PlatformConstraint{}, false
}
