// Package guardrails evaluates creative copy against the brand policy.
//
// Rule kinds:
//   - blocklist: platform-policy terms (hard)
//   - brand_safety: terms the brand never appears next to (hard)
//   - pii_detection: regex PII patterns (hard)
//   - max_length: headline/body character limits per platform
//   - asset_count: asset limit per platform
//   - generator_leak: model instructions echoed into copy
//   - brand_voice: expr-lang expressions over text features
//
// Hard results must block publication outright; the rest ask for a rewrite.
package guardrails

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

type Kind string

const (
	KindBlocklist     Kind = "blocklist"
	KindBrandSafety   Kind = "brand_safety"
	KindPII           Kind = "pii_detection"
	KindMaxLength     Kind = "max_length"
	KindAssetCount    Kind = "asset_count"
	KindGeneratorLeak Kind = "generator_leak"
	KindBrandVoice    Kind = "brand_voice"
)

// Result is the outcome of one rule against one piece of copy.
type Result struct {
	Passed  bool   `json:"passed"`
	Kind    Kind   `json:"kind"`
	Rule    string `json:"rule"`
	Hard    bool   `json:"hard"`
	Message string `json:"message,omitempty"`
	// Terms holds the offending phrases, when the rule is term-based.
	Terms []string `json:"terms,omitempty"`
	// Hint is "shorten", "calmer" or empty.
	Hint string `json:"hint,omitempty"`
}

// Evaluation aggregates every rule that ran.
type Evaluation struct {
	Passed  bool     `json:"passed"`
	Hard    bool     `json:"hard"`
	Results []Result `json:"results"`
}

// Failures returns the results that did not pass.
func (e Evaluation) Failures() []Result {
	var out []Result
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func (e *Evaluation) add(r Result) {
	e.Results = append(e.Results, r)
	if !r.Passed {
		e.Passed = false
		e.Hard = e.Hard || r.Hard
	}
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

type voiceRule struct {
	rule    config.VoiceRule
	program *vm.Program
}

// Engine holds the compiled policy. It is immutable and safe for concurrent
// use.
type Engine struct {
	blocklist   []term
	brandSafety []term
	pii         []namedPattern
	voice       []voiceRule
}

// NewEngine compiles every regular expression and brand-voice expression in
// the policy up front so evaluation never fails at run time.
func NewEngine(p *config.Policy) (*Engine, error) {
	e := &Engine{
		blocklist:   compileTerms(p.Blocklist),
		brandSafety: compileTerms(p.BrandSafety),
	}
	for _, np := range p.PII {
		re, err := regexp.Compile(np.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %s: %w", np.Name, err)
		}
		e.pii = append(e.pii, namedPattern{name: np.Name, re: re})
	}
	env := Features("").env()
	for _, r := range p.BrandVoice {
		program, err := expr.Compile(r.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("brand voice rule %s: %w", r.Name, err)
		}
		e.voice = append(e.voice, voiceRule{rule: r, program: program})
	}
	return e, nil
}

// Policy runs the hard rules: blocklist, brand safety and PII.
func (e *Engine) Policy(text string) Evaluation {
	eval := Evaluation{Passed: true}
	lower := strings.ToLower(text)

	if hits := contains(lower, e.blocklist); len(hits) > 0 {
		eval.add(Result{Kind: KindBlocklist, Rule: "platform_blocklist", Hard: true, Terms: hits,
			Message: "prohibited phrase: " + strings.Join(hits, ", ")})
	} else {
		eval.add(Result{Passed: true, Kind: KindBlocklist, Rule: "platform_blocklist"})
	}

	if hits := contains(lower, e.brandSafety); len(hits) > 0 {
		eval.add(Result{Kind: KindBrandSafety, Rule: "brand_safety", Hard: true, Terms: hits,
			Message: "brand-unsafe phrase: " + strings.Join(hits, ", ")})
	} else {
		eval.add(Result{Passed: true, Kind: KindBrandSafety, Rule: "brand_safety"})
	}

	for _, p := range e.pii {
		if m := p.re.FindString(text); m != "" {
			eval.add(Result{Kind: KindPII, Rule: "pii_" + p.name, Hard: true, Terms: []string{m},
				Message: "PII detected: " + p.name + " pattern matched"})
			continue
		}
		eval.add(Result{Passed: true, Kind: KindPII, Rule: "pii_" + p.name})
	}
	return eval
}

// Limits re-validates a variant against its platform constraint.
func (e *Engine) Limits(v models.CreativeVariant) Evaluation {
	eval := Evaluation{Passed: true}
	c := v.Constraint

	if n := utf8.RuneCountInString(v.Headline); c.MaxHeadlineChars > 0 && n > c.MaxHeadlineChars {
		eval.add(Result{Kind: KindMaxLength, Rule: "headline_length", Hint: "shorten",
			Message: fmt.Sprintf("headline is %d chars, %s allows %d", n, c.Platform, c.MaxHeadlineChars)})
	} else {
		eval.add(Result{Passed: true, Kind: KindMaxLength, Rule: "headline_length"})
	}
	if n := utf8.RuneCountInString(v.Body); c.MaxBodyChars > 0 && n > c.MaxBodyChars {
		eval.add(Result{Kind: KindMaxLength, Rule: "body_length", Hint: "shorten",
			Message: fmt.Sprintf("body is %d chars, %s allows %d", n, c.Platform, c.MaxBodyChars)})
	} else {
		eval.add(Result{Passed: true, Kind: KindMaxLength, Rule: "body_length"})
	}
	if len(v.Assets) > c.MaxAssets {
		eval.add(Result{Kind: KindAssetCount, Rule: "asset_count",
			Message: fmt.Sprintf("%d assets, %s allows %d", len(v.Assets), c.Platform, c.MaxAssets)})
	} else {
		eval.add(Result{Passed: true, Kind: KindAssetCount, Rule: "asset_count"})
	}
	if strings.TrimSpace(v.Headline) == "" && strings.TrimSpace(v.Body) == "" {
		eval.add(Result{Kind: KindMaxLength, Rule: "empty_copy", Message: "variant has no copy"})
	}
	for _, re := range leakPatterns {
		if re.MatchString(v.Text()) {
			eval.add(Result{Kind: KindGeneratorLeak, Rule: "generator_leak",
				Message: "copy contains model instructions"})
			break
		}
	}
	return eval
}

// BrandVoice evaluates the expr-lang rules. A rule expression that is true
// is a violation.
func (e *Engine) BrandVoice(text string) Evaluation {
	eval := Evaluation{Passed: true}
	env := Features(text).env()
	for _, r := range e.voice {
		out, err := expr.Run(r.program, env)
		violated, _ := out.(bool)
		if err != nil {
			// Compiled against the same env, so this is a policy bug; skip
			// the rule rather than block the copy on it.
			eval.add(Result{Passed: true, Kind: KindBrandVoice, Rule: r.rule.Name, Message: err.Error()})
			continue
		}
		if violated {
			eval.add(Result{Kind: KindBrandVoice, Rule: r.rule.Name, Hint: r.rule.Hint, Message: r.rule.Message})
			continue
		}
		eval.add(Result{Passed: true, Kind: KindBrandVoice, Rule: r.rule.Name})
	}
	return eval
}

// ── Features ────────────────────────────────────────────────

// TextFeatures are the variables brand-voice rules can reference.
type TextFeatures struct {
	Exclamations int
	Letters      int
	UpperRatio   float64
	Superlatives int
	WordCount    int
	Chars        int
}

var superlatives = map[string]struct{}{
	"best": {}, "greatest": {}, "ultimate": {}, "amazing": {}, "incredible": {},
	"unbeatable": {}, "perfect": {}, "revolutionary": {}, "#1": {}, "insane": {},
}

// Features extracts rule variables from text.
func Features(text string) TextFeatures {
	f := TextFeatures{
		Exclamations: strings.Count(text, "!"),
		Chars:        utf8.RuneCountInString(text),
	}
	var upper int
	for _, r := range text {
		if unicode.IsLetter(r) {
			f.Letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if f.Letters > 0 {
		f.UpperRatio = float64(upper) / float64(f.Letters)
	}
	words := strings.Fields(text)
	f.WordCount = len(words)
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:\"'()"))
		if _, ok := superlatives[w]; ok {
			f.Superlatives++
		}
	}
	return f
}

func (f TextFeatures) env() map[string]any {
	return map[string]any{
		"exclamations": f.Exclamations,
		"letters":      f.Letters,
		"upper_ratio":  f.UpperRatio,
		"superlatives": f.Superlatives,
		"word_count":   f.WordCount,
		"chars":        f.Chars,
	}
}

// ── Helpers ─────────────────────────────────────────────────

var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(HEADLINE|BODY)\s*:`),
	regexp.MustCompile(`(?i)as an ai( language model)?`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
}

// term is a policy phrase matched on word boundaries, so "cure" never
// fires inside "secure".
type term struct {
	text string
	re   *regexp.Regexp
}

func compileTerms(in []string) []term {
	out := make([]term, 0, len(in))
	for _, t := range lowerAll(in) {
		re := regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(t) + `(?:$|[^\p{L}\p{N}_])`)
		out = append(out, term{text: t, re: re})
	}
	return out
}

func contains(lower string, terms []term) []string {
	var hits []string
	for _, t := range terms {
		if t.re.MatchString(lower) {
			hits = append(hits, t.text)
		}
	}
	sort.Strings(hits)
	return hits
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
