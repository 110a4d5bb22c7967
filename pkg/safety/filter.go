package safety

import (
	"strings"

	"github.com/dotsetgreg/loreweaver/pkg/config"
	"github.com/dotsetgreg/loreweaver/pkg/logger"
	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

const (
	// InjectionReplacement replaces the whole input when an override attempt is found.
	InjectionReplacement = "Je continue mon aventure."
	// StrictInputReplacement stands in for unsafe input under a strict profile.
	StrictInputReplacement = "Je continue mon aventure prudemment."
	// StrictOutputReplacement stands in for unsafe narration under a strict profile.
	StrictOutputReplacement = "L'aventure continue de manière paisible..."
)

// Result is the outcome of one filtering pass. Filtered is always safe to show.
type Result struct {
	IsSafe     bool        `json:"is_safe"`
	Original   string      `json:"original_text"`
	Filtered   string      `json:"filtered_text"`
	Violations []Violation `json:"violations,omitempty"`
	Severity   Severity    `json:"severity"`
}

// Flagged reports whether anything was matched, even if the text stayed safe.
func (r Result) Flagged() bool {
	return len(r.Violations) > 0
}

// Categories lists the distinct categories hit, in first-seen order.
func (r Result) Categories() []Category {
	seen := make(map[Category]bool)
	var out []Category
	for _, v := range r.Violations {
		if !seen[v.Category] {
			seen[v.Category] = true
			out = append(out, v.Category)
		}
	}
	return out
}

// Issues renders violations as "category: match" lines for operators.
func (r Result) Issues() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, string(v.Category)+": "+v.Match)
	}
	return out
}

type Options struct {
	// Profile defaults to DefaultProfile when TargetAge is zero.
	Profile        Profile
	BlacklistWords []string
	Replacements   map[string]string
}

// OptionsFromConfig maps the safety config section onto filter options.
func OptionsFromConfig(cfg config.SafetyConfig) Options {
	return Options{
		Profile:        Profile{TargetAge: cfg.TargetAge, Strict: cfg.StrictMode},
		BlacklistWords: append([]string(nil), cfg.BlacklistWords...),
		Replacements:   cfg.Replacements,
	}
}

// Filter screens player input and generated output. It holds no per-call
// state and may be shared by every session.
type Filter struct {
	rules        *Ruleset
	replacements map[string]string
	strict       bool
}

func New(opts Options) *Filter {
	profile := opts.Profile
	if profile.TargetAge == 0 {
		profile = DefaultProfile()
	}
	replacements := make(map[string]string, len(DefaultReplacements)+len(opts.Replacements))
	for k, v := range DefaultReplacements {
		replacements[k] = v
	}
	for k, v := range opts.Replacements {
		replacements[utils.FoldKey(k)] = v
	}
	return &Filter{
		rules:        NewRuleset(profile, opts.BlacklistWords...),
		replacements: replacements,
		strict:       profile.Strict,
	}
}

// Rules exposes the compiled ruleset for direct scanning.
func (f *Filter) Rules() *Ruleset {
	return f.rules
}

// FilterInput screens player text. Prompt-override attempts short-circuit to
// an Extreme result whose Filtered text is InjectionReplacement. extra adds
// blacklist words for this call only.
func (f *Filter) FilterInput(text string, extra ...string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{IsSafe: true, Original: text, Filtered: text}
	}
	rules := f.rules.WithBlacklist(extra...)
	if v, ok := rules.Injection(text); ok {
		logger.WarnCF("safety", "Prompt injection attempt blocked", map[string]interface{}{
			"excerpt": utils.Truncate(text, 50),
			"pattern": v.Match,
		})
		return Result{
			IsSafe:     false,
			Original:   text,
			Filtered:   InjectionReplacement,
			Violations: []Violation{v},
			Severity:   Extreme,
		}
	}
	return f.filter("input", text, rules, StrictInputReplacement)
}

// FilterOutput screens generated text. It never fails.
func (f *Filter) FilterOutput(text string, extra ...string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{IsSafe: true, Original: text, Filtered: text}
	}
	return f.filter("output", text, f.rules.WithBlacklist(extra...), StrictOutputReplacement)
}

// IsSafe is FilterOutput(text).IsSafe.
func (f *Filter) IsSafe(text string) bool {
	return f.FilterOutput(text).IsSafe
}

// SafeText is FilterOutput(text).Filtered.
func (f *Filter) SafeText(text string) string {
	return f.FilterOutput(text).Filtered
}

func (f *Filter) filter(stage, text string, rules *Ruleset, strictReplacement string) Result {
	normalized := utils.Normalize(text)
	violations := rules.Scan(normalized)
	severity := MaxSeverity(violations)
	safe := severity.AtMost(Mild)

	filtered := redact(normalized, violations, f.replacements)
	if !safe && f.strict {
		filtered = strictReplacement
	}

	res := Result{
		IsSafe:     safe,
		Original:   text,
		Filtered:   filtered,
		Violations: violations,
		Severity:   severity,
	}
	if len(violations) > 0 {
		logViolations(stage, res)
	}
	return res
}

func logViolations(stage string, res Result) {
	categories := make([]string, 0, len(res.Violations))
	for _, c := range res.Categories() {
		categories = append(categories, string(c))
	}
	issues := res.Issues()
	for i := range issues {
		issues[i] = utils.Truncate(issues[i], 60)
	}
	logger.InfoCF("safety", "Content filtered", map[string]interface{}{
		"stage":      stage,
		"violations": len(res.Violations),
		"severity":   res.Severity.String(),
		"categories": categories,
		"issues":     issues,
		"safe":       res.IsSafe,
	})
}
