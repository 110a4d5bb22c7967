package safety

import (
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

// Violation is one matched span. Start and End are rune offsets into the
// NFC-normalized text that was scanned.
type Violation struct {
	Category Category `json:"category"`
	Match    string   `json:"match"`
	Severity Severity `json:"severity"`
	Start    int      `json:"-"`
	End      int      `json:"-"`
}

type rule struct {
	category Category
	re       *regexp2.Regexp
}

// Ruleset is the compiled form of a policy. It is immutable once built and
// safe for concurrent use.
type Ruleset struct {
	profile    Profile
	injection  []*regexp2.Regexp
	blacklist  []rule
	categories []rule
	words      map[string]struct{}
}

// NewRuleset compiles the built-in patterns plus the given blacklist words.
func NewRuleset(profile Profile, blacklist ...string) *Ruleset {
	rs := &Ruleset{
		profile: profile,
		words:   make(map[string]struct{}),
	}
	for _, p := range injectionPatterns {
		rs.injection = append(rs.injection, regexp2.MustCompile(p, regexp2.IgnoreCase|regexp2.Singleline))
	}
	for _, set := range categoryPatterns {
		for _, p := range set.patterns {
			rs.categories = append(rs.categories, rule{
				category: set.category,
				re:       compileWord(p),
			})
		}
	}
	rs.addWords(DefaultBlacklist)
	rs.addWords(blacklist)
	return rs
}

// WithBlacklist returns a copy of rs that also bans words. rs is unchanged.
func (rs *Ruleset) WithBlacklist(words ...string) *Ruleset {
	fresh := false
	for _, w := range words {
		if _, ok := rs.words[utils.FoldKey(w)]; !ok && strings.TrimSpace(w) != "" {
			fresh = true
			break
		}
	}
	if !fresh {
		return rs
	}
	cp := &Ruleset{
		profile:    rs.profile,
		injection:  rs.injection,
		blacklist:  append([]rule(nil), rs.blacklist...),
		categories: rs.categories,
		words:      make(map[string]struct{}, len(rs.words)+len(words)),
	}
	for w := range rs.words {
		cp.words[w] = struct{}{}
	}
	cp.addWords(words)
	return cp
}

func (rs *Ruleset) addWords(words []string) {
	for _, w := range words {
		key := utils.FoldKey(w)
		if key == "" {
			continue
		}
		if _, ok := rs.words[key]; ok {
			continue
		}
		rs.words[key] = struct{}{}
		rs.blacklist = append(rs.blacklist, rule{
			category: CategoryBlacklist,
			re:       compileWord(regexp2.Escape(key)),
		})
	}
}

func compileWord(pattern string) *regexp2.Regexp {
	return regexp2.MustCompile(wordStart+"(?:"+pattern+")"+wordEnd, regexp2.IgnoreCase)
}

// Injection reports the first prompt-override pattern found in text.
func (rs *Ruleset) Injection(text string) (Violation, bool) {
	text = utils.Normalize(text)
	for _, re := range rs.injection {
		m, err := re.FindStringMatch(text)
		if err != nil || m == nil {
			continue
		}
		return Violation{
			Category: CategoryInjection,
			Match:    m.String(),
			Severity: Extreme,
			Start:    m.Index,
			End:      m.Index + m.Length,
		}, true
	}
	return Violation{}, false
}

// Scan runs the blacklist and category stages over text and returns every
// violation that survives context exemption, blacklist hits first. It has no
// side effects.
func (rs *Ruleset) Scan(text string) []Violation {
	text = utils.Normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)

	var out []Violation
	for _, r := range rs.blacklist {
		out = collect(out, r, text, High, nil)
	}
	for _, r := range rs.categories {
		sev := rs.profile.CategorySeverity(r.category)
		if sev == Safe {
			continue
		}
		var exempt func(start, end int) bool
		if r.category.Exemptable() {
			exempt = func(start, end int) bool { return educational(runes, start, end) }
		}
		out = collect(out, r, text, sev, exempt)
	}
	return out
}

func collect(out []Violation, r rule, text string, sev Severity, exempt func(start, end int) bool) []Violation {
	m, err := r.re.FindStringMatch(text)
	for err == nil && m != nil {
		start, end := m.Index, m.Index+m.Length
		if exempt == nil || !exempt(start, end) {
			out = append(out, Violation{
				Category: r.category,
				Match:    m.String(),
				Severity: sev,
				Start:    start,
				End:      end,
			})
		}
		m, err = r.re.FindNextMatch(m)
	}
	return out
}

func educational(runes []rune, start, end int) bool {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(runes) {
		hi = len(runes)
	}
	window := utils.Fold(string(runes[lo:hi]))
	for _, w := range educationalContext {
		if strings.Contains(window, w) {
			return true
		}
	}
	return false
}

// MaxSeverity is the highest severity among vs, Safe when vs is empty.
func MaxSeverity(vs []Violation) Severity {
	highest := Safe
	for _, v := range vs {
		if v.Severity > highest {
			highest = v.Severity
		}
	}
	return highest
}

// redact substitutes each violating span. Overlapping spans keep the one that
// starts first; on equal starts the earlier stage wins.
func redact(text string, vs []Violation, replacements map[string]string) string {
	if len(vs) == 0 {
		return text
	}
	spans := append([]Violation(nil), vs...)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	runes := []rune(text)
	var b strings.Builder
	pos := 0
	for _, v := range spans {
		if v.Start < pos || v.End > len(runes) {
			continue
		}
		b.WriteString(string(runes[pos:v.Start]))
		b.WriteString(replacementFor(v.Match, replacements))
		pos = v.End
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

func replacementFor(match string, replacements map[string]string) string {
	if r, ok := replacements[utils.FoldKey(match)]; ok {
		return r
	}
	return defaultReplacement
}
