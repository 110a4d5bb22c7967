package router

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

// TaskKind is the kind of narrative beat a prompt asks for.
type TaskKind string

const (
	KindLocation    TaskKind = "location_description"
	KindQuickChoice TaskKind = "quick_choice"
	KindDialogue    TaskKind = "dialogue"
	KindEpicAction  TaskKind = "epic_action"
	KindGeneral     TaskKind = "general"
)

// Kinds lists every task kind in classification order.
var Kinds = []TaskKind{KindLocation, KindQuickChoice, KindDialogue, KindEpicAction, KindGeneral}

func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// Boost adds Points*15 to any backend whose id contains Match.
type Boost struct {
	Match  string `yaml:"match" json:"match"`
	Points int    `yaml:"points" json:"points"`
}

// TaskRule describes how to recognize a task kind and which generation
// parameters it uses. Rule parameters win over a backend's own defaults.
type TaskRule struct {
	Kind                 TaskKind `yaml:"kind" json:"kind"`
	Keywords             []string `yaml:"keywords" json:"keywords"`
	PreferredSpecialties []string `yaml:"preferred_specialties" json:"preferred_specialties"`
	MaxOutputTokens      int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	Temperature          float64  `yaml:"temperature" json:"temperature"`
	Boosts               []Boost  `yaml:"boosts" json:"boosts"`
}

// Options are the generation parameters handed to the backend.
type Options struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

func (r TaskRule) Options() Options {
	return Options{Temperature: r.Temperature, MaxOutputTokens: r.MaxOutputTokens}
}

// DefaultRules returns the built-in rules in priority order. General has no
// keywords and always comes last.
func DefaultRules() []TaskRule {
	return []TaskRule{
		{
			Kind:                 KindLocation,
			Keywords:             []string{"décris", "lieu", "paysage", "atmosphère", "endroit", "région"},
			PreferredSpecialties: []string{"narrative", "creative", "general"},
			MaxOutputTokens:      150,
			Temperature:          0.75,
			Boosts:               []Boost{{Match: "gemma", Points: 1}, {Match: "mistral", Points: 0}},
		},
		{
			Kind:                 KindQuickChoice,
			Keywords:             []string{"choisit", "options", "que fais-tu", "choix", "décide"},
			PreferredSpecialties: []string{"quick", "fast", "short"},
			MaxOutputTokens:      100,
			Temperature:          0.7,
			Boosts:               []Boost{{Match: "llama3.2", Points: 2}, {Match: "phi", Points: 2}},
		},
		{
			Kind:                 KindDialogue,
			Keywords:             []string{"dit", "parle", "dialogue", "répond", "demande", "conversation"},
			PreferredSpecialties: []string{"conversation", "general", "narrative"},
			MaxOutputTokens:      150,
			Temperature:          0.7,
			Boosts:               []Boost{{Match: "mistral", Points: 1}, {Match: "qwen", Points: 0}},
		},
		{
			Kind:                 KindEpicAction,
			Keywords:             []string{"combat", "attaque", "danger", "bataille", "aventure", "action"},
			PreferredSpecialties: []string{"creative", "dramatic", "epic"},
			MaxOutputTokens:      150,
			Temperature:          0.8,
			Boosts:               []Boost{{Match: "gemma", Points: 2}},
		},
		{
			Kind:                 KindGeneral,
			PreferredSpecialties: []string{"general", "narrative"},
			MaxOutputTokens:      150,
			Temperature:          0.7,
		},
	}
}

const wordStart = `(?<![\p{L}\p{N}_])`

type compiledRule struct {
	TaskRule
	matcher *regexp2.Regexp
}

// Classifier maps prompt text to a task kind. The first rule with a keyword
// starting a word in the text wins.
type Classifier struct {
	rules   []compiledRule
	general TaskRule
}

func NewClassifier(rules []TaskRule) *Classifier {
	c := &Classifier{general: generalRule(rules)}
	for _, r := range rules {
		if r.Kind == KindGeneral || len(r.Keywords) == 0 {
			continue
		}
		alts := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				alts = append(alts, regexp2.Escape(k))
			}
		}
		if len(alts) == 0 {
			continue
		}
		c.rules = append(c.rules, compiledRule{
			TaskRule: r,
			matcher:  regexp2.MustCompile(wordStart+"(?:"+strings.Join(alts, "|")+")", regexp2.IgnoreCase),
		})
	}
	return c
}

func generalRule(rules []TaskRule) TaskRule {
	for _, r := range rules {
		if r.Kind == KindGeneral {
			return r
		}
	}
	return DefaultRules()[len(DefaultRules())-1]
}

func (c *Classifier) Classify(prompt, context string) TaskKind {
	return c.classify(prompt, context).Kind
}

func (c *Classifier) classify(prompt, context string) TaskRule {
	combined := utils.Normalize(prompt + " " + context)
	for _, r := range c.rules {
		if ok, err := r.matcher.MatchString(combined); err == nil && ok {
			return r.TaskRule
		}
	}
	return c.general
}

// Rule returns the rule for kind, or the general rule when kind is unknown.
func (c *Classifier) Rule(kind TaskKind) TaskRule {
	for _, r := range c.rules {
		if r.Kind == kind {
			return r.TaskRule
		}
	}
	return c.general
}
