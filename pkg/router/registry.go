package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/loreweaver/pkg/logger"
)

// DefaultFallbackBackend is used when no backend is registered.
const DefaultFallbackBackend = "mistral"

// BackendConfig describes one generation backend the selector can route to.
// ID is the routing key (the model's base name); Model is what the backend
// is called with.
type BackendConfig struct {
	ID          string   `yaml:"id" json:"id"`
	Model       string   `yaml:"model" json:"model"`
	Specialties []string `yaml:"specialties" json:"specialties"`
	Priority    int      `yaml:"priority" json:"priority"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64  `yaml:"temperature" json:"temperature"`
	SpeedRating int      `yaml:"speed_rating" json:"speed_rating"`
}

func (b BackendConfig) modelName() string {
	if b.Model != "" {
		return b.Model
	}
	return b.ID
}

// Selection is the outcome of routing one prompt.
type Selection struct {
	Backend  string   `json:"backend"`
	Model    string   `json:"model"`
	Kind     TaskKind `json:"task_kind"`
	Options  Options  `json:"options"`
	Score    int      `json:"score"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Stats counts selections since the registry was built.
type Stats struct {
	TotalRequests int            `json:"total_requests"`
	ByBackend     map[string]int `json:"by_backend"`
	ByTask        map[string]int `json:"by_task"`
	Available     []string       `json:"available_backends"`
	Fallback      string         `json:"fallback_backend"`
}

// Registry holds the known backends and per-selection counters. It is shared
// by every session; one mutex guards both.
type Registry struct {
	mu         sync.Mutex
	backends   map[string]BackendConfig
	classifier *Classifier
	fallback   string

	total     int
	byBackend map[string]int
	byTask    map[string]int
}

// NewRegistry builds a registry over the default task rules.
func NewRegistry(fallback string, backends ...BackendConfig) *Registry {
	return NewRegistryWithRules(DefaultRules(), fallback, backends...)
}

func NewRegistryWithRules(rules []TaskRule, fallback string, backends ...BackendConfig) *Registry {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallbackBackend
	}
	r := &Registry{
		backends:   make(map[string]BackendConfig),
		classifier: NewClassifier(rules),
		fallback:   fallback,
		byBackend:  make(map[string]int),
		byTask:     make(map[string]int),
	}
	for _, b := range backends {
		r.register(b)
	}
	return r
}

// Register adds or replaces a backend by ID.
func (r *Registry) Register(b BackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(b)
}

func (r *Registry) register(b BackendConfig) {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return
	}
	r.backends[b.ID] = b
}

// Backends lists registered backends sorted by ID.
func (r *Registry) Backends() []BackendConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BackendConfig, 0, len(r.backends))
	for _, id := range r.sortedIDs() {
		out = append(out, r.backends[id])
	}
	return out
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Classifier() *Classifier {
	return r.classifier
}

func (r *Registry) Fallback() string {
	return r.fallback
}

// Score rates how well b suits rule. Lower priority numbers score higher,
// each shared specialty adds 20, each matching boost adds 15 per point, and
// quick choices reward speed.
func Score(b BackendConfig, rule TaskRule) int {
	score := (4 - b.Priority) * 10

	preferred := make(map[string]struct{}, len(rule.PreferredSpecialties))
	for _, s := range rule.PreferredSpecialties {
		preferred[strings.ToLower(s)] = struct{}{}
	}
	counted := make(map[string]struct{}, len(b.Specialties))
	for _, s := range b.Specialties {
		s = strings.ToLower(s)
		if _, dup := counted[s]; dup {
			continue
		}
		counted[s] = struct{}{}
		if _, ok := preferred[s]; ok {
			score += 20
		}
	}

	id := strings.ToLower(b.ID)
	for _, boost := range rule.Boosts {
		if boost.Match != "" && strings.Contains(id, strings.ToLower(boost.Match)) {
			score += boost.Points * 15
		}
	}

	if rule.Kind == KindQuickChoice {
		score += b.SpeedRating * 5
	}
	return score
}

// Select classifies prompt and context, then picks the best backend.
func (r *Registry) Select(prompt, context string) Selection {
	return r.selectRule(r.classifier.classify(prompt, context))
}

// SelectKind picks the best backend for an already known task kind.
func (r *Registry) SelectKind(kind TaskKind) Selection {
	return r.selectRule(r.classifier.Rule(kind))
}

// selectRule scores every backend. Equal scores resolve to the
// lexicographically smallest ID so the choice never depends on
// registration or discovery order.
func (r *Registry) selectRule(rule TaskRule) Selection {
	r.mu.Lock()
	defer r.mu.Unlock()

	sel := r.best(rule)

	r.total++
	r.byBackend[sel.Backend]++
	r.byTask[string(sel.Kind)]++

	logger.InfoCF("router", "Backend selected", map[string]interface{}{
		"task":        string(sel.Kind),
		"backend":     sel.Backend,
		"score":       sel.Score,
		"temperature": sel.Options.Temperature,
		"max_tokens":  sel.Options.MaxOutputTokens,
		"fallback":    sel.Fallback,
	})
	return sel
}

func (r *Registry) best(rule TaskRule) Selection {
	sel := Selection{
		Backend:  r.fallback,
		Model:    r.fallback,
		Kind:     rule.Kind,
		Options:  rule.Options(),
		Fallback: true,
	}
	for _, id := range r.sortedIDs() {
		b := r.backends[id]
		score := Score(b, rule)
		if sel.Fallback || score > sel.Score {
			sel.Backend = id
			sel.Model = b.modelName()
			sel.Score = score
			sel.Fallback = false
		}
	}
	return sel
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TotalRequests: r.total,
		ByBackend:     make(map[string]int, len(r.byBackend)),
		ByTask:        make(map[string]int, len(r.byTask)),
		Available:     r.sortedIDs(),
		Fallback:      r.fallback,
	}
	for k, v := range r.byBackend {
		s.ByBackend[k] = v
	}
	for k, v := range r.byTask {
		s.ByTask[k] = v
	}
	return s
}

// Candidate is one backend's score in an Explanation.
type Candidate struct {
	Backend string `json:"backend"`
	Score   int    `json:"score"`
}

// Explanation shows how a prompt would be routed.
type Explanation struct {
	Prompt     string      `json:"prompt"`
	Kind       TaskKind    `json:"task_kind"`
	Selection  Selection   `json:"selection"`
	Candidates []Candidate `json:"candidates"`
	Reason     string      `json:"reason"`
}

// Explain routes prompt without touching the counters.
func (r *Registry) Explain(prompt string) Explanation {
	rule := r.classifier.classify(prompt, "")

	r.mu.Lock()
	defer r.mu.Unlock()

	sel := r.best(rule)
	candidates := make([]Candidate, 0, len(r.backends))
	for _, id := range r.sortedIDs() {
		candidates = append(candidates, Candidate{Backend: id, Score: Score(r.backends[id], rule)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	reason := "best for " + string(rule.Kind)
	if sel.Fallback {
		reason = "no backend registered, using fallback"
	}
	return Explanation{
		Prompt:     prompt,
		Kind:       rule.Kind,
		Selection:  sel,
		Candidates: candidates,
		Reason:     reason,
	}
}
