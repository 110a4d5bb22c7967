package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/loreweaver/pkg/config"
)

// ErrEmptyCatalog is returned for a catalog that declares no backend.
var ErrEmptyCatalog = errors.New("backend catalog declares no backends")

// Catalog is a hand-written list of backends, an alternative to discovery.
//
//	fallback: mistral
//	backends:
//	  - id: gemma2
//	    model: gemma2:9b
//	    specialties: [creative, epic]
//	    priority: 2
//	    max_tokens: 150
//	    temperature: 0.8
//	    speed_rating: 3
type Catalog struct {
	Fallback string          `yaml:"fallback"`
	Backends []BackendConfig `yaml:"backends"`
	Rules    []TaskRule      `yaml:"rules,omitempty"`
}

func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog. Missing priority and
// speed values default to 1 and 3.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Backends) == 0 {
		return Catalog{}, ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" {
			return Catalog{}, fmt.Errorf("catalog backend %d: id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return Catalog{}, fmt.Errorf("catalog backend %q declared twice", b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.Priority == 0 {
			b.Priority = 1
		}
		if b.SpeedRating == 0 {
			b.SpeedRating = 3
		}
		if b.SpeedRating < 1 || b.SpeedRating > 5 {
			return Catalog{}, fmt.Errorf("catalog backend %q: speed_rating %d out of range 1..5", b.ID, b.SpeedRating)
		}
		if b.Priority < 1 {
			return Catalog{}, fmt.Errorf("catalog backend %q: priority %d must be at least 1", b.ID, b.Priority)
		}
	}
	for _, r := range c.Rules {
		if _, err := ParseTaskKind(string(r.Kind)); err != nil {
			return Catalog{}, fmt.Errorf("catalog rule: %w", err)
		}
	}
	return c, nil
}

// TaskRules returns the catalog's task rules, or the defaults if none are set.
func (c Catalog) TaskRules() []TaskRule {
	if len(c.Rules) == 0 {
		return DefaultRules()
	}
	return c.Rules
}

// WithDefaults fills rule parameters the catalog left out from def.
func WithDefaults(rules []TaskRule, def Options) []TaskRule {
	out := make([]TaskRule, len(rules))
	for i, r := range rules {
		if r.Temperature <= 0 {
			r.Temperature = def.Temperature
		}
		if r.MaxOutputTokens <= 0 {
			r.MaxOutputTokens = def.MaxOutputTokens
		}
		out[i] = r
	}
	return out
}

// FromConfig builds the registry the way the backends section asks: a
// catalog file when one is set, otherwise discovery through lister when
// enabled, otherwise the default backend alone. The generation section
// supplies the fallback backend and the temperature and token limit of any
// rule that does not set its own.
func FromConfig(ctx context.Context, cfg config.BackendsConfig, gen config.GenerationConfig, lister ModelLister) (*Registry, error) {
	fallback := gen.FallbackBackend
	def := Options{Temperature: gen.Temperature, MaxOutputTokens: gen.MaxOutputTokens}
	rules := DefaultRules()
	var backends []BackendConfig

	switch {
	case strings.TrimSpace(cfg.CatalogPath) != "":
		c, err := LoadCatalog(config.ExpandHome(strings.TrimSpace(cfg.CatalogPath)))
		if err != nil {
			return nil, err
		}
		if c.Fallback != "" {
			fallback = c.Fallback
		}
		rules, backends = c.TaskRules(), c.Backends
	case cfg.Discover && lister != nil:
		backends = Discover(ctx, lister)
	default:
		backends = []BackendConfig{DefaultBackend()}
	}
	return NewRegistryWithRules(WithDefaults(rules, def), fallback, backends...), nil
}
