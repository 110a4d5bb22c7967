package router

import (
	"context"
	"strings"

	"github.com/dotsetgreg/loreweaver/pkg/logger"
)

// ModelLister reports the model names a backend host can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type namePattern struct {
	matches []string
	config  BackendConfig
}

// Checked in order, so "llama3.2" is claimed as a fast model before the
// general "llama" pattern sees it.
var namePatterns = []namePattern{
	{[]string{"code", "coder"}, BackendConfig{Specialties: []string{"code", "programming", "debug"}, Priority: 1, MaxTokens: 400, Temperature: 0.6, SpeedRating: 2}},
	{[]string{"llama3.2", "phi"}, BackendConfig{Specialties: []string{"quick", "fast", "short"}, Priority: 3, MaxTokens: 150, Temperature: 0.7, SpeedRating: 5}},
	{[]string{"gemma"}, BackendConfig{Specialties: []string{"creative", "story", "epic", "dramatic"}, Priority: 2, MaxTokens: 150, Temperature: 0.8, SpeedRating: 3}},
	{[]string{"qwen", "aya"}, BackendConfig{Specialties: []string{"multilingual", "translate", "french"}, Priority: 2, MaxTokens: 200, Temperature: 0.7, SpeedRating: 3}},
	{[]string{"chess"}, BackendConfig{Specialties: []string{"chess", "strategy", "game"}, Priority: 1, MaxTokens: 200, Temperature: 0.6, SpeedRating: 3}},
	{[]string{"mistral", "llama", "general"}, BackendConfig{Specialties: []string{"general", "narrative", "conversation"}, Priority: 1, MaxTokens: 150, Temperature: 0.7, SpeedRating: 3}},
}

// BaseName strips the tag from a model name ("gemma2:9b" -> "gemma2").
func BaseName(model string) string {
	model = strings.TrimSpace(model)
	if i := strings.Index(model, ":"); i >= 0 {
		return model[:i]
	}
	return model
}

// ConfigureFromName derives a backend config from a model name. Models that
// match no known family are not routable and return false.
func ConfigureFromName(model string) (BackendConfig, bool) {
	base := BaseName(model)
	lower := strings.ToLower(base)
	for _, p := range namePatterns {
		for _, m := range p.matches {
			if strings.Contains(lower, m) {
				cfg := p.config
				cfg.ID = base
				cfg.Model = strings.TrimSpace(model)
				cfg.Specialties = append([]string(nil), p.config.Specialties...)
				return cfg, true
			}
		}
	}
	return BackendConfig{}, false
}

// DefaultBackend is the single config used when discovery fails.
func DefaultBackend() BackendConfig {
	return BackendConfig{
		ID:          DefaultFallbackBackend,
		Model:       DefaultFallbackBackend,
		Specialties: []string{"general", "narrative"},
		Priority:    1,
		MaxTokens:   150,
		Temperature: 0.7,
		SpeedRating: 3,
	}
}

// Discover lists the host's models and configures the routable ones. When
// two tags share a base name the first listed wins. A listing failure yields
// DefaultBackend alone; an empty result is returned as is and selection then
// uses the fallback backend.
func Discover(ctx context.Context, lister ModelLister) []BackendConfig {
	names, err := lister.ListModels(ctx)
	if err != nil {
		logger.WarnCF("router", "Model discovery failed, using default backend", map[string]interface{}{
			"error":   err.Error(),
			"backend": DefaultFallbackBackend,
		})
		return []BackendConfig{DefaultBackend()}
	}

	seen := make(map[string]struct{})
	var out []BackendConfig
	for _, name := range names {
		cfg, ok := ConfigureFromName(name)
		if !ok {
			logger.DebugCF("router", "Skipping unroutable model", map[string]interface{}{"model": name})
			continue
		}
		if _, dup := seen[cfg.ID]; dup {
			continue
		}
		seen[cfg.ID] = struct{}{}
		out = append(out, cfg)
	}

	ids := make([]string, 0, len(out))
	for _, b := range out {
		ids = append(ids, b.ID)
	}
	logger.InfoCF("router", "Discovered backends", map[string]interface{}{
		"count":    len(out),
		"backends": ids,
	})
	return out
}
