package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers or a single
// bare string, so blacklist_words can be written loosely.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*f = FlexibleStringSlice{}
		} else {
			*f = FlexibleStringSlice{single}
		}
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	SystemPrompt string           `json:"system_prompt" env:"LOREWEAVER_SYSTEM_PROMPT"`
	Generation   GenerationConfig `json:"generation"`
	Backends     BackendsConfig   `json:"backends"`
	Safety       SafetyConfig     `json:"safety"`
	Memory       MemoryConfig     `json:"memory"`
	Store        StoreConfig      `json:"store"`
	mu           sync.RWMutex
}

type GenerationConfig struct {
	MaxRetries         int     `json:"max_retries" env:"LOREWEAVER_GENERATION_MAX_RETRIES"`
	Temperature        float64 `json:"temperature" env:"LOREWEAVER_GENERATION_TEMPERATURE"`
	MaxOutputTokens    int     `json:"max_output_tokens" env:"LOREWEAVER_GENERATION_MAX_OUTPUT_TOKENS"`
	BackoffBaseMS      int     `json:"backoff_base_ms" env:"LOREWEAVER_GENERATION_BACKOFF_BASE_MS"`
	FallbackBackend    string  `json:"fallback_backend" env:"LOREWEAVER_GENERATION_FALLBACK_BACKEND"`
	MinEventImportance int     `json:"min_event_importance" env:"LOREWEAVER_GENERATION_MIN_EVENT_IMPORTANCE"`
}

type BackendsConfig struct {
	Provider    string       `json:"provider" env:"LOREWEAVER_BACKENDS_PROVIDER"`
	Discover    bool         `json:"discover" env:"LOREWEAVER_BACKENDS_DISCOVER"`
	CatalogPath string       `json:"catalog_path" env:"LOREWEAVER_BACKENDS_CATALOG_PATH"`
	Ollama      OllamaConfig `json:"ollama"`
	OpenAI      OpenAIConfig `json:"openai"`
}

type OllamaConfig struct {
	Host string `json:"host" env:"LOREWEAVER_BACKENDS_OLLAMA_HOST"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" env:"LOREWEAVER_BACKENDS_OPENAI_API_KEY"`
	APIBase string `json:"api_base" env:"LOREWEAVER_BACKENDS_OPENAI_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"LOREWEAVER_BACKENDS_OPENAI_PROXY"`
}

type SafetyConfig struct {
	TargetAge      int                 `json:"target_age" env:"LOREWEAVER_SAFETY_TARGET_AGE"`
	StrictMode     bool                `json:"strict_mode" env:"LOREWEAVER_SAFETY_STRICT_MODE"`
	BlacklistWords FlexibleStringSlice `json:"blacklist_words" env:"LOREWEAVER_SAFETY_BLACKLIST_WORDS"`
	Replacements   map[string]string   `json:"replacements"`
}

type MemoryConfig struct {
	MaxRawHistory      int    `json:"max_raw_history" env:"LOREWEAVER_MEMORY_MAX_RAW_HISTORY"`
	ContextTokenBudget int    `json:"context_token_budget" env:"LOREWEAVER_MEMORY_CONTEXT_TOKEN_BUDGET"`
	RecentExchanges    int    `json:"recent_exchanges" env:"LOREWEAVER_MEMORY_RECENT_EXCHANGES"`
	DegradedExchanges  int    `json:"degraded_exchanges" env:"LOREWEAVER_MEMORY_DEGRADED_EXCHANGES"`
	RecencyThreshold   int    `json:"recency_threshold" env:"LOREWEAVER_MEMORY_RECENCY_THRESHOLD"`
	StartingLocation   string `json:"starting_location" env:"LOREWEAVER_MEMORY_STARTING_LOCATION"`
}

type StoreConfig struct {
	Path              string `json:"path" env:"LOREWEAVER_STORE_PATH"`
	SessionTTLSeconds int    `json:"session_ttl_seconds" env:"LOREWEAVER_STORE_SESSION_TTL_SECONDS"`
	JanitorSchedule   string `json:"janitor_schedule" env:"LOREWEAVER_STORE_JANITOR_SCHEDULE"`
}

const defaultSystemPrompt = "Tu es le maître du jeu d'un récit en Terre du Milieu. " +
	"Ton ton reste positif et adapté à un public adolescent."

func DefaultConfig() *Config {
	return &Config{
		SystemPrompt: defaultSystemPrompt,
		Generation: GenerationConfig{
			MaxRetries:         3,
			Temperature:        0.7,
			MaxOutputTokens:    150,
			BackoffBaseMS:      1000,
			FallbackBackend:    "mistral",
			MinEventImportance: 4,
		},
		Backends: BackendsConfig{
			Provider: "ollama",
			Discover: true,
			Ollama:   OllamaConfig{},
			OpenAI:   OpenAIConfig{},
		},
		Safety: SafetyConfig{
			TargetAge:      16,
			StrictMode:     true,
			BlacklistWords: FlexibleStringSlice{},
			Replacements:   map[string]string{},
		},
		Memory: MemoryConfig{
			MaxRawHistory:      30,
			ContextTokenBudget: 1000,
			RecentExchanges:    5,
			DegradedExchanges:  3,
			RecencyThreshold:   5,
			StartingLocation:   "la Comté",
		},
		Store: StoreConfig{
			Path:              "~/.loreweaver/state/sessions.db",
			SessionTTLSeconds: 3600,
			JanitorSchedule:   "* * * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

func (c *Config) GetOpenAIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Backends.OpenAI.APIBase != "" {
		return c.Backends.OpenAI.APIBase
	}
	return "https://api.openai.com/v1"
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
