package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_Generation verifies retry and token defaults
func TestDefaultConfig_Generation(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Generation.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Generation.MaxRetries)
	}
	if cfg.Generation.MaxOutputTokens == 0 {
		t.Error("MaxOutputTokens should not be zero")
	}
	if cfg.Generation.Temperature == 0 {
		t.Error("Temperature should not be zero")
	}
	if cfg.Generation.FallbackBackend != "mistral" {
		t.Errorf("FallbackBackend = %q, want %q", cfg.Generation.FallbackBackend, "mistral")
	}
}

// TestDefaultConfig_Safety verifies the teen profile is strict by default
func TestDefaultConfig_Safety(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Safety.TargetAge != 16 {
		t.Errorf("TargetAge = %d, want 16", cfg.Safety.TargetAge)
	}
	if !cfg.Safety.StrictMode {
		t.Error("StrictMode should be enabled by default")
	}
}

// TestDefaultConfig_Memory verifies history and budget defaults
func TestDefaultConfig_Memory(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.MaxRawHistory != 30 {
		t.Errorf("MaxRawHistory = %d, want 30", cfg.Memory.MaxRawHistory)
	}
	if cfg.Memory.ContextTokenBudget != 1000 {
		t.Errorf("ContextTokenBudget = %d, want 1000", cfg.Memory.ContextTokenBudget)
	}
	if cfg.Memory.RecencyThreshold != 5 {
		t.Errorf("RecencyThreshold = %d, want 5", cfg.Memory.RecencyThreshold)
	}
	if cfg.Memory.StartingLocation == "" {
		t.Error("StartingLocation should not be empty")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Generation.MaxRetries = 5
	cfg.Safety.BlacklistWords = FlexibleStringSlice{"orque"}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Generation.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", loaded.Generation.MaxRetries)
	}
	if len(loaded.Safety.BlacklistWords) != 1 || loaded.Safety.BlacklistWords[0] != "orque" {
		t.Fatalf("unexpected blacklist words %v", loaded.Safety.BlacklistWords)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("LOREWEAVER_GENERATION_MAX_RETRIES", "7")
	t.Setenv("LOREWEAVER_BACKENDS_PROVIDER", "openai")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Generation.MaxRetries; got != 7 {
		t.Fatalf("expected env override max retries, got %d", got)
	}
	if got := cfg.Backends.Provider; got != "openai" {
		t.Fatalf("expected provider openai, got %q", got)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error for invalid JSON")
	}
}

func TestFlexibleStringSlice_MixedValues(t *testing.T) {
	var got FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["orque", 42]`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[0] != "orque" || got[1] != "42" {
		t.Fatalf("unexpected values %v", got)
	}

	var single FlexibleStringSlice
	if err := json.Unmarshal([]byte(`"troll"`), &single); err != nil {
		t.Fatalf("unmarshal single: %v", err)
	}
	if len(single) != 1 || single[0] != "troll" {
		t.Fatalf("unexpected single value %v", single)
	}
}
