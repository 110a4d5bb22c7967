package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/loreweaver/pkg/config"
)

// Builder knows how to check and construct one kind of backend. Check may be
// nil when the kind has nothing to validate up front.
type Builder struct {
	New   func(cfg *config.Config) (Backend, error)
	Check func(cfg *config.Config) error
}

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
	badBuilder error
)

// Register makes a backend kind selectable through backends.provider. A
// Builder without New is recorded as an error surfaced by CreateBackend.
func Register(kind string, b Builder) {
	kind = Kind(kind)
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if b.New == nil {
		badBuilder = errors.Join(badBuilder, fmt.Errorf("backend kind %q registered without a constructor", kind))
		return
	}
	builders[kind] = b
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Kind canonicalizes a provider name. Blank selects ollama.
func Kind(name string) string {
	if k := strings.ToLower(strings.TrimSpace(name)); k != "" {
		return k
	}
	return ProviderOllama
}

// Validate checks the backends section without contacting the backend.
func Validate(cfg *config.Config) error {
	b, _, err := lookup(cfg)
	if err != nil || b.Check == nil {
		return err
	}
	return b.Check(cfg)
}

// CreateBackend builds the backend named by cfg.Backends.Provider. A nil cfg
// means the defaults.
func CreateBackend(cfg *config.Config) (Backend, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	b, kind, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := b.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", kind, err)
	}
	return backend, nil
}

func lookup(cfg *config.Config) (Builder, string, error) {
	kind := ProviderOllama
	if cfg != nil {
		kind = Kind(cfg.Backends.Provider)
	}

	buildersMu.RLock()
	b, ok := builders[kind]
	bad := badBuilder
	buildersMu.RUnlock()

	if bad != nil {
		return Builder{}, kind, fmt.Errorf("backend registration failed: %w", bad)
	}
	if !ok {
		return Builder{}, kind, fmt.Errorf("unsupported backend provider %q (known: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return b, kind, nil
}
