package memory

import (
	"strings"

	"github.com/dotsetgreg/loreweaver/pkg/config"
)

const (
	PlayerPrefix   = "Joueur: "
	NarratorPrefix = "MJ: "

	recentHeader = "Derniers échanges:"
)

type HistoryOptions struct {
	MaxRawHistory     int
	TokenBudget       int
	RecentExchanges   int
	DegradedExchanges int
	RecencyThreshold  int
}

// DefaultHistoryOptions mirrors the memory section of the default config.
func DefaultHistoryOptions() HistoryOptions {
	return HistoryOptionsFromConfig(config.DefaultConfig().Memory)
}

func HistoryOptionsFromConfig(cfg config.MemoryConfig) HistoryOptions {
	return HistoryOptions{
		MaxRawHistory:     cfg.MaxRawHistory,
		TokenBudget:       cfg.ContextTokenBudget,
		RecentExchanges:   cfg.RecentExchanges,
		DegradedExchanges: cfg.DegradedExchanges,
		RecencyThreshold:  cfg.RecencyThreshold,
	}
}

func (o HistoryOptions) withDefaults() HistoryOptions {
	if o.MaxRawHistory <= 0 {
		o.MaxRawHistory = 30
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = 1000
	}
	if o.RecentExchanges <= 0 {
		o.RecentExchanges = 5
	}
	if o.DegradedExchanges <= 0 || o.DegradedExchanges > o.RecentExchanges {
		o.DegradedExchanges = minInt(3, o.RecentExchanges)
	}
	if o.RecencyThreshold <= 0 {
		o.RecencyThreshold = DefaultRecencyThreshold
	}
	return o
}

// History is the bounded raw log of exchanges for one session, kept apart
// from the long-lived Memory.
type History struct {
	opts    HistoryOptions
	entries []string
}

func NewHistory(opts HistoryOptions) *History {
	return &History{opts: opts.withDefaults()}
}

// NewHistoryFrom restores a persisted history list, keeping only the newest
// entries that fit.
func NewHistoryFrom(opts HistoryOptions, entries []string) *History {
	h := NewHistory(opts)
	h.entries = append(h.entries, entries...)
	h.trim()
	return h
}

// AddInteraction appends one player/narrator pair.
func (h *History) AddInteraction(player, narrator string) {
	h.entries = append(h.entries, PlayerPrefix+player, NarratorPrefix+narrator)
	h.trim()
}

func (h *History) trim() {
	if over := len(h.entries) - h.opts.MaxRawHistory; over > 0 {
		h.entries = append([]string(nil), h.entries[over:]...)
	}
}

// Entries returns a copy of the raw log, oldest first.
func (h *History) Entries() []string {
	return append([]string(nil), h.entries...)
}

func (h *History) Len() int {
	return len(h.entries)
}

// Recent returns the last n exchanges, two entries per exchange.
func (h *History) Recent(n int) []string {
	if n <= 0 {
		return nil
	}
	start := maxInt(0, len(h.entries)-n*2)
	return append([]string(nil), h.entries[start:]...)
}

func (h *History) TokenBudget() int {
	return h.opts.TokenBudget
}

// SmartContext merges the memory summary with recent exchanges. When the
// estimate exceeds the token budget it falls back to the summary plus fewer
// exchanges, and as a last resort cuts the text, so the estimate of the
// result never exceeds the budget.
func (h *History) SmartContext(m *Memory) string {
	var summary string
	if m != nil {
		summary = m.Summarize(h.opts.RecencyThreshold)
	}
	budget := h.opts.TokenBudget

	var parts []string
	if summary != "" {
		parts = append(parts, summary, "")
	}
	if recent := h.Recent(h.opts.RecentExchanges); len(recent) > 0 {
		parts = append(parts, recentHeader)
		parts = append(parts, recent...)
	}
	full := strings.Join(parts, "\n")
	if EstimateTokens(full) <= budget {
		return full
	}

	for n := h.opts.DegradedExchanges; n >= 0; n-- {
		var reduced []string
		if summary != "" {
			reduced = append(reduced, summary)
		}
		reduced = append(reduced, h.Recent(n)...)
		text := strings.Join(reduced, "\n")
		if EstimateTokens(text) <= budget {
			return text
		}
	}
	return clampToTokens(summary, budget)
}
