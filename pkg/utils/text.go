package utils

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Truncate shortens s to at most maxLen runes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Normalize returns the NFC form of s so composed and decomposed accents
// compare equal.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// Fold lower-cases s with French casing rules after NFC normalization.
// cases.Caser is stateful, so a fresh one is built per call.
func Fold(s string) string {
	return cases.Lower(language.French).String(norm.NFC.String(s))
}

// FoldKey is Fold plus whitespace trimming and collapsing, for map keys.
func FoldKey(s string) string {
	return strings.Join(strings.Fields(Fold(s)), " ")
}

// RuneLen counts runes, not bytes.
func RuneLen(s string) int {
	return len([]rune(s))
}
