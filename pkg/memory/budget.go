package memory

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(text string) int {
	return len([]rune(text)) / 4
}

// clampToTokens cuts text so EstimateTokens never exceeds budget.
func clampToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(text)
	limit := budget*4 + 3
	if len(runes) <= limit {
		return text
	}
	return string(runes[:budget*4])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
