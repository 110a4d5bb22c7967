package providers

import "strings"

// providerHint returns operator guidance for well-known failure messages, or
// "" when there is nothing useful to add.
func providerHint(providerName, message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return ""
	}

	switch Kind(providerName) {
	case ProviderOllama:
		if strings.Contains(lower, "not found") && strings.Contains(lower, "model") {
			return "Hint: pull the model first with `ollama pull <model>` or remove it from the backend catalog."
		}
		if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") {
			return "Hint: start the server with `ollama serve` or point LOREWEAVER_BACKENDS_OLLAMA_HOST at a running instance."
		}
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") || strings.Contains(lower, "invalid api key") {
			return "Hint: set LOREWEAVER_BACKENDS_OPENAI_API_KEY to a valid key for the configured api_base."
		}
		if strings.Contains(lower, "does not exist") && strings.Contains(lower, "model") {
			return "Hint: the backend id must name a model the OpenAI-compatible server exposes; check `loreweaver backends`."
		}
	}
	return ""
}

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if hint := providerHint(providerName, msg); hint != "" {
		return msg + " " + hint
	}
	return msg
}
