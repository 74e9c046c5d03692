package providers

import "strings"

// Select builds the provider implied by the configured model and base
// URL: Claude models and Anthropic endpoints get the native Messages
// API client, everything else goes through the OpenAI-compatible one.
func Select(apiKey, apiBase, model string) Provider {
	if strings.HasPrefix(model, "claude") || strings.Contains(apiBase, "anthropic") {
		return NewAnthropic(apiKey, apiBase, model)
	}
	return NewChatCompletions("openai", apiKey, apiBase, model)
}
