// Package service holds the domain logic between the Telegram command layer
// and the store: sessions, runs, action tokens, prompts, and summaries.
package service

// SupportedCLIProviders lists the providers users can switch to with /mode.
// The echo adapter is internal-only and not selectable.
var SupportedCLIProviders = []string{"codex", "gemini", "claude"}

var availableModelsByProvider = map[string][]string{
	"codex": {
		"gpt-5.3-codex",
		"gpt-5.3-codex-spark",
		"gpt-5.2-codex",
		"gpt-5.1-codex-max",
		"gpt-5.2",
		"gpt-5.1-codex-mini",
		"gpt-5",
	},
	"gemini": {"gemini-2.5-pro", "gemini-2.5-flash"},
	"claude": {"claude-sonnet-4-5"},
}

// AvailableModels returns the model presets for a provider.
func AvailableModels(provider string) []string {
	return availableModelsByProvider[provider]
}

// IsAllowedModel reports whether model is a preset of provider.
func IsAllowedModel(provider, model string) bool {
	for _, candidate := range AvailableModels(provider) {
		if candidate == model {
			return true
		}
	}
	return false
}

// IsSupportedProvider reports whether provider is user-selectable.
func IsSupportedProvider(provider string) bool {
	for _, candidate := range SupportedCLIProviders {
		if candidate == provider {
			return true
		}
	}
	return false
}

// ResolveProviderDefaultModel picks the configured default when it is a valid
// preset, otherwise the first preset, otherwise empty.
func ResolveProviderDefaultModel(provider, configuredDefault string) string {
	models := AvailableModels(provider)
	if len(models) == 0 {
		return ""
	}
	if configuredDefault != "" && IsAllowedModel(provider, configuredDefault) {
		return configuredDefault
	}
	return models[0]
}

// ResolveSelectedModel picks the session's model when valid, falling back to
// the provider default.
func ResolveSelectedModel(provider, sessionModel string, defaultModels map[string]string) string {
	if sessionModel != "" && IsAllowedModel(provider, sessionModel) {
		return sessionModel
	}
	return ResolveProviderDefaultModel(provider, defaultModels[provider])
}
