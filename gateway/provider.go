package gateway

import "strings"

// Provider identifies the wire format a model id maps to. The provider is
// resolved once per invocation and determines the request/response shape
// and whether temperature and thinking mode are mutually exclusive.
type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderAnthropic
	ProviderNova
	ProviderDeepSeek
	ProviderMeta
	ProviderOpenAI
)

// String returns the provider name
func (p Provider) String() string {
	switch p {
	case ProviderAnthropic:
		return "anthropic"
	case ProviderNova:
		return "nova"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderMeta:
		return "meta"
	case ProviderOpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// regionPrefixes are cross-region inference prefixes tolerated on model ids.
var regionPrefixes = []string{"us.", "eu.", "apac.", "global."}

// ResolveProvider maps a model id to its provider family.
func ResolveProvider(modelID string) Provider {
	id := strings.ToLower(modelID)
	for _, prefix := range regionPrefixes {
		if strings.HasPrefix(id, prefix) {
			id = strings.TrimPrefix(id, prefix)
			break
		}
	}

	switch {
	case strings.HasPrefix(id, "anthropic."):
		return ProviderAnthropic
	case strings.HasPrefix(id, "amazon.nova"):
		return ProviderNova
	case strings.HasPrefix(id, "deepseek."):
		return ProviderDeepSeek
	case strings.HasPrefix(id, "meta."):
		return ProviderMeta
	case strings.HasPrefix(id, "openai.") || strings.HasPrefix(id, "gpt-"):
		return ProviderOpenAI
	default:
		return ProviderUnknown
	}
}

// SupportsThinking reports whether the provider exposes a reasoning mode.
// For these families, enabling thinking suppresses temperature in the wire
// request: the provider defines the two as incompatible.
func (p Provider) SupportsThinking() bool {
	return p == ProviderAnthropic
}
