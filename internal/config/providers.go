package config

import (
	"fmt"
	"sort"
	"strings"
)

// Provider names a model provider whose output can be attached to messages.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderOpenRouter Provider = "openrouter"
)

// ProviderSpec describes what a provider requires and what it can produce.
type ProviderSpec struct {
	Provider Provider
	// AuthHeader is the request header carrying the provider credential.
	AuthHeader string
	// Reasoning is true when the provider can return reasoning content.
	Reasoning bool
	// Sources is true when the provider can return cited sources.
	Sources bool
}

var providerSpecs = map[Provider]ProviderSpec{
	ProviderOpenAI:     {Provider: ProviderOpenAI, AuthHeader: "Authorization", Reasoning: true, Sources: true},
	ProviderAnthropic:  {Provider: ProviderAnthropic, AuthHeader: "x-api-key", Reasoning: true, Sources: false},
	ProviderGoogle:     {Provider: ProviderGoogle, AuthHeader: "x-goog-api-key", Reasoning: true, Sources: true},
	ProviderOpenRouter: {Provider: ProviderOpenRouter, AuthHeader: "Authorization", Reasoning: true, Sources: true},
}

// KnownProviders returns every provider name in sorted order.
func KnownProviders() []string {
	names := make([]string, 0, len(providerSpecs))
	for p := range providerSpecs {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// ProviderSet is the validated set of enabled providers.
type ProviderSet map[Provider]ProviderSpec

// ParseProviders validates a comma-separated provider list. Unknown names are an error.
func ParseProviders(raw string) (ProviderSet, error) {
	set := ProviderSet{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		spec, ok := providerSpecs[Provider(name)]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q; valid: %v", name, KnownProviders())
		}
		set[spec.Provider] = spec
	}
	return set, nil
}

// Lookup returns the spec of an enabled provider.
func (s ProviderSet) Lookup(name string) (ProviderSpec, bool) {
	spec, ok := s[Provider(strings.ToLower(strings.TrimSpace(name)))]
	return spec, ok
}

// CheckAux reports an error when the named provider is not enabled or cannot produce the
// requested auxiliary content.
func (s ProviderSet) CheckAux(name string, wantReasoning, wantSources bool) error {
	spec, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("provider %q is not enabled", name)
	}
	if wantReasoning && !spec.Reasoning {
		return fmt.Errorf("provider %q does not support reasoning", spec.Provider)
	}
	if wantSources && !spec.Sources {
		return fmt.Errorf("provider %q does not support sources", spec.Provider)
	}
	return nil
}
