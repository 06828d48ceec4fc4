// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider names accepted for stored API keys.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// MinAPIKeyLength is the shortest provider key accepted.
const MinAPIKeyLength = 40

var (
	// ErrUnknownProvider is returned for provider names without a key format.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidAPIKey is returned when a key does not match its provider's format.
	ErrInvalidAPIKey = errors.New("invalid API key format")
)

var keyPrefixes = map[string]string{
	ProviderOpenAI:     "sk-",
	ProviderAnthropic:  "sk-ant-",
	ProviderOpenRouter: "sk-or-",
}

// Providers returns the supported provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(keyPrefixes))
	for name := range keyPrefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAPIKey checks a key's format for provider. It does not contact the
// provider.
func ValidateAPIKey(provider, key string) error {
	prefix, ok := keyPrefixes[provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if !strings.HasPrefix(key, prefix) || len(key) < MinAPIKeyLength {
		return fmt.Errorf("%w for %s", ErrInvalidAPIKey, provider)
	}
	return nil
}
