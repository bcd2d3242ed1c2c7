// Package brain provides the LLM provider layer used by the relevance
// classification engine. Providers share one generic HTTP implementation
// driven by per-vendor request/response shaping.
package brain

import (
	"context"
)

// Provider is the interface for LLM providers
type Provider interface {
	// Name returns the provider name (e.g., "anthropic", "openai")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Generate sends a prompt and returns the response
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is a prompt request to an LLM provider
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Response is the LLM provider's response
type Response struct {
	Content     string
	Model       string
	RawResponse string // The raw API response body for logging/debugging
}

// Manager manages multiple LLM providers with fallback
type Manager struct {
	providers []Provider
	preferred string
}

// NewManager creates a new provider manager
func NewManager() *Manager {
	return &Manager{providers: make([]Provider, 0)}
}

// Add adds a provider to the manager
func (m *Manager) Add(p Provider) {
	m.providers = append(m.providers, p)
}

// SetPreferred sets the preferred provider by name
func (m *Manager) SetPreferred(name string) {
	m.preferred = name
}

// Available returns the first available provider, preferring the
// preferred one. Returns nil when nothing is configured.
func (m *Manager) Available() Provider {
	if m.preferred != "" {
		for _, p := range m.providers {
			if p.Name() == m.preferred && p.Available() {
				return p
			}
		}
	}
	for _, p := range m.providers {
		if p.Available() {
			return p
		}
	}
	return nil
}

// ListAvailable returns names of all available providers
func (m *Manager) ListAvailable() []string {
	var names []string
	for _, p := range m.providers {
		if p.Available() {
			names = append(names, p.Name())
		}
	}
	return names
}
