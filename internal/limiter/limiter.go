// Package limiter provides per-source token-bucket admission control.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Settings tunes one source's token bucket.
type Settings struct {
	// RequestsPerSecond is the sustained admission rate.
	RequestsPerSecond float64 `json:"requests_per_second"`
	// Burst is the bucket depth.
	Burst int `json:"burst"`
}

// DefaultSettings keep us polite toward shared government portals.
func DefaultSettings() Settings {
	return Settings{RequestsPerSecond: 4, Burst: 8}
}

// Registry holds one limiter per source id, created on first use.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	limiters map[string]*rate.Limiter
}

// NewRegistry creates a registry applying the same settings to every source.
func NewRegistry(s Settings) *Registry {
	return &Registry{
		settings: s,
		limiters: make(map[string]*rate.Limiter),
	}
}

// For returns the limiter for a source id, creating it if needed.
func (r *Registry) For(sourceID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.settings.RequestsPerSecond), r.settings.Burst)
		r.limiters[sourceID] = l
	}
	return l
}

// Wait blocks until the source's bucket admits one call or the context
// expires. The context error is returned unchanged so deadline handling
// upstream stays uniform.
func (r *Registry) Wait(ctx context.Context, sourceID string) error {
	return r.For(sourceID).Wait(ctx)
}
