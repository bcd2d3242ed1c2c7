// Package breaker provides per-source circuit breaking for the fetch
// layer. Each source gets an independent closed/open/half-open state
// machine; open sources fast-fail without an upstream call.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pvallone/tenderscope/internal/logging"
)

// Settings tunes one source's breaker.
type Settings struct {
	// ConsecutiveFailures trips the breaker when reached.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	// FailureRate trips the breaker when exceeded within the sliding
	// window, once MinRequests calls have been observed.
	FailureRate float64 `json:"failure_rate"`
	MinRequests uint32  `json:"min_requests"`
	// Window is the sliding statistics window while closed.
	Window time.Duration `json:"window"`
	// Cooldown is how long an open breaker waits before allowing the
	// half-open probe.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultSettings are conservative enough for flaky regional portals.
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 5,
		FailureRate:         0.6,
		MinRequests:         10,
		Window:              60 * time.Second,
		Cooldown:            30 * time.Second,
	}
}

// Breaker guards one source. Allow reserves a call slot and returns a
// done callback that must be invoked with the outcome; a false ok means
// the breaker is open (or saturated half-open) and no call may be made.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker[any]
}

// New creates a breaker for the named source.
func New(name string, s Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single probe in half-open
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= s.ConsecutiveFailures {
				return true
			}
			if c.Requests >= s.MinRequests {
				rate := float64(c.TotalFailures) / float64(c.Requests)
				return rate >= s.FailureRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state change",
				"source", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker[any](st)}
}

// Allow reports whether a call may proceed. When ok, done must be called
// exactly once with the call's outcome.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// Open reports whether the breaker currently fast-fails.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// State returns the current state name for logging and health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Registry holds one breaker per source id, created on first use.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying the same settings to every source.
func NewRegistry(s Settings) *Registry {
	return &Registry{
		settings: s,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a source id, creating it if needed.
func (r *Registry) For(sourceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[sourceID]
	if !ok {
		b = New(sourceID, r.settings)
		r.breakers[sourceID] = b
	}
	return b
}
