// Package cache implements the three-tier result cache used for
// stale-while-revalidate fallback: durable SQLite store, shared Redis
// cache, and an in-process fallback, all sharing the same logical key.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
)

// Freshness classifies a cache entry by age.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// FreshnessPolicy holds the configurable age thresholds.
type FreshnessPolicy struct {
	// FreshFor is the age below which an entry is Fresh.
	FreshFor time.Duration `json:"fresh_for"`
	// ExpireAfter is the age beyond which an entry is Expired. Between
	// the two it is Stale: servable, but a revalidation is scheduled.
	ExpireAfter time.Duration `json:"expire_after"`
}

// DefaultFreshnessPolicy serves entries up to a day old before declaring
// them expired.
func DefaultFreshnessPolicy() FreshnessPolicy {
	return FreshnessPolicy{
		FreshFor:    30 * time.Minute,
		ExpireAfter: 24 * time.Hour,
	}
}

// Class returns the freshness class for an entry age.
func (p FreshnessPolicy) Class(age time.Duration) Freshness {
	switch {
	case age <= p.FreshFor:
		return Fresh
	case age <= p.ExpireAfter:
		return Stale
	default:
		return Expired
	}
}

// Entry is one cached result set plus its health bookkeeping. Health
// fields are updated on every attempt, the payload only on success.
type Entry struct {
	Records       []model.ScoredNotice `json:"records"`
	IsPartial     bool                 `json:"is_partial"`
	FetchedAt     time.Time            `json:"fetched_at"`
	FailStreak    int                  `json:"fail_streak"`
	LastSuccessAt time.Time            `json:"last_success_at"`
	LastAttemptAt time.Time            `json:"last_attempt_at"`
}

// Age returns how old the entry's payload is.
func (e Entry) Age() time.Duration {
	return time.Since(e.FetchedAt)
}

// Tier is one cache level. Implementations must be safe for concurrent
// use; a tier failure is a warning, never fatal.
type Tier interface {
	// Name identifies the tier in logs.
	Name() string
	// Get returns the entry for a key, reporting whether one exists.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores or replaces the entry for a key.
	Put(ctx context.Context, key string, e Entry) error
	// UpdateHealth records a revalidation attempt without touching the
	// payload. Success resets the fail streak; failure increments it.
	UpdateHealth(ctx context.Context, key string, success bool, at time.Time) error
}

// Hierarchy probes tiers in order and writes through all of them.
type Hierarchy struct {
	tiers  []Tier
	policy FreshnessPolicy
}

// NewHierarchy builds a hierarchy over the given tiers, probed in order.
func NewHierarchy(policy FreshnessPolicy, tiers ...Tier) *Hierarchy {
	return &Hierarchy{tiers: tiers, policy: policy}
}

// Policy returns the freshness policy the hierarchy classifies with.
func (h *Hierarchy) Policy() FreshnessPolicy { return h.policy }

// Get probes tiers in order and returns the first hit with its freshness
// class. Tier errors are logged and the next tier is attempted.
func (h *Hierarchy) Get(ctx context.Context, key string) (Entry, Freshness, bool) {
	for _, t := range h.tiers {
		e, found, err := t.Get(ctx, key)
		if err != nil {
			logging.Warn("cache tier get failed", "tier", t.Name(), "key", key, "error", err)
			continue
		}
		if found {
			return e, h.policy.Class(e.Age()), true
		}
	}
	return Entry{}, Expired, false
}

// Put writes the entry through every tier it can reach. Per-tier failures
// are logged, not returned: losing one tier must not fail a request.
func (h *Hierarchy) Put(ctx context.Context, key string, e Entry) {
	for _, t := range h.tiers {
		if err := t.Put(ctx, key, e); err != nil {
			logging.Warn("cache tier put failed", "tier", t.Name(), "key", key, "error", err)
		}
	}
}

// UpdateHealth records an attempt outcome on every reachable tier.
func (h *Hierarchy) UpdateHealth(ctx context.Context, key string, success bool, at time.Time) {
	for _, t := range h.tiers {
		if err := t.UpdateHealth(ctx, key, success, at); err != nil {
			logging.Warn("cache tier health update failed", "tier", t.Name(), "key", key, "error", err)
		}
	}
}

// GuidanceText is the degradation guidance attached to an empty_failure
// envelope so callers never render a bare blank result.
func GuidanceText(sourcesFailed, sourcesTotal int) string {
	return fmt.Sprintf(
		"All %d configured sources are currently unreachable (%d failed) and no cached results exist for this search. "+
			"This is a temporary availability problem, not an empty search result. "+
			"Retry in a few minutes, or broaden the date range to match a previously cached search.",
		sourcesTotal, sourcesFailed)
}
