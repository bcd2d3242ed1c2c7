// Package revalidate refreshes stale cache entries after they have been
// served. Revalidations are deduplicated across processing units, capped
// by a concurrency budget, and detached from the triggering request's
// cancellation scope: they survive the foreground request returning.
package revalidate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pvallone/tenderscope/internal/breaker"
	"github.com/pvallone/tenderscope/internal/cache"
	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
	"github.com/pvallone/tenderscope/internal/progress"
	"github.com/pvallone/tenderscope/internal/source"
)

// Guard is the cross-process dedup primitive: an atomic set-if-absent
// with TTL. Implemented by the Redis cache tier; MemoryGuard is the
// single-process fallback.
type Guard interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Refetch produces a fresh result set for a request. The orchestrator
// supplies its consolidate-and-classify path here.
type Refetch func(ctx context.Context, req model.SearchRequest) (records []model.ScoredNotice, isPartial bool, err error)

// Settings tunes the revalidator.
type Settings struct {
	// Cooldown is the dedup guard TTL: how long after a revalidation
	// starts before the same key may be revalidated again.
	Cooldown time.Duration `json:"cooldown"`
	// MaxInFlight caps simultaneously running revalidations.
	MaxInFlight int64 `json:"max_in_flight"`
	// Timeout bounds each revalidation, independent of any foreground
	// request.
	Timeout time.Duration `json:"timeout"`
}

// DefaultSettings keep background refresh cheap and polite.
func DefaultSettings() Settings {
	return Settings{
		Cooldown:    5 * time.Minute,
		MaxInFlight: 3,
		Timeout:     45 * time.Second,
	}
}

// Revalidator schedules background refreshes of stale entries.
type Revalidator struct {
	guard    Guard
	cache    *cache.Hierarchy
	breakers *breaker.Registry
	sources  *source.Registry
	refetch  Refetch
	settings Settings

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a Revalidator.
func New(guard Guard, hierarchy *cache.Hierarchy, brk *breaker.Registry, reg *source.Registry, refetch Refetch, s Settings) *Revalidator {
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = 3
	}
	return &Revalidator{
		guard:    guard,
		cache:    hierarchy,
		breakers: brk,
		sources:  reg,
		refetch:  refetch,
		settings: s,
		sem:      semaphore.NewWeighted(s.MaxInFlight),
	}
}

// Trigger schedules a background revalidation for the request's cache
// key. Idempotent: concurrent triggers for the same key result in exactly
// one in-flight refetch. pub may be nil; when a listener for the original
// request is still attached, a revalidated event is published.
func (r *Revalidator) Trigger(req model.SearchRequest, pub *progress.Publisher) {
	key := req.CacheKey()

	guardCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	acquired, err := r.guard.SetIfAbsent(guardCtx, key, r.settings.Cooldown)
	cancel()
	if err != nil {
		logging.Warn("revalidation guard unavailable, skipping", "key", key, "error", err)
		return
	}
	if !acquired {
		logging.Debug("revalidation already in flight or cooling down", "key", key)
		return
	}

	if !r.sem.TryAcquire(1) {
		logging.Debug("revalidation budget exhausted, skipping", "key", key)
		r.release(key)
		return
	}

	if !r.anySourceAllowed() {
		logging.Debug("all circuit breakers open, skipping revalidation", "key", key)
		r.sem.Release(1)
		r.release(key)
		return
	}

	r.wg.Add(1)
	go r.run(key, req, pub)
}

// Wait blocks until every in-flight revalidation finishes. For shutdown
// and tests.
func (r *Revalidator) Wait() {
	r.wg.Wait()
}

// run executes one revalidation under its own deadline. Failure only
// touches health bookkeeping; the previously cached payload is never
// deleted or overwritten by a failed refresh.
func (r *Revalidator) run(key string, req model.SearchRequest, pub *progress.Publisher) {
	defer r.wg.Done()
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), r.settings.Timeout)
	defer cancel()

	now := time.Now()
	records, isPartial, err := r.refetch(ctx, req)
	if err != nil {
		logging.Warn("revalidation failed", "key", key, "error", err)
		wctx, wcancel := writeCtx(ctx)
		r.cache.UpdateHealth(wctx, key, false, time.Now())
		wcancel()
		return
	}

	entry := cache.Entry{
		Records:       records,
		IsPartial:     isPartial,
		FetchedAt:     now,
		FailStreak:    0,
		LastSuccessAt: time.Now(),
		LastAttemptAt: time.Now(),
	}
	wctx, wcancel := writeCtx(ctx)
	r.cache.Put(wctx, key, entry)
	wcancel()
	logging.Info("revalidation succeeded", "key", key, "records", len(records))

	if pub != nil && pub.HasListeners() {
		pub.PublishRevalidated(progress.Detail{
			CacheAge: "0s",
			Reason:   "background revalidation",
		})
	}
}

// writeCtx derives a short context for cache writes, detached from the
// revalidation deadline so a timed-out refetch can still record its
// outcome.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// anySourceAllowed reports whether at least one source's breaker would
// admit a call. A refetch with every breaker open is pointless.
func (r *Revalidator) anySourceAllowed() bool {
	adapters := r.sources.All()
	if len(adapters) == 0 {
		return false
	}
	for _, a := range adapters {
		if !r.breakers.For(a.ID()).Open() {
			return true
		}
	}
	return false
}

func (r *Revalidator) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.guard.Release(ctx, key); err != nil {
		logging.Debug("guard release failed", "key", key, "error", err)
	}
}

// MemoryGuard is the single-process Guard used when Redis is not
// configured. TTL expiry is checked on access.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time // key -> expiry
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time)}
}

// SetIfAbsent claims key for ttl, returning true when this caller won.
func (g *MemoryGuard) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if exp, ok := g.claims[key]; ok && exp.After(now) {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

// Release drops a claim early.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}
