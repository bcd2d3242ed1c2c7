package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pvallone/tenderscope/internal/model"
)

func sampleEntry(age time.Duration) Entry {
	fetched := time.Now().Add(-age)
	return Entry{
		Records: []model.ScoredNotice{
			{
				Notice:     model.Notice{ID: "REG-1", Title: "Uniform supply", SourceID: "portal-a"},
				Confidence: 95,
				Evidence:   []string{"Uniform"},
			},
		},
		FetchedAt:     fetched,
		LastSuccessAt: fetched,
		LastAttemptAt: fetched,
	}
}

func TestFreshnessPolicyClasses(t *testing.T) {
	p := FreshnessPolicy{FreshFor: 30 * time.Minute, ExpireAfter: 24 * time.Hour}
	tests := []struct {
		age  time.Duration
		want Freshness
	}{
		{time.Minute, Fresh},
		{30 * time.Minute, Fresh},
		{3 * time.Hour, Stale},
		{24 * time.Hour, Stale},
		{25 * time.Hour, Expired},
	}
	for _, tt := range tests {
		if got := p.Class(tt.age); got != tt.want {
			t.Errorf("Class(%v) = %s, want %s", tt.age, got, tt.want)
		}
	}
}

func TestMemoryTierRoundTrip(t *testing.T) {
	m := NewMemoryTier(4)
	ctx := context.Background()

	if _, found, _ := m.Get(ctx, "missing"); found {
		t.Error("empty tier should miss")
	}

	e := sampleEntry(time.Minute)
	if err := m.Put(ctx, "k1", e); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := m.Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(got.Records) != 1 || got.Records[0].Notice.ID != "REG-1" {
		t.Errorf("records = %+v", got.Records)
	}
}

func TestMemoryTierEvictsOldestOverCapacity(t *testing.T) {
	m := NewMemoryTier(2)
	ctx := context.Background()

	m.Put(ctx, "oldest", sampleEntry(3*time.Hour))
	m.Put(ctx, "middle", sampleEntry(2*time.Hour))
	m.Put(ctx, "newest", sampleEntry(time.Hour))

	if _, found, _ := m.Get(ctx, "oldest"); found {
		t.Error("oldest entry should have been evicted")
	}
	if _, found, _ := m.Get(ctx, "newest"); !found {
		t.Error("newest entry should survive")
	}
	if m.Len() > 2 {
		t.Errorf("len = %d, want at most capacity", m.Len())
	}
}

func TestMemoryTierUpdateHealth(t *testing.T) {
	m := NewMemoryTier(4)
	ctx := context.Background()
	m.Put(ctx, "k", sampleEntry(time.Hour))

	at := time.Now()
	m.UpdateHealth(ctx, "k", false, at)
	m.UpdateHealth(ctx, "k", false, at)
	e, _, _ := m.Get(ctx, "k")
	if e.FailStreak != 2 {
		t.Errorf("fail streak = %d, want 2", e.FailStreak)
	}
	if len(e.Records) != 1 {
		t.Error("health updates must not touch the payload")
	}

	m.UpdateHealth(ctx, "k", true, at)
	e, _, _ = m.Get(ctx, "k")
	if e.FailStreak != 0 {
		t.Errorf("success should reset the streak, got %d", e.FailStreak)
	}
}

// failingTier always errors, for hierarchy skip tests.
type failingTier struct{}

func (failingTier) Name() string { return "failing" }
func (failingTier) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("tier unreachable")
}
func (failingTier) Put(context.Context, string, Entry) error {
	return errors.New("tier unreachable")
}
func (failingTier) UpdateHealth(context.Context, string, bool, time.Time) error {
	return errors.New("tier unreachable")
}

func TestHierarchySkipsFailingTier(t *testing.T) {
	healthy := NewMemoryTier(4)
	h := NewHierarchy(DefaultFreshnessPolicy(), failingTier{}, healthy)
	ctx := context.Background()

	// Write-through must reach the healthy tier despite the first failing.
	h.Put(ctx, "k", sampleEntry(time.Minute))

	entry, freshness, found := h.Get(ctx, "k")
	if !found {
		t.Fatal("hierarchy should fall through to the healthy tier")
	}
	if freshness != Fresh {
		t.Errorf("freshness = %s, want fresh", freshness)
	}
	if len(entry.Records) != 1 {
		t.Errorf("records = %d, want 1", len(entry.Records))
	}
}

func TestHierarchyProbesInOrder(t *testing.T) {
	first := NewMemoryTier(4)
	second := NewMemoryTier(4)
	h := NewHierarchy(DefaultFreshnessPolicy(), first, second)
	ctx := context.Background()

	// Same key in both tiers; the first tier's copy must win.
	e1 := sampleEntry(time.Minute)
	e1.Records[0].Notice.Description = "from-first"
	e2 := sampleEntry(time.Minute)
	e2.Records[0].Notice.Description = "from-second"
	first.Put(ctx, "k", e1)
	second.Put(ctx, "k", e2)

	got, _, found := h.Get(ctx, "k")
	if !found || got.Records[0].Notice.Description != "from-first" {
		t.Errorf("hierarchy must serve the first tier that hits, got %+v", got.Records)
	}
}

func TestHierarchyClassifiesStaleHit(t *testing.T) {
	m := NewMemoryTier(4)
	h := NewHierarchy(DefaultFreshnessPolicy(), m)
	ctx := context.Background()

	m.Put(ctx, "k", sampleEntry(3*time.Hour))
	_, freshness, found := h.Get(ctx, "k")
	if !found || freshness != Stale {
		t.Errorf("3h-old entry should classify stale, got found=%v freshness=%s", found, freshness)
	}
}

func TestSQLiteTierRoundTrip(t *testing.T) {
	tier, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tier.Close()
	ctx := context.Background()

	if _, found, err := tier.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("miss: found=%v err=%v", found, err)
	}

	e := sampleEntry(time.Minute)
	e.IsPartial = true
	if err := tier.Put(ctx, "k1", e); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := tier.Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !got.IsPartial {
		t.Error("is_partial lost in round trip")
	}
	if len(got.Records) != 1 || got.Records[0].Confidence != 95 {
		t.Errorf("payload = %+v", got.Records)
	}
	if len(got.Records[0].Evidence) != 1 || got.Records[0].Evidence[0] != "Uniform" {
		t.Errorf("evidence = %v", got.Records[0].Evidence)
	}

	// Replacing the entry for the same key must not error.
	e2 := sampleEntry(time.Second)
	if err := tier.Put(ctx, "k1", e2); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestSQLiteTierUpdateHealth(t *testing.T) {
	tier, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tier.Close()
	ctx := context.Background()

	tier.Put(ctx, "k", sampleEntry(time.Hour))

	tier.UpdateHealth(ctx, "k", false, time.Now())
	tier.UpdateHealth(ctx, "k", false, time.Now())
	e, _, _ := tier.Get(ctx, "k")
	if e.FailStreak != 2 {
		t.Errorf("fail streak = %d, want 2", e.FailStreak)
	}

	tier.UpdateHealth(ctx, "k", true, time.Now())
	e, _, _ = tier.Get(ctx, "k")
	if e.FailStreak != 0 {
		t.Errorf("fail streak after success = %d, want 0", e.FailStreak)
	}
	if e.LastSuccessAt.IsZero() {
		t.Error("success must stamp last_success_at")
	}
}

func TestSQLiteSourceHealth(t *testing.T) {
	tier, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tier.Close()
	ctx := context.Background()

	tier.RecordSourceAttempt(ctx, "portal-a", nil)
	tier.RecordSourceAttempt(ctx, "portal-a", errors.New("http status 503"))
	tier.RecordSourceAttempt(ctx, "portal-b", nil)

	report, err := tier.SourceHealthReport(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("rows = %d, want 2", len(report))
	}
	a := report[0]
	if a.SourceID != "portal-a" || a.Attempts != 2 || a.Failures != 1 {
		t.Errorf("portal-a = %+v", a)
	}
	if a.LastError != "http status 503" {
		t.Errorf("last error = %q", a.LastError)
	}
}

func TestSQLiteEvict(t *testing.T) {
	tier, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tier.Close()
	ctx := context.Background()

	tier.Put(ctx, "old", sampleEntry(48*time.Hour))
	tier.Put(ctx, "recent", sampleEntry(time.Hour))

	n, err := tier.Evict(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if _, found, _ := tier.Get(ctx, "recent"); !found {
		t.Error("recent entry must survive eviction")
	}
}

func TestGuidanceTextNamesTheProblem(t *testing.T) {
	g := GuidanceText(5, 5)
	for _, want := range []string{"unreachable", "Retry", "not an empty search result"} {
		if !strings.Contains(g, want) {
			t.Errorf("guidance %q missing %q", g, want)
		}
	}
}
