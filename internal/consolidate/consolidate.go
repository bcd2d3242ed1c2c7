// Package consolidate fans a search request out across every configured
// source and geographic partition, tolerating partial failure, and merges
// whatever came back into one deterministic result set.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pvallone/tenderscope/internal/breaker"
	"github.com/pvallone/tenderscope/internal/deadline"
	"github.com/pvallone/tenderscope/internal/limiter"
	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
	"github.com/pvallone/tenderscope/internal/source"
)

// ErrBreakerOpen marks a partition skipped because its source's circuit
// breaker is fast-failing.
var ErrBreakerOpen = errors.New("circuit breaker open")

// maxPagesPerPartition bounds runaway pagination from a misbehaving portal.
const maxPagesPerPartition = 50

// AttemptRecorder receives per-source fetch outcomes for health
// bookkeeping. Optional; a nil recorder disables it.
type AttemptRecorder interface {
	RecordSourceAttempt(ctx context.Context, sourceID string, fetchErr error) error
}

// Result is the merged outcome of one consolidation.
type Result struct {
	Notices []model.Notice

	// IsPartial is true when at least one partition failed but at least
	// one succeeded.
	IsPartial bool

	PartitionsTotal  int
	PartitionsFailed int
	SourcesTotal     int
	SourcesFailed    int
}

// TotalFailure reports whether zero partitions produced usable data.
func (r Result) TotalFailure() bool {
	return r.PartitionsTotal > 0 && r.PartitionsFailed == r.PartitionsTotal
}

// Consolidator coordinates the fan-out. Breakers and limiters are the only
// state shared with concurrent requests; everything else is per call.
type Consolidator struct {
	registry  *source.Registry
	breakers  *breaker.Registry
	limiters  *limiter.Registry
	deadlines *deadline.Manager
	recorder  AttemptRecorder

	// MaxInFlight caps concurrent dispatches at each fan-out level.
	MaxInFlight int
}

// New creates a Consolidator. recorder may be nil.
func New(reg *source.Registry, brk *breaker.Registry, lim *limiter.Registry, dm *deadline.Manager, recorder AttemptRecorder, maxInFlight int) *Consolidator {
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	return &Consolidator{
		registry:    reg,
		breakers:    brk,
		limiters:    lim,
		deadlines:   dm,
		recorder:    recorder,
		MaxInFlight: maxInFlight,
	}
}

// partitionOutcome is one (source, partition) lane's result.
type partitionOutcome struct {
	sourceID  string
	partition string
	notices   []model.Notice
	err       error
}

// Consolidate runs the fan-out under the consolidation budget. A partition
// failure or timeout never aborts sibling lanes; the merge step is
// deterministic given the set of completed lanes. onPartition, when
// non-nil, receives the running lane completion count for progress
// reporting.
func (c *Consolidator) Consolidate(ctx context.Context, req model.SearchRequest, onPartition func(done, total int)) Result {
	conCtx, cancel := c.deadlines.WithLayer(ctx, deadline.LayerConsolidation)
	defer cancel()

	adapters := c.registry.All()
	total := len(adapters) * len(req.Partitions)

	var (
		mu       sync.Mutex
		outcomes = make([]partitionOutcome, 0, total)
		done     int
	)

	var g errgroup.Group
	g.SetLimit(c.MaxInFlight)

	for _, a := range adapters {
		g.Go(func() error {
			srcCtx, srcCancel := c.deadlines.WithLayer(conCtx, deadline.LayerSource)
			defer srcCancel()

			var pg errgroup.Group
			pg.SetLimit(c.MaxInFlight)
			var srcErr error
			var srcMu sync.Mutex

			for _, part := range req.Partitions {
				pg.Go(func() error {
					notices, err := c.fetchPartition(srcCtx, a, part)

					mu.Lock()
					outcomes = append(outcomes, partitionOutcome{
						sourceID:  a.ID(),
						partition: part,
						notices:   notices,
						err:       err,
					})
					done++
					d, t := done, total
					mu.Unlock()

					if onPartition != nil {
						onPartition(d, t)
					}
					if err != nil {
						srcMu.Lock()
						srcErr = err
						srcMu.Unlock()
					}
					return nil // lane failures never abort siblings
				})
			}
			_ = pg.Wait()

			if c.recorder != nil {
				if err := c.recorder.RecordSourceAttempt(context.WithoutCancel(conCtx), a.ID(), srcErr); err != nil {
					logging.Warn("source health record failed", "source", a.ID(), "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return c.merge(req, outcomes)
}

// fetchPartition paginates one (source, partition) lane under the
// partition budget, gating each page on the breaker and rate limiter.
func (c *Consolidator) fetchPartition(ctx context.Context, a source.Adapter, partition string) ([]model.Notice, error) {
	partCtx, cancel := c.deadlines.WithLayer(ctx, deadline.LayerPartition)
	defer cancel()

	brk := c.breakers.For(a.ID())

	var all []model.Notice
	pageToken := ""
	for page := 0; page < maxPagesPerPartition; page++ {
		if err := partCtx.Err(); err != nil {
			return nil, c.layerErr(partCtx, deadline.LayerPartition, err)
		}

		records, next, err := c.fetchPage(partCtx, a, brk, partition, pageToken)
		if err != nil {
			// A failed or timed-out lane contributes nothing; partial
			// pages would make the merge depend on timing.
			return nil, err
		}

		all = append(all, records...)
		if next == "" {
			return all, nil
		}
		pageToken = next
	}
	logging.Warn("pagination cap hit", "source", a.ID(), "partition", partition, "pages", maxPagesPerPartition)
	return all, nil
}

// fetchPage performs one gated page fetch with the adapter's retry policy:
// retryable errors get one more attempt, non-retryable errors are counted
// immediately. Either way a failure is a failure, never an empty success.
func (c *Consolidator) fetchPage(ctx context.Context, a source.Adapter, brk *breaker.Breaker, partition, pageToken string) ([]model.Notice, string, error) {
	attempts := 0
	for {
		attempts++

		if err := c.limiters.Wait(ctx, a.ID()); err != nil {
			return nil, "", c.layerErr(ctx, deadline.LayerPartition, err)
		}

		recordResult, ok := brk.Allow()
		if !ok {
			return nil, "", fmt.Errorf("source %s: %w", a.ID(), ErrBreakerOpen)
		}

		pageCtx, cancel := c.deadlines.WithLayer(ctx, deadline.LayerPage)
		records, next, err := a.FetchPage(pageCtx, partition, pageToken)
		cancel()

		if err == nil {
			recordResult(true)
			return records, next, nil
		}
		recordResult(false)

		if deadline.Exceeded(err) || ctx.Err() != nil {
			return nil, "", c.layerErr(ctx, deadline.LayerPartition, err)
		}
		if attempts >= 2 || !source.IsRetryable(err) {
			return nil, "", err
		}
		logging.Debug("retrying page fetch", "source", a.ID(), "partition", partition, "error", err)
	}
}

// layerErr prefers the typed deadline signal when the context expired.
func (c *Consolidator) layerErr(ctx context.Context, layer deadline.Layer, err error) error {
	if le := c.deadlines.Err(ctx, layer); le != nil {
		return le
	}
	return err
}

// merge combines lane outcomes into one Result. Duplicate notices across
// sources resolve by source priority, then most recent fetch, then source
// id, so identical lane sets always merge identically regardless of
// arrival order.
func (c *Consolidator) merge(req model.SearchRequest, outcomes []partitionOutcome) Result {
	res := Result{
		PartitionsTotal: len(outcomes),
		SourcesTotal:    len(c.registry.All()),
	}

	failedBySource := make(map[string]int)
	lanesBySource := make(map[string]int)

	byKey := make(map[string]model.Notice)
	for _, o := range outcomes {
		lanesBySource[o.sourceID]++
		if o.err != nil {
			res.PartitionsFailed++
			failedBySource[o.sourceID]++
			logging.Warn("partition failed",
				"source", o.sourceID, "partition", o.partition, "error", o.err)
			continue
		}
		for _, n := range o.notices {
			key := n.DupKey()
			cur, exists := byKey[key]
			if !exists || c.prefer(n, cur) {
				byKey[key] = n
			}
		}
	}

	for id, lanes := range lanesBySource {
		if failedBySource[id] == lanes {
			res.SourcesFailed++
		}
	}

	res.Notices = make([]model.Notice, 0, len(byKey))
	for _, n := range byKey {
		res.Notices = append(res.Notices, n)
	}
	sort.Slice(res.Notices, func(i, j int) bool {
		if res.Notices[i].SourceID != res.Notices[j].SourceID {
			return res.Notices[i].SourceID < res.Notices[j].SourceID
		}
		return res.Notices[i].ID < res.Notices[j].ID
	})

	res.IsPartial = res.PartitionsFailed > 0 && res.PartitionsFailed < res.PartitionsTotal
	logging.Info("consolidation finished",
		"correlation_id", req.CorrelationID,
		"notices", len(res.Notices),
		"partitions_failed", res.PartitionsFailed,
		"partitions_total", res.PartitionsTotal)
	return res
}

// prefer reports whether candidate should replace current for the same
// duplicate key.
func (c *Consolidator) prefer(candidate, current model.Notice) bool {
	cp, ok1 := c.registry.Get(candidate.SourceID)
	cu, ok2 := c.registry.Get(current.SourceID)
	if ok1 && ok2 && cp.Priority() != cu.Priority() {
		return cp.Priority() > cu.Priority()
	}
	if !candidate.FetchedAt.Equal(current.FetchedAt) {
		return candidate.FetchedAt.After(current.FetchedAt)
	}
	return candidate.SourceID < current.SourceID
}
