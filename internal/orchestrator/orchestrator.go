// Package orchestrator coordinates one search request end to end: nested
// deadlines, multi-source consolidation, relevance classification, the
// cache fallback cascade, background revalidation, and lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pvallone/tenderscope/internal/cache"
	"github.com/pvallone/tenderscope/internal/classify"
	"github.com/pvallone/tenderscope/internal/consolidate"
	"github.com/pvallone/tenderscope/internal/deadline"
	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
	"github.com/pvallone/tenderscope/internal/progress"
	"github.com/pvallone/tenderscope/internal/revalidate"
)

// ErrEdgeDeadline is returned when nothing (live or cached) is available
// and the edge-facing deadline has also lapsed. The only hard failure the
// orchestrator surfaces.
var ErrEdgeDeadline = fmt.Errorf("edge deadline exceeded with no usable data")

// publisherRetention keeps a request's publisher attachable after the
// terminal event so a late revalidated notification can still land.
const publisherRetention = 10 * time.Minute

// Orchestrator is the engine's entry point. Synchronous from the caller's
// point of view, internally concurrent.
type Orchestrator struct {
	deadlines    *deadline.Manager
	consolidator *consolidate.Consolidator
	engine       *classify.Engine
	hierarchy    *cache.Hierarchy
	revalidator  *revalidate.Revalidator
	trackers     progress.TrackerStore // optional

	mu         sync.Mutex
	publishers map[string]*progress.Publisher
}

// New wires an Orchestrator. trackers may be nil. The revalidator is set
// afterwards via SetRevalidator because its refetch path loops back here.
func New(dm *deadline.Manager, cons *consolidate.Consolidator, eng *classify.Engine, h *cache.Hierarchy, trackers progress.TrackerStore) *Orchestrator {
	return &Orchestrator{
		deadlines:    dm,
		consolidator: cons,
		engine:       eng,
		hierarchy:    h,
		trackers:     trackers,
		publishers:   make(map[string]*progress.Publisher),
	}
}

// SetRevalidator attaches the background revalidator.
func (o *Orchestrator) SetRevalidator(r *revalidate.Revalidator) {
	o.revalidator = r
}

// Refetch is the revalidation path: consolidate and classify without
// progress reporting or cache fallback. A total failure is an error so
// the revalidator never overwrites good data with an empty set.
func (o *Orchestrator) Refetch(ctx context.Context, req model.SearchRequest) ([]model.ScoredNotice, bool, error) {
	result := o.consolidator.Consolidate(ctx, req, nil)
	if result.TotalFailure() {
		return nil, false, fmt.Errorf("refetch: all %d partitions failed", result.PartitionsTotal)
	}
	scored := o.engine.ClassifyAll(ctx, result.Notices)
	return scored, result.IsPartial, nil
}

// Publisher returns the live publisher for a request id, if any. Used by
// the event streaming transport.
func (o *Orchestrator) Publisher(requestID string) (*progress.Publisher, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.publishers[requestID]
	return p, ok
}

// register tracks a publisher for listener attachment and schedules its
// removal after the retention window.
func (o *Orchestrator) register(requestID string, p *progress.Publisher) {
	o.mu.Lock()
	o.publishers[requestID] = p
	o.mu.Unlock()
	time.AfterFunc(publisherRetention, func() {
		o.mu.Lock()
		delete(o.publishers, requestID)
		o.mu.Unlock()
	})
}

// Execute runs one search request to a ResponseEnvelope. The envelope's
// State is always set; an error return is reserved for invalid requests
// and the edge-deadline-with-nothing case.
func (o *Orchestrator) Execute(ctx context.Context, req model.SearchRequest) (model.ResponseEnvelope, error) {
	if err := req.Validate(); err != nil {
		return model.ResponseEnvelope{}, err
	}

	pub := progress.NewPublisher(req.CorrelationID, o.trackers)
	o.register(req.CorrelationID, pub)

	edgeCtx, cancelEdge := o.deadlines.WithLayer(ctx, deadline.LayerEdge)
	defer cancelEdge()
	pipeCtx, cancelPipe := o.deadlines.WithLayer(edgeCtx, deadline.LayerPipeline)
	defer cancelPipe()

	pub.Publish(progress.StageConnecting, 0, "dispatching sources", progress.Detail{})
	pub.Publish(progress.StageFetching, 10, "fetching partitions", progress.Detail{})

	result := o.consolidator.Consolidate(pipeCtx, req, func(done, total int) {
		pct := 10 + done*50/max(total, 1)
		pub.Publish(progress.StageFetching, pct,
			fmt.Sprintf("%d of %d partitions resolved", done, total), progress.Detail{})
	})

	if result.TotalFailure() {
		return o.fallback(edgeCtx, req, pub, result)
	}

	pub.Publish(progress.StageFiltering, 65, "applying sector rules", progress.Detail{})
	pub.Publish(progress.StageClassifying, 75, "classifying ambiguous notices", progress.Detail{})
	scored := o.engine.ClassifyAll(pipeCtx, result.Notices)

	pub.Publish(progress.StageReporting, 95, "assembling response", progress.Detail{})

	now := time.Now()
	o.hierarchy.Put(context.WithoutCancel(edgeCtx), req.CacheKey(), cache.Entry{
		Records:       scored,
		IsPartial:     result.IsPartial,
		FetchedAt:     now,
		LastSuccessAt: now,
		LastAttemptAt: now,
	})

	env := model.ResponseEnvelope{
		Records:       scored,
		State:         model.StateLive,
		IsPartial:     result.IsPartial,
		CorrelationID: req.CorrelationID,
		SourcesFailed: result.SourcesFailed,
		SourcesTotal:  result.SourcesTotal,
	}

	coverage := 100
	if result.PartitionsTotal > 0 {
		coverage = (result.PartitionsTotal - result.PartitionsFailed) * 100 / result.PartitionsTotal
	}
	detail := progress.Detail{
		SourcesFailed:   result.SourcesFailed,
		CoveragePercent: coverage,
	}
	if result.IsPartial {
		// A partial merge is a caveated success, never plain complete.
		detail.Reason = "partial source coverage"
		pub.Publish(progress.StageDegraded, 100, "completed with partial coverage", detail)
	} else {
		pub.Publish(progress.StageComplete, 100, "completed", detail)
	}

	logging.Info("search completed",
		"correlation_id", req.CorrelationID,
		"state", env.State,
		"records", len(env.Records),
		"partial", env.IsPartial)
	return env, nil
}

// fallback runs the cache cascade after a live-fetch total failure. The
// first hit of any freshness is served as cached; a stale hit schedules a
// detached revalidation. With no hit anywhere the result is an
// empty_failure envelope, or a hard error if the edge deadline has lapsed.
func (o *Orchestrator) fallback(edgeCtx context.Context, req model.SearchRequest, pub *progress.Publisher, result consolidate.Result) (model.ResponseEnvelope, error) {
	key := req.CacheKey()
	// The cascade must still run when the failure was a blown deadline.
	lookupCtx := context.WithoutCancel(edgeCtx)

	entry, freshness, found := o.hierarchy.Get(lookupCtx, key)
	if found {
		o.hierarchy.UpdateHealth(lookupCtx, key, false, time.Now())

		age := entry.Age().Round(time.Second)
		env := model.ResponseEnvelope{
			Records:        entry.Records,
			State:          model.StateCached,
			IsPartial:      true,
			CorrelationID:  req.CorrelationID,
			CacheFreshness: freshness.String(),
			CacheAge:       age.String(),
			SourcesFailed:  result.SourcesFailed,
			SourcesTotal:   result.SourcesTotal,
		}

		if freshness == cache.Stale && o.revalidator != nil {
			o.revalidator.Trigger(req, pub)
		}

		pub.Publish(progress.StageDegraded, 100, "serving cached results", progress.Detail{
			Reason:        "live fetch failed, cache fallback",
			CacheAge:      age.String(),
			SourcesFailed: result.SourcesFailed,
		})
		logging.Warn("serving cached fallback",
			"correlation_id", req.CorrelationID,
			"freshness", freshness.String(),
			"age", age.String())
		return env, nil
	}

	if errors.Is(edgeCtx.Err(), context.DeadlineExceeded) {
		// Nothing live, nothing cached, and the edge budget is gone:
		// the one case that surfaces as a hard failure.
		pub.Publish(progress.StageError, 100, "no data available", progress.Detail{
			Reason:        "all sources failed, cache empty, edge deadline exceeded",
			SourcesFailed: result.SourcesFailed,
		})
		return model.ResponseEnvelope{}, ErrEdgeDeadline
	}
	if err := edgeCtx.Err(); err != nil {
		// The caller went away. Not a deadline failure; surface the
		// cancellation as-is.
		pub.Publish(progress.StageError, 100, "request canceled", progress.Detail{
			Reason:        "caller canceled the request",
			SourcesFailed: result.SourcesFailed,
		})
		return model.ResponseEnvelope{}, err
	}

	env := model.ResponseEnvelope{
		Records:       []model.ScoredNotice{},
		State:         model.StateEmptyFailure,
		CorrelationID: req.CorrelationID,
		Guidance:      cache.GuidanceText(result.SourcesFailed, result.SourcesTotal),
		SourcesFailed: result.SourcesFailed,
		SourcesTotal:  result.SourcesTotal,
	}
	pub.Publish(progress.StageDegraded, 100, "no live or cached data", progress.Detail{
		Reason:        "recoverable empty failure",
		SourcesFailed: result.SourcesFailed,
	})
	logging.Warn("empty failure envelope returned", "correlation_id", req.CorrelationID)
	return env, nil
}
