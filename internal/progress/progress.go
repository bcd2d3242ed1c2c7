// Package progress implements the lifecycle event state machine a search
// request publishes to any connected listener. Transitions are monotonic,
// percentages non-decreasing, and exactly one terminal event is emitted.
package progress

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pvallone/tenderscope/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stage is one lifecycle state of a search request.
type Stage string

const (
	StageConnecting  Stage = "connecting"
	StageFetching    Stage = "fetching"
	StageFiltering   Stage = "filtering"
	StageClassifying Stage = "classifying"
	StageReporting   Stage = "reporting"
	StageComplete    Stage = "complete"
	StageDegraded    Stage = "degraded"
	StageError       Stage = "error"

	// StageRevalidated is the optional out-of-band notification sent
	// when a background revalidation finishes while a listener for the
	// original request is still attached. Not part of the monotonic
	// chain and never terminal.
	StageRevalidated Stage = "revalidated"
)

// stageRank orders the monotonic chain. The three terminal stages share a
// rank: exactly one of them is ever published.
var stageRank = map[Stage]int{
	StageConnecting:  0,
	StageFetching:    1,
	StageFiltering:   2,
	StageClassifying: 3,
	StageReporting:   4,
	StageComplete:    5,
	StageDegraded:    5,
	StageError:       5,
}

// Terminal reports whether a stage ends the request lifecycle.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageDegraded || s == StageError
}

// Detail is the structured payload attached to an event.
type Detail struct {
	Reason          string `json:"reason,omitempty"`
	CacheAge        string `json:"cache_age,omitempty"`
	SourcesFailed   int    `json:"sources_failed,omitempty"`
	CoveragePercent int    `json:"coverage_percent,omitempty"`
}

// Event is one lifecycle notification.
type Event struct {
	RequestID string    `json:"request_id"`
	Stage     Stage     `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Detail    Detail    `json:"detail"`
	At        time.Time `json:"at"`
}

// TrackerStore is the shared registry progress state is mirrored into so
// listeners on other processing units stay consistent. Implemented by the
// Redis cache tier; nil disables mirroring.
type TrackerStore interface {
	PutTracker(ctx context.Context, requestID string, blob []byte, ttl time.Duration) error
}

// trackerTTL expires abandoned trackers from the shared registry.
const trackerTTL = 10 * time.Minute

// Publisher emits the event stream for one request. Safe for concurrent
// use; regressive or post-terminal publishes are ignored.
type Publisher struct {
	mu        sync.Mutex
	requestID string
	stage     Stage
	percent   int
	done      bool
	subs      []chan Event
	store     TrackerStore
}

// NewPublisher creates a publisher for one request id. store may be nil.
func NewPublisher(requestID string, store TrackerStore) *Publisher {
	return &Publisher{
		requestID: requestID,
		stage:     StageConnecting,
		store:     store,
	}
}

// Subscribe returns a channel receiving this request's events. Slow
// subscribers drop events rather than blocking the pipeline.
func (p *Publisher) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// HasListeners reports whether anyone is subscribed.
func (p *Publisher) HasListeners() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs) > 0
}

// Publish emits one event. Stage regressions are dropped, percentages
// clamp to non-decreasing, and nothing is emitted after the terminal
// event. Subscriber channels stay open; see Unsubscribe.
func (p *Publisher) Publish(stage Stage, percent int, message string, detail Detail) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	if stageRank[stage] < stageRank[p.stage] {
		logging.Debug("dropping regressive progress event",
			"request", p.requestID, "from", p.stage, "to", stage)
		p.mu.Unlock()
		return
	}
	if percent < p.percent {
		percent = p.percent
	}
	if percent > 100 {
		percent = 100
	}
	p.stage = stage
	p.percent = percent

	ev := Event{
		RequestID: p.requestID,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Detail:    detail,
		At:        time.Now(),
	}

	if stage.Terminal() {
		p.done = true
	}
	subs := make([]chan Event, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	p.mirror(ev)
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logging.Debug("progress subscriber full, dropping event",
				"request", p.requestID, "stage", stage)
		}
	}
}

// Unsubscribe removes a subscriber channel and closes it. Channels stay
// open past the terminal event so the optional revalidated notification
// can still be delivered; listeners decide when to detach.
func (p *Publisher) Unsubscribe(ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.subs {
		if sub == ch {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// PublishRevalidated sends the optional revalidated notification to any
// still-attached listener. Absence of a listener is not an error; this
// bypasses the monotonic chain entirely.
func (p *Publisher) PublishRevalidated(detail Detail) {
	p.mu.Lock()
	subs := make([]chan Event, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	ev := Event{
		RequestID: p.requestID,
		Stage:     StageRevalidated,
		Percent:   100,
		Message:   "cached entry refreshed",
		Detail:    detail,
		At:        time.Now(),
	}
	p.mirror(ev)
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Stage returns the current stage.
func (p *Publisher) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// mirror writes the latest event into the shared tracker registry.
func (p *Publisher) mirror(ev Event) {
	if p.store == nil {
		return
	}
	blob, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.PutTracker(ctx, p.requestID, blob, trackerTTL); err != nil {
		logging.Debug("tracker mirror failed", "request", p.requestID, "error", err)
	}
}
