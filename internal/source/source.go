// Package source defines the adapter contract for external procurement
// portals and the concrete adapters tenderscope ships with.
//
// An adapter normalizes one portal's paginated responses into model.Notice
// records. Adapters classify their own errors as retryable or not; the
// consolidator only branches on that classification, never on portal
// specifics.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pvallone/tenderscope/internal/model"
)

// Adapter fetches one page of notices for one partition. pageToken is
// empty for the first page; an empty next token ends pagination.
type Adapter interface {
	// ID returns the stable source identifier.
	ID() string
	// Priority orders duplicate resolution; higher wins.
	Priority() int
	// FetchPage retrieves a single page of normalized notices.
	FetchPage(ctx context.Context, partition, pageToken string) (records []model.Notice, next string, err error)
}

// ErrNonRetryable marks upstream rejections that retrying cannot fix
// (malformed request, unknown partition). These still count as failures:
// an upstream rejection must never look like "no matching data".
var ErrNonRetryable = errors.New("non-retryable source error")

// Error wraps an adapter failure with its source and retry class.
type Error struct {
	SourceID  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	class := "retryable"
	if !e.Retryable {
		class = "non-retryable"
	}
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNonRetryable) match non-retryable failures.
func (e *Error) Is(target error) bool {
	return target == ErrNonRetryable && !e.Retryable
}

// retryableErr and permanentErr build classified adapter errors.
func retryableErr(sourceID string, err error) error {
	return &Error{SourceID: sourceID, Retryable: true, Err: err}
}

func permanentErr(sourceID string, err error) error {
	return &Error{SourceID: sourceID, Retryable: false, Err: err}
}

// IsRetryable reports whether a failed call is worth one more attempt.
// Unknown errors default to retryable; deadline expiry is handled by the
// caller before this is consulted.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// classifyStatus maps an HTTP status to a retry class. 4xx responses
// other than timeout/rate-limit are upstream rejections.
func classifyStatus(sourceID string, status int) error {
	err := fmt.Errorf("http status %d", status)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return retryableErr(sourceID, err)
	case status >= 500:
		return retryableErr(sourceID, err)
	default:
		return permanentErr(sourceID, err)
	}
}

// newHTTPClient builds the shared client adapters use. Per-call deadlines
// come from the request context, so no client-level timeout is set.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

const userAgent = "tenderscope/1.0 (+https://github.com/pvallone/tenderscope)"

// Registry holds the configured adapters keyed by source id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering an id replaces the previous
// adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a source id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns every registered adapter sorted by id for deterministic
// iteration.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
