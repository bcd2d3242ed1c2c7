// Package deadline implements the nested timeout hierarchy for search
// orchestration. A Budget holds one duration per layer, outermost to
// innermost; the Manager validates the hierarchy once at startup and
// derives per-layer child contexts from it at request time.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Layer names one level of the timeout hierarchy, outermost first.
type Layer string

const (
	LayerEdge          Layer = "edge"
	LayerPipeline      Layer = "pipeline"
	LayerConsolidation Layer = "consolidation"
	LayerSource        Layer = "source"
	LayerPartition     Layer = "partition"
	LayerPage          Layer = "page"
)

// layerOrder is the outer-to-inner nesting used for validation.
var layerOrder = []Layer{
	LayerEdge,
	LayerPipeline,
	LayerConsolidation,
	LayerSource,
	LayerPartition,
	LayerPage,
}

// ErrExceeded is the sentinel all layer-expiry errors match via errors.Is.
// Callers branch on this distinctly from ordinary fetch failures.
var ErrExceeded = errors.New("deadline exceeded")

// ExceededError reports which layer's budget ran out.
type ExceededError struct {
	Layer Layer
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("deadline exceeded at %s layer", e.Layer)
}

// Is lets errors.Is(err, ErrExceeded) match any layer's expiry.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded || target == context.DeadlineExceeded
}

// Budget is the configured duration for every layer plus the margin each
// outer layer must exceed its inner neighbor by.
type Budget struct {
	Edge          time.Duration `json:"edge"`
	Pipeline      time.Duration `json:"pipeline"`
	Consolidation time.Duration `json:"consolidation"`
	Source        time.Duration `json:"source"`
	Partition     time.Duration `json:"partition"`
	Page          time.Duration `json:"page"`
	Margin        time.Duration `json:"margin"`
}

// DefaultBudget returns the shipped timeout hierarchy. Deployment-specific
// tuning belongs in config, not here.
func DefaultBudget() Budget {
	return Budget{
		Edge:          60 * time.Second,
		Pipeline:      45 * time.Second,
		Consolidation: 30 * time.Second,
		Source:        20 * time.Second,
		Partition:     12 * time.Second,
		Page:          6 * time.Second,
		Margin:        2 * time.Second,
	}
}

// layer returns the configured duration for a layer.
func (b Budget) layer(l Layer) time.Duration {
	switch l {
	case LayerEdge:
		return b.Edge
	case LayerPipeline:
		return b.Pipeline
	case LayerConsolidation:
		return b.Consolidation
	case LayerSource:
		return b.Source
	case LayerPartition:
		return b.Partition
	case LayerPage:
		return b.Page
	}
	return 0
}

// Validate checks that every outer layer strictly exceeds its inner
// neighbor plus the margin. Invalid hierarchies must fail at startup,
// never surface as confusing runtime timeouts.
func (b Budget) Validate() error {
	if b.Margin < 0 {
		return fmt.Errorf("deadline budget: margin must be non-negative, got %v", b.Margin)
	}
	for _, l := range layerOrder {
		if b.layer(l) <= 0 {
			return fmt.Errorf("deadline budget: %s layer must be positive, got %v", l, b.layer(l))
		}
	}
	for i := 0; i < len(layerOrder)-1; i++ {
		outer, inner := layerOrder[i], layerOrder[i+1]
		if b.layer(outer) < b.layer(inner)+b.Margin {
			return fmt.Errorf("deadline budget: %s (%v) must exceed %s (%v) by at least the %v margin",
				outer, b.layer(outer), inner, b.layer(inner), b.Margin)
		}
	}
	return nil
}

// Manager derives layer-bounded child contexts from a validated Budget.
type Manager struct {
	budget Budget
}

// NewManager validates the budget and returns a Manager. A nil Manager is
// never returned alongside a nil error.
func NewManager(b Budget) (*Manager, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Manager{budget: b}, nil
}

// Budget returns the validated budget.
func (m *Manager) Budget() Budget { return m.budget }

// WithLayer returns a child context bound to the smaller of the parent's
// remaining time and the layer's configured timeout. The cancel function
// must always be called.
func (m *Manager) WithLayer(parent context.Context, l Layer) (context.Context, context.CancelFunc) {
	d := m.budget.layer(l)
	if remaining, ok := Remaining(parent); ok && remaining < d {
		d = remaining
	}
	return context.WithTimeout(parent, d)
}

// Err translates a context expiry into the typed layer signal. Returns nil
// when the context is still live or was cancelled for another reason.
func (m *Manager) Err(ctx context.Context, l Layer) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExceededError{Layer: l}
	}
	return nil
}

// Remaining reports how much budget is left on a context. ok is false when
// the context carries no deadline.
func Remaining(ctx context.Context) (time.Duration, bool) {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(dl), true
}

// Exceeded reports whether err represents a deadline expiry of any layer.
func Exceeded(err error) bool {
	return errors.Is(err, ErrExceeded) || errors.Is(err, context.DeadlineExceeded)
}
