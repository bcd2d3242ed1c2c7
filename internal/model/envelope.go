package model

// ResponseState classifies how the record set in a ResponseEnvelope was
// obtained. empty_failure means "we found nothing because everything
// failed" and is never used for a legitimately empty successful search.
type ResponseState string

const (
	StateLive         ResponseState = "live"
	StateCached       ResponseState = "cached"
	StateDegraded     ResponseState = "degraded"
	StateEmptyFailure ResponseState = "empty_failure"
)

// ScoredNotice pairs a notice with its classification outcome for ranking
// and auditing.
type ScoredNotice struct {
	Notice     Notice   `json:"notice"`
	Confidence int      `json:"confidence"` // 0-100
	Evidence   []string `json:"evidence,omitempty"` // literal substrings of the notice text, at most 3
}

// ResponseEnvelope is what the orchestrator hands back to the caller.
type ResponseEnvelope struct {
	Records       []ScoredNotice
	State         ResponseState
	IsPartial     bool
	CorrelationID string

	// Cache provenance, set when State is cached.
	CacheFreshness string // "fresh", "stale", "expired"
	CacheAge       string // human-readable age of the served entry

	// Guidance is degradation guidance text, required when State is
	// empty_failure so the caller never renders a bare blank result.
	Guidance string

	// SourcesFailed / SourcesTotal describe fetch coverage.
	SourcesFailed int
	SourcesTotal  int
}
