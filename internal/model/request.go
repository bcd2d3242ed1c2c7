package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateRange bounds the opening dates a search is interested in.
type DateRange struct {
	From time.Time
	To   time.Time
}

// SearchRequest describes one consolidated search. Immutable once accepted:
// the orchestrator copies the partition slice at construction.
type SearchRequest struct {
	SectorID      string
	Partitions    []string // geographic partitions, non-empty
	Dates         DateRange
	Terms         []string // free-text terms
	CorrelationID string
}

// NewSearchRequest builds a request with a fresh correlation id. The
// partition and term slices are copied; callers may reuse theirs.
func NewSearchRequest(sectorID string, partitions []string, dates DateRange, terms []string) SearchRequest {
	p := make([]string, len(partitions))
	copy(p, partitions)
	t := make([]string, len(terms))
	copy(t, terms)
	return SearchRequest{
		SectorID:      sectorID,
		Partitions:    p,
		Dates:         dates,
		Terms:         t,
		CorrelationID: uuid.NewString(),
	}
}

// Validate rejects structurally unusable requests.
func (r SearchRequest) Validate() error {
	if r.SectorID == "" {
		return fmt.Errorf("search request: sector id is required")
	}
	if len(r.Partitions) == 0 {
		return fmt.Errorf("search request: at least one partition is required")
	}
	return nil
}

// CacheKey returns a stable hash of the request's identity fields
// (sector, partitions, date range, terms). Partition and term order do
// not affect the key; the correlation id never participates.
func (r SearchRequest) CacheKey() string {
	parts := make([]string, len(r.Partitions))
	copy(parts, r.Partitions)
	sort.Strings(parts)

	terms := make([]string, len(r.Terms))
	for i, t := range r.Terms {
		terms[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sort.Strings(terms)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		r.SectorID,
		strings.Join(parts, ","),
		r.Dates.From.UTC().Format("2006-01-02"),
		r.Dates.To.UTC().Format("2006-01-02"),
		strings.Join(terms, ","),
	)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
