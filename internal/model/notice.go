// Package model defines the core domain types for tenderscope: search
// requests, normalized procurement notices, and the response envelope
// returned by the orchestrator.
package model

import (
	"time"
)

// Modality is the contracting modality of a procurement notice
// (open bid, reverse auction, direct award, ...). Values are portal
// specific and normalized by the source adapters.
type Modality string

const (
	ModalityOpenBid        Modality = "open_bid"
	ModalityReverseAuction Modality = "reverse_auction"
	ModalityDirectAward    Modality = "direct_award"
	ModalityUnknown        Modality = "unknown"
)

// NoticeStatus is the lifecycle status of a notice as reported upstream.
type NoticeStatus string

const (
	StatusOpen      NoticeStatus = "open"
	StatusClosed    NoticeStatus = "closed"
	StatusSuspended NoticeStatus = "suspended"
	StatusUnknown   NoticeStatus = "unknown"
)

// Notice is one normalized procurement-opportunity listing. Created by a
// source adapter and never mutated after creation; the consolidator owns
// notices until they are merged into a result set.
type Notice struct {
	ID             string       `json:"id"` // registry identifier, unique within a source
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	EstimatedValue float64      `json:"estimated_value,omitempty"` // 0 when the portal does not publish one
	Modality       Modality     `json:"modality"`
	Status         NoticeStatus `json:"status"`
	OpeningDate    time.Time    `json:"opening_date"`
	ClosingDate    time.Time    `json:"closing_date"`
	SourceID       string       `json:"source_id"` // originating source id
	Partition      string       `json:"partition"` // geographic partition the notice came from
	FetchedAt      time.Time    `json:"fetched_at"`
}

// Text returns the searchable text of a notice: title plus description.
// Classification evidence snippets are validated against this string.
func (n Notice) Text() string {
	if n.Description == "" {
		return n.Title
	}
	return n.Title + "\n" + n.Description
}

// DupKey identifies the same notice across sources. The registry id wins
// when present; otherwise title + partition + opening date.
func (n Notice) DupKey() string {
	if n.ID != "" {
		return n.ID
	}
	return n.Title + "|" + n.Partition + "|" + n.OpeningDate.Format("2006-01-02")
}
