package model

import (
	"testing"
	"time"
)

func testRange() DateRange {
	return DateRange{
		From: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewSearchRequestCopiesSlices(t *testing.T) {
	partitions := []string{"nord", "sud"}
	terms := []string{"uniform"}
	req := NewSearchRequest("workwear", partitions, testRange(), terms)

	partitions[0] = "mutated"
	terms[0] = "mutated"

	if req.Partitions[0] != "nord" || req.Terms[0] != "uniform" {
		t.Error("request must not alias caller slices")
	}
	if req.CorrelationID == "" {
		t.Error("correlation id must be assigned")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
	}{
		{"valid", NewSearchRequest("workwear", []string{"nord"}, testRange(), nil), false},
		{"missing sector", NewSearchRequest("", []string{"nord"}, testRange(), nil), true},
		{"no partitions", NewSearchRequest("workwear", nil, testRange(), nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCacheKeyIgnoresOrderingAndCorrelation(t *testing.T) {
	a := NewSearchRequest("workwear", []string{"nord", "sud"}, testRange(), []string{"Uniform", "vest"})
	b := NewSearchRequest("workwear", []string{"sud", "nord"}, testRange(), []string{"vest", " uniform "})

	if a.CorrelationID == b.CorrelationID {
		t.Fatal("distinct requests should have distinct correlation ids")
	}
	if a.CacheKey() != b.CacheKey() {
		t.Errorf("cache keys should match regardless of partition/term order and case:\n%s\n%s",
			a.CacheKey(), b.CacheKey())
	}
}

func TestCacheKeySeparatesIdentityFields(t *testing.T) {
	base := NewSearchRequest("workwear", []string{"nord"}, testRange(), []string{"uniform"})

	otherSector := base
	otherSector.SectorID = "catering"
	if base.CacheKey() == otherSector.CacheKey() {
		t.Error("sector must participate in the cache key")
	}

	otherDates := base
	otherDates.Dates.To = otherDates.Dates.To.AddDate(0, 1, 0)
	if base.CacheKey() == otherDates.CacheKey() {
		t.Error("date range must participate in the cache key")
	}

	otherTerms := NewSearchRequest("workwear", []string{"nord"}, testRange(), []string{"coverall"})
	if base.CacheKey() == otherTerms.CacheKey() {
		t.Error("terms must participate in the cache key")
	}
}

func TestNoticeText(t *testing.T) {
	n := Notice{Title: "Uniform supply", Description: "500 safety vests"}
	if got := n.Text(); got != "Uniform supply\n500 safety vests" {
		t.Errorf("Text() = %q", got)
	}
	n.Description = ""
	if got := n.Text(); got != "Uniform supply" {
		t.Errorf("Text() without description = %q", got)
	}
}

func TestDupKey(t *testing.T) {
	opening := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	withID := Notice{ID: "reg-42", Title: "Uniforms", Partition: "nord", OpeningDate: opening}
	if withID.DupKey() != "reg-42" {
		t.Errorf("registry id should win, got %q", withID.DupKey())
	}

	noID := Notice{Title: "Uniforms", Partition: "nord", OpeningDate: opening}
	same := Notice{Title: "Uniforms", Partition: "nord", OpeningDate: opening, SourceID: "other"}
	if noID.DupKey() != same.DupKey() {
		t.Error("same title/partition/date must collide regardless of source")
	}
}
