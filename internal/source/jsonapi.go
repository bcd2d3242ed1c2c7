package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pvallone/tenderscope/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONAPIAdapter consumes a portal exposing a paginated JSON listing API:
// GET {base}?partition=X&page=T returns {"notices": [...], "next_page": "..."}.
type JSONAPIAdapter struct {
	id       string
	priority int
	baseURL  string
	client   *http.Client
}

// NewJSONAPIAdapter creates an adapter for a JSON portal API.
func NewJSONAPIAdapter(id string, priority int, baseURL string) *JSONAPIAdapter {
	return &JSONAPIAdapter{
		id:       id,
		priority: priority,
		baseURL:  baseURL,
		client:   newHTTPClient(),
	}
}

func (a *JSONAPIAdapter) ID() string    { return a.id }
func (a *JSONAPIAdapter) Priority() int { return a.priority }

// jsonNotice is the wire shape of one listing.
type jsonNotice struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	EstimatedValue float64 `json:"estimated_value"`
	Modality       string  `json:"modality"`
	Status         string  `json:"status"`
	OpeningDate    string  `json:"opening_date"`
	ClosingDate    string  `json:"closing_date"`
}

// jsonPage is the wire shape of one page.
type jsonPage struct {
	Notices  []jsonNotice `json:"notices"`
	NextPage string       `json:"next_page"`
}

// FetchPage retrieves one page for a partition.
func (a *JSONAPIAdapter) FetchPage(ctx context.Context, partition, pageToken string) ([]model.Notice, string, error) {
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, "", permanentErr(a.id, fmt.Errorf("parse base url: %w", err))
	}
	q := u.Query()
	q.Set("partition", partition)
	if pageToken != "" {
		q.Set("page", pageToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", permanentErr(a.id, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", retryableErr(a.id, fmt.Errorf("fetch page: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", classifyStatus(a.id, resp.StatusCode)
	}

	var page jsonPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", retryableErr(a.id, fmt.Errorf("decode page: %w", err))
	}

	now := time.Now()
	records := make([]model.Notice, 0, len(page.Notices))
	for _, n := range page.Notices {
		records = append(records, a.convert(n, partition, now))
	}
	return records, page.NextPage, nil
}

// convert normalizes one wire notice.
func (a *JSONAPIAdapter) convert(n jsonNotice, partition string, fetched time.Time) model.Notice {
	return model.Notice{
		ID:             n.ID,
		Title:          n.Title,
		Description:    n.Description,
		EstimatedValue: n.EstimatedValue,
		Modality:       parseModality(n.Modality),
		Status:         parseStatus(n.Status),
		OpeningDate:    parseDate(n.OpeningDate),
		ClosingDate:    parseDate(n.ClosingDate),
		SourceID:       a.id,
		Partition:      partition,
		FetchedAt:      fetched,
	}
}

// parseDate accepts the date layouts regional portals actually emit.
func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseModality(s string) model.Modality {
	switch s {
	case "open_bid", "concorrencia":
		return model.ModalityOpenBid
	case "reverse_auction", "pregao":
		return model.ModalityReverseAuction
	case "direct_award", "dispensa":
		return model.ModalityDirectAward
	default:
		return model.ModalityUnknown
	}
}

func parseStatus(s string) model.NoticeStatus {
	switch s {
	case "open", "published":
		return model.StatusOpen
	case "closed", "finished":
		return model.StatusClosed
	case "suspended":
		return model.StatusSuspended
	default:
		return model.StatusUnknown
	}
}
