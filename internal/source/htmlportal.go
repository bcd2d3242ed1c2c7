package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pvallone/tenderscope/internal/model"
)

// HTMLPortalAdapter scrapes a portal that only publishes notices as an
// HTML listing page. Selectors describe where the fields live; pagination
// follows a rel=next link.
type HTMLPortalAdapter struct {
	id        string
	priority  int
	baseURL   string // listing URL with a %s verb for the partition
	selectors HTMLSelectors
	client    *http.Client
}

// HTMLSelectors names the CSS selectors for one portal's listing markup.
type HTMLSelectors struct {
	Row         string // one notice per match
	Title       string
	Description string
	Value       string
	OpeningDate string
	NoticeID    string // attribute "data-id" on the row when empty
	NextLink    string // anchor whose href is the next page
}

// DefaultHTMLSelectors matches the markup shared by the state portals we
// scrape today.
func DefaultHTMLSelectors() HTMLSelectors {
	return HTMLSelectors{
		Row:         "table.listing tr.notice",
		Title:       "td.title a",
		Description: "td.description",
		Value:       "td.value",
		OpeningDate: "td.opening",
		NextLink:    "a.next",
	}
}

// NewHTMLPortalAdapter creates a scraping adapter.
func NewHTMLPortalAdapter(id string, priority int, baseURL string, sel HTMLSelectors) *HTMLPortalAdapter {
	return &HTMLPortalAdapter{
		id:        id,
		priority:  priority,
		baseURL:   baseURL,
		selectors: sel,
		client:    newHTTPClient(),
	}
}

func (a *HTMLPortalAdapter) ID() string    { return a.id }
func (a *HTMLPortalAdapter) Priority() int { return a.priority }

// FetchPage scrapes one listing page. pageToken is the absolute URL of
// the page to fetch; empty means the partition's first page.
func (a *HTMLPortalAdapter) FetchPage(ctx context.Context, partition, pageToken string) ([]model.Notice, string, error) {
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	pageURL := pageToken
	if pageURL == "" {
		pageURL = fmt.Sprintf(a.baseURL, url.PathEscape(partition))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", permanentErr(a.id, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", retryableErr(a.id, fmt.Errorf("fetch page: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(a.id, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", retryableErr(a.id, fmt.Errorf("parse html: %w", err))
	}

	now := time.Now()
	var records []model.Notice
	doc.Find(a.selectors.Row).Each(func(_ int, row *goquery.Selection) {
		records = append(records, a.convertRow(row, partition, now))
	})

	next := ""
	if href, ok := doc.Find(a.selectors.NextLink).First().Attr("href"); ok {
		next = resolveRef(pageURL, href)
	}
	return records, next, nil
}

// convertRow extracts one notice from a listing row.
func (a *HTMLPortalAdapter) convertRow(row *goquery.Selection, partition string, fetched time.Time) model.Notice {
	id, _ := row.Attr("data-id")
	if a.selectors.NoticeID != "" {
		id = text(row, a.selectors.NoticeID)
	}
	return model.Notice{
		ID:             id,
		Title:          text(row, a.selectors.Title),
		Description:    text(row, a.selectors.Description),
		EstimatedValue: parseMoney(text(row, a.selectors.Value)),
		Modality:       model.ModalityUnknown,
		Status:         model.StatusOpen,
		OpeningDate:    parseDate(text(row, a.selectors.OpeningDate)),
		SourceID:       a.id,
		Partition:      partition,
		FetchedAt:      fetched,
	}
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

// parseMoney strips currency symbols and separators: "R$ 1.234,56" -> 1234.56.
func parseMoney(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// resolveRef resolves a possibly relative href against the page URL.
func resolveRef(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
