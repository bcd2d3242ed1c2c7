package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/pvallone/tenderscope/internal/model"
)

// RSSAdapter consumes a portal that publishes procurement notices as an
// RSS/Atom feed, one feed URL per partition. Feeds are not paginated, so
// every fetch is a single page.
type RSSAdapter struct {
	id       string
	priority int
	// feedURLs maps partition -> feed URL. Partitions without a feed
	// are an upstream rejection, not an empty result.
	feedURLs map[string]string
	client   *http.Client
	parser   *gofeed.Parser
}

// NewRSSAdapter creates an adapter over per-partition feed URLs.
func NewRSSAdapter(id string, priority int, feedURLs map[string]string) *RSSAdapter {
	urls := make(map[string]string, len(feedURLs))
	for k, v := range feedURLs {
		urls[k] = v
	}
	return &RSSAdapter{
		id:       id,
		priority: priority,
		feedURLs: urls,
		client:   newHTTPClient(),
		parser:   gofeed.NewParser(),
	}
}

func (a *RSSAdapter) ID() string    { return a.id }
func (a *RSSAdapter) Priority() int { return a.priority }

// FetchPage retrieves the partition's whole feed. next is always empty.
func (a *RSSAdapter) FetchPage(ctx context.Context, partition, pageToken string) ([]model.Notice, string, error) {
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	feedURL, ok := a.feedURLs[partition]
	if !ok {
		return nil, "", permanentErr(a.id, fmt.Errorf("no feed configured for partition %q", partition))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, "", permanentErr(a.id, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", retryableErr(a.id, fmt.Errorf("fetch feed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(a.id, resp.StatusCode)
	}

	feed, err := a.parser.Parse(resp.Body)
	if err != nil {
		return nil, "", retryableErr(a.id, fmt.Errorf("parse feed: %w", err))
	}

	now := time.Now()
	records := make([]model.Notice, 0, len(feed.Items))
	for _, item := range feed.Items {
		records = append(records, a.convert(item, partition, now))
	}
	return records, "", nil
}

// convert maps a feed item onto a notice. Feeds carry no value or
// modality metadata, so those stay at their zero/unknown values.
func (a *RSSAdapter) convert(item *gofeed.Item, partition string, fetched time.Time) model.Notice {
	opening := fetched
	if item.PublishedParsed != nil {
		opening = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		opening = *item.UpdatedParsed
	}

	id := item.GUID
	if id == "" {
		id = feedItemID(item)
	}

	return model.Notice{
		ID:          id,
		Title:       strings.TrimSpace(item.Title),
		Description: strings.TrimSpace(item.Description),
		Modality:    model.ModalityUnknown,
		Status:      model.StatusOpen,
		OpeningDate: opening,
		SourceID:    a.id,
		Partition:   partition,
		FetchedAt:   fetched,
	}
}

// feedItemID derives a deterministic id when the feed omits a GUID.
func feedItemID(item *gofeed.Item) string {
	key := item.Link
	if key == "" {
		key = item.Title
		if item.PublishedParsed != nil {
			key += item.PublishedParsed.String()
		}
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}
