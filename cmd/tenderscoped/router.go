package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/pvallone/tenderscope/internal/cache"
	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/model"
	"github.com/pvallone/tenderscope/internal/orchestrator"
	"github.com/pvallone/tenderscope/internal/progress"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// searchRequestBody is the JSON shape of POST /api/search.
type searchRequestBody struct {
	SectorID   string   `json:"sector_id"`
	Partitions []string `json:"partitions"`
	DateFrom   string   `json:"date_from"` // YYYY-MM-DD
	DateTo     string   `json:"date_to"`
	Terms      []string `json:"terms"`
}

func newRouter(orch *orchestrator.Orchestrator, durable *cache.SQLiteTier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/api/search", handleSearch(orch))
	r.Get("/api/search/{id}/events", handleEvents(orch))
	r.Get("/api/sources/health", handleSourceHealth(durable))

	return r
}

// handleSearch runs one consolidated search synchronously. The response
// always carries a typed response_state; HTTP failure is reserved for
// invalid requests and the edge-deadline-with-nothing case.
func handleSearch(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body searchRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		req := model.NewSearchRequest(body.SectorID, body.Partitions, parseDateRange(body), body.Terms)
		if err := req.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// The request id is returned in a header immediately usable for
		// attaching an event listener from another connection.
		w.Header().Set("X-Request-Id", req.CorrelationID)

		env, err := orch.Execute(r.Context(), req)
		if err != nil {
			logging.Error("search failed", "correlation_id", req.CorrelationID, "error", err)
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(toWire(env)); err != nil {
			logging.Warn("encode response failed", "error", err)
		}
	}
}

// handleEvents streams a request's lifecycle events as SSE until the
// listener disconnects or the publisher is gone.
func handleEvents(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		pub, ok := orch.Publisher(id)
		if !ok {
			http.Error(w, "unknown or expired request id", http.StatusNotFound)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := pub.Subscribe()
		defer pub.Unsubscribe(ch)

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				blob, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stage, blob)
				flusher.Flush()
				// Keep the stream briefly after the terminal event so
				// an optional revalidated notification can arrive.
				if ev.Stage.Terminal() && ev.Stage != progress.StageDegraded {
					return
				}
			case <-time.After(2 * time.Minute):
				return
			}
		}
	}
}

// handleSourceHealth exposes per-source fetch stats for operators.
func handleSourceHealth(durable *cache.SQLiteTier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := durable.SourceHealthReport(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func parseDateRange(body searchRequestBody) model.DateRange {
	var dr model.DateRange
	if t, err := time.Parse("2006-01-02", body.DateFrom); err == nil {
		dr.From = t
	}
	if t, err := time.Parse("2006-01-02", body.DateTo); err == nil {
		dr.To = t
	}
	return dr
}

// envelopeJSON is the wire shape of a search response.
type envelopeJSON struct {
	State          model.ResponseState  `json:"response_state"`
	IsPartial      bool                 `json:"is_partial"`
	CorrelationID  string               `json:"correlation_id"`
	CacheFreshness string               `json:"cache_freshness,omitempty"`
	CacheAge       string               `json:"cache_age,omitempty"`
	Guidance       string               `json:"guidance,omitempty"`
	SourcesFailed  int                  `json:"sources_failed"`
	SourcesTotal   int                  `json:"sources_total"`
	Records        []model.ScoredNotice `json:"records"`
}

func toWire(env model.ResponseEnvelope) envelopeJSON {
	records := env.Records
	if records == nil {
		records = []model.ScoredNotice{}
	}
	return envelopeJSON{
		State:          env.State,
		IsPartial:      env.IsPartial,
		CorrelationID:  env.CorrelationID,
		CacheFreshness: env.CacheFreshness,
		CacheAge:       env.CacheAge,
		Guidance:       env.Guidance,
		SourcesFailed:  env.SourcesFailed,
		SourcesTotal:   env.SourcesTotal,
		Records:        records,
	}
}
