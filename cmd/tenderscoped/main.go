// Command tenderscoped serves the search orchestration engine over HTTP:
// POST /api/search runs a consolidated search, GET /api/search/{id}/events
// streams its lifecycle events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pvallone/tenderscope/internal/brain"
	"github.com/pvallone/tenderscope/internal/breaker"
	"github.com/pvallone/tenderscope/internal/cache"
	"github.com/pvallone/tenderscope/internal/classify"
	"github.com/pvallone/tenderscope/internal/config"
	"github.com/pvallone/tenderscope/internal/consolidate"
	"github.com/pvallone/tenderscope/internal/deadline"
	"github.com/pvallone/tenderscope/internal/limiter"
	"github.com/pvallone/tenderscope/internal/logging"
	"github.com/pvallone/tenderscope/internal/orchestrator"
	"github.com/pvallone/tenderscope/internal/revalidate"
	"github.com/pvallone/tenderscope/internal/source"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (default ~/.tenderscope/config.json)")
	flag.Parse()

	// Missing .env is fine; explicit env still applies.
	_ = godotenv.Load()

	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	if err := run(*configPath); err != nil {
		logging.Error("tenderscoped exited with error", "error", err)
		fmt.Fprintf(os.Stderr, "tenderscoped: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dm, err := deadline.NewManager(cfg.Deadlines)
	if err != nil {
		return fmt.Errorf("deadline hierarchy: %w", err)
	}

	// Cache tiers, outermost (durable) first.
	sqliteTier, err := cache.OpenSQLite(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open durable cache: %w", err)
	}
	defer sqliteTier.Close()

	tiers := []cache.Tier{sqliteTier}
	var redisTier *cache.RedisTier
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		redisTier = cache.NewRedisTier(client, cfg.Freshness.ExpireAfter)
		tiers = append(tiers, redisTier)
		logging.Info("shared cache tier enabled", "addr", cfg.RedisAddr)
	}
	tiers = append(tiers, cache.NewMemoryTier(256))
	hierarchy := cache.NewHierarchy(cfg.Freshness, tiers...)

	registry, err := buildSources(cfg)
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(cfg.Breaker)
	limiters := limiter.NewRegistry(cfg.Limiter)
	consolidator := consolidate.New(registry, breakers, limiters, dm, sqliteTier, cfg.MaxInFlight)

	vocab, err := loadVocabulary(cfg)
	if err != nil {
		return err
	}
	engine := classify.NewEngine(vocab, buildArbiter(cfg))
	engine.CoOccurrence = cfg.Toggles.CoOccurrenceRules

	var trackers *cache.RedisTier // nil TrackerStore disables mirroring
	var guard revalidate.Guard = revalidate.NewMemoryGuard()
	if redisTier != nil {
		trackers = redisTier
		guard = redisTier
	}

	var orch *orchestrator.Orchestrator
	if trackers != nil {
		orch = orchestrator.New(dm, consolidator, engine, hierarchy, trackers)
	} else {
		orch = orchestrator.New(dm, consolidator, engine, hierarchy, nil)
	}
	reval := revalidate.New(guard, hierarchy, breakers, registry, orch.Refetch, cfg.Revalidation)
	orch.SetRevalidator(reval)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(orch, sqliteTier),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("tenderscoped listening", "addr", cfg.ListenAddr, "sources", len(cfg.Sources))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logging.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	reval.Wait()
	return nil
}

// buildSources constructs the adapter registry from config.
func buildSources(cfg *config.Config) (*source.Registry, error) {
	registry := source.NewRegistry()
	for _, sc := range cfg.Sources {
		switch sc.Kind {
		case "jsonapi":
			registry.Register(source.NewJSONAPIAdapter(sc.ID, sc.Priority, sc.BaseURL))
		case "rss":
			registry.Register(source.NewRSSAdapter(sc.ID, sc.Priority, sc.FeedURLs))
		case "html":
			registry.Register(source.NewHTMLPortalAdapter(sc.ID, sc.Priority, sc.BaseURL, source.DefaultHTMLSelectors()))
		default:
			return nil, fmt.Errorf("unknown source kind %q for %q", sc.Kind, sc.ID)
		}
	}
	return registry, nil
}

// loadVocabulary loads the configured sector rule set or the shipped
// default.
func loadVocabulary(cfg *config.Config) (*classify.Vocabulary, error) {
	if cfg.VocabularyPath == "" {
		return classify.DefaultVocabulary(), nil
	}
	vocab, err := classify.LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	return vocab, nil
}

// buildArbiter assembles the LLM provider chain per config.
func buildArbiter(cfg *config.Config) classify.Arbiter {
	m := brain.NewManager()
	if cfg.LLM.AnthropicKey != "" {
		m.Add(brain.NewAnthropic(cfg.LLM.AnthropicKey, cfg.LLM.AnthropicModel))
	}
	if cfg.LLM.OpenAIKey != "" {
		m.Add(brain.NewOpenAI(cfg.LLM.OpenAIKey, cfg.LLM.OpenAIModel))
	}
	if cfg.LLM.OllamaEndpoint != "" {
		m.Add(brain.NewOllama(cfg.LLM.OllamaEndpoint, cfg.LLM.OllamaModel))
	}
	m.SetPreferred(cfg.LLM.Preferred)
	if len(m.ListAvailable()) == 0 {
		logging.Warn("no LLM provider configured, ambiguous notices will be rejected fail-closed")
	}
	return classify.NewBrainArbiter(m, cfg.Toggles.StructuredLLMOutput)
}
