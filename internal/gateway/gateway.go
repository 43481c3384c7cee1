// Package gateway exposes the completion pipeline over HTTP.
//
// DESIGN: One Gateway owns the whole object graph: the session store, the
// history manager, one adapter instance per configured model, the router,
// and the completion service. Transport concerns (SSE framing, error
// statuses, rate limiting, request ids) live here; the service layer and
// below never see net/http.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/completion-gateway/internal/adapters"
	"github.com/relayforge/completion-gateway/internal/config"
	"github.com/relayforge/completion-gateway/internal/history"
	"github.com/relayforge/completion-gateway/internal/monitoring"
	"github.com/relayforge/completion-gateway/internal/refine"
	"github.com/relayforge/completion-gateway/internal/schema"
	"github.com/relayforge/completion-gateway/internal/service"
	"github.com/relayforge/completion-gateway/internal/store"
)

// DefaultRateLimit applies when rate_limit.requests_per_second is unset.
const DefaultRateLimit = 10

// Gateway is the HTTP front of the completion pipeline.
type Gateway struct {
	cfg     *config.Config
	svc     *service.CompletionService
	store   *store.SessionStore
	metrics *monitoring.Metrics
	limiter RateLimiter
	server  *http.Server
	stop    chan struct{}
}

// metricsInterval is how often the counter snapshot is logged.
const metricsInterval = 5 * time.Minute

// New builds the gateway from configuration: session store, history
// manager, per-model adapters, router, and service.
func New(cfg *config.Config) (*Gateway, error) {
	sessions := store.New(cfg.Store.MaxSessions, cfg.Store.SessionTTL)
	hist := history.NewManager(sessions, nil)

	router, err := buildRouter(cfg)
	if err != nil {
		sessions.Close()
		return nil, err
	}

	scorers := map[string]refine.Scorer{
		"similarity": refine.NewLexicalScorer(),
	}

	rate := cfg.RateLimit.RequestsPerSecond
	if rate <= 0 {
		rate = DefaultRateLimit
	}

	g := &Gateway{
		cfg:     cfg,
		svc:     service.New(router, hist, scorers),
		store:   sessions,
		metrics: monitoring.NewMetrics(),
		limiter: NewTokenBucketLimiter(rate),
		stop:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("/v1/models", g.handleModels)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/metrics", g.handleMetrics)

	handler := g.panicRecovery(g.rateLimit(g.loggingMiddleware(mux)))

	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g, nil
}

// buildRouter instantiates one adapter per configured model and registers
// it under the model's public id.
func buildRouter(cfg *config.Config) (*adapters.Router, error) {
	router := adapters.NewRouter()
	for _, m := range cfg.Models {
		pc, ok := cfg.Providers.ForFamily(m.Family)
		if !ok {
			return nil, fmt.Errorf("model %q: provider family %q is not configured", m.ID, m.Family)
		}
		adapter, err := buildAdapter(m, pc)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.ID, err)
		}
		router.Register(m.ID, adapter)
	}
	return router, nil
}

// buildAdapter constructs the family's adapter variant for one model.
func buildAdapter(m config.ModelConfig, pc *config.ProviderConfig) (adapters.ProviderAdapter, error) {
	ac := adapters.Config{
		Model:        m.UpstreamModel(),
		Endpoint:     pc.Endpoint,
		APIKey:       pc.APIKey,
		Timeout:      pc.Timeout,
		ExtraHeaders: pc.Headers,
	}

	switch m.Family {
	case config.FamilyNative:
		return adapters.NewNativeChatAdapter(ac), nil
	case config.FamilyReasoning:
		return adapters.NewReasoningChatAdapter(ac), nil
	case config.FamilyBedrock:
		transport, err := NewSigningTransport(pc.Region, http.DefaultTransport)
		if err != nil {
			return nil, fmt.Errorf("signing transport: %w", err)
		}
		timeout := pc.Timeout
		if timeout == 0 {
			timeout = adapters.DefaultTimeout
		}
		ac.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
		return adapters.NewBedrockReasoningAdapter(ac), nil
	case config.FamilyAlternate:
		return adapters.NewAlternateChatAdapter(ac), nil
	case config.FamilyStreamOnly:
		return adapters.NewStreamOnlyAdapter(ac), nil
	default:
		return nil, fmt.Errorf("unknown provider family %q", m.Family)
	}
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Int("models", len(g.cfg.Models)).
		Msg("completion gateway listening")

	go g.logMetrics()

	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// logMetrics emits the counter snapshot on a fixed interval.
func (g *Gateway) logMetrics() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.metrics.LogSnapshot()
		}
	}
}

// Shutdown drains in-flight requests and releases the session store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	g.metrics.LogSnapshot()
	err := g.server.Shutdown(ctx)
	g.store.Close()
	return err
}

// Handler exposes the composed HTTP handler for tests.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

// applyRequestDefaults fills per-request knobs from server configuration
// when the request leaves them unset.
func (g *Gateway) applyRequestDefaults(req *schema.CompletionRequest) {
	if req.HistoryBudget <= 0 && g.cfg.History.DefaultTokenBudget > 0 {
		req.HistoryBudget = g.cfg.History.DefaultTokenBudget
	}
	if req.Refinement == nil {
		return
	}
	if req.Refinement.Threshold <= 0 && g.cfg.Refinement.Threshold > 0 {
		req.Refinement.Threshold = g.cfg.Refinement.Threshold
	}
	if req.Refinement.MaxIters <= 0 && g.cfg.Refinement.MaxIters > 0 {
		req.Refinement.MaxIters = g.cfg.Refinement.MaxIters
	}
}
