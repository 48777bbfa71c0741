// Package canvassd serves form webhook intake, the signature callables, the
// participant and survey API and operator endpoints over HTTP.
package canvassd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"canvassing/config"
	"canvassing/ledger"
	"canvassing/ledger/recon"
	"canvassing/observability"
	"canvassing/observability/logging"
	"canvassing/services/signer"
)

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Store         *ledger.Store
	Authority     *signer.Authority
	Networks      *config.Registry
	Reconciler    *recon.Reconciler
	Tokens        *TokenVerifier
	Admin         *AdminAuthenticator
	Limiter       *RateLimiter
	WebhookSecret string
	WebhookMax    int64
	Watch         WatchConfig
	Metrics       *observability.CanvassMetrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store         *ledger.Store
	authority     *signer.Authority
	networks      *config.Registry
	reconciler    *recon.Reconciler
	tokens        *TokenVerifier
	admin         *AdminAuthenticator
	limiter       *RateLimiter
	webhookSecret []byte
	webhookMax    int64
	watch         WatchConfig
	metrics       *observability.CanvassMetrics
	logger        *slog.Logger
	now           func() time.Time
	started       time.Time

	mu        sync.Mutex
	lastRecon *recon.Result

	router http.Handler
}

// NewServer validates cfg and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("canvassd: ledger store required")
	case cfg.Authority == nil:
		return nil, errors.New("canvassd: signer required")
	case cfg.Networks == nil:
		return nil, errors.New("canvassd: network registry required")
	case cfg.Tokens == nil:
		return nil, errors.New("canvassd: token verifier required")
	case cfg.Admin == nil:
		return nil, errors.New("canvassd: admin authenticator required")
	}
	s := &Server{
		store:         cfg.Store,
		authority:     cfg.Authority,
		networks:      cfg.Networks,
		reconciler:    cfg.Reconciler,
		tokens:        cfg.Tokens,
		admin:         cfg.Admin,
		limiter:       cfg.Limiter,
		webhookSecret: []byte(cfg.WebhookSecret),
		webhookMax:    cfg.WebhookMax,
		watch:         cfg.Watch,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(RateLimitConfig{})
	}
	if s.webhookMax <= 0 {
		s.webhookMax = 1 << 20
	}
	if s.watch.PollInterval.Duration <= 0 {
		s.watch.PollInterval.Duration = 2 * time.Second
	}
	if s.watch.MaxDuration.Duration <= 0 {
		s.watch.MaxDuration.Duration = 10 * time.Minute
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.started = s.now()
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "canvassd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/webhooks/forms", s.handleFormWebhook)
	r.Get("/v1/surveys", s.handleListSurveys)

	r.Group(func(p chi.Router) {
		p.Use(s.tokens.Middleware)
		p.With(s.limiter.Middleware("callable")).Post(signer.ScreeningCallablePath, s.handleScreeningSignature)
		p.With(s.limiter.Middleware("callable")).Post(signer.ClaimCallablePath, s.handleClaimSignature)
		p.Post("/v1/participants", s.handleCreateParticipant)
		p.Get("/v1/participants/{id}", s.handleGetParticipant)
		p.Patch("/v1/participants/{id}/username", s.handleUpdateUsername)
		p.Get("/v1/participants/{id}/surveys/eligible", s.handleEligibleSurveys)
		p.Get("/v1/participants/{id}/rewards", s.handleParticipantRewards)
		p.Get("/v1/rewards/{id}/watch", s.handleWatchReward)
	})

	r.Group(func(a chi.Router) {
		a.Use(s.admin.Middleware)
		a.Post("/v1/surveys", s.handleCreateSurvey)
		a.Post("/v1/surveys/{id}/availability", s.handleSurveyAvailability)
		a.Get("/admin/status", s.handleStatus)
		a.Post("/admin/reconcile", s.handleReconcile)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, status, time.Since(start))
	})
}

// SetLastReconcile records a scheduled run for the status endpoint.
func (s *Server) SetLastReconcile(result *recon.Result) {
	s.mu.Lock()
	s.lastRecon = result
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
