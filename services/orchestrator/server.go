// Package orchestrator is the HTTP front of the trading pipeline: consent
// management, trade execution, the audit log and the strategy helpers.
package orchestrator

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/consent"
	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/internal/logging"
	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/ledger"
	"github.com/PipeOpsHQ/trusted-trading/pipeline"
	"github.com/PipeOpsHQ/trusted-trading/strategy"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const keepaliveInterval = 15 * time.Second

type TokenSource interface {
	Acquire(ctx context.Context, scope string) (string, error)
}

type Config struct {
	Tokens     TokenSource
	Pipeline   *pipeline.Pipeline
	Consents   *consent.Registry
	Ledger     *ledger.Ledger
	Strategist *strategy.Strategist
	Metrics    *metrics.Metrics
	// DebugEnv reports which settings are present, never their values.
	DebugEnv func() map[string]any
	TailPoll time.Duration
	// Keepalive is the idle interval between stream pings, default 15s.
	Keepalive time.Duration
	Log       logr.Logger
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.TailPoll <= 0 {
		cfg.TailPoll = ledger.DefaultPollInterval
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = keepaliveInterval
	}
	if cfg.DebugEnv == nil {
		cfg.DebugEnv = func() map[string]any { return map[string]any{} }
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, httpapi.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/debug/env", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, s.cfg.DebugEnv())
	})
	r.Get("/debug/mint", s.handleDebugMint)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler())
	}

	r.Route("/consent", func(r chi.Router) {
		r.Get("/", s.handleConsentList)
		r.Post("/grant", s.handleConsentGrant)
		r.Get("/{consentID}", s.handleConsentGet)
	})

	r.Post("/trade/simulate", s.handleTrade(types.ModeSimulate))
	r.Post("/trade/live", s.handleTrade(types.ModeLive))

	r.Route("/logs", func(r chi.Router) {
		r.Get("/recent", s.handleLogsRecent)
		r.Get("/stream", s.handleLogsStream)
		r.Get("/ws", s.handleLogsWS)
	})

	r.Route("/strategy", func(r chi.Router) {
		r.Post("/ideas", s.handleStrategyIdeas)
		r.Post("/decide", s.handleStrategyDecide)
		r.Post("/execute", s.handleStrategyExecute)
	})
	return r
}

func (s *Server) handleDebugMint(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = types.ScopePlaceLive
	}
	tok, err := s.cfg.Tokens.Acquire(r.Context(), scope)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"scope":        scope,
		"token_prefix": logging.TokenPrefix(tok),
		"len":          len(tok),
	})
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

func (s *Server) handleConsentGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	c, err := s.cfg.Consents.Grant(r.Context(), req.UserID, req.Scope)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	s.cfg.Log.Info("consent granted", "consent", c.ID, "user", c.UserID, "scope", c.Scope)
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleConsentGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Consents.Get(r.Context(), chi.URLParam(r, "consentID"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleConsentList(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	list, err := s.cfg.Consents.List(r.Context(), limit)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if list == nil {
		list = []types.Consent{}
	}
	httpapi.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleTrade(mode types.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var intent types.OrderIntent
		if err := httpapi.ReadJSON(r, &intent); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		res, err := s.cfg.Pipeline.Execute(r.Context(), mode, intent)
		s.writeTrade(w, res, err)
	}
}

func (s *Server) writeTrade(w http.ResponseWriter, res pipeline.Result, err error) {
	if res.TradeID != "" {
		w.Header().Set("X-Trade-ID", res.TradeID)
	}
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", ledger.DefaultRecent)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	recs, err := s.cfg.Ledger.Recent(r.Context(), limit)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []types.AuditRecord{}
	}
	httpapi.WriteJSON(w, http.StatusOK, recs)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.Validationf("%s must be an integer", name)
	}
	return n, nil
}
