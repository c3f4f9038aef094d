// Package risk is the risk agent: it checks an order against position limits
// and returns a signed verdict.
package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/authz"
	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/signer"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const (
	DefaultMaxQty = 1000

	ReasonApproved = "approved"
	ReasonTooLarge = "position size too large"
)

// AuditAppender records each signed verdict.
type AuditAppender interface {
	Append(ctx context.Context, agent, action, scope string, signedResult any) (types.AuditRecord, error)
}

type Service struct {
	authz         *authz.Authorizer
	signer        *signer.Signer
	requiredScope string
	maxQty        int
	audit         AuditAppender
	now           func() time.Time
	log           logr.Logger
}

type Option func(*Service)

func WithRequiredScope(scope string) Option {
	return func(s *Service) {
		if scope != "" {
			s.requiredScope = scope
		}
	}
}

func WithMaxQty(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQty = n
		}
	}
}

// WithAudit makes the service append every verdict it signs.
func WithAudit(a AuditAppender) Option {
	return func(s *Service) { s.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(az *authz.Authorizer, sg *signer.Signer, opts ...Option) *Service {
	s := &Service{
		authz:         az,
		signer:        sg,
		requiredScope: types.ScopeRiskEvaluate,
		maxQty:        DefaultMaxQty,
		now:           time.Now,
		log:           logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, httpapi.RequestID)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "required_scope": s.requiredScope})
	})
	r.With(s.authz.Middleware(s.requiredScope)).Post("/risk/evaluate", s.handleEvaluate)
	return r
}

// Evaluate decides and signs a verdict for the order.
func (s *Service) Evaluate(intent types.OrderIntent) (types.Verdict, error) {
	v := types.Verdict{
		OK:          true,
		Reason:      ReasonApproved,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Qty:         intent.Qty,
		EvaluatedAt: s.now().UTC().Format(types.TimestampLayout),
	}
	if intent.Qty > s.maxQty {
		v.OK, v.Reason = false, ReasonTooLarge
	}
	sig, err := s.signer.Sign(v)
	if err != nil {
		return types.Verdict{}, types.Wrap(types.KindInternal, err, "sign verdict")
	}
	v.Signature = sig
	return v, nil
}

func (s *Service) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var intent types.OrderIntent
	if err := httpapi.ReadJSON(r, &intent); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	v, err := s.Evaluate(intent)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		httpapi.WriteError(w, types.Wrap(types.KindInternal, err, "encode verdict"))
		return
	}
	if s.audit != nil {
		if _, err := s.audit.Append(r.Context(), types.AgentRisk, types.ActionEvaluate, s.requiredScope, json.RawMessage(raw)); err != nil {
			httpapi.WriteError(w, err)
			return
		}
	}
	p, _ := authz.PrincipalFrom(r.Context())
	s.log.Info("verdict issued", "subject", p.Subject, "symbol", v.Symbol, "qty", v.Qty, "ok", v.OK, "reason", v.Reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
