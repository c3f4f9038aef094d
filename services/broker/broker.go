// Package broker is the broker agent: it places authorized orders with the
// market simulator and returns signed receipts.
package broker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/authz"
	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/signer"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

type Filler interface {
	Fill(ctx context.Context, order types.OrderIntent) (types.Fill, error)
}

type ConsentChecker interface {
	Require(ctx context.Context, id, userID, scope string) error
}

type AuditAppender interface {
	Append(ctx context.Context, agent, action, scope string, signedResult any) (types.AuditRecord, error)
}

type Service struct {
	authz             *authz.Authorizer
	signer            *signer.Signer
	sim               Filler
	allowedScopes     []string
	requireConsentFor string
	consents          ConsentChecker
	audit             AuditAppender
	log               logr.Logger
}

type Option func(*Service)

func WithAllowedScopes(scopes ...string) Option {
	return func(s *Service) {
		if len(scopes) > 0 {
			s.allowedScopes = scopes
		}
	}
}

// WithConsentRequiredFor names the scope whose orders must carry a consent id.
// An empty scope disables the requirement.
func WithConsentRequiredFor(scope string) Option {
	return func(s *Service) { s.requireConsentFor = scope }
}

// WithConsents checks consent ids against the registry instead of only
// requiring their presence.
func WithConsents(c ConsentChecker) Option {
	return func(s *Service) { s.consents = c }
}

func WithAudit(a AuditAppender) Option {
	return func(s *Service) { s.audit = a }
}

func WithLogger(log logr.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(az *authz.Authorizer, sg *signer.Signer, sim Filler, opts ...Option) *Service {
	s := &Service{
		authz:             az,
		signer:            sg,
		sim:               sim,
		allowedScopes:     []string{types.ScopePlaceSimulate, types.ScopePlaceLive},
		requireConsentFor: types.ScopePlaceLive,
		log:               logr.Discard(),
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
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"status":              "ok",
			"allowed_scopes":      s.allowedScopes,
			"require_consent_for": s.requireConsentFor,
		})
	})
	r.With(s.authz.Middleware(s.allowedScopes...)).Post("/orders", s.handleOrder)
	return r
}

// usedScope picks the placement scope an order runs under; simulate wins when
// the token carries both.
func (s *Service) usedScope(p types.Principal) (string, bool) {
	var preferred []string
	for _, scope := range []string{types.ScopePlaceSimulate, types.ScopePlaceLive} {
		for _, allowed := range s.allowedScopes {
			if scope == allowed {
				preferred = append(preferred, scope)
			}
		}
	}
	return p.Pick(preferred...)
}

// Place runs an order for principal p and returns the signed receipt.
func (s *Service) Place(ctx context.Context, p types.Principal, order types.OrderIntent) (types.Receipt, error) {
	scope, ok := s.usedScope(p)
	if !ok {
		return types.Receipt{}, types.Forbiddenf("no usable scope in token")
	}
	mode, _ := types.ModeForScope(scope)

	order.Normalize()
	if s.requireConsentFor != "" && scope == s.requireConsentFor {
		if order.ConsentID == "" {
			return types.Receipt{}, types.Validationf("consent_id required for live orders")
		}
		if s.consents != nil {
			if err := s.consents.Require(ctx, order.ConsentID, order.UserID, scope); err != nil {
				return types.Receipt{}, err
			}
		}
	}

	fill, err := s.sim.Fill(ctx, order)
	if err != nil {
		return types.Receipt{}, types.Wrap(types.KindGateway, err, "sim error")
	}

	rc := types.Receipt{
		Mode:     mode,
		Symbol:   fill.Symbol,
		Side:     fill.Side,
		Qty:      fill.Qty,
		AvgPrice: fill.AvgPrice,
		Fees:     fill.Fees,
		FilledAt: fill.FilledAt,
	}
	if mode == types.ModeLive {
		rc.ConsentID = order.ConsentID
	}
	sig, err := s.signer.Sign(rc)
	if err != nil {
		return types.Receipt{}, types.Wrap(types.KindInternal, err, "sign receipt")
	}
	rc.Signature = sig
	return rc, nil
}

func (s *Service) handleOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := authz.PrincipalFrom(r.Context())
	var order types.OrderIntent
	if err := httpapi.ReadJSON(r, &order); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	rc, err := s.Place(r.Context(), p, order)
	if err != nil {
		s.log.Info("order refused", "subject", p.Subject, "kind", types.KindOf(err), "error", err.Error())
		httpapi.WriteError(w, err)
		return
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		httpapi.WriteError(w, types.Wrap(types.KindInternal, err, "encode receipt"))
		return
	}
	if s.audit != nil {
		scope := rc.Mode.PlacementScope()
		if _, err := s.audit.Append(r.Context(), types.AgentBroker, types.ActionOrder, scope, json.RawMessage(raw)); err != nil {
			httpapi.WriteError(w, err)
			return
		}
	}
	s.log.Info("order placed", "subject", p.Subject, "mode", rc.Mode, "symbol", rc.Symbol, "qty", rc.Qty, "price", rc.AvgPrice)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
