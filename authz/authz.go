// Package authz verifies bearer JWTs against the identity provider's key set
// and enforces scope checks.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

var signatureAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

type Authorizer struct {
	issuer  string
	keys    KeySetFetcher
	now     func() time.Time
	log     logr.Logger
	metrics *metrics.Metrics
}

type Option func(*Authorizer)

func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(a *Authorizer) { a.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

func New(issuer string, keys KeySetFetcher, opts ...Option) *Authorizer {
	a := &Authorizer{
		issuer: issuer,
		keys:   keys,
		now:    time.Now,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type scopeClaims struct {
	Permissions []string        `json:"permissions"`
	Scope       json.RawMessage `json:"scope"`
}

func (c scopeClaims) scopes() []string {
	if len(c.Permissions) > 0 {
		return c.Permissions
	}
	if len(c.Scope) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(c.Scope, &s); err == nil {
		return strings.Fields(s)
	}
	var list []string
	if err := json.Unmarshal(c.Scope, &list); err == nil {
		return list
	}
	return nil
}

// Authorize verifies token and returns its principal when it carries at least
// one of the allowed scopes. The audience claim is not checked.
func (a *Authorizer) Authorize(ctx context.Context, token string, allowed []string) (types.Principal, error) {
	p, err := a.authorize(ctx, token, allowed)
	if err != nil {
		a.metrics.AuthFailure(string(types.KindOf(err)))
		a.log.V(1).Info("authorization failed", "error", err.Error())
	}
	return p, err
}

func (a *Authorizer) authorize(ctx context.Context, token string, allowed []string) (types.Principal, error) {
	parsed, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return types.Principal{}, types.Unauthorizedf("malformed token: %v", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return types.Principal{}, types.Unauthorizedf("token header has no kid")
	}
	kid := parsed.Headers[0].KeyID

	set, err := a.keys.Fetch(ctx)
	if err != nil {
		if types.IsKind(err, types.KindGateway) {
			return types.Principal{}, err
		}
		return types.Principal{}, types.Wrap(types.KindGateway, err, "fetch signing keys")
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return types.Principal{}, types.Unauthorizedf("unknown signing key %q", kid)
	}

	var std jwt.Claims
	var custom scopeClaims
	if err := parsed.Claims(keys[0].Key, &std, &custom); err != nil {
		return types.Principal{}, types.Unauthorizedf("invalid token signature: %v", err)
	}
	if std.Expiry == nil {
		return types.Principal{}, types.Unauthorizedf("token has no exp claim")
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: a.now()}, 0); err != nil {
		switch {
		case errors.Is(err, jwt.ErrExpired):
			return types.Principal{}, types.Unauthorizedf("token expired")
		case errors.Is(err, jwt.ErrInvalidIssuer):
			return types.Principal{}, types.Unauthorizedf("token issuer %q is not trusted", std.Issuer)
		default:
			return types.Principal{}, types.Unauthorizedf("invalid token claims: %v", err)
		}
	}

	principal := types.Principal{Issuer: std.Issuer, Subject: std.Subject, Scopes: custom.scopes()}
	if _, ok := principal.Pick(allowed...); !ok {
		return types.Principal{}, types.Forbiddenf("token lacks required scope (need one of: %s)", strings.Join(allowed, ", "))
	}
	return principal, nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", types.Unauthorizedf("missing bearer token")
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", types.Unauthorizedf("missing bearer token")
	}
	return token, nil
}

type principalKey struct{}

// Middleware rejects requests whose bearer token does not carry one of the
// allowed scopes and stores the principal in the request context.
func (a *Authorizer) Middleware(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				a.metrics.AuthFailure(string(types.KindUnauthorized))
				httpapi.WriteError(w, err)
				return
			}
			p, err := a.Authorize(r.Context(), token, allowed)
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(types.Principal)
	return p, ok
}
