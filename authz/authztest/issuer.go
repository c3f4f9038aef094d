// Package authztest mints signed JWTs and serves a matching key set for tests.
package authztest

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/PipeOpsHQ/trusted-trading/authz"
	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
)

const (
	DefaultIssuer = "https://idp.test/P123"
	DefaultKeyID  = "test-key"
)

type Issuer struct {
	URL   string
	KeyID string
	key   *rsa.PrivateKey
}

func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Issuer{URL: DefaultIssuer, KeyID: DefaultKeyID, key: key}
}

func (i *Issuer) KeySet() authz.StaticKeySet {
	return authz.StaticKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     i.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// Serve exposes the key set as a JWKS endpoint.
func (i *Issuer) Serve(t testing.TB) *httptest.Server {
	t.Helper()
	set := i.KeySet()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, jose.JSONWebKeySet(set))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (i *Issuer) Authorizer() *authz.Authorizer {
	return authz.New(i.URL, i.KeySet())
}

// Token returns a token for subject carrying scopes in the space-separated scope claim.
func (i *Issuer) Token(t testing.TB, subject string, scopes ...string) string {
	t.Helper()
	now := time.Now()
	return i.Sign(t, jwt.Claims{
		Issuer:   i.URL,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}, map[string]any{"scope": strings.Join(scopes, " ")})
}

func (i *Issuer) Sign(t testing.TB, claims jwt.Claims, extra map[string]any) string {
	t.Helper()
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: i.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", i.KeyID),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	builder := jwt.Signed(sig).Claims(claims)
	if extra != nil {
		builder = builder.Claims(extra)
	}
	raw, err := builder.Serialize()
	if err != nil {
		t.Fatalf("serialize token: %v", err)
	}
	return raw
}
