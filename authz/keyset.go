package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

const DefaultJWKSTimeout = 10 * time.Second

// KeySetFetcher returns the identity provider's current signing keys.
type KeySetFetcher interface {
	Fetch(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// HTTPKeySet downloads the JWKS document on every call.
type HTTPKeySet struct {
	url    string
	client *http.Client
}

func NewHTTPKeySet(url string, client *http.Client) *HTTPKeySet {
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultJWKSTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPKeySet{url: url, client: client}
}

func (k *HTTPKeySet) Fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, types.Wrap(types.KindGateway, err, "build JWKS request")
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindGateway, err, "fetch JWKS")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.Gatewayf("fetch JWKS: status %d: %s", resp.StatusCode, body)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, types.Wrap(types.KindGateway, err, "decode JWKS")
	}
	if len(set.Keys) == 0 {
		return nil, types.Gatewayf("JWKS at %s has no keys", k.url)
	}
	return &set, nil
}

// StaticKeySet serves a fixed key set.
type StaticKeySet jose.JSONWebKeySet

func (s StaticKeySet) Fetch(context.Context) (*jose.JSONWebKeySet, error) {
	if len(s.Keys) == 0 {
		return nil, fmt.Errorf("static key set is empty")
	}
	set := jose.JSONWebKeySet(s)
	return &set, nil
}
