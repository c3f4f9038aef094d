// Package tokens mints and caches scope-bound OAuth access tokens using the
// client-credentials grant.
package tokens

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/trusted-trading/internal/logging"
	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const DefaultTimeout = 20 * time.Second

const maxResponseBytes = 1 << 20

type Minter struct {
	cfg     Config
	client  *http.Client
	cache   *Cache
	retry   RetryPolicy
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     logr.Logger
	metrics *metrics.Metrics
}

type Option func(*Minter)

func WithHTTPClient(client *http.Client) Option {
	return func(m *Minter) {
		if client != nil {
			m.client = client
		}
	}
}

func WithCache(cache *Cache) Option {
	return func(m *Minter) {
		if cache != nil {
			m.cache = cache
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Minter) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep replaces the pause between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Minter) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Minter) {
		m.retry = normalizeRetryPolicy(p)
	}
}

func WithLogger(log logr.Logger) Option {
	return func(m *Minter) {
		m.log = log
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Minter) {
		m.metrics = mt
	}
}

func NewMinter(cfg Config, opts ...Option) *Minter {
	m := &Minter{
		cfg: cfg,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cache: NewCache(DefaultFreshness),
		retry: DefaultRetryPolicy(),
		now:   time.Now,
		sleep: sleepContext,
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Minter) Cache() *Cache {
	return m.cache
}

// Acquire returns a token for scope, minting one when the cached token is
// missing or stale. After the last failed attempt it returns a gateway error
// carrying the final cause.
func (m *Minter) Acquire(ctx context.Context, scope string) (string, error) {
	profile, err := m.cfg.ProfileFor(scope)
	if err != nil {
		return "", err
	}
	if tok, ok := m.cache.Get(scope, m.now()); ok {
		m.metrics.TokenCache(scope, true)
		return tok.Value, nil
	}
	m.metrics.TokenCache(scope, false)

	var lastErr error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		value, err := m.mint(ctx, scope, profile)
		m.metrics.MintAttempt(scope, err)
		if err == nil {
			m.cache.Put(types.AccessToken{Scope: scope, Value: value, IssuedAt: m.now()})
			m.log.V(1).Info("token minted", "scope", scope, "profile", profile.Name, "attempt", attempt, "token", logging.TokenPrefix(value))
			return value, nil
		}
		lastErr = err
		m.log.Info("token mint attempt failed", "scope", scope, "attempt", attempt, "error", err.Error())
		if attempt == m.retry.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, m.retry.Backoff(attempt)); err != nil {
			return "", types.Wrap(types.KindGateway, err, "mint token for scope %q interrupted", scope)
		}
	}
	return "", types.Wrap(types.KindGateway, lastErr, "mint token for scope %q failed after %d attempts", scope, m.retry.MaxAttempts)
}

func (m *Minter) mint(ctx context.Context, scope string, p Profile) (string, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.ClientID, p.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	token, err := jsonparser.GetString(body, "access_token")
	if err != nil || token == "" {
		return "", fmt.Errorf("token response has no access_token")
	}
	return token, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
