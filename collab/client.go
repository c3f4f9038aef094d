// Package collab holds HTTP clients for the services the orchestrator talks to:
// the risk and broker agents, the market simulator, and the strategy agents.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const DefaultTimeout = 10 * time.Second

const maxBodyBytes = 1 << 20

type client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	log        logr.Logger
	metrics    *metrics.Metrics
}

type Option func(*client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(c *client) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *client) { c.metrics = m }
}

func newClient(name, baseURL string, opts []Option) client {
	c := client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// post sends payload as JSON and returns the raw response body. Any transport
// failure or non-2xx answer becomes a gateway error; for the latter the
// upstream status and body are carried on the error.
func (c *client) post(ctx context.Context, path, token string, payload any) (body []byte, err error) {
	start := time.Now()
	defer func() { c.metrics.Collaborator(c.name, err, time.Since(start)) }()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "encode %s request", c.name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "build %s request", c.name)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindGateway, err, "%s request failed", c.name)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, types.Wrap(types.KindGateway, err, "read %s response", c.name)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Info("collaborator returned error", "agent", c.name, "status", resp.StatusCode)
		return nil, &types.Error{
			Kind:    types.KindGateway,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

func decode(name string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return types.Wrap(types.KindGateway, err, "decode %s response", name)
	}
	return nil
}
