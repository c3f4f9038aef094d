package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

func TestRiskEvaluateKeepsRawVerdict(t *testing.T) {
	raw := `{"evaluated_at":"2024-01-01T00:00:00","ok":true,"qty":5,"reason":"approved","side":"BUY","signature":"c2ln","symbol":"AAPL"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/risk/evaluate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-risk" {
			t.Errorf("authorization = %q", got)
		}
		var in types.OrderIntent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Qty != 5 {
			t.Errorf("bad body %+v, %v", in, err)
		}
		_, _ = w.Write([]byte(raw))
	}))
	defer srv.Close()

	c := NewRiskClient(srv.URL + "/")
	body, v, err := c.Evaluate(context.Background(), "tok-risk", types.OrderIntent{Symbol: "AAPL", Side: "BUY", Qty: 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != raw {
		t.Fatalf("raw verdict changed: %s", body)
	}
	want := types.Verdict{OK: true, Reason: "approved", Symbol: "AAPL", Side: "BUY", Qty: 5, EvaluatedAt: "2024-01-01T00:00:00", Signature: "c2ln"}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("verdict mismatch (-want +got):\n%s", diff)
	}
}

func TestNon2xxCarriesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Missing scope risk.evaluate"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, _, err := NewBrokerClient(srv.URL).Place(context.Background(), "t", types.OrderIntent{})
	var te *types.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *types.Error, got %T %v", err, err)
	}
	if te.Kind != types.KindGateway || te.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("kind=%s status=%d", te.Kind, te.HTTPStatus())
	}
	if te.Message != `{"detail":"Missing scope risk.evaluate"}` {
		t.Fatalf("message = %q", te.Message)
	}
}

func TestUnreachableIsGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewSimClient(url).Fill(context.Background(), types.OrderIntent{Symbol: "AAPL", Side: "BUY", Qty: 1})
	if !types.IsKind(err, types.KindGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	var te *types.Error
	if errors.As(err, &te) && te.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", te.HTTPStatus())
	}
}

func TestTimeoutIsGateway(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewAgentClient("manager-agent", srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	if err := c.PostJSON(context.Background(), "/decide", map[string]string{"symbol": "AAPL"}, nil); !types.IsKind(err, types.KindGateway) {
		t.Fatalf("expected gateway error on timeout, got %v", err)
	}
}

func TestSimFillForwardsOrderFieldsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		want := map[string]any{"symbol": "MSFT", "side": "SELL", "qty": float64(3), "type": "market"}
		if diff := cmp.Diff(want, in); diff != "" {
			t.Errorf("sim body mismatch (-want +got):\n%s", diff)
		}
		_, _ = w.Write([]byte(`{"symbol":"MSFT","side":"SELL","qty":3,"avg_price":439.912,"fees":0.132,"filled_at":"t"}`))
	}))
	defer srv.Close()

	f, err := NewSimClient(srv.URL).Fill(context.Background(), types.OrderIntent{
		Symbol: "MSFT", Side: "SELL", Qty: 3, UserID: "u1", ConsentID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.AvgPrice != 439.912 || f.Qty != 3 {
		t.Fatalf("unexpected fill %+v", f)
	}
}
