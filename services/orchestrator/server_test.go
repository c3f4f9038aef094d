package orchestrator

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/trusted-trading/authz/authztest"
	"github.com/PipeOpsHQ/trusted-trading/collab"
	"github.com/PipeOpsHQ/trusted-trading/consent"
	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/ledger"
	"github.com/PipeOpsHQ/trusted-trading/pipeline"
	"github.com/PipeOpsHQ/trusted-trading/services/broker"
	"github.com/PipeOpsHQ/trusted-trading/services/risk"
	"github.com/PipeOpsHQ/trusted-trading/services/sim"
	"github.com/PipeOpsHQ/trusted-trading/signer"
	sqlitestore "github.com/PipeOpsHQ/trusted-trading/state/sqlite"
	"github.com/PipeOpsHQ/trusted-trading/strategy"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

// staticTokens hands out tokens minted up front, one per scope.
type staticTokens map[string]string

func (s staticTokens) Acquire(_ context.Context, scope string) (string, error) {
	tok, ok := s[scope]
	if !ok {
		return "", types.Validationf("unsupported scope %q", scope)
	}
	return tok, nil
}

type posterFunc func(path string, payload, out any) error

func (f posterFunc) PostJSON(_ context.Context, path string, payload, out any) error {
	return f(path, payload, out)
}

func answer(body string) posterFunc {
	return func(_ string, _ any, out any) error { return json.Unmarshal([]byte(body), out) }
}

type env struct {
	srv      *httptest.Server
	orch     *Server
	ledger   *ledger.Ledger
	consents *consent.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlitestore.New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	issuer := authztest.NewIssuer(t)
	riskPub, riskPriv, _ := ed25519.GenerateKey(rand.Reader)
	brokerPub, brokerPriv, _ := ed25519.GenerateKey(rand.Reader)
	riskSigner, _ := signer.New(riskPriv)
	brokerSigner, _ := signer.New(brokerPriv)

	simSrv := httptest.NewServer(sim.NewServer(sim.NewMarket(2, 1), logr.Discard()).Handler())
	t.Cleanup(simSrv.Close)
	riskSrv := httptest.NewServer(risk.New(issuer.Authorizer(), riskSigner).Handler())
	t.Cleanup(riskSrv.Close)
	brokerSrv := httptest.NewServer(broker.New(issuer.Authorizer(), brokerSigner, collab.NewSimClient(simSrv.URL)).Handler())
	t.Cleanup(brokerSrv.Close)

	tokens := staticTokens{}
	for _, scope := range []string{types.ScopeRiskEvaluate, types.ScopePlaceSimulate, types.ScopePlaceLive} {
		tokens[scope] = issuer.Token(t, "orchestrator", scope)
	}

	e := &env{ledger: ledger.New(store), consents: consent.New(store)}
	p := pipeline.New(tokens,
		collab.NewRiskClient(riskSrv.URL),
		collab.NewBrokerClient(brokerSrv.URL),
		e.ledger, e.consents,
		pipeline.WithVerifyKeys(riskPub, brokerPub),
	)
	down := posterFunc(func(string, any, any) error { return types.Gatewayf("agent unreachable") })
	manager := answer(`{"decision":{"side":"SELL","qty":3,"confidence":0.8}}`)
	strat := strategy.New(answer(`{"ideas":[{"symbol":"MSFT","score":0.6,"rationale":"trend"}]}`), down, manager)

	e.orch = NewServer(Config{
		Tokens:     tokens,
		Pipeline:   p,
		Consents:   e.consents,
		Ledger:     e.ledger,
		Strategist: strat,
		Metrics:    metrics.New(),
		DebugEnv:   func() map[string]any { return map[string]any{"token_url_set": true} },
		TailPoll:   20 * time.Millisecond,
		Keepalive:  30 * time.Millisecond,
	})
	e.srv = httptest.NewServer(e.orch.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestSimulateTradeEndToEnd(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodPost, "/trade/simulate", `{"symbol":"aapl","side":"buy","qty":5}`)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, raw)
	}
	var res struct {
		Step     string        `json:"step"`
		Approved bool          `json:"approved"`
		Verdict  types.Verdict `json:"verdict"`
		Receipt  types.Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Step != "broker" || !res.Approved || !res.Verdict.OK {
		t.Fatalf("unexpected result %s", raw)
	}
	if res.Receipt.Mode != types.ModeSimulate || res.Receipt.Symbol != "AAPL" || res.Receipt.AvgPrice != 200.04 {
		t.Fatalf("unexpected receipt %+v", res.Receipt)
	}

	status, raw = e.do(t, http.MethodGet, "/logs/recent?limit=5", "")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, raw)
	}
	var recs []types.AuditRecord
	_ = json.Unmarshal(raw, &recs)
	var got []string
	for _, r := range recs {
		got = append(got, r.Agent+"/"+r.Scope)
	}
	want := []string{types.AgentBroker + "/" + types.ScopePlaceSimulate, types.AgentRisk + "/" + types.ScopeRiskEvaluate}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestRiskRejectionIsNotAnError(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodPost, "/trade/simulate", `{"symbol":"AAPL","side":"BUY","qty":5000}`)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, raw)
	}
	if !strings.Contains(string(raw), `"step":"risk"`) || !strings.Contains(string(raw), `"approved":false`) {
		t.Fatalf("unexpected body %s", raw)
	}
	if strings.Contains(string(raw), `"receipt"`) {
		t.Fatalf("rejected trade carries a receipt: %s", raw)
	}
}

func TestLiveTradeWithConsent(t *testing.T) {
	e := newEnv(t)

	status, raw := e.do(t, http.MethodPost, "/trade/live", `{"symbol":"AAPL","side":"BUY","qty":1}`)
	if status != http.StatusBadRequest {
		t.Fatalf("missing consent: status %d: %s", status, raw)
	}

	status, raw = e.do(t, http.MethodPost, "/consent/grant", `{"user_id":"u1","scope":"place:live"}`)
	if status != http.StatusOK {
		t.Fatalf("grant: status %d: %s", status, raw)
	}
	var c types.Consent
	_ = json.Unmarshal(raw, &c)
	if c.ID == "" || c.UserID != "u1" {
		t.Fatalf("unexpected consent %+v", c)
	}

	status, _ = e.do(t, http.MethodPost, "/trade/live", `{"symbol":"AAPL","side":"BUY","qty":1,"user_id":"u2","consent_id":"`+c.ID+`"}`)
	if status != http.StatusForbidden {
		t.Fatalf("wrong owner: status %d", status)
	}

	status, raw = e.do(t, http.MethodPost, "/trade/live", `{"symbol":"AAPL","side":"BUY","qty":1,"user_id":"u1","consent_id":"`+c.ID+`"}`)
	if status != http.StatusOK {
		t.Fatalf("live: status %d: %s", status, raw)
	}
	if !strings.Contains(string(raw), `"consent_id":"`+c.ID+`"`) || !strings.Contains(string(raw), `"mode":"live"`) {
		t.Fatalf("unexpected live result %s", raw)
	}
}

func TestConsentEndpoints(t *testing.T) {
	e := newEnv(t)
	c, err := e.consents.Grant(context.Background(), "u1", types.ScopePlaceLive)
	if err != nil {
		t.Fatal(err)
	}

	status, raw := e.do(t, http.MethodGet, "/consent/"+c.ID, "")
	if status != http.StatusOK || !strings.Contains(string(raw), c.ID) {
		t.Fatalf("get: status %d: %s", status, raw)
	}
	if status, _ := e.do(t, http.MethodGet, "/consent/missing", ""); status != http.StatusNotFound {
		t.Fatalf("missing consent: status %d", status)
	}
	status, raw = e.do(t, http.MethodGet, "/consent?limit=5", "")
	if status != http.StatusOK {
		t.Fatalf("list: status %d: %s", status, raw)
	}
	var list []types.Consent
	_ = json.Unmarshal(raw, &list)
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("unexpected list %s", raw)
	}
	if status, _ := e.do(t, http.MethodGet, "/consent?limit=abc", ""); status != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", status)
	}
	if status, _ := e.do(t, http.MethodPost, "/consent/grant", `{"scope":"place:live"}`); status != http.StatusBadRequest {
		t.Fatalf("grant without user: status %d", status)
	}
}

func TestDebugEndpoints(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodGet, "/debug/mint?scope=place:simulate", "")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, raw)
	}
	var mint struct {
		Scope       string `json:"scope"`
		TokenPrefix string `json:"token_prefix"`
		Len         int    `json:"len"`
	}
	_ = json.Unmarshal(raw, &mint)
	if mint.Scope != types.ScopePlaceSimulate || !strings.HasSuffix(mint.TokenPrefix, "...") || len(mint.TokenPrefix) != 23 || mint.Len <= 20 {
		t.Fatalf("unexpected mint report %+v", mint)
	}
	if status, _ := e.do(t, http.MethodGet, "/debug/mint?scope=admin", ""); status != http.StatusBadRequest {
		t.Fatalf("unsupported scope: status %d", status)
	}
	if status, raw := e.do(t, http.MethodGet, "/debug/env", ""); status != http.StatusOK || string(raw) != "{\"token_url_set\":true}\n" {
		t.Fatalf("env: status %d: %s", status, raw)
	}
	if status, raw := e.do(t, http.MethodGet, "/health", ""); status != http.StatusOK || !strings.Contains(string(raw), `"ok"`) {
		t.Fatalf("health: status %d: %s", status, raw)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK || len(raw) == 0 {
		t.Fatalf("status %d", status)
	}
}

func TestStrategyEndpoints(t *testing.T) {
	e := newEnv(t)

	status, raw := e.do(t, http.MethodPost, "/strategy/decide", `{"symbol":"msft"}`)
	if status != http.StatusOK {
		t.Fatalf("decide: status %d: %s", status, raw)
	}
	var dec decideResponse
	_ = json.Unmarshal(raw, &dec)
	if dec.Outcome != strategy.OutcomeAgent || dec.Intent.Symbol != "MSFT" || dec.Intent.Side != "SELL" || dec.Intent.Qty != 3 {
		t.Fatalf("unexpected decision %s", raw)
	}

	status, raw = e.do(t, http.MethodPost, "/strategy/ideas", `{"symbols":["MSFT"]}`)
	if status != http.StatusOK || !strings.Contains(string(raw), `"rationale":"trend"`) {
		t.Fatalf("ideas: status %d: %s", status, raw)
	}

	status, raw = e.do(t, http.MethodPost, "/strategy/execute", `{"symbol":"MSFT","qty":2}`)
	if status != http.StatusOK {
		t.Fatalf("execute: status %d: %s", status, raw)
	}
	var exec struct {
		Step     string            `json:"step"`
		Approved bool              `json:"approved"`
		Intent   types.OrderIntent `json:"intent"`
		Receipt  types.Receipt     `json:"receipt"`
	}
	_ = json.Unmarshal(raw, &exec)
	if !exec.Approved || exec.Intent.Qty != 2 || exec.Receipt.Qty != 2 || exec.Receipt.Mode != types.ModeSimulate {
		t.Fatalf("unexpected execution %s", raw)
	}

	status, _ = e.do(t, http.MethodPost, "/strategy/execute", `{"symbol":"MSFT","live":true}`)
	if status != http.StatusBadRequest {
		t.Fatalf("live execute without consent: status %d", status)
	}
}

func appendRecords(t *testing.T, l *ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), types.AgentRisk, types.ActionEvaluate, types.ScopeRiskEvaluate, map[string]any{"ok": true, "n": i}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLogsStreamSSE(t *testing.T) {
	e := newEnv(t)
	appendRecords(t, e.ledger, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/logs/stream?after_id=0&poll_interval=0.02", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var ids []int64
	keepalive := false
	for (len(ids) < 2 || !keepalive) && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			var rec types.AuditRecord
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
			ids = append(ids, rec.ID)
		case line == ": keepalive":
			keepalive = true
		case line != "" && line != "event: audit":
			t.Fatalf("unexpected line %q", line)
		}
	}
	if len(ids) != 2 || ids[0] >= ids[1] {
		t.Fatalf("ids = %v", ids)
	}
	if !keepalive {
		t.Fatal("no keepalive comment")
	}
}

func TestLogsStreamRejectsBadParams(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{"poll_interval=0", "poll_interval=abc", "after_id=-1"} {
		if status, _ := e.do(t, http.MethodGet, "/logs/stream?"+q, ""); status != http.StatusBadRequest {
			t.Fatalf("%s: status %d", q, status)
		}
	}
}

func TestLogsWebsocket(t *testing.T) {
	e := newEnv(t)
	appendRecords(t, e.ledger, 1)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/logs/ws?after_id=0&poll_interval=0.02"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first types.AuditRecord
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	appendRecords(t, e.ledger, 1)
	var second types.AuditRecord
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatal(err)
	}
	if first.Agent != types.AgentRisk || second.ID <= first.ID {
		t.Fatalf("unexpected frames %+v %+v", first, second)
	}
}
