// Package pipeline runs one trade request through risk evaluation, the consent
// check for live orders, and broker placement, recording every signed result
// in the audit ledger.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/observe"
	"github.com/PipeOpsHQ/trusted-trading/signer"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

type State string

const (
	StateReceived      State = "RECEIVED"
	StateRiskPending   State = "RISK_PENDING"
	StateRiskRejected  State = "RISK_REJECTED"
	StateConsentCheck  State = "CONSENT_CHECK"
	StateBrokerPending State = "BROKER_PENDING"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateRiskRejected || s == StateCompleted || s == StateFailed
}

type TokenSource interface {
	Acquire(ctx context.Context, scope string) (string, error)
}

type RiskEvaluator interface {
	Evaluate(ctx context.Context, token string, intent types.OrderIntent) (json.RawMessage, types.Verdict, error)
}

type OrderPlacer interface {
	Place(ctx context.Context, token string, intent types.OrderIntent) (json.RawMessage, types.Receipt, error)
}

type ConsentChecker interface {
	Require(ctx context.Context, id, userID, scope string) error
}

type AuditAppender interface {
	Append(ctx context.Context, agent, action, scope string, signedResult any) (types.AuditRecord, error)
}

// Result is what a trade request answers with. Verdict and Receipt are the
// collaborators' signed documents exactly as received.
type Result struct {
	Step     string          `json:"step"`
	Approved bool            `json:"approved"`
	Verdict  json.RawMessage `json:"verdict"`
	Receipt  json.RawMessage `json:"receipt,omitempty"`

	TradeID     string  `json:"-"`
	Transitions []State `json:"-"`
}

type Pipeline struct {
	tokens   TokenSource
	risk     RiskEvaluator
	broker   OrderPlacer
	consents ConsentChecker
	ledger   AuditAppender

	riskKey   ed25519.PublicKey
	brokerKey ed25519.PublicKey
	sink      observe.Sink
	newID     func() string
	now       func() time.Time
	log       logr.Logger
	metrics   *metrics.Metrics
}

type Option func(*Pipeline)

func WithObserver(sink observe.Sink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithVerifyKeys makes the pipeline reject verdicts and receipts whose
// signatures do not verify. A nil key skips that check.
func WithVerifyKeys(risk, broker ed25519.PublicKey) Option {
	return func(p *Pipeline) {
		p.riskKey = risk
		p.brokerKey = broker
	}
}

func WithTradeIDs(newID func() string) Option {
	return func(p *Pipeline) {
		if newID != nil {
			p.newID = newID
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New wires a pipeline. consents may be nil, in which case live trades fail.
func New(tokens TokenSource, risk RiskEvaluator, broker OrderPlacer, ledger AuditAppender, consents ConsentChecker, opts ...Option) *Pipeline {
	p := &Pipeline{
		tokens:   tokens,
		risk:     risk,
		broker:   broker,
		consents: consents,
		ledger:   ledger,
		newID:    func() string { return "trade_" + uuid.NewString() },
		now:      time.Now,
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Simulate(ctx context.Context, intent types.OrderIntent) (Result, error) {
	return p.Execute(ctx, types.ModeSimulate, intent)
}

func (p *Pipeline) Live(ctx context.Context, intent types.OrderIntent) (Result, error) {
	return p.Execute(ctx, types.ModeLive, intent)
}

// Execute runs a trade in the given mode. A risk rejection is a normal result
// with Approved false; errors are reserved for failures.
func (p *Pipeline) Execute(ctx context.Context, mode types.Mode, intent types.OrderIntent) (Result, error) {
	if !mode.Valid() {
		return Result{}, types.Validationf("unknown trade mode %q", mode)
	}
	intent.Normalize()
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}

	r := &run{p: p, mode: mode, intent: intent, start: p.now()}
	r.res.TradeID = p.newID()
	res, err := r.execute(ctx)
	if err != nil {
		r.fail(ctx, err)
		p.metrics.Trade(string(mode), "failed", p.now().Sub(r.start))
		return r.res, err
	}
	outcome := "approved"
	if !res.Approved {
		outcome = "rejected"
	}
	p.metrics.Trade(string(mode), outcome, p.now().Sub(r.start))
	return res, nil
}

// run is the state of a single trade request.
type run struct {
	p      *Pipeline
	mode   types.Mode
	intent types.OrderIntent
	start  time.Time
	res    Result
}

func (r *run) enter(s State) {
	r.res.Transitions = append(r.res.Transitions, s)
}

func (r *run) execute(ctx context.Context) (Result, error) {
	p := r.p
	r.enter(StateReceived)
	r.emit(ctx, types.Event{Type: types.EventTradeReceived, Message: r.intent.String()})

	r.enter(StateRiskPending)
	riskToken, err := r.acquire(ctx, types.ScopeRiskEvaluate)
	if err != nil {
		return r.res, err
	}
	r.emit(ctx, types.Event{Type: types.EventBeforeRisk, Agent: types.AgentRisk, Scope: types.ScopeRiskEvaluate})
	rawVerdict, verdict, err := p.risk.Evaluate(ctx, riskToken, r.intent)
	if err != nil {
		return r.res, err
	}
	if err := checkSigned(types.AgentRisk, rawVerdict, verdict.Signature, p.riskKey); err != nil {
		return r.res, err
	}
	if err := r.record(ctx, types.AgentRisk, types.ActionEvaluate, types.ScopeRiskEvaluate, rawVerdict); err != nil {
		return r.res, err
	}
	r.res.Verdict = rawVerdict
	r.emit(ctx, types.Event{Type: types.EventAfterRisk, Agent: types.AgentRisk, Message: verdict.Reason})

	if !verdict.OK {
		r.enter(StateRiskRejected)
		r.res.Step = "risk"
		r.emit(ctx, types.Event{Type: types.EventRiskRejected, Agent: types.AgentRisk, Message: verdict.Reason})
		return r.res, nil
	}

	if r.mode == types.ModeLive {
		r.enter(StateConsentCheck)
		if err := r.checkConsent(ctx); err != nil {
			return r.res, err
		}
	}

	r.enter(StateBrokerPending)
	scope := r.mode.PlacementScope()
	brokerToken, err := r.acquire(ctx, scope)
	if err != nil {
		return r.res, err
	}
	r.emit(ctx, types.Event{Type: types.EventBeforeBroker, Agent: types.AgentBroker, Scope: scope})
	rawReceipt, receipt, err := p.broker.Place(ctx, brokerToken, r.intent)
	if err != nil {
		return r.res, err
	}
	if err := checkSigned(types.AgentBroker, rawReceipt, receipt.Signature, p.brokerKey); err != nil {
		return r.res, err
	}
	if err := r.record(ctx, types.AgentBroker, types.ActionOrder, scope, rawReceipt); err != nil {
		return r.res, err
	}
	r.res.Receipt = rawReceipt
	r.emit(ctx, types.Event{Type: types.EventAfterBroker, Agent: types.AgentBroker, Scope: scope})

	r.enter(StateCompleted)
	r.res.Step = "broker"
	r.res.Approved = true
	r.emit(ctx, types.Event{Type: types.EventTradeCompleted})
	p.log.Info("trade completed", "trade", r.res.TradeID, "mode", r.mode, "order", r.intent.String())
	return r.res, nil
}

func (r *run) acquire(ctx context.Context, scope string) (string, error) {
	tok, err := r.p.tokens.Acquire(ctx, scope)
	if err != nil {
		r.emit(ctx, types.Event{Type: types.EventTokenFailed, Scope: scope, Error: err.Error()})
		return "", err
	}
	r.emit(ctx, types.Event{Type: types.EventTokenMinted, Scope: scope})
	return tok, nil
}

func (r *run) checkConsent(ctx context.Context) error {
	if r.intent.UserID == "" || r.intent.ConsentID == "" {
		return types.Validationf("user_id and consent_id are required")
	}
	if r.p.consents == nil {
		return types.Internalf("live trading is not configured with a consent registry")
	}
	if err := r.p.consents.Require(ctx, r.intent.ConsentID, r.intent.UserID, types.ScopePlaceLive); err != nil {
		return err
	}
	r.emit(ctx, types.Event{Type: types.EventConsentChecked, Scope: types.ScopePlaceLive, Message: r.intent.ConsentID})
	return nil
}

func (r *run) record(ctx context.Context, agent, action, scope string, raw json.RawMessage) error {
	rec, err := r.p.ledger.Append(ctx, agent, action, scope, raw)
	if err != nil {
		return err
	}
	r.emit(ctx, types.Event{Type: types.EventLedgerAppended, Agent: agent, Scope: scope, AuditID: rec.ID})
	return nil
}

func (r *run) fail(ctx context.Context, err error) {
	r.enter(StateFailed)
	r.emit(ctx, types.Event{Type: types.EventTradeFailed, Error: err.Error()})
	r.p.log.Info("trade failed", "trade", r.res.TradeID, "mode", r.mode, "kind", types.KindOf(err), "error", err.Error())
}

func (r *run) emit(ctx context.Context, event types.Event) {
	if r.p.sink == nil {
		return
	}
	event.Timestamp = r.p.now().UTC()
	event.TradeID = r.res.TradeID
	event.Mode = r.mode
	event.Symbol = r.intent.Symbol
	_ = r.p.sink.Emit(ctx, observe.FromPipelineEvent(event))
}

func checkSigned(agent string, raw json.RawMessage, signature string, pub ed25519.PublicKey) error {
	if signature == "" {
		return types.Gatewayf("%s returned an unsigned result", agent)
	}
	if pub == nil {
		return nil
	}
	ok, err := signer.VerifyDocument(raw, pub)
	if err != nil || !ok {
		return types.Gatewayf("%s signature does not verify", agent)
	}
	return nil
}
