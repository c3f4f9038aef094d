package collab

import (
	"context"
	"encoding/json"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

type RiskClient struct{ c client }

func NewRiskClient(baseURL string, opts ...Option) *RiskClient {
	return &RiskClient{c: newClient(types.AgentRisk, baseURL, opts)}
}

// Evaluate posts the intent to /risk/evaluate. The signed verdict is returned
// both as received and decoded.
func (r *RiskClient) Evaluate(ctx context.Context, token string, intent types.OrderIntent) (json.RawMessage, types.Verdict, error) {
	body, err := r.c.post(ctx, "/risk/evaluate", token, intent)
	if err != nil {
		return nil, types.Verdict{}, err
	}
	var v types.Verdict
	if err := decode(r.c.name, body, &v); err != nil {
		return nil, types.Verdict{}, err
	}
	return json.RawMessage(body), v, nil
}

type BrokerClient struct{ c client }

func NewBrokerClient(baseURL string, opts ...Option) *BrokerClient {
	return &BrokerClient{c: newClient(types.AgentBroker, baseURL, opts)}
}

func (b *BrokerClient) Place(ctx context.Context, token string, intent types.OrderIntent) (json.RawMessage, types.Receipt, error) {
	body, err := b.c.post(ctx, "/orders", token, intent)
	if err != nil {
		return nil, types.Receipt{}, err
	}
	var rc types.Receipt
	if err := decode(b.c.name, body, &rc); err != nil {
		return nil, types.Receipt{}, err
	}
	return json.RawMessage(body), rc, nil
}

type simOrder struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Qty    int    `json:"qty"`
	Type   string `json:"type"`
}

type SimClient struct{ c client }

func NewSimClient(baseURL string, opts ...Option) *SimClient {
	return &SimClient{c: newClient("sim", baseURL, opts)}
}

// Fill executes an order against the market simulator. Only the order fields
// are forwarded; user and consent data stay with the broker.
func (s *SimClient) Fill(ctx context.Context, order types.OrderIntent) (types.Fill, error) {
	typ := order.Type
	if typ == "" {
		typ = "market"
	}
	body, err := s.c.post(ctx, "/orders", "", simOrder{
		Symbol: order.Symbol,
		Side:   order.Side,
		Qty:    order.Qty,
		Type:   typ,
	})
	if err != nil {
		return types.Fill{}, err
	}
	var f types.Fill
	if err := decode(s.c.name, body, &f); err != nil {
		return types.Fill{}, err
	}
	return f, nil
}

// AgentClient talks to one of the strategy agents (analyst, researcher,
// manager), which take and return arbitrary JSON documents.
type AgentClient struct{ c client }

func NewAgentClient(name, baseURL string, opts ...Option) *AgentClient {
	return &AgentClient{c: newClient(name, baseURL, opts)}
}

func (a *AgentClient) Name() string { return a.c.name }

func (a *AgentClient) PostJSON(ctx context.Context, path string, payload, out any) error {
	body, err := a.c.post(ctx, path, "", payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(a.c.name, body, out)
}
