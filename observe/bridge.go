package observe

import (
	"strings"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

// FromPipelineEvent converts a pipeline event into a sink event.
func FromPipelineEvent(in types.Event) Event {
	e := Event{
		Timestamp: in.Timestamp,
		TradeID:   in.TradeID,
		Name:      string(in.Type),
		Agent:     in.Agent,
		Scope:     in.Scope,
		Message:   in.Message,
		Error:     in.Error,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.Mode != "" {
		e.Attributes["mode"] = string(in.Mode)
	}
	if in.Symbol != "" {
		e.Attributes["symbol"] = in.Symbol
	}
	if in.AuditID > 0 {
		e.Attributes["auditId"] = in.AuditID
	}

	eventType := string(in.Type)
	switch {
	case strings.HasPrefix(eventType, "token."):
		e.Kind = KindToken
	case strings.Contains(eventType, "risk"), strings.Contains(eventType, "broker"):
		e.Kind = KindCollaborator
	case strings.HasPrefix(eventType, "ledger."):
		e.Kind = KindLedger
	case strings.HasPrefix(eventType, "consent."), strings.Contains(eventType, "consent_"):
		e.Kind = KindConsent
	case strings.HasPrefix(eventType, "strategy."):
		e.Kind = KindStrategy
	case strings.HasPrefix(eventType, "trade."):
		e.Kind = KindTrade
	default:
		e.Kind = KindCustom
	}

	switch {
	case strings.Contains(eventType, "before"), strings.Contains(eventType, "received"):
		e.Status = StatusStarted
	case strings.Contains(eventType, "rejected"):
		e.Status = StatusRejected
	case strings.Contains(eventType, "failed"):
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForPipelineEvent(in)
	e.ParentSpanID = parentSpanIDForPipelineEvent(in)
	e.Normalize()
	return e
}

func spanIDForPipelineEvent(in types.Event) string {
	if in.TradeID == "" {
		return ""
	}
	if in.Agent != "" {
		return in.TradeID + ":" + in.Agent
	}
	return in.TradeID
}

func parentSpanIDForPipelineEvent(in types.Event) string {
	if in.TradeID == "" || in.Agent == "" {
		return ""
	}
	return in.TradeID
}
