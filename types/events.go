package types

import "time"

type EventType string

const (
	EventTradeReceived    EventType = "trade.received"
	EventTokenMinted      EventType = "token.minted"
	EventTokenFailed      EventType = "token.failed"
	EventBeforeRisk       EventType = "trade.before_risk"
	EventAfterRisk        EventType = "trade.after_risk"
	EventRiskRejected     EventType = "trade.risk_rejected"
	EventConsentChecked   EventType = "trade.consent_checked"
	EventBeforeBroker     EventType = "trade.before_broker"
	EventAfterBroker      EventType = "trade.after_broker"
	EventLedgerAppended   EventType = "ledger.appended"
	EventTradeCompleted   EventType = "trade.completed"
	EventTradeFailed      EventType = "trade.failed"
	EventConsentGranted   EventType = "consent.granted"
	EventStrategyFallback EventType = "strategy.fallback"
)

// Event is a single pipeline occurrence, bridged to observe.Event for sinks.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   string    `json:"tradeId,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	AuditID   int64     `json:"auditId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}
