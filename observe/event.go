package observe

import "time"

type Kind string

type Status string

const (
	KindTrade        Kind = "trade"
	KindToken        Kind = "token"
	KindCollaborator Kind = "collaborator"
	KindConsent      Kind = "consent"
	KindLedger       Kind = "ledger"
	KindStrategy     Kind = "strategy"
	KindCustom       Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	TradeID      string         `json:"tradeId,omitempty"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Agent        string         `json:"agent,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
