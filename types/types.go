package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ScopeRiskEvaluate  = "risk.evaluate"
	ScopePlaceSimulate = "place:simulate"
	ScopePlaceLive     = "place:live"
)

const (
	AgentRisk   = "risk-agent"
	AgentBroker = "broker-agent"

	ActionEvaluate = "evaluate"
	ActionOrder    = "order"
)

// TimestampLayout is the naive UTC form used in signed verdicts, fills and receipts.
const TimestampLayout = "2006-01-02T15:04:05.000000"

type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeLive     Mode = "live"
)

// PlacementScope is the broker scope a token must carry to place an order in this mode.
func (m Mode) PlacementScope() string {
	if m == ModeLive {
		return ScopePlaceLive
	}
	return ScopePlaceSimulate
}

func (m Mode) Valid() bool {
	return m == ModeSimulate || m == ModeLive
}

// ModeForScope maps a placement scope back to its mode.
func ModeForScope(scope string) (Mode, bool) {
	switch scope {
	case ScopePlaceSimulate:
		return ModeSimulate, true
	case ScopePlaceLive:
		return ModeLive, true
	default:
		return "", false
	}
}

type AccessToken struct {
	Scope    string    `json:"scope"`
	Value    string    `json:"-"`
	IssuedAt time.Time `json:"issued_at"`
}

type Principal struct {
	Issuer  string   `json:"issuer"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

func (p Principal) Has(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Pick returns the first preferred scope the principal holds.
func (p Principal) Pick(preferred ...string) (string, bool) {
	for _, want := range preferred {
		if p.Has(want) {
			return want, true
		}
	}
	return "", false
}

type Consent struct {
	ID        string    `json:"consent_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
}

type Verdict struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         int    `json:"qty"`
	EvaluatedAt string `json:"evaluated_at"`
	Signature   string `json:"signature,omitempty"`
}

type Receipt struct {
	Mode      Mode    `json:"mode"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	Fees      float64 `json:"fees"`
	FilledAt  string  `json:"filled_at"`
	ConsentID string  `json:"consent_id,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// Fill is the simulator's execution report, the unsigned precursor of a Receipt.
type Fill struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Qty      int     `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
	Fees     float64 `json:"fees"`
	FilledAt string  `json:"filled_at"`
}

type AuditRecord struct {
	ID           int64           `json:"id"`
	Agent        string          `json:"agent"`
	Action       string          `json:"action"`
	Scope        string          `json:"scope"`
	SignedResult json.RawMessage `json:"signed_result"`
	CreatedAt    time.Time       `json:"created_at"`
}

type OrderIntent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        int     `json:"qty"`
	Type       string  `json:"type,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	ConsentID  string  `json:"consent_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

func (o *OrderIntent) Normalize() {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	o.Side = strings.ToUpper(strings.TrimSpace(o.Side))
	o.Type = strings.ToLower(strings.TrimSpace(o.Type))
	if o.Type == "" {
		o.Type = "market"
	}
	o.UserID = strings.TrimSpace(o.UserID)
	o.ConsentID = strings.TrimSpace(o.ConsentID)
}

func (o OrderIntent) Validate() error {
	if o.Symbol == "" {
		return Validationf("symbol is required")
	}
	if o.Side != "BUY" && o.Side != "SELL" {
		return Validationf("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Qty <= 0 {
		return Validationf("qty must be positive, got %d", o.Qty)
	}
	return nil
}

func (o OrderIntent) String() string {
	return fmt.Sprintf("%s %d %s (%s)", o.Side, o.Qty, o.Symbol, o.Type)
}
