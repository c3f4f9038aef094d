// Package sim is the market simulator the broker fills orders against.
package sim

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

var (
	defaultPrice = decimal.NewFromInt(100)
	bpsDivisor   = decimal.NewFromInt(10000)
	drift        = decimal.New(5, -4)
	one          = decimal.NewFromInt(1)
)

func DefaultPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(200),
		"MSFT": decimal.NewFromInt(440),
		"TSLA": decimal.NewFromInt(240),
		"NVDA": decimal.NewFromInt(120),
	}
}

// Market holds the simulated price of each symbol. Every fill moves the price
// five basis points in the direction of the trade.
type Market struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	slippage decimal.Decimal
	fees     decimal.Decimal
	now      func() time.Time
}

type Option func(*Market)

func WithPrices(prices map[string]decimal.Decimal) Option {
	return func(m *Market) {
		if len(prices) > 0 {
			m.prices = prices
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Market) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMarket(slippageBps, feesBps float64, opts ...Option) *Market {
	m := &Market{
		prices:   DefaultPrices(),
		slippage: decimal.NewFromFloat(slippageBps).Div(bpsDivisor),
		fees:     decimal.NewFromFloat(feesBps).Div(bpsDivisor),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Market) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.prices))
	for sym := range m.prices {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TS     string  `json:"ts"`
}

func (m *Market) Quote(symbol string) Quote {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.Lock()
	px := m.priceLocked(symbol)
	m.mu.Unlock()
	return Quote{Symbol: symbol, Price: px.InexactFloat64(), TS: m.now().UTC().Format(types.TimestampLayout)}
}

func (m *Market) priceLocked(symbol string) decimal.Decimal {
	if px, ok := m.prices[symbol]; ok {
		return px
	}
	return defaultPrice
}

// Fill executes a market order at the current price plus slippage (minus for
// sells) and charges fees on the notional.
func (m *Market) Fill(order types.OrderIntent) types.Fill {
	sym := strings.ToUpper(strings.TrimSpace(order.Symbol))
	side := strings.ToUpper(strings.TrimSpace(order.Side))
	if side == "" {
		side = "BUY"
	}

	m.mu.Lock()
	px := m.priceLocked(sym)
	slip := m.slippage.Mul(px)
	fillPx := px.Sub(slip)
	move := one.Sub(drift)
	if side == "BUY" {
		fillPx = px.Add(slip)
		move = one.Add(drift)
	}
	m.prices[sym] = px.Mul(move).Round(4)
	m.mu.Unlock()

	fees := m.fees.Mul(fillPx.Mul(decimal.NewFromInt(int64(max(order.Qty, 0)))))
	return types.Fill{
		Symbol:   sym,
		Side:     side,
		Qty:      order.Qty,
		AvgPrice: fillPx.Round(4).InexactFloat64(),
		Fees:     fees.Round(4).InexactFloat64(),
		FilledAt: m.now().UTC().Format(types.TimestampLayout),
	}
}
