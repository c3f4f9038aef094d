// Package strategy turns the analyst, researcher and manager agents into an
// executable order intent. Every call succeeds: when an agent is unreachable
// or answers with something unusable, a deterministic fallback is used and
// the result says so.
package strategy

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/observe"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const (
	SourceManager         = "manager-agent"
	SourceFallbackManager = "fallback-manager"

	fallbackRationale = "fallback"
	noInsights        = "(no insights available)"
)

var DefaultSymbols = []string{"AAPL", "MSFT", "TSLA", "NVDA"}

type Outcome string

const (
	OutcomeAgent    Outcome = "agent"
	OutcomeFallback Outcome = "fallback"
)

// Result carries a value together with how it was obtained.
type Result[T any] struct {
	Value   T       `json:"value"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

func (r Result[T]) Fallback() bool { return r.Outcome == OutcomeFallback }

func agentResult[T any](v T) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeAgent}
}

func fallbackResult[T any](v T, reason string) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeFallback, Reason: reason}
}

type Idea struct {
	Symbol    string  `json:"symbol"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Poster is the transport to a strategy agent.
type Poster interface {
	PostJSON(ctx context.Context, path string, payload, out any) error
}

type Strategist struct {
	analyst    Poster
	researcher Poster
	manager    Poster
	random     func() float64
	sink       observe.Sink
	log        logr.Logger
	metrics    *metrics.Metrics
}

type Option func(*Strategist)

// WithRandom replaces the source of fallback scores; it must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(s *Strategist) {
		if random != nil {
			s.random = random
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(s *Strategist) { s.sink = sink }
}

func WithLogger(log logr.Logger) Option {
	return func(s *Strategist) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Strategist) { s.metrics = m }
}

func New(analyst, researcher, manager Poster, opts ...Option) *Strategist {
	s := &Strategist{
		analyst:    analyst,
		researcher: researcher,
		manager:    manager,
		random:     rand.Float64,
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ideasRequest struct {
	Symbols []string `json:"symbols"`
}

type ideasResponse struct {
	Ideas []struct {
		Symbol    string   `json:"symbol"`
		Score     *float64 `json:"score"`
		Rationale string   `json:"rationale"`
	} `json:"ideas"`
}

// GatherIdeas asks the analyst to score symbols. Symbols the analyst skipped,
// or all of them when the call fails, get a random fallback score.
func (s *Strategist) GatherIdeas(ctx context.Context, symbols []string) Result[[]Idea] {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	var resp ideasResponse
	if err := s.analyst.PostJSON(ctx, "/ideas", ideasRequest{Symbols: symbols}, &resp); err != nil {
		out := make([]Idea, 0, len(symbols))
		for _, sym := range symbols {
			out = append(out, s.fallbackIdea(sym))
		}
		return fallback(ctx, s, "ideas", out, err.Error())
	}

	out := make([]Idea, 0, len(symbols))
	missing := 0
	for _, sym := range symbols {
		idea, ok := Idea{}, false
		for _, in := range resp.Ideas {
			if in.Symbol != sym {
				continue
			}
			idea = Idea{Symbol: sym, Rationale: in.Rationale}
			if in.Score != nil {
				idea.Score = *in.Score
			}
			if idea.Rationale == "" {
				idea.Rationale = "n/a"
			}
			ok = true
			break
		}
		if !ok {
			idea = s.fallbackIdea(sym)
			missing++
		}
		out = append(out, idea)
	}
	if missing == len(symbols) {
		return fallback(ctx, s, "ideas", out, "analyst returned no ideas for the requested symbols")
	}
	s.metrics.StrategyResult("ideas", string(OutcomeAgent))
	return agentResult(out)
}

func (s *Strategist) fallbackIdea(symbol string) Idea {
	return Idea{Symbol: symbol, Score: round2(s.random()*2 - 1), Rationale: fallbackRationale}
}

type insightsResponse struct {
	Insights string `json:"insights"`
}

func (s *Strategist) Insights(ctx context.Context, symbol string) Result[string] {
	var resp insightsResponse
	if err := s.researcher.PostJSON(ctx, "/insights", map[string]string{"symbol": symbol}, &resp); err != nil {
		return fallback(ctx, s, "insights", noInsights, err.Error())
	}
	s.metrics.StrategyResult("insights", string(OutcomeAgent))
	return agentResult(resp.Insights)
}

type decideRequest struct {
	Symbol   string `json:"symbol"`
	Ideas    []Idea `json:"ideas"`
	Insights string `json:"insights"`
}

// Decide composes ideas, insights and the manager's decision into an order
// intent. preferredSide, when set, wins over both the decision and the score.
func (s *Strategist) Decide(ctx context.Context, symbol, preferredSide string) Result[types.OrderIntent] {
	var (
		ideas    Result[[]Idea]
		insights Result[string]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ideas = s.GatherIdeas(gctx, []string{symbol})
		return nil
	})
	g.Go(func() error {
		insights = s.Insights(gctx, symbol)
		return nil
	})
	_ = g.Wait()

	score := 0.0
	if len(ideas.Value) > 0 {
		score = ideas.Value[0].Score
	}

	var (
		dec    Decision
		reason string
	)
	var resp decideResponse
	err := s.manager.PostJSON(ctx, "/decide", decideRequest{Symbol: symbol, Ideas: ideas.Value, Insights: insights.Value}, &resp)
	if err != nil {
		reason = err.Error()
	} else {
		dec, reason = parseDecision(resp.Decision)
	}

	intent := types.OrderIntent{
		Symbol:     symbol,
		Side:       pickSide(preferredSide, dec.Side, score),
		Qty:        dec.Qty,
		Type:       "market",
		Confidence: dec.Confidence,
		Source:     SourceManager,
	}
	if intent.Qty <= 0 {
		intent.Qty = max(1, int(math.Abs(score)*10))
	}
	if intent.Confidence <= 0 {
		intent.Confidence = math.Min(1, math.Abs(score))
	}
	intent.Confidence = round2(intent.Confidence)

	if reason != "" {
		intent.Source = SourceFallbackManager
		return fallback(ctx, s, "decide", intent, reason)
	}
	s.metrics.StrategyResult("decide", string(OutcomeAgent))
	return agentResult(intent)
}

func pickSide(preferred, decided string, score float64) string {
	for _, side := range []string{preferred, decided} {
		if side != "" {
			return strings.ToUpper(side)
		}
	}
	if score >= 0 {
		return "BUY"
	}
	return "SELL"
}

// fallback records that op used its designed default instead of the agent's answer.
func fallback[T any](ctx context.Context, s *Strategist, op string, v T, reason string) Result[T] {
	s.metrics.StrategyResult(op, string(OutcomeFallback))
	s.log.V(1).Info("strategy fallback", "operation", op, "reason", reason)
	if s.sink != nil {
		_ = s.sink.Emit(ctx, observe.FromPipelineEvent(types.Event{
			Type:      types.EventStrategyFallback,
			Timestamp: time.Now().UTC(),
			Agent:     op,
			Message:   reason,
		}))
	}
	return fallbackResult(v, reason)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
