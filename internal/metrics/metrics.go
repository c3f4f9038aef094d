package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns one registry per process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokenCache           *prometheus.CounterVec
	mintAttempts         *prometheus.CounterVec
	trades               *prometheus.CounterVec
	tradeDuration        *prometheus.HistogramVec
	collaboratorDuration *prometheus.HistogramVec
	ledgerAppends        *prometheus.CounterVec
	authFailures         *prometheus.CounterVec
	strategyOutcomes     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_token_cache_total",
				Help: "Token cache lookups by scope and result (hit, miss)",
			},
			[]string{"scope", "result"},
		),
		mintAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_token_mint_attempts_total",
				Help: "Calls to the identity provider token endpoint by scope and outcome",
			},
			[]string{"scope", "outcome"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_trades_total",
				Help: "Trade requests by mode and outcome (completed, rejected, failed)",
			},
			[]string{"mode", "outcome"},
		),
		tradeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trusted_trading_trade_duration_seconds",
				Help:    "End-to-end trade pipeline duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		collaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trusted_trading_collaborator_request_duration_seconds",
				Help:    "Duration of calls to risk, broker and strategy collaborators",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent", "outcome"},
		),
		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_ledger_appends_total",
				Help: "Audit records appended by agent and action",
			},
			[]string{"agent", "action"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_authorization_failures_total",
				Help: "Rejected bearer tokens by error kind",
			},
			[]string{"kind"},
		),
		strategyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trusted_trading_strategy_results_total",
				Help: "Strategy calls by operation and outcome (agent, fallback)",
			},
			[]string{"operation", "outcome"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokenCache,
		m.mintAttempts,
		m.trades,
		m.tradeDuration,
		m.collaboratorDuration,
		m.ledgerAppends,
		m.authFailures,
		m.strategyOutcomes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TokenCache(scope string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.tokenCache.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) MintAttempt(scope string, err error) {
	if m == nil {
		return
	}
	m.mintAttempts.WithLabelValues(scope, outcome(err)).Inc()
}

func (m *Metrics) Trade(mode, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(mode, result).Inc()
	m.tradeDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) Collaborator(agent string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.collaboratorDuration.WithLabelValues(agent, outcome(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) LedgerAppend(agent, action string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(agent, action).Inc()
}

func (m *Metrics) AuthFailure(kind string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) StrategyResult(operation, result string) {
	if m == nil {
		return
	}
	m.strategyOutcomes.WithLabelValues(operation, result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
