package cli

import (
	"context"
	"crypto/ed25519"
	"net/http"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/trusted-trading/authz"
	"github.com/PipeOpsHQ/trusted-trading/collab"
	"github.com/PipeOpsHQ/trusted-trading/consent"
	"github.com/PipeOpsHQ/trusted-trading/internal/config"
	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/internal/logging"
	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/ledger"
	"github.com/PipeOpsHQ/trusted-trading/observe"
	observeotel "github.com/PipeOpsHQ/trusted-trading/observe/otel"
	"github.com/PipeOpsHQ/trusted-trading/pipeline"
	"github.com/PipeOpsHQ/trusted-trading/services/broker"
	"github.com/PipeOpsHQ/trusted-trading/services/orchestrator"
	"github.com/PipeOpsHQ/trusted-trading/services/risk"
	"github.com/PipeOpsHQ/trusted-trading/services/sim"
	"github.com/PipeOpsHQ/trusted-trading/signer"
	"github.com/PipeOpsHQ/trusted-trading/state/factory"
	"github.com/PipeOpsHQ/trusted-trading/strategy"
	"github.com/PipeOpsHQ/trusted-trading/tokens"
)

const eventBuffer = 256

// service is the per-process plumbing every serving command shares.
type service struct {
	name    string
	log     logr.Logger
	metrics *metrics.Metrics
	sink    observe.Sink
	closers []func()
}

func newService(name string) *service {
	s := &service{
		name:    name,
		log:     logging.New(name, nil, config.ParseIntEnv("LOG_VERBOSITY", 0)),
		metrics: metrics.New(),
	}
	tp := observeotel.NewTracerProvider(name, observeotel.NewLogExporter(s.log.WithName("trace")))
	otel.SetTracerProvider(tp)
	async := observe.NewAsyncSink(observe.NewMultiSink(
		observe.LogSink{Log: s.log.WithName("events")},
		observeotel.NewSink(tp),
	), eventBuffer)
	s.sink = async
	s.closers = append(s.closers,
		func() { _ = tp.Shutdown(context.Background()) },
		async.Close,
	)
	return s
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// serve adds /metrics and server-side tracing in front of h.
func (s *service) serve(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", h)
	return httpapi.Serve(ctx, addr, otelhttp.NewHandler(mux, s.name), s.log)
}

func (s *service) openState(ctx context.Context) (*factory.Backend, error) {
	backend, err := factory.FromEnv(ctx)
	if err != nil {
		return nil, err
	}
	if backend.NotifierErr != nil {
		s.log.Info("redis notifier unavailable, ledger tails will poll", "error", backend.NotifierErr.Error())
	}
	s.closers = append(s.closers, func() { _ = backend.Close() })
	return backend, nil
}

func (s *service) newLedger(backend *factory.Backend) *ledger.Ledger {
	return ledger.New(backend.Store,
		ledger.WithNotifier(ledger.NewBroadcaster()),
		ledger.WithNotifier(backend.Notifier),
		ledger.WithLogger(s.log.WithName("ledger")),
		ledger.WithMetrics(s.metrics),
	)
}

func (s *service) authorizer(v config.Verifier) *authz.Authorizer {
	return authz.New(v.Issuer, authz.NewHTTPKeySet(v.JWKSURL, nil),
		authz.WithLogger(s.log.WithName("authz")),
		authz.WithMetrics(s.metrics),
	)
}

func runOrchestrator(ctx context.Context) error {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		return err
	}
	s := newService("orchestrator")
	defer s.close()
	s.log.Info("starting", "scopes", cfg.Tokens.String(), "risk", cfg.RiskURL, "broker", cfg.BrokerURL)

	backend, err := s.openState(ctx)
	if err != nil {
		return err
	}
	l := s.newLedger(backend)
	consents := consent.New(backend.Store)

	minter := tokens.NewMinter(cfg.Tokens,
		tokens.WithLogger(s.log.WithName("tokens")),
		tokens.WithMetrics(s.metrics),
	)
	clientOpts := []collab.Option{
		collab.WithLogger(s.log.WithName("collab")),
		collab.WithMetrics(s.metrics),
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithObserver(s.sink),
		pipeline.WithLogger(s.log.WithName("pipeline")),
		pipeline.WithMetrics(s.metrics),
	}
	if cfg.RiskPublicKey != "" || cfg.BrokerPublicKey != "" {
		riskKey, err := loadOptionalKey(cfg.RiskPublicKey)
		if err != nil {
			return err
		}
		brokerKey, err := loadOptionalKey(cfg.BrokerPublicKey)
		if err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, pipeline.WithVerifyKeys(riskKey, brokerKey))
	}
	p := pipeline.New(minter,
		collab.NewRiskClient(cfg.RiskURL, clientOpts...),
		collab.NewBrokerClient(cfg.BrokerURL, clientOpts...),
		l, consents, pipeOpts...)

	strat := strategy.New(
		collab.NewAgentClient("analyst", cfg.AnalystURL, clientOpts...),
		collab.NewAgentClient("researcher", cfg.ResearcherURL, clientOpts...),
		collab.NewAgentClient("manager", cfg.ManagerURL, clientOpts...),
		strategy.WithObserver(s.sink),
		strategy.WithLogger(s.log.WithName("strategy")),
		strategy.WithMetrics(s.metrics),
	)

	srv := orchestrator.NewServer(orchestrator.Config{
		Tokens:     minter,
		Pipeline:   p,
		Consents:   consents,
		Ledger:     l,
		Strategist: strat,
		Metrics:    s.metrics,
		DebugEnv:   cfg.DebugEnv,
		TailPoll:   cfg.TailPoll,
		Log:        s.log,
	})
	return httpapi.Serve(ctx, cfg.Addr, otelhttp.NewHandler(srv.Handler(), s.name), s.log)
}

func loadOptionalKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	return signer.LoadPublicPEM(path)
}

func runRisk(ctx context.Context) error {
	cfg, err := config.LoadRisk()
	if err != nil {
		return err
	}
	s := newService("risk")
	defer s.close()

	sg, err := signer.LoadPEM(cfg.SigningKeyPath)
	if err != nil {
		return err
	}
	opts := []risk.Option{
		risk.WithRequiredScope(cfg.RequiredScope),
		risk.WithMaxQty(cfg.MaxQty),
		risk.WithLogger(s.log),
	}
	if cfg.Audit {
		backend, err := s.openState(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, risk.WithAudit(s.newLedger(backend)))
	}
	svc := risk.New(s.authorizer(cfg.Verifier), sg, opts...)
	s.log.Info("starting", "required_scope", cfg.RequiredScope, "max_qty", cfg.MaxQty)
	return s.serve(ctx, cfg.Addr, svc.Handler())
}

func runBroker(ctx context.Context) error {
	cfg, err := config.LoadBroker()
	if err != nil {
		return err
	}
	s := newService("broker")
	defer s.close()

	sg, err := signer.LoadPEM(cfg.SigningKeyPath)
	if err != nil {
		return err
	}
	opts := []broker.Option{
		broker.WithAllowedScopes(cfg.AllowedScopes...),
		broker.WithConsentRequiredFor(cfg.RequireConsentFor),
		broker.WithLogger(s.log),
	}
	if cfg.VerifyConsent || cfg.Audit {
		backend, err := s.openState(ctx)
		if err != nil {
			return err
		}
		if cfg.VerifyConsent {
			opts = append(opts, broker.WithConsents(consent.New(backend.Store)))
		}
		if cfg.Audit {
			opts = append(opts, broker.WithAudit(s.newLedger(backend)))
		}
	}
	simClient := collab.NewSimClient(cfg.SimBaseURL,
		collab.WithLogger(s.log.WithName("collab")),
		collab.WithMetrics(s.metrics),
	)
	svc := broker.New(s.authorizer(cfg.Verifier), sg, simClient, opts...)
	s.log.Info("starting", "allowed_scopes", cfg.AllowedScopes, "require_consent_for", cfg.RequireConsentFor, "sim", cfg.SimBaseURL)
	return s.serve(ctx, cfg.Addr, svc.Handler())
}

func runSim(ctx context.Context) error {
	cfg := config.LoadSim()
	s := newService("sim")
	defer s.close()

	market := sim.NewMarket(cfg.SlippageBps, cfg.FeesBps)
	s.log.Info("starting", "slippage_bps", cfg.SlippageBps, "fees_bps", cfg.FeesBps)
	return s.serve(ctx, cfg.Addr, sim.NewServer(market, s.log).Handler())
}
