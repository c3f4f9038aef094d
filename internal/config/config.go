package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/PipeOpsHQ/trusted-trading/tokens"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

// LoadDotenv reads ENV_FILE (default .env) into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotenv() error {
	path := Getenv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type ProfileFile struct {
	TokenURL string                    `yaml:"token_url"`
	Profiles map[string]tokens.Profile `yaml:"profiles"`
	Scopes   map[string]string         `yaml:"scopes"`
}

// TokenConfig builds the scope-to-credential binding. TOKEN_PROFILES_FILE, when
// set, names a YAML file; otherwise ORCH_CLIENT_ID/SECRET form the "default"
// profile and ORCH_LIVE_CLIENT_ID/SECRET the "live" profile.
func TokenConfig() (tokens.Config, error) {
	cfg := tokens.Config{
		TokenURL:      Getenv("DESCOPE_TOKEN_URL", ""),
		Profiles:      map[string]tokens.Profile{},
		ScopeProfiles: tokens.DefaultScopeProfiles(),
	}

	if path := Getenv("TOKEN_PROFILES_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return tokens.Config{}, fmt.Errorf("read token profiles: %w", err)
		}
		file, err := ParseProfiles(raw)
		if err != nil {
			return tokens.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if file.TokenURL != "" {
			cfg.TokenURL = file.TokenURL
		}
		cfg.Profiles = file.Profiles
		if len(file.Scopes) > 0 {
			cfg.ScopeProfiles = file.Scopes
		}
	} else {
		cfg.Profiles["default"] = tokens.Profile{
			Name:         "default",
			ClientID:     Getenv("ORCH_CLIENT_ID", ""),
			ClientSecret: Getenv("ORCH_CLIENT_SECRET", ""),
		}
		cfg.Profiles["live"] = tokens.Profile{
			Name:         "live",
			ClientID:     Getenv("ORCH_LIVE_CLIENT_ID", ""),
			ClientSecret: Getenv("ORCH_LIVE_CLIENT_SECRET", ""),
		}
	}

	if err := cfg.Validate(); err != nil {
		return tokens.Config{}, err
	}
	return cfg, nil
}

// ParseProfiles decodes a profiles document. Values may reference environment
// variables as ${NAME}.
func ParseProfiles(raw []byte) (ProfileFile, error) {
	var file ProfileFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return ProfileFile{}, err
	}
	for name, p := range file.Profiles {
		p.Name = name
		file.Profiles[name] = p
	}
	return file, nil
}

type Orchestrator struct {
	Addr          string
	Tokens        tokens.Config
	RiskURL       string
	BrokerURL     string
	AnalystURL    string
	ResearcherURL string
	ManagerURL    string
	TailPoll      time.Duration
	LogVerbosity  int

	// RiskPublicKey and BrokerPublicKey, when set, make the pipeline verify
	// collaborator signatures before trusting a result.
	RiskPublicKey   string
	BrokerPublicKey string
}

// DebugEnv reports which orchestrator settings are present without
// revealing credentials.
func (o Orchestrator) DebugEnv() map[string]any {
	env := map[string]any{
		"token_url_set": o.Tokens.TokenURL != "",
		"risk_url":      o.RiskURL,
		"broker_url":    o.BrokerURL,
	}
	for _, key := range []string{"ORCH_CLIENT_ID", "ORCH_CLIENT_SECRET", "ORCH_LIVE_CLIENT_ID", "ORCH_LIVE_CLIENT_SECRET"} {
		env["has_"+key] = os.Getenv(key) != ""
	}
	for _, scope := range []string{types.ScopeRiskEvaluate, types.ScopePlaceSimulate, types.ScopePlaceLive} {
		_, err := o.Tokens.ProfileFor(scope)
		env["profile_ready:"+scope] = err == nil
	}
	return env
}

func LoadOrchestrator() (Orchestrator, error) {
	tc, err := TokenConfig()
	if err != nil {
		return Orchestrator{}, err
	}
	return Orchestrator{
		Addr:          Getenv("ORCHESTRATOR_ADDR", ":7005"),
		Tokens:        tc,
		RiskURL:       Getenv("RISK_URL", "http://localhost:7002"),
		BrokerURL:     Getenv("BROKER_URL", "http://localhost:7003"),
		AnalystURL:    Getenv("ANALYST_URL", "http://localhost:7010"),
		ResearcherURL: Getenv("RESEARCHER_URL", "http://localhost:7011"),
		ManagerURL:    Getenv("MANAGER_URL", "http://localhost:7012"),
		TailPoll:      ParseDurationEnv("LOG_TAIL_POLL", time.Second),
		LogVerbosity:  ParseIntEnv("LOG_VERBOSITY", 0),

		RiskPublicKey:   Getenv("RISK_PUBLIC_KEY", ""),
		BrokerPublicKey: Getenv("BROKER_PUBLIC_KEY", ""),
	}, nil
}

// Verifier is what every token-checking collaborator needs.
type Verifier struct {
	Issuer         string
	JWKSURL        string
	SigningKeyPath string
}

func (v Verifier) validate(service string) error {
	var missing []string
	if v.Issuer == "" {
		missing = append(missing, "DESCOPE_ISSUER")
	}
	if v.JWKSURL == "" {
		missing = append(missing, "DESCOPE_JWKS_URL")
	}
	if len(missing) > 0 {
		return types.Validationf("%s: missing %s", service, strings.Join(missing, ", "))
	}
	return nil
}

type Risk struct {
	Verifier
	Addr          string
	RequiredScope string
	MaxQty        int
	// Audit makes the service append its own signed results to the ledger.
	Audit bool
}

func LoadRisk() (Risk, error) {
	cfg := Risk{
		Verifier: Verifier{
			Issuer:         Getenv("DESCOPE_ISSUER", ""),
			JWKSURL:        Getenv("DESCOPE_JWKS_URL", ""),
			SigningKeyPath: Getenv("RISK_SIGNING_PRIV", "./secrets/risk_priv.pem"),
		},
		Addr:          Getenv("RISK_ADDR", ":7002"),
		RequiredScope: Getenv("REQUIRED_SCOPE", types.ScopeRiskEvaluate),
		MaxQty:        ParseIntEnv("RISK_MAX_QTY", 1000),
		Audit:         ParseBoolString(os.Getenv("AGENT_AUDIT"), false),
	}
	return cfg, cfg.validate("risk")
}

type Broker struct {
	Verifier
	Addr              string
	AllowedScopes     []string
	RequireConsentFor string
	SimBaseURL        string
	// VerifyConsent checks consent ids against the shared registry, not only their presence.
	VerifyConsent bool
	Audit         bool
}

func LoadBroker() (Broker, error) {
	cfg := Broker{
		Verifier: Verifier{
			Issuer:         Getenv("DESCOPE_ISSUER", ""),
			JWKSURL:        Getenv("DESCOPE_JWKS_URL", ""),
			SigningKeyPath: Getenv("BROKER_SIGNING_PRIV", "./secrets/broker_priv.pem"),
		},
		Addr:              Getenv("BROKER_ADDR", ":7003"),
		AllowedScopes:     ParseListEnv("ALLOWED_SCOPES", []string{types.ScopePlaceSimulate, types.ScopePlaceLive}),
		RequireConsentFor: Getenv("REQUIRE_CONSENT_FOR", types.ScopePlaceLive),
		SimBaseURL:        Getenv("SIM_BASE_URL", "http://localhost:7001"),
		VerifyConsent:     ParseBoolString(os.Getenv("BROKER_VERIFY_CONSENT"), true),
		Audit:             ParseBoolString(os.Getenv("AGENT_AUDIT"), false),
	}
	return cfg, cfg.validate("broker")
}

type Sim struct {
	Addr        string
	SlippageBps float64
	FeesBps     float64
}

func LoadSim() Sim {
	return Sim{
		Addr:        Getenv("SIM_ADDR", ":7001"),
		SlippageBps: ParseFloatEnv("SLIPPAGE_BPS", 2),
		FeesBps:     ParseFloatEnv("FEES_BPS", 1),
	}
}
