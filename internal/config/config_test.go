package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/trusted-trading/tokens"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

func TestTokenConfigFromEnv(t *testing.T) {
	t.Setenv("TOKEN_PROFILES_FILE", "")
	t.Setenv("DESCOPE_TOKEN_URL", "https://idp/token")
	t.Setenv("ORCH_CLIENT_ID", "orch")
	t.Setenv("ORCH_CLIENT_SECRET", "secret")
	t.Setenv("ORCH_LIVE_CLIENT_ID", "orch-live")
	t.Setenv("ORCH_LIVE_CLIENT_SECRET", "live-secret")

	cfg, err := TokenConfig()
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.ProfileFor(types.ScopePlaceLive)
	if err != nil {
		t.Fatal(err)
	}
	if p.ClientID != "orch-live" || p.Name != "live" {
		t.Fatalf("live scope bound to %+v", p)
	}
}

func TestTokenConfigRequiresLiveCredentials(t *testing.T) {
	t.Setenv("TOKEN_PROFILES_FILE", "")
	t.Setenv("DESCOPE_TOKEN_URL", "https://idp/token")
	t.Setenv("ORCH_CLIENT_ID", "orch")
	t.Setenv("ORCH_CLIENT_SECRET", "secret")
	t.Setenv("ORCH_LIVE_CLIENT_ID", "")
	t.Setenv("ORCH_LIVE_CLIENT_SECRET", "")

	if _, err := TokenConfig(); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("expected startup validation error, got %v", err)
	}
}

func TestTokenConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	doc := `token_url: https://idp/oauth2/token
profiles:
  orchestrator:
    client_id: orch
    client_secret: ${TEST_ORCH_SECRET}
  trader:
    client_id: trader
    client_secret: t0p
scopes:
  "risk.evaluate": orchestrator
  "place:simulate": orchestrator
  "place:live": trader
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_ORCH_SECRET", "from-env")
	t.Setenv("TOKEN_PROFILES_FILE", path)

	cfg, err := TokenConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]tokens.Profile{
		"orchestrator": {Name: "orchestrator", ClientID: "orch", ClientSecret: "from-env"},
		"trader":       {Name: "trader", ClientID: "trader", ClientSecret: "t0p"},
	}
	if diff := cmp.Diff(want, cfg.Profiles); diff != "" {
		t.Fatalf("profiles mismatch (-want +got):\n%s", diff)
	}
	if cfg.TokenURL != "https://idp/oauth2/token" || cfg.ScopeProfiles[types.ScopePlaceLive] != "trader" {
		t.Fatalf("unexpected config %s url=%s", cfg, cfg.TokenURL)
	}
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TT_DOTENV_A=from-file\nTT_DOTENV_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("TT_DOTENV_A", "from-env")
	t.Setenv("TT_DOTENV_B", "")
	os.Unsetenv("TT_DOTENV_B")

	if err := LoadDotenv(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TT_DOTENV_A"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("TT_DOTENV_B"); got != "from-file" {
		t.Fatalf("file variable not loaded: %q", got)
	}

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	if err := LoadDotenv(); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TT_INT", "12")
	t.Setenv("TT_BAD_INT", "x")
	t.Setenv("TT_DUR", "250ms")
	t.Setenv("TT_LIST", "place:simulate, place:live")
	t.Setenv("TT_FLOAT", "2.5")

	if ParseIntEnv("TT_INT", 1) != 12 || ParseIntEnv("TT_BAD_INT", 1) != 1 {
		t.Fatal("ParseIntEnv")
	}
	if ParseDurationEnv("TT_DUR", time.Second) != 250*time.Millisecond {
		t.Fatal("ParseDurationEnv")
	}
	if ParseFloatEnv("TT_FLOAT", 0) != 2.5 {
		t.Fatal("ParseFloatEnv")
	}
	if diff := cmp.Diff([]string{"place:simulate", "place:live"}, ParseListEnv("TT_LIST", nil)); diff != "" {
		t.Fatalf("ParseListEnv (-want +got):\n%s", diff)
	}
	if !ParseBoolString("on", false) || ParseBoolString("off", true) || !ParseBoolString("??", true) {
		t.Fatal("ParseBoolString")
	}
}

func TestLoadBrokerRequiresIssuer(t *testing.T) {
	t.Setenv("DESCOPE_ISSUER", "")
	t.Setenv("DESCOPE_JWKS_URL", "")
	if _, err := LoadBroker(); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrchestratorDebugEnvHidesSecrets(t *testing.T) {
	t.Setenv("ORCH_CLIENT_ID", "orch")
	t.Setenv("ORCH_CLIENT_SECRET", "super-secret")
	t.Setenv("ORCH_LIVE_CLIENT_ID", "")
	o := Orchestrator{
		RiskURL:   "http://risk",
		BrokerURL: "http://broker",
		Tokens: tokens.Config{
			TokenURL:      "https://idp/token",
			Profiles:      map[string]tokens.Profile{"default": {ClientID: "orch", ClientSecret: "super-secret"}},
			ScopeProfiles: tokens.DefaultScopeProfiles(),
		},
	}
	env := o.DebugEnv()
	if env["has_ORCH_CLIENT_SECRET"] != true || env["has_ORCH_LIVE_CLIENT_ID"] != false {
		t.Fatalf("unexpected presence flags %v", env)
	}
	if env["token_url_set"] != true || env["risk_url"] != "http://risk" {
		t.Fatalf("unexpected env %v", env)
	}
	if env["profile_ready:"+types.ScopePlaceLive] != false || env["profile_ready:"+types.ScopeRiskEvaluate] != true {
		t.Fatalf("unexpected profile readiness %v", env)
	}
	for k, v := range env {
		if s, ok := v.(string); ok && s == "super-secret" {
			t.Fatalf("%s leaks a secret", k)
		}
	}
}
