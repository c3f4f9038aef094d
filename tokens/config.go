package tokens

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

// Profile is one OAuth client registered with the identity provider.
type Profile struct {
	Name         string `yaml:"-"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config binds every scope the orchestrator mints to a credential profile.
type Config struct {
	TokenURL      string
	Profiles      map[string]Profile
	ScopeProfiles map[string]string
}

// DefaultScopeProfiles binds the risk and simulate scopes to "default" and the
// live scope to "live".
func DefaultScopeProfiles() map[string]string {
	return map[string]string{
		types.ScopeRiskEvaluate:  "default",
		types.ScopePlaceSimulate: "default",
		types.ScopePlaceLive:     "live",
	}
}

// Validate fails when a scope points at a missing or incomplete profile, or
// when the live scope shares its profile with any other scope.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TokenURL) == "" {
		return types.Validationf("token url is required")
	}
	if len(c.ScopeProfiles) == 0 {
		return types.Validationf("no scopes are bound to credential profiles")
	}
	scopes := make([]string, 0, len(c.ScopeProfiles))
	for scope := range c.ScopeProfiles {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	for _, scope := range scopes {
		name := c.ScopeProfiles[scope]
		p, ok := c.Profiles[name]
		if !ok {
			return types.Validationf("scope %q is bound to unknown credential profile %q", scope, name)
		}
		if p.ClientID == "" || p.ClientSecret == "" {
			return types.Validationf("credential profile %q for scope %q is missing client id or secret", name, scope)
		}
	}

	if live, ok := c.ScopeProfiles[types.ScopePlaceLive]; ok {
		for _, scope := range scopes {
			if scope != types.ScopePlaceLive && c.ScopeProfiles[scope] == live {
				return types.Validationf("scope %q must not share credential profile %q with %q", types.ScopePlaceLive, live, scope)
			}
		}
	}
	return nil
}

// ProfileFor returns the credentials bound to scope.
func (c Config) ProfileFor(scope string) (Profile, error) {
	name, ok := c.ScopeProfiles[scope]
	if !ok {
		return Profile{}, types.Validationf("unsupported scope %q", scope)
	}
	p, ok := c.Profiles[name]
	if !ok || p.ClientID == "" || p.ClientSecret == "" {
		return Profile{}, types.Internalf("missing client credentials for scope %q", scope)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

func (c Config) String() string {
	parts := make([]string, 0, len(c.ScopeProfiles))
	for scope, name := range c.ScopeProfiles {
		parts = append(parts, fmt.Sprintf("%s=%s", scope, name))
	}
	sort.Strings(parts)
	return "tokens.Config{" + strings.Join(parts, ",") + "}"
}
