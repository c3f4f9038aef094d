// Package consent records which user authorized live trading and checks that
// authorization before a live order is placed.
package consent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/trusted-trading/state"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

type Registry struct {
	store state.ConsentStore
	now   func() time.Time
	newID func() string
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func New(store state.ConsentStore, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grant records a new consent. Only the live placement scope can be granted.
func (r *Registry) Grant(ctx context.Context, userID, scope string) (types.Consent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return types.Consent{}, types.Validationf("user_id is required")
	}
	if scope == "" {
		scope = types.ScopePlaceLive
	}
	if scope != types.ScopePlaceLive {
		return types.Consent{}, types.Validationf("only %s consent supported", types.ScopePlaceLive)
	}
	c := types.Consent{
		ID:        r.newID(),
		UserID:    userID,
		Scope:     scope,
		GrantedAt: r.now().UTC(),
	}
	if err := r.store.SaveConsent(ctx, c); err != nil {
		return types.Consent{}, types.Wrap(types.KindInternal, err, "save consent")
	}
	return c, nil
}

func (r *Registry) Get(ctx context.Context, id string) (types.Consent, error) {
	c, err := r.store.LoadConsent(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return types.Consent{}, types.NotFoundf("consent not found")
		}
		return types.Consent{}, types.Wrap(types.KindInternal, err, "load consent")
	}
	return c, nil
}

// List returns the newest consents first.
func (r *Registry) List(ctx context.Context, limit int) ([]types.Consent, error) {
	out, err := r.store.ListConsents(ctx, state.ClampLimit(limit))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list consents")
	}
	return out, nil
}

// Require succeeds only when id names a consent owned by userID for scope.
func (r *Registry) Require(ctx context.Context, id, userID, scope string) error {
	if strings.TrimSpace(id) == "" {
		return types.Validationf("consent_id required for live orders")
	}
	c, err := r.store.LoadConsent(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return types.Validationf("invalid consent_id")
		}
		return types.Wrap(types.KindInternal, err, "load consent")
	}
	if c.UserID != userID {
		return types.Forbiddenf("consent user mismatch")
	}
	if c.Scope != scope {
		return types.Mismatchf("consent scope mismatch")
	}
	return nil
}
