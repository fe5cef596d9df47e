// Package refresh coalesces concurrent token refreshes so each owner spends
// its refresh token at most once at a time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/metrics"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

// DefaultTimeout bounds one refresh flight.
const DefaultTimeout = 30 * time.Second

// ErrRefreshFailed is returned when the owner's tokens could not be refreshed.
// The owner's tokens are gone by the time it is returned.
var ErrRefreshFailed = errors.New("token refresh failed")

// TokenRefresher spends a refresh token at the token endpoint.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*sonar.Grant, error)
}

// Coordinator runs at most one refresh per owner at any instant. Callers that
// arrive while a refresh is in flight wait for it and share its result.
type Coordinator struct {
	store     tokenstore.Store
	refresher TokenRefresher
	group     singleflight.Group
	now       func() time.Time
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics records refresh results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator.
func New(store tokenstore.Store, refresher TokenRefresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns a fresh token set for ownerID. seen is the set the caller
// found expiring; if the store already holds a different set, another caller
// rotated it and that set is returned without contacting the token endpoint.
//
// On failure the owner's tokens are deleted and ErrRefreshFailed is returned
// to every waiter. Refresh never retries.
func (c *Coordinator) Refresh(ctx context.Context, ownerID string, seen tokenstore.Tokens) (*tokenstore.Tokens, error) {
	// The flight outlives any single caller; a canceled request must not
	// abandon a refresh token that is already spent.
	flightCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(ownerID, func() (any, error) {
		fctx, cancel := context.WithTimeout(flightCtx, c.timeout)
		defer cancel()
		return c.refresh(fctx, ownerID, seen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tokens := res.Val.(tokenstore.Tokens)
		return &tokens, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, ownerID string, seen tokenstore.Tokens) (tokenstore.Tokens, error) {
	owner := logsanitize.Fingerprint(ownerID)

	// Double-check the store inside the flight
	current, err := c.store.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			c.metrics.Refresh(metrics.ResultFailure)
			return tokenstore.Tokens{}, fmt.Errorf("%w: tokens were cleared", ErrRefreshFailed)
		}
		return tokenstore.Tokens{}, fmt.Errorf("failed to load tokens: %w", err)
	}
	if current.AccessToken != seen.AccessToken || current.RefreshToken != seen.RefreshToken {
		slog.Debug("tokens already rotated by another request", "owner", owner)
		c.metrics.Refresh(metrics.ResultShared)
		return *current, nil
	}

	slog.Info("refreshing sonar tokens", "owner", owner)

	grant, err := c.refresher.RefreshTokens(ctx, current.RefreshToken)
	if err != nil {
		slog.Warn("token refresh failed, clearing stored tokens", "owner", owner, "error", err)
		if delErr := c.store.Delete(ctx, ownerID); delErr != nil {
			slog.Error("failed to delete tokens after refresh failure", "owner", owner, "error", delErr)
		}
		c.metrics.Refresh(metrics.ResultFailure)
		return tokenstore.Tokens{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	refreshToken := grant.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	fresh := tokenstore.FromGrant(grant.AccessToken, refreshToken, grant.ExpiresIn, c.now())

	if err := c.store.Set(ctx, ownerID, fresh); err != nil {
		c.metrics.Refresh(metrics.ResultFailure)
		return tokenstore.Tokens{}, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	c.metrics.Refresh(metrics.ResultSuccess)
	slog.Info("sonar tokens refreshed", "owner", owner, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}
