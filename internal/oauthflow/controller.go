// Package oauthflow runs the Sonar authorization code flow with PKCE: it
// starts authorization attempts, validates callbacks against the session
// that started them, exchanges codes and stores the resulting tokens.
package oauthflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/metrics"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/pkce"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

// Phase is the state of one authorization attempt.
type Phase string

// Authorization attempt phases.
const (
	PhaseNotStarted       Phase = "not_started"
	PhaseAuthorizing      Phase = "authorizing"
	PhaseCallbackReceived Phase = "callback_received"
	PhaseExchanged        Phase = "exchanged"
	PhaseFailed           Phase = "failed"
)

// OAuthClient is the part of the Sonar OAuth client the controller uses.
type OAuthClient interface {
	AuthorizationURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*sonar.Grant, error)
}

// Authorization is a started attempt: where to send the browser.
type Authorization struct {
	URL   string `json:"url"`
	State string `json:"-"`
}

// CallbackParams are the query parameters of the redirect back from Sonar.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Status describes a caller's session and Sonar link.
type Status struct {
	Authenticated  bool `json:"authenticated"`
	SonarConnected bool `json:"sonarConnected"`
}

// Controller orchestrates the flow. Every failure it returns is an *autherr.Error.
type Controller struct {
	oauth     OAuthClient
	pkce      pkce.Store
	tokens    tokenstore.Store
	newParams pkce.Generator
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithParamsGenerator overrides pkce.NewParams.
func WithParamsGenerator(gen pkce.Generator) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newParams = gen
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records callback results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a Controller.
func New(oauth OAuthClient, pkceStore pkce.Store, tokens tokenstore.Store, opts ...Option) *Controller {
	c := &Controller{
		oauth:     oauth,
		pkce:      pkceStore,
		tokens:    tokens,
		newParams: pkce.NewParams,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins an authorization attempt for sess.
func (c *Controller) Start(ctx context.Context, sess *session.Session) (*Authorization, error) {
	if sess == nil {
		return nil, autherr.Unauthorized("Unauthorized")
	}

	params, err := c.newParams()
	if err != nil {
		return nil, autherr.Internal(err)
	}

	if err := c.pkce.Put(ctx, params.State, sess.ID, params.CodeVerifier); err != nil {
		return nil, autherr.Internal(err)
	}

	slog.Info("sonar authorization started",
		"session", logsanitize.Fingerprint(sess.ID),
		"state", logsanitize.Fingerprint(params.State),
		"phase", PhaseAuthorizing,
	)

	return &Authorization{
		URL:   c.oauth.AuthorizationURL(params.State, params.CodeChallenge),
		State: params.State,
	}, nil
}

// Callback completes an attempt. Parameters and session binding are
// validated before the token endpoint is contacted.
func (c *Controller) Callback(ctx context.Context, sess *session.Session, p CallbackParams) error {
	err := c.callback(ctx, sess, p)
	if err != nil {
		c.metrics.Authorization(metrics.ResultFailure)
		return err
	}
	c.metrics.Authorization(metrics.ResultSuccess)
	return nil
}

func (c *Controller) callback(ctx context.Context, sess *session.Session, p CallbackParams) error {
	if p.Error != "" {
		slog.Warn("sonar authorization denied",
			"error", logsanitize.Sanitize(p.Error),
			"error_description", logsanitize.Sanitize(p.ErrorDescription),
		)
		return autherr.OAuthProvider(p.Error)
	}

	if p.Code == "" || p.State == "" {
		return autherr.InvalidRequest("code and state are required")
	}

	if sess == nil {
		e := autherr.Unauthorized("Unauthorized")
		e.Details = "No active session"
		return e
	}

	log := slog.With(
		"session", logsanitize.Fingerprint(sess.ID),
		"state", logsanitize.Fingerprint(p.State),
	)
	log.Debug("sonar callback received", "phase", PhaseCallbackReceived)

	entry, err := c.pkce.Get(ctx, p.State)
	if err != nil {
		if errors.Is(err, pkce.ErrNotFound) {
			log.Warn("sonar callback with unknown or expired state", "phase", PhaseFailed)
			return autherr.InvalidState()
		}
		return autherr.Internal(err)
	}

	if entry.OwnerID != sess.ID {
		log.Warn("sonar callback state belongs to another session", "phase", PhaseFailed)
		return autherr.SessionMismatch()
	}

	// The entry stays until its TTL on failure: the code is burned upstream.
	grant, err := c.oauth.ExchangeCode(ctx, p.Code, entry.CodeVerifier)
	if err != nil {
		log.Error("sonar code exchange failed", "phase", PhaseFailed, "error", err)
		return autherr.OAuthExchange(err)
	}

	tokens := tokenstore.FromGrant(grant.AccessToken, grant.RefreshToken, grant.ExpiresIn, c.now())
	if err := c.tokens.Set(ctx, sess.ID, tokens); err != nil {
		log.Error("failed to store sonar tokens", "phase", PhaseFailed, "error", err)
		return autherr.Internal(err)
	}

	if err := c.pkce.Clear(ctx, p.State); err != nil {
		log.Error("failed to clear pkce entry", "error", err)
	}

	log.Info("sonar account connected", "phase", PhaseExchanged, "expires_at", tokens.ExpiresAt)
	return nil
}

// Disconnect removes the caller's Sonar tokens. Disconnecting twice is not an error.
func (c *Controller) Disconnect(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return autherr.Unauthorized("Unauthorized")
	}
	if err := c.tokens.Delete(ctx, sess.ID); err != nil {
		return autherr.Internal(err)
	}
	slog.Info("sonar account disconnected", "session", logsanitize.Fingerprint(sess.ID))
	return nil
}

// Status reports whether sess exists and has Sonar tokens.
func (c *Controller) Status(ctx context.Context, sess *session.Session) (*Status, error) {
	if sess == nil {
		return &Status{}, nil
	}
	_, err := c.tokens.Get(ctx, sess.ID)
	switch {
	case err == nil:
		return &Status{Authenticated: true, SonarConnected: true}, nil
	case errors.Is(err, tokenstore.ErrNotFound):
		return &Status{Authenticated: true}, nil
	default:
		return nil, autherr.Internal(err)
	}
}
