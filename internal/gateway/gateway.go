// Package gateway wraps every call to the Sonar API with the caller's
// session check, token lookup, proactive refresh and error translation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/metrics"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/refresh"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

// DefaultRefreshMargin is how close to expiry a token is refreshed before use.
const DefaultRefreshMargin = 5 * time.Minute

// noEntity is returned by ReadEntity when Sonar has no entity for the wallet.
var noEntity = json.RawMessage(`{"Entity":null}`)

var errNoEntity = errors.New("no entity")

// Refresher coalesces token refreshes per owner.
type Refresher interface {
	Refresh(ctx context.Context, ownerID string, seen tokenstore.Tokens) (*tokenstore.Tokens, error)
}

// Request carries the identifiers of a proxied call. Which fields are
// required depends on the operation.
type Request struct {
	SaleUUID      string `json:"saleUUID"`
	WalletAddress string `json:"walletAddress"`
	EntityID      string `json:"entityID"`
}

// Gateway performs authenticated Sonar API calls on behalf of a session.
// Every failure it returns is an *autherr.Error.
type Gateway struct {
	api       *sonar.API
	tokens    tokenstore.Store
	refresher Refresher
	margin    time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.margin = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMetrics records remote call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a Gateway.
func New(api *sonar.API, tokens tokenstore.Store, refresher Refresher, opts ...Option) *Gateway {
	g := &Gateway{
		api:       api,
		tokens:    tokens,
		refresher: refresher,
		margin:    DefaultRefreshMargin,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListAvailableEntities lists the caller's entities for a sale.
func (g *Gateway) ListAvailableEntities(ctx context.Context, sess *session.Session, req Request) (json.RawMessage, error) {
	return g.do(ctx, sess, sonar.OpListAvailableEntities,
		func() error {
			if req.SaleUUID == "" {
				return autherr.InvalidRequest("Missing saleUUID")
			}
			return nil
		},
		func(ctx context.Context, c *sonar.Client) (json.RawMessage, error) {
			return c.ListAvailableEntities(ctx, sonar.EntitiesRequest{SaleUUID: req.SaleUUID})
		})
}

// ReadEntity returns the entity linked to a wallet. A wallet without an
// entity yields {"Entity":null} rather than an error.
func (g *Gateway) ReadEntity(ctx context.Context, sess *session.Session, req Request) (json.RawMessage, error) {
	return g.do(ctx, sess, sonar.OpReadEntity,
		func() error {
			if req.SaleUUID == "" || req.WalletAddress == "" {
				return autherr.InvalidRequest("Missing saleUUID or walletAddress")
			}
			return nil
		},
		func(ctx context.Context, c *sonar.Client) (json.RawMessage, error) {
			res, err := c.ReadEntity(ctx, sonar.EntityRequest{SaleUUID: req.SaleUUID, WalletAddress: req.WalletAddress})
			if sonar.IsStatus(err, http.StatusNotFound) {
				return nil, errNoEntity
			}
			return res, err
		})
}

// PrePurchaseCheck asks Sonar whether the entity may purchase from the wallet.
func (g *Gateway) PrePurchaseCheck(ctx context.Context, sess *session.Session, req Request) (json.RawMessage, error) {
	return g.do(ctx, sess, sonar.OpPrePurchaseCheck, req.validatePurchase,
		func(ctx context.Context, c *sonar.Client) (json.RawMessage, error) {
			return c.PrePurchaseCheck(ctx, req.purchase())
		})
}

// GeneratePurchasePermit obtains a signed purchase permit.
func (g *Gateway) GeneratePurchasePermit(ctx context.Context, sess *session.Session, req Request) (json.RawMessage, error) {
	return g.do(ctx, sess, sonar.OpGenerateSalePurchasePermit, req.validatePurchase,
		func(ctx context.Context, c *sonar.Client) (json.RawMessage, error) {
			return c.GeneratePurchasePermit(ctx, req.purchase())
		})
}

func (r Request) validatePurchase() error {
	if r.SaleUUID == "" || r.EntityID == "" || r.WalletAddress == "" {
		return autherr.InvalidRequest("saleUUID, entityID and walletAddress are required")
	}
	return nil
}

func (r Request) purchase() sonar.PurchaseRequest {
	return sonar.PurchaseRequest{SaleUUID: r.SaleUUID, EntityID: r.EntityID, WalletAddress: r.WalletAddress}
}

type callFunc func(ctx context.Context, c *sonar.Client) (json.RawMessage, error)

func (g *Gateway) do(ctx context.Context, sess *session.Session, op string, validate func() error, call callFunc) (json.RawMessage, error) {
	if sess == nil {
		return nil, autherr.Unauthorized("Unauthorized")
	}
	if err := validate(); err != nil {
		return nil, err
	}

	log := slog.With("session", logsanitize.Fingerprint(sess.ID), "operation", op)

	tokens, err := g.accessTokens(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	client := g.api.Bind(tokens.AccessToken, func(ctx context.Context) {
		log.Warn("sonar rejected access token, clearing stored tokens")
		if err := g.tokens.Delete(context.WithoutCancel(ctx), sess.ID); err != nil {
			log.Error("failed to clear rejected tokens", "error", err)
		}
	})

	res, err := call(ctx, client)
	if errors.Is(err, errNoEntity) {
		g.metrics.RemoteCall(op, metrics.OutcomeNotFound)
		return noEntity, nil
	}
	if err != nil {
		g.metrics.RemoteCall(op, metrics.OutcomeError)
		return nil, translate(log, err)
	}
	g.metrics.RemoteCall(op, metrics.OutcomeOK)
	return res, nil
}

// accessTokens loads the owner's tokens and refreshes them when they are
// within the margin of expiry.
func (g *Gateway) accessTokens(ctx context.Context, ownerID string) (*tokenstore.Tokens, error) {
	tokens, err := g.tokens.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, autherr.SonarNotConnected()
		}
		return nil, autherr.Internal(err)
	}

	if !tokens.ExpiresWithin(g.now(), g.margin) {
		return tokens, nil
	}

	fresh, err := g.refresher.Refresh(ctx, ownerID, *tokens)
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshFailed) {
			return nil, &autherr.Error{Kind: autherr.KindUnauthorized, Message: "Failed to refresh token", Err: err}
		}
		return nil, autherr.Internal(err)
	}
	return fresh, nil
}

func translate(log *slog.Logger, err error) error {
	var apiErr *sonar.APIError
	if !errors.As(err, &apiErr) {
		log.Error("sonar api call failed", "error", err)
		e := autherr.RemoteAPI(http.StatusBadGateway, "Sonar API request failed")
		e.Err = err
		return e
	}

	log.Warn("sonar api returned an error", "status", apiErr.Status, "message", logsanitize.Sanitize(apiErr.Message))
	if apiErr.Status == http.StatusUnauthorized {
		return &autherr.Error{Kind: autherr.KindUnauthorized, Message: "Sonar authorization expired", Err: err}
	}
	return autherr.RemoteAPI(apiErr.Status, apiErr.Message)
}
