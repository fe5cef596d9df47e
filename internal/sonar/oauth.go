// Package sonar talks to the remote Sonar service: its OAuth authorization
// and token endpoints, and the external API the gateway proxies.
package sonar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/config"
)

// Grant is a token endpoint response.
type Grant struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds, 0 when not reported.
	ExpiresIn int64
}

// TokenError is an error response from the token endpoint.
type TokenError struct {
	Status      int
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	msg := e.Code
	if msg == "" {
		msg = fmt.Sprintf("token endpoint returned status %d", e.Status)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// OAuthClient wraps the OAuth2 configuration of the registered Sonar client.
type OAuthClient struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
}

// OAuthOption configures an OAuthClient.
type OAuthOption func(*OAuthClient)

// WithHTTPClient sets the HTTP client used for discovery and token requests.
func WithHTTPClient(client *http.Client) OAuthOption {
	return func(c *OAuthClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewOAuthClient creates the OAuth client. When cfg.Issuer is set the
// endpoints come from OIDC discovery; otherwise they are derived from the
// frontend and API base URLs.
func NewOAuthClient(ctx context.Context, cfg *config.SonarConfig, opts ...OAuthOption) (*OAuthClient, error) {
	c := &OAuthClient{httpClient: &http.Client{Timeout: cfg.RequestTimeoutDuration()}}
	for _, opt := range opts {
		opt(c)
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   strings.TrimRight(cfg.FrontendURL, "/") + "/oauth/authorize",
		TokenURL:  strings.TrimRight(cfg.APIURL, "/") + "/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if cfg.Issuer != "" {
		// Discover endpoints via /.well-known/openid-configuration
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover sonar endpoints: %w", err)
		}
		endpoint = provider.Endpoint()
		slog.Info("discovered sonar oauth endpoints",
			"authorization_endpoint", endpoint.AuthURL,
			"token_endpoint", endpoint.TokenURL,
		)
	}

	c.oauth2Config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}

	return c, nil
}

// AuthorizationURL builds the URL to send the browser to.
func (c *OAuthClient) AuthorizationURL(state, codeChallenge string) string {
	return c.oauth2Config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
// It uses the PKCE code verifier to complete the flow.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Grant, error) {
	token, err := c.oauth2Config.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", tokenError(err))
	}
	return grantFromToken(token)
}

// RefreshTokens spends refreshToken for a new token set. When the endpoint
// does not rotate the refresh token the old one is returned.
func (c *OAuthClient) RefreshTokens(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	token, err := c.oauth2Config.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", tokenError(err))
	}

	grant, err := grantFromToken(token)
	if err != nil {
		return nil, err
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

func (c *OAuthClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func grantFromToken(token *oauth2.Token) (*Grant, error) {
	if token.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return &Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
	}, nil
}

// tokenError reduces an oauth2.RetrieveError to its status and OAuth error
// code, dropping the raw response body.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	te := &TokenError{Code: re.ErrorCode, Description: re.ErrorDescription}
	if re.Response != nil {
		te.Status = re.Response.StatusCode
	}
	return te
}
