// Package daemon builds the gateway's components from configuration and
// runs the HTTP server until a shutdown signal arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/config"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/gateway"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/httpserver"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/metrics"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/oauthflow"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/pkce"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/refresh"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/storage"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	redis      *storage.Redis
	sessions   session.Store
	sessionMgr *session.Manager // nil unless sessions are in memory
	tokens     tokenstore.Store
	pkce       pkce.Store
	httpServer *httpserver.Server
}

// New creates a new daemon with all components initialized.
func New(ctx context.Context, cfg *config.Config, version string) (_ *Daemon, err error) {
	d := &Daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if cfg.Storage.UsesRedis() {
		d.redis, err = storage.NewRedis(ctx, storage.RedisConfig{
			Addr:      cfg.Storage.Redis.Addr,
			Username:  cfg.Storage.Redis.Username,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("redis connected", "addr", cfg.Storage.Redis.Addr, "db", cfg.Storage.Redis.DB)
	}

	d.buildTokenStore()
	d.buildSessionStore()
	if err := d.buildPKCEStore(); err != nil {
		return nil, err
	}

	slog.Info("storage initialized",
		"backend", cfg.Storage.Backend,
		"pkce_backend", cfg.Storage.PKCEBackend,
		"session_max_age", cfg.Auth.SessionMaxAgeDuration(),
		"pkce_ttl", cfg.Auth.PKCETTLDuration(),
	)

	timeout := cfg.Sonar.RequestTimeoutDuration()
	oauth, err := sonar.NewOAuthClient(ctx, &cfg.Sonar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sonar oauth client: %w", err)
	}

	slog.Info("sonar oauth client initialized",
		"client_id", cfg.Sonar.ClientID,
		"api_url", cfg.Sonar.APIURL,
		"frontend_url", cfg.Sonar.FrontendURL,
	)

	m := metrics.New()
	coordinator := refresh.New(d.tokens, oauth,
		refresh.WithTimeout(timeout),
		refresh.WithMetrics(m),
	)
	flow := oauthflow.New(oauth, d.pkce, d.tokens, oauthflow.WithMetrics(m))
	gw := gateway.New(sonar.NewAPI(cfg.Sonar.APIURL, &http.Client{Timeout: timeout}), d.tokens, coordinator,
		gateway.WithRefreshMargin(cfg.Auth.RefreshMarginDuration()),
		gateway.WithMetrics(m),
	)

	deps := httpserver.Deps{
		Sessions: d.sessions,
		Flow:     flow,
		Gateway:  gw,
		Metrics:  m,
		Version:  version,
	}
	if d.redis != nil {
		deps.Ping = d.redis.Ping
	}

	d.httpServer, err = httpserver.NewServer(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	return d, nil
}

func (d *Daemon) buildTokenStore() {
	if d.cfg.Storage.Backend == config.BackendRedis {
		d.tokens = tokenstore.NewRedisStore(d.redis)
		return
	}
	d.tokens = tokenstore.NewMemoryStore()
}

func (d *Daemon) buildSessionStore() {
	maxAge := d.cfg.Auth.SessionMaxAgeDuration()
	if d.cfg.Storage.Backend == config.BackendRedis {
		d.sessions = session.NewRedisStore(d.redis, maxAge)
		return
	}

	d.sessionMgr = session.NewManager(maxAge)
	d.sessionMgr.OnExpire(dropTokens(d.tokens))
	d.sessions = d.sessionMgr
}

func (d *Daemon) buildPKCEStore() error {
	opts := []pkce.Option{pkce.WithTTL(d.cfg.Auth.PKCETTLDuration())}

	switch d.cfg.Storage.PKCEBackend {
	case config.BackendRedis:
		d.pkce = pkce.NewRedisStore(d.redis, opts...)
	case config.BackendCookie:
		key, err := d.cfg.Storage.DecodeCookieKey()
		if err != nil {
			return err
		}
		store, err := pkce.NewCookieStore(key, d.cfg.Auth.CookieSecure, opts...)
		if err != nil {
			return fmt.Errorf("failed to initialize cookie pkce store: %w", err)
		}
		d.pkce = store
	default:
		d.pkce = pkce.NewMemoryStore(opts...)
	}
	return nil
}

// dropTokens returns the session expiry hook that removes the expired
// session's Sonar tokens.
func dropTokens(tokens tokenstore.Store) func(sessionID string) {
	return func(sessionID string) {
		if err := tokens.Delete(context.Background(), sessionID); err != nil {
			slog.Error("failed to delete tokens of expired session",
				"session", logsanitize.Fingerprint(sessionID),
				"error", err,
			)
		}
	}
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting sonar oauth gateway")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Wait for shutdown signal or startup error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			d.close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.close()

	slog.Info("daemon shutdown complete")
	return nil
}

// close releases background loops and connections. Safe on a partially
// built daemon.
func (d *Daemon) close() {
	if d.sessionMgr != nil {
		d.sessionMgr.Stop()
	}
	if c, ok := d.pkce.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Error("error closing pkce store", "error", err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			slog.Error("error closing redis", "error", err)
		}
	}
}
