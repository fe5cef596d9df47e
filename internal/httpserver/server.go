package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/config"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/gateway"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/metrics"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/oauthflow"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Deps are the components the server routes requests to.
type Deps struct {
	Sessions session.Store
	Flow     *oauthflow.Controller
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
	// Ping checks shared storage for /health. Nil when everything is in memory.
	Ping    func(ctx context.Context) error
	Version string
}

// Server is the HTTP surface of the gateway
type Server struct {
	cfg        *config.Config
	deps       Deps
	httpServer *http.Server
	router     chi.Router
	templates  *template.Template
	cookies    *session.Cookies
	limiter    *IPRateLimiter
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    chi.NewRouter(),
		templates: templates,
		cookies:   session.NewCookies(cfg.Auth.SessionMaxAgeDuration(), cfg.Auth.CookieSecure),
		limiter:   newIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
	}

	s.router.Use(
		securityHeadersMiddleware,
		requestIDMiddleware,
		s.limiter.middleware,
		loggingMiddleware,
		recoveryMiddleware,
		pkceCookieMiddleware,
	)
	s.routes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Proxied calls may wait on a token refresh and a remote request.
		WriteTimeout: cfg.Sonar.RequestTimeoutDuration()*2 + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/session", s.handleSession)

		r.Route("/sonar", func(r chi.Router) {
			r.Get("/authorize", s.handleAuthorize)
			r.Post("/authorize", s.handleAuthorize)
			r.Get("/callback", s.handleCallback)
			r.Post("/disconnect", s.handleDisconnect)
		})
	})

	r.Route("/sonar", func(r chi.Router) {
		r.Post("/entities", s.proxy(s.deps.Gateway.ListAvailableEntities))
		r.Post("/entity", s.proxy(s.deps.Gateway.ReadEntity))
		r.Post("/pre-purchase-check", s.proxy(s.deps.Gateway.PrePurchaseCheck))
		r.Post("/generate-purchase-permit", s.proxy(s.deps.Gateway.GeneratePurchasePermit))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("Method not allowed"))
	})
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
