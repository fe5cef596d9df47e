package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendCookie = "cookie"
)

// Authorize transports.
const (
	AuthorizeModeRedirect = "redirect"
	AuthorizeModeJSON     = "json"
)

// Config represents the complete application configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Sonar     SonarConfig     `yaml:"sonar"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig defines where the gateway listens for requests
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":3000")
}

// SonarConfig defines the OAuth client registration and remote endpoints
type SonarConfig struct {
	ClientID       string   `yaml:"client_id"`       // OAuth client UUID
	ClientSecret   string   `yaml:"client_secret"`   // empty for public clients (PKCE only)
	RedirectURI    string   `yaml:"redirect_uri"`    // must match the client's registered redirect URI
	APIURL         string   `yaml:"api_url"`         // Sonar API base URL, also hosts /oauth/token
	FrontendURL    string   `yaml:"frontend_url"`    // Sonar frontend, hosts /oauth/authorize
	Issuer         string   `yaml:"issuer"`          // optional: discover endpoints via OIDC discovery
	Scopes         []string `yaml:"scopes"`          // optional scopes
	RequestTimeout int      `yaml:"request_timeout"` // remote call timeout in seconds
}

// AuthConfig defines session, PKCE and token refresh behavior
type AuthConfig struct {
	SessionMaxAge         int    `yaml:"session_max_age"`         // session cookie lifetime in seconds
	PKCETTL               int    `yaml:"pkce_ttl"`                // PKCE entry lifetime in seconds
	RefreshMargin         int    `yaml:"refresh_margin"`          // refresh when the access token expires within this many seconds
	AuthorizeMode         string `yaml:"authorize_mode"`          // redirect or json for GET /auth/sonar/authorize
	HomeURL               string `yaml:"home_url"`                // where the callback page sends the browser
	CookieSecure          bool   `yaml:"cookie_secure"`           // set Secure on cookies
	CallbackRedirectDelay int    `yaml:"callback_redirect_delay"` // seconds before the callback page redirects home
}

// StorageConfig selects the backing for sessions, tokens and PKCE entries
type StorageConfig struct {
	Backend     string      `yaml:"backend"`      // memory or redis (sessions and tokens)
	PKCEBackend string      `yaml:"pkce_backend"` // memory, redis or cookie
	CookieKey   string      `yaml:"cookie_key"`   // base64 32-byte key for the cookie PKCE backend
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig defines the shared redis connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig defines the per-IP limiter
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":3000",
		},
		Sonar: SonarConfig{
			APIURL:         "https://api.echo.xyz",
			FrontendURL:    "https://app.echo.xyz",
			RequestTimeout: 15,
		},
		Auth: AuthConfig{
			SessionMaxAge:         7 * 24 * 3600, // 7 days
			PKCETTL:               600,           // 10 minutes
			RefreshMargin:         300,           // 5 minutes
			AuthorizeMode:         AuthorizeModeRedirect,
			HomeURL:               "/",
			CookieSecure:          true,
			CallbackRedirectDelay: 3,
		},
		Storage: StorageConfig{
			Backend:     BackendMemory,
			PKCEBackend: BackendMemory,
			Redis: RedisConfig{
				KeyPrefix: "sonar-gw:",
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SONAR_GW_CLIENT_ID"); v != "" {
		c.Sonar.ClientID = v
	}
	if v := os.Getenv("SONAR_GW_CLIENT_SECRET"); v != "" {
		c.Sonar.ClientSecret = v
	}
	if v := os.Getenv("SONAR_GW_REDIRECT_URI"); v != "" {
		c.Sonar.RedirectURI = v
	}
	if v := os.Getenv("SONAR_GW_API_URL"); v != "" {
		c.Sonar.APIURL = v
	}
	if v := os.Getenv("SONAR_GW_FRONTEND_URL"); v != "" {
		c.Sonar.FrontendURL = v
	}

	if v := os.Getenv("SONAR_GW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SONAR_GW_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("SONAR_GW_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}

	if v := os.Getenv("SONAR_GW_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.CookieSecure = b
		}
	}

	if v := os.Getenv("SONAR_GW_COOKIE_KEY"); v != "" {
		c.Storage.CookieKey = v
	}
	if v := os.Getenv("SONAR_GW_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("SONAR_GW_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Sonar.ClientID == "" {
		return fmt.Errorf("sonar.client_id is required")
	}

	if c.Sonar.RedirectURI == "" {
		return fmt.Errorf("sonar.redirect_uri is required")
	}
	if !isHTTPURL(c.Sonar.RedirectURI) {
		return fmt.Errorf("sonar.redirect_uri must be a valid HTTP(S) URL")
	}
	if !isHTTPURL(c.Sonar.APIURL) {
		return fmt.Errorf("sonar.api_url must be a valid HTTP(S) URL")
	}
	if !isHTTPURL(c.Sonar.FrontendURL) {
		return fmt.Errorf("sonar.frontend_url must be a valid HTTP(S) URL")
	}
	if c.Sonar.Issuer != "" && !isHTTPURL(c.Sonar.Issuer) {
		return fmt.Errorf("sonar.issuer must be a valid HTTP(S) URL")
	}
	if c.Sonar.RequestTimeout <= 0 {
		return fmt.Errorf("sonar.request_timeout must be positive")
	}

	if c.Auth.SessionMaxAge <= 0 {
		return fmt.Errorf("auth.session_max_age must be positive")
	}
	if c.Auth.PKCETTL <= 0 {
		return fmt.Errorf("auth.pkce_ttl must be positive")
	}
	if c.Auth.PKCETTL > 3600 {
		return fmt.Errorf("auth.pkce_ttl should not exceed 3600 seconds (1 hour)")
	}
	if c.Auth.RefreshMargin < 0 {
		return fmt.Errorf("auth.refresh_margin must not be negative")
	}
	if c.Auth.AuthorizeMode != AuthorizeModeRedirect && c.Auth.AuthorizeMode != AuthorizeModeJSON {
		return fmt.Errorf("auth.authorize_mode must be one of: redirect, json")
	}
	if c.Auth.CallbackRedirectDelay < 0 {
		return fmt.Errorf("auth.callback_redirect_delay must not be negative")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("storage.backend must be one of: memory, redis")
	}

	switch c.Storage.PKCEBackend {
	case BackendMemory, BackendRedis:
	case BackendCookie:
		if _, err := c.Storage.DecodeCookieKey(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.pkce_backend must be one of: memory, redis, cookie")
	}

	if c.Storage.UsesRedis() && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when a redis backend is selected")
	}

	return nil
}

// UsesRedis reports whether any store is backed by redis.
func (s *StorageConfig) UsesRedis() bool {
	return s.Backend == BackendRedis || s.PKCEBackend == BackendRedis
}

// DecodeCookieKey returns the 32-byte cookie encryption key.
func (s *StorageConfig) DecodeCookieKey() ([]byte, error) {
	if s.CookieKey == "" {
		return nil, fmt.Errorf("storage.cookie_key is required when pkce_backend is cookie")
	}
	key, err := base64.StdEncoding.DecodeString(s.CookieKey)
	if err != nil {
		return nil, fmt.Errorf("storage.cookie_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.cookie_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RequestTimeoutDuration returns the remote call timeout.
func (s *SonarConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// SessionMaxAgeDuration returns the session lifetime.
func (a *AuthConfig) SessionMaxAgeDuration() time.Duration {
	return time.Duration(a.SessionMaxAge) * time.Second
}

// PKCETTLDuration returns the PKCE entry lifetime.
func (a *AuthConfig) PKCETTLDuration() time.Duration {
	return time.Duration(a.PKCETTL) * time.Second
}

// RefreshMarginDuration returns the proactive refresh margin.
func (a *AuthConfig) RefreshMarginDuration() time.Duration {
	return time.Duration(a.RefreshMargin) * time.Second
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.Sonar.Scopes != nil {
		redacted.Sonar.Scopes = make([]string, len(c.Sonar.Scopes))
		copy(redacted.Sonar.Scopes, c.Sonar.Scopes)
	}
	if redacted.Sonar.ClientSecret != "" {
		redacted.Sonar.ClientSecret = "[REDACTED]"
	}
	if redacted.Storage.CookieKey != "" {
		redacted.Storage.CookieKey = "[REDACTED]"
	}
	if redacted.Storage.Redis.Password != "" {
		redacted.Storage.Redis.Password = "[REDACTED]"
	}
	return &redacted
}
