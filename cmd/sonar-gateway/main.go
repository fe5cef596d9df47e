package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/config"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "sonar-gateway",
	Short: "Sonar OAuth gateway",
	Long: `Backend for connecting a user's Sonar account to an application.

The gateway runs the OAuth 2.0 authorization code flow with PKCE against
Sonar, keeps each session's access and refresh tokens server-side, and
proxies the Sonar entity and purchase APIs with those tokens, refreshing
them before they expire.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	Long: `Start the HTTP server.

The server:
  - Issues session cookies (/auth/login, /auth/logout, /auth/session)
  - Starts and completes Sonar authorizations (/auth/sonar/*)
  - Proxies Sonar API calls with the session's tokens (/sonar/*)
  - Exposes /health and /metrics

This mode is typically run as a systemd service or container.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the server.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs, storage backends and cookie key
  - Logical consistency

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/sonar-gateway/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	slog.Info("starting sonar oauth gateway",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create and run daemon
	d, err := daemon.New(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("sonar-gateway version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	r := cfg.Redact()
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Client ID:        %s\n", r.Sonar.ClientID)
	fmt.Printf("  Redirect URI:     %s\n", r.Sonar.RedirectURI)
	fmt.Printf("  API URL:          %s\n", r.Sonar.APIURL)
	fmt.Printf("  Frontend URL:     %s\n", r.Sonar.FrontendURL)
	if r.Sonar.Issuer != "" {
		fmt.Printf("  Issuer:           %s\n", r.Sonar.Issuer)
	}
	fmt.Printf("  Scopes:           %s\n", strings.Join(r.Sonar.Scopes, " "))
	fmt.Printf("  HTTP Listen:      %s\n", r.Listen.HTTP)
	fmt.Printf("  Session Max Age:  %s\n", r.Auth.SessionMaxAgeDuration())
	fmt.Printf("  PKCE TTL:         %s\n", r.Auth.PKCETTLDuration())
	fmt.Printf("  Refresh Margin:   %s\n", r.Auth.RefreshMarginDuration())
	fmt.Printf("  Authorize Mode:   %s\n", r.Auth.AuthorizeMode)
	fmt.Printf("  Storage:          %s (pkce: %s)\n", r.Storage.Backend, r.Storage.PKCEBackend)
	if r.Storage.UsesRedis() {
		fmt.Printf("  Redis:            %s db=%d prefix=%q\n", r.Storage.Redis.Addr, r.Storage.Redis.DB, r.Storage.Redis.KeyPrefix)
	}
	fmt.Printf("  Log Level:        %s\n", r.Log.Level)
	fmt.Printf("  Log Format:       %s\n", r.Log.Format)
	fmt.Printf("  TLS Enabled:      %v\n", r.TLS.Enabled)

	if cfg.Sonar.ClientSecret != "" {
		fmt.Println("\n  Client Secret:    [SET]")
	} else {
		fmt.Println("\n  Client Secret:    [NOT SET] (using public client with PKCE)")
	}

	fmt.Println("\n✅ Ready to start gateway")

	return nil
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
