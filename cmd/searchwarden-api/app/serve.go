package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/searchwarden/searchwarden/internal/api"
	"github.com/searchwarden/searchwarden/internal/auth"
	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/config"
	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/keycache"
	"github.com/searchwarden/searchwarden/internal/telemetry"
	"github.com/searchwarden/searchwarden/internal/tenant"
	"github.com/searchwarden/searchwarden/internal/token"
	"github.com/searchwarden/searchwarden/internal/token/inmemory"
	"github.com/searchwarden/searchwarden/internal/token/opensearchstore"
	"github.com/searchwarden/searchwarden/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization API server",
	Long: `Start the authorization API server.

The server requires a configuration file (--config) that specifies the
security configuration directory, credential signing keys, and the
credential store backend. See examples/ for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second

	storeReadyTimeout = 2 * time.Minute
)

// publicPaths bypass bearer authentication.
var publicPaths = []string{"/health", "/readiness", "/version", "/metrics"}

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration", "path", configPath, "address", cfg.GetAddress())

	store := configstore.NewStore(cfg.SnapshotRetention)
	if err := installSecurityConfig(store, cfg.SecurityConfigDir); err != nil {
		return err
	}

	meter, err := telemetry.NewMeter(
		telemetry.WithServiceName("searchwarden"),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithEnabled(cfg.Telemetry != nil && cfg.Telemetry.Enabled),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	authzMetrics, err := telemetry.NewAuthzMetrics(meter.Provider())
	if err != nil {
		return fmt.Errorf("failed to create authz metrics: %w", err)
	}
	tokenMetrics, err := telemetry.NewTokenMetrics(meter.Provider())
	if err != nil {
		return fmt.Errorf("failed to create token metrics: %w", err)
	}
	keyCacheMetrics, err := telemetry.NewKeyCacheMetrics(meter.Provider())
	if err != nil {
		return fmt.Errorf("failed to create key cache metrics: %w", err)
	}

	merger := authz.NewMerger(
		authz.WithEmptyOverridesAll(cfg.Authz.EmptyOverridesAll),
		authz.WithClauselessDLSMode(cfg.Authz.ClauselessMode()),
	)

	tokenStore, err := buildTokenStore(ctx, cfg)
	if err != nil {
		return err
	}

	facadeOpts := []authz.FacadeOption{authz.WithAuthzMetrics(authzMetrics)}
	if cfg.Tenants != nil {
		// The cluster-backed credential store doubles as the index
		// lister for tenant generation discovery; with the in-memory
		// store tenants resolve to their canonical names.
		var lister tenant.IndexLister
		if clusterStore, ok := tokenStore.(*opensearchstore.Store); ok {
			lister = clusterStore
		}
		facadeOpts = append(facadeOpts,
			authz.WithTenantResolver(tenant.NewResolver(cfg.Tenants.BaseResource, lister)))
	}
	facade := authz.NewFacade(store, merger, facadeOpts...)

	issuer, err := buildIssuer(cfg, tokenStore, store, tokenMetrics)
	if err != nil {
		return err
	}

	validators := []auth.Validator{auth.NewScopedTokenValidator(issuer)}
	if cfg.Auth != nil {
		keys := keycache.New(
			keycache.NewHTTPProvider(cfg.Auth.JWKSURL, nil),
			keycache.WithKeyCacheMetrics(keyCacheMetrics))
		validators = append([]auth.Validator{
			auth.NewExternalJWTValidator(keys, auth.ExternalJWTConfig{
				Audience:       cfg.Auth.Audience,
				Issuer:         cfg.Auth.Issuer,
				RolesClaim:     cfg.Auth.RolesClaim,
				AttributePaths: cfg.Auth.AttributePaths,
			}),
		}, validators...)
	}

	authMw, err := auth.NewMiddleware(validators)
	if err != nil {
		return fmt.Errorf("failed to create auth middleware: %w", err)
	}

	router := api.NewServer(issuer, facade, store,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
			auth.WrapWithPublicPaths(authMw.Handler, publicPaths),
		),
		api.WithMetricsHandler(meter.Handler()),
	)

	server := &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", cfg.GetAddress())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// SIGHUP reloads the security configuration; SIGINT/SIGTERM shut
	// down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			slog.Info("Reloading security configuration", "dir", cfg.SecurityConfigDir)
			if err := installSecurityConfig(store, cfg.SecurityConfigDir); err != nil {
				slog.Error("Configuration reload failed, keeping previous snapshot", "error", err)
			}
			continue
		}
		break
	}
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// installSecurityConfig loads the configuration bundle from disk and
// installs it as a new snapshot.
func installSecurityConfig(store *configstore.Store, dir string) error {
	bundle, err := configstore.LoadBundle(dir)
	if err != nil {
		return fmt.Errorf("failed to load security configuration from %s: %w", dir, err)
	}
	snap := store.Update(bundle)
	slog.Info("Security configuration installed", "version", snap.Version())
	return nil
}

func buildTokenStore(ctx context.Context, cfg *config.Config) (token.Store, error) {
	switch cfg.Tokens.Storage.GetStorageType() {
	case config.StorageTypeMemory:
		slog.Info("Using in-memory credential store")
		return inmemory.New(), nil

	case config.StorageTypeOpenSearch:
		osCfg := cfg.Tokens.Storage.OpenSearch
		password, err := osCfg.GetPassword()
		if err != nil {
			return nil, err
		}
		store, err := opensearchstore.New(opensearchstore.Config{
			Addresses: osCfg.Addresses,
			Username:  osCfg.Username,
			Password:  password,
			Index:     osCfg.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create credential store: %w", err)
		}
		if err := store.Ready(ctx, storeReadyTimeout); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown credential store type %q", cfg.Tokens.Storage.Type)
}

func buildIssuer(cfg *config.Config, tokenStore token.Store, store *configstore.Store,
	metrics *telemetry.TokenMetrics) (*token.Issuer, error) {
	signingKey, err := cfg.Tokens.GetSigningKey()
	if err != nil {
		return nil, err
	}
	encryptionKey, err := cfg.Tokens.GetEncryptionKey()
	if err != nil {
		return nil, err
	}

	opts := []token.IssuerOption{token.WithTokenMetrics(metrics)}
	if encryptionKey != nil {
		opts = append(opts, token.WithEncryptionKey(encryptionKey))
	}
	if d := cfg.Tokens.GetMaxValidity(); d > 0 {
		opts = append(opts, token.WithMaxValidity(d))
	}

	issuer, err := token.NewIssuer(tokenStore, store, signingKey, cfg.Tokens.Audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential issuer: %w", err)
	}
	return issuer, nil
}
