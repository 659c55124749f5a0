package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/auth"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/bridge"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/claims"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/config"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/credentials"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/database"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/logging"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/server"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedbridge",
		Short: "External identity federation and legacy login bridge",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite path of the local identity store")
	flags.String("external-database-url", "", "PostgreSQL URL of the external user store")
	flags.String("external-username", "", "External store user (overrides the URL)")
	flags.String("external-table", defaults.GetString("external.table"), "External users table")
	flags.Bool("external-import-enabled", defaults.GetBool("external.import_enabled"), "Import external identities after their first login")
	flags.String("issuer-url", defaults.GetString("issuer.url"), "Issuer URL placed in tokens")
	flags.String("signing-key-path", "", "PEM RSA private key used to sign tokens")
	flags.String("bridge-client-id", "", "Client used by the legacy bridge")
	flags.String("bridge-required-scope", defaults.GetString("bridge.required_scope"), "Scope the bridge client is expected to hold")
	flags.String("bridge-token-endpoint", "", "Token endpoint the bridge forwards to")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "external.database_url", "external-database-url")
	bindFlag(cmd, "external.username", "external-username")
	bindFlag(cmd, "external.table", "external-table")
	bindFlag(cmd, "external.import_enabled", "external-import-enabled")
	bindFlag(cmd, "issuer.url", "issuer-url")
	bindFlag(cmd, "issuer.signing_key_path", "signing-key-path")
	bindFlag(cmd, "bridge.client_id", "bridge-client-id")
	bindFlag(cmd, "bridge.required_scope", "bridge-required-scope")
	bindFlag(cmd, "bridge.token_endpoint", "bridge-token-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := metrics.New()

	store, err := users.NewStore(users.StoreConfig{
		Database:               db,
		Logger:                 logger,
		DefaultRequiredActions: appConfig.Issuer.DefaultRequiredActions,
	})
	if err != nil {
		return err
	}
	hasher := credentials.NewArgon2Hasher(credentials.DefaultArgon2Params)

	provider, closeExternal := openFederation(ctx, appConfig.External, store, hasher, registry, logger)
	defer closeExternal()

	clientEntries := make([]auth.Client, 0, len(appConfig.Clients))
	for _, entry := range appConfig.Clients {
		clientEntries = append(clientEntries, auth.Client{
			ID:                 entry.ID,
			Enabled:            entry.Enabled,
			DirectAccessGrants: entry.DirectAccessGrants,
			Scopes:             entry.Scopes,
		})
	}
	clients, err := auth.NewClientRegistry(clientEntries)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Clients:           clients,
		Claims:            claims.NewProjector(nil),
		FederationEnabled: provider != nil,
		Metrics:           registry,
		Logger:            logger,
	}

	if appConfig.Issuer.Enabled {
		issuer, err := newTokenIssuer(appConfig.Issuer, logger)
		if err != nil {
			return err
		}
		authConfig := auth.AuthenticatorConfig{Accounts: store, Verifier: hasher, Logger: logger}
		subjects := server.Subjects{Local: store}
		if provider != nil {
			authConfig.Federation = provider
			subjects.Federated = provider
		}
		authenticator, err := auth.NewAuthenticator(authConfig)
		if err != nil {
			return err
		}
		deps.Issuer = issuer
		deps.Authenticator = authenticator
		deps.Subjects = subjects
	}

	bridgeConfig := bridge.Config{
		ClientID:      appConfig.Bridge.ClientID,
		RequiredScope: appConfig.Bridge.RequiredScope,
		TokenEndpoint: appConfig.Bridge.TokenEndpoint,
		Clients:       clients,
		Timeout:       appConfig.Bridge.Timeout,
		Logger:        logger,
		Observer:      registry,
	}
	if appConfig.Bridge.JWKSURL != "" {
		verifier, err := auth.NewIDTokenVerifier(auth.IDTokenVerifierConfig{
			Audience:       appConfig.Bridge.ClientID,
			JWKSURL:        appConfig.Bridge.JWKSURL,
			AllowedIssuers: []string{appConfig.Issuer.URL},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		bridgeConfig.Verifier = verifier
	}
	deps.Bridge = bridge.NewGateway(bridgeConfig)

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openFederation connects to the external store. Failures disable federation instead of stopping the service.
func openFederation(ctx context.Context, cfg config.ExternalConfig, store *users.Store, hasher *credentials.Argon2Hasher, registry *metrics.Metrics, logger *zap.Logger) (*federation.Provider, func()) {
	noop := func() {}
	if !cfg.Enabled() {
		logger.Info("external store not configured; federation disabled")
		return nil, noop
	}

	gateway, err := legacydb.Open(ctx, legacydb.ConnectConfig{
		URL:      cfg.DatabaseURL,
		Username: cfg.Username,
		Password: cfg.Password,
		Table:    cfg.Table,
		MaxConns: cfg.MaxConns,
		Logger:   logger,
		Observer: registry,
	})
	if err != nil {
		logger.Error("external store unavailable; federation disabled", zap.Error(err))
		return nil, noop
	}

	var reconciler *federation.Reconciler
	if cfg.ImportEnabled {
		reconciler, err = federation.NewReconciler(federation.ReconcilerConfig{
			Store:    store,
			Hasher:   hasher,
			Logger:   logger,
			Observer: registry,
		})
		if err != nil {
			logger.Error("import disabled", zap.Error(err))
		}
	}

	provider, err := federation.NewProvider(federation.ProviderConfig{
		ProviderID:    cfg.ProviderID,
		Directory:     legacydb.NewCachedDirectory(gateway, cfg.CacheTTL),
		Reconciler:    reconciler,
		ImportEnabled: cfg.ImportEnabled,
		Logger:        logger,
		Observer:      registry,
	})
	if err != nil {
		logger.Error("federation disabled", zap.Error(err))
		gateway.Close()
		return nil, noop
	}
	logger.Info("federation enabled",
		zap.String("provider_id", provider.ID()),
		zap.Bool("import_enabled", provider.ImportEnabled()),
	)
	return provider, gateway.Close
}

func newTokenIssuer(cfg config.IssuerConfig, logger *zap.Logger) (*auth.TokenIssuer, error) {
	var (
		key *auth.SigningKey
		err error
	)
	if cfg.SigningKeyPath != "" {
		key, err = auth.LoadSigningKey(cfg.SigningKeyPath)
	} else {
		logger.Warn("no signing key configured; using an ephemeral key")
		key, err = auth.GenerateSigningKey()
	}
	if err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningKey:      key,
		Issuer:          cfg.URL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
}
