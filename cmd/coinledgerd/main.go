package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/marketmesh/coinledger/internal/access"
	"github.com/marketmesh/coinledger/internal/httpapi"
	"github.com/marketmesh/coinledger/internal/observability"
	"github.com/marketmesh/coinledger/internal/payment/stripe"
	"github.com/marketmesh/coinledger/internal/purchase"
	"github.com/marketmesh/coinledger/internal/store/gormstore"
	"github.com/marketmesh/coinledger/pkg/ledger"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagStripeSecretKey   = "stripe-secret-key"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagAllowedOrigins    = "allowed-origins"
	flagStartingGrant     = "starting-grant"
	flagUnlockCost        = "unlock-cost"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyStripeSecretKey   = "stripe_secret_key"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyStartingGrant     = "starting_grant"
	configKeyUnlockCost        = "unlock_cost"

	defaultDatabaseURL = "sqlite:///tmp/coinledger.db"
	defaultListenAddr  = ":8080"
	defaultUnlockCost  = 10
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	StripeSecretKey   string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	AllowedOrigins    string
	StartingGrant     int64
	UnlockCost        int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key (empty enables the dev gateway)")
	cmd.Flags().String(flagSessionSigningKey, "", "session token signing key")
	cmd.Flags().String(flagSessionIssuer, "", "session token issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().Int64(flagStartingGrant, ledger.DefaultStartingGrantCoins, "coins granted to new accounts")
	cmd.Flags().Int64(flagUnlockCost, defaultUnlockCost, "coin cost of unlocking a gated resource")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyStripeSecretKey:   "STRIPE_SECRET_KEY",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyStartingGrant:     "STARTING_GRANT",
		configKeyUnlockCost:        "UNLOCK_COST",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyStripeSecretKey:   flagStripeSecretKey,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionCookie:     flagSessionCookie,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyStartingGrant:     flagStartingGrant,
		configKeyUnlockCost:        flagUnlockCost,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.StartingGrant = viper.GetInt64(configKeyStartingGrant)
	cfg.UnlockCost = viper.GetInt64(configKeyUnlockCost)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.UnlockCost <= 0 {
		return fmt.Errorf("unlock cost must be positive")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	observer := observability.NewLedgerObserver(logger, registry)

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(observer),
		ledger.WithStartingGrant(cfg.StartingGrant),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	purchaseService, err := purchase.NewService(ledgerService, gateway, purchase.DefaultCatalog())
	if err != nil {
		return fmt.Errorf("purchase service init: %w", err)
	}

	unlockCost, err := ledger.NewCoinAmount(cfg.UnlockCost)
	if err != nil {
		return fmt.Errorf("unlock cost: %w", err)
	}
	accessController, err := access.NewController(ledgerService, func(ledger.ResourceID) (ledger.CoinAmount, error) {
		return unlockCost, nil
	})
	if err != nil {
		return fmt.Errorf("access controller init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
	}
	return httpapi.Run(ctx, apiConfig, logger, httpapi.Services{
		Ledger:   ledgerService,
		Purchase: purchaseService,
		Access:   accessController,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
}

// buildGateway returns the Stripe gateway, or a dev gateway that approves
// every charge when no secret key is configured.
func buildGateway(cfg *runtimeConfig, logger *zap.Logger) (purchase.Gateway, error) {
	if cfg.StripeSecretKey != "" {
		client, err := stripe.NewClient(cfg.StripeSecretKey)
		if err != nil {
			return nil, fmt.Errorf("stripe client init: %w", err)
		}
		return client, nil
	}
	logger.Warn("no stripe secret key configured, using dev gateway")
	return purchase.GatewayFunc(func(ctx context.Context, amountCents int64, paymentMethodRef string) (purchase.Charge, error) {
		return purchase.Charge{
			ChargeID: "dev_" + uuid.NewString(),
			Status:   purchase.ChargeSucceeded,
		}, nil
	}), nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "coinledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
