package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atelierworks/credits/internal/auditor"
	"github.com/atelierworks/credits/internal/httpapi"
	"github.com/atelierworks/credits/internal/store/gormstore"
	"github.com/atelierworks/credits/internal/store/pgstore"
	"github.com/atelierworks/credits/migrations"
	"github.com/atelierworks/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagStoreBackend     = "store-backend"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagJWTCookieName    = "jwt-cookie-name"
	flagWelcomeGrant     = "welcome-grant"
	flagConsistencySweep = "consistency-sweep"
	flagPricingCatalog   = "pricing-catalog"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/credits.db"
	defaultListenAddr       = ":9090"
	defaultConsistencySweep = time.Minute
)

// defaultCatalog prices the built-in billable operations. A catalog file
// given via --pricing-catalog replaces it entirely.
var defaultCatalog = map[string]int64{
	"music_generate":     12,
	"image_generate":     5,
	"image_generate/pro": 10,
	"image_ultra":        25,
}

type runtimeConfig struct {
	DatabaseURL      string
	StoreBackend     string
	ListenAddr       string
	AllowedOrigins   []string
	JWTSigningKey    string
	JWTIssuer        string
	JWTCookieName    string
	WelcomeGrant     int64
	ConsistencySweep time.Duration
	PricingCatalog   string
}

// pricingCatalog is what both store-backed pricing resolvers provide.
type pricingCatalog interface {
	credits.PricingResolver
	SeedCatalog(ctx context.Context, rawCosts map[string]int64) error
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credits ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres connection string or sqlite path")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "storage backend: gorm or pgx (pgx requires a postgres url)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "session JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name")
	cmd.Flags().Int64(flagWelcomeGrant, credits.DefaultWelcomeGrant.Int64(), "credits granted to new accounts")
	cmd.Flags().Duration(flagConsistencySweep, defaultConsistencySweep, "interval between balance consistency sweeps")
	cmd.Flags().String(flagPricingCatalog, "", "path to a JSON file mapping operation labels to costs")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix("CREDITS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagStoreBackend, flagListenAddr, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
		flagWelcomeGrant, flagConsistencySweep, flagPricingCatalog,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.JWTCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.WelcomeGrant = v.GetInt64(flagWelcomeGrant)
	cfg.ConsistencySweep = v.GetDuration(flagConsistencySweep)
	cfg.PricingCatalog = strings.TrimSpace(v.GetString(flagPricingCatalog))

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("%s must be %q or %q", flagStoreBackend, storeBackendGorm, storeBackendPgx)
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if cfg.WelcomeGrant <= 0 {
		return fmt.Errorf("%s must be positive", flagWelcomeGrant)
	}
	if cfg.ConsistencySweep <= 0 {
		return fmt.Errorf("%s must be positive", flagConsistencySweep)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, pricingStore, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage open: %w", err)
	}
	defer func() { _ = cleanup() }()

	catalog, err := loadCatalog(cfg.PricingCatalog)
	if err != nil {
		return fmt.Errorf("pricing catalog: %w", err)
	}
	if err := pricingStore.SeedCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("pricing seed: %w", err)
	}

	welcomeGrant, err := credits.NewPositiveCredits(cfg.WelcomeGrant)
	if err != nil {
		return fmt.Errorf("welcome grant: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, pricingStore, clock,
		credits.WithWelcomeGrant(welcomeGrant),
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}
	creditsAuditor, err := credits.NewAuditor(store, clock)
	if err != nil {
		return fmt.Errorf("auditor init: %w", err)
	}
	sweeper, err := auditor.NewSweeper(creditsAuditor, service, logger, cfg.ConsistencySweep)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.JWTSigningKey,
		SessionIssuer:     cfg.JWTIssuer,
		SessionCookieName: cfg.JWTCookieName,
	}, service, creditsAuditor, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	go func() {
		logger.Info("consistency sweeper starting", zap.Duration("interval", cfg.ConsistencySweep))
		_ = sweeper.Run(ctx)
	}()
	return server.Run(ctx)
}

// openStores builds the configured storage backend and applies the schema.
func openStores(ctx context.Context, cfg *runtimeConfig) (credits.Store, pricingCatalog, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.StoreBackend == storeBackendPgx {
		if driver != "postgres" {
			return nil, nil, nil, fmt.Errorf("the pgx backend requires a postgres url")
		}
		if err := applyPostgresMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), pgstore.NewPricingStore(pool), cleanup, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	if driver == "postgres" {
		err = applyPostgresMigrations(cfg.DatabaseURL)
	} else {
		// sqlite only backs local runs and tests; AutoMigrate is enough.
		err = gormstore.Migrate(db)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), gormstore.NewPricingStore(db.WithContext(ctx)), cleanup, nil
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
			path = "credits.db"
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

// applyPostgresMigrations runs the embedded versioned migrations.
func applyPostgresMigrations(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	migrateDriver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("init migration source: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", migrateDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func loadCatalog(path string) (map[string]int64, error) {
	if path == "" {
		return defaultCatalog, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	catalog := map[string]int64{}
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, err
	}
	if len(catalog) == 0 {
		return nil, errors.New("catalog file defines no operations")
	}
	return catalog, nil
}

// zapOperationLogger forwards engine operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("transaction_id", entry.TransactionID.String()),
		zap.String("label", entry.Label),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credits operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credits operation", fields...)
}
