package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/franckalain/nutrilog/internal/auth"
	"github.com/franckalain/nutrilog/internal/config"
	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/logbook"
	"github.com/franckalain/nutrilog/internal/ml"
	"github.com/franckalain/nutrilog/internal/repository"
	"github.com/franckalain/nutrilog/internal/server"
	"github.com/franckalain/nutrilog/internal/sheets"
	"github.com/franckalain/nutrilog/internal/telemetry"
	"github.com/franckalain/nutrilog/internal/tenant"
	"github.com/franckalain/nutrilog/internal/vault"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nutrilog daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	root := &cobra.Command{
		Use:          "nutrilog",
		Short:        "Multi-tenant nutrition tracker daemon",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.GetConfigPath(), "path to configuration file")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func serve(ctx context.Context, configPath string) error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return err
	}

	// Initialize structured logger
	level := slog.LevelInfo
	if cfg.Server.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	// Initialize vault
	secrets, err := vault.Open(vault.Config{
		Path:     cfg.Vault.Path,
		Scope:    cfg.Vault.Scope,
		InMemory: cfg.Vault.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}
	defer secrets.Close()

	// Initialize admin store
	admin := openAdmin(ctx, cfg.Admin.DSN, logger)
	defer admin.Close()

	signingKey := []byte(cfg.Auth.SigningKey)
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	provider, err := auth.NewLocal(admin, secrets, auth.Config{
		SigningKey: signingKey,
		TokenTTL:   cfg.Auth.TokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create auth provider: %w", err)
	}

	binder := tenant.NewBinder(tenant.BinderConfig{
		Auth:      provider,
		Directory: tenant.NewAdminDirectory(admin),
		Factory:   tenant.NewFactory(logger),
		Secrets:   secrets,
		Logger:    logger,
	})
	repo := repository.New(binder, logger)

	// Initialize ML service
	factory, err := ml.NewFactory(cfg.ML)
	if err != nil {
		return fmt.Errorf("failed to create ML model: %w", err)
	}
	estimator := ml.WithFallback(factory, secrets, logger)
	defer estimator.Close()

	book := logbook.New(logbook.Config{
		Store:     repo,
		Estimator: estimator,
		Sheets: sheets.New(sheets.Config{
			WebhookURL: cfg.Sheets.WebhookURL,
			Timeout:    cfg.Sheets.Timeout,
			Logger:     logger,
		}),
		Logger: logger,
	})
	binder.Subscribe(book.HandleSnapshot)

	srv := server.New(server.Deps{
		Auth:       provider,
		Binder:     binder,
		Repository: repo,
		Logbook:    book,
		Logger:     logger,
		Debug:      cfg.Server.Debug,
	})

	if err := binder.Start(ctx); err != nil {
		return err
	}
	defer binder.Stop()

	if err := srv.Start(ctx, cfg.Server.Port); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// openAdmin opens the administrative store. Without one the daemon still runs
// and every sign in fails with the open error.
func openAdmin(ctx context.Context, dsn string, logger *slog.Logger) *database.DB {
	if dsn == "" {
		return database.Failed(errors.New("admin store is not configured"))
	}
	db, err := database.Open(dsn, "")
	if err != nil {
		logger.Error("failed to open admin store", slog.String("error", err.Error()))
		return database.Failed(err)
	}
	if err := db.Migrate(ctx, database.AdminSchema()); err != nil {
		logger.Error("failed to migrate admin store", slog.String("error", err.Error()))
	}
	return db
}
