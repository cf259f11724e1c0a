package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrlink/internal/config"
	"github.com/ehr/ehrlink/internal/domain/ehr"
	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/internal/platform/middleware"
	"github.com/ehr/ehrlink/internal/platform/sandbox"
	"github.com/ehr/ehrlink/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehrlink",
		Short: "SMART on FHIR access layer for multi-vendor EHR integrations",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(jwksCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the integration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "ehrlink-migrate", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the supported EHR providers and their configuration fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ehr.NewRegistry().List())
		},
	}
}

func jwksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the public key set vendors use to verify client assertions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			key, err := loadSigningKey(cfg)
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("no signing key configured; set EHR_JWKS_PRIVATE_KEY or EHR_JWKS_PRIVATE_KEY_FILE")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(auth.PublicKeySet(key))
		},
	}
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run a local SMART on FHIR server with synthetic patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetString("port")
			baseURL, _ := cmd.Flags().GetString("base-url")
			if baseURL == "" {
				baseURL = "http://localhost:" + port
			}
			cfg := sandbox.Config{BaseURL: baseURL}
			cfg.Patients, _ = cmd.Flags().GetInt("patients")
			cfg.Seed, _ = cmd.Flags().GetInt64("seed")
			cfg.Writable, _ = cmd.Flags().GetBool("writable")
			cfg.ClientSecret, _ = cmd.Flags().GetString("client-secret")
			cfg.TokenTTL, _ = cmd.Flags().GetDuration("token-ttl")
			return runSandbox(":"+port, cfg)
		},
	}
	cmd.Flags().String("port", "9090", "Listen port")
	cmd.Flags().String("base-url", "", "Externally visible origin (default http://localhost:<port>)")
	cmd.Flags().Int("patients", 25, "Number of synthetic patients")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks a time-based seed")
	cmd.Flags().Bool("writable", false, "Advertise and accept Patient, DocumentReference and Binary creates")
	cmd.Flags().String("client-secret", "", "Require this secret from confidential clients")
	cmd.Flags().Duration("token-ttl", time.Hour, "Access token lifetime")
	return cmd
}

func runSandbox(addr string, cfg sandbox.Config) error {
	logger := newLogger("development", "info")

	sb, err := sandbox.New(cfg, logger)
	if err != nil {
		return err
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	sb.RegisterRoutes(e)

	logger.Info().
		Str("addr", addr).
		Str("issuer", sb.Issuer()).
		Bool("writable", cfg.Writable).
		Msg("sandbox EHR listening; configure the generic provider with this issuer")
	return serveUntilSignal(e, logger, func() error { return e.Start(addr) })
}

// newLogger writes JSON, or console output in development.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// serveUntilSignal runs start until SIGINT or SIGTERM, then shuts e down.
func serveUntilSignal(e *echo.Echo, logger zerolog.Logger, start func() error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
