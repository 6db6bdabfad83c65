package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"checkout-service/config"
	"checkout-service/internal/ratelimit"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "checkout-admin",
		Short:         "Maintenance commands for the checkout service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(ratelimitCmd())
	return cmd
}

func migrateCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.PersistentFlags().StringVar(&source, "source", "file://migrations", "migrations source URL")

	open := func() (*migrate.Migrate, error) {
		cfg := config.Load()
		m, err := migrate.New(source, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
		return m, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer func() { _, _ = m.Close() }()

			err = m.Up()
			if errors.Is(err, migrate.ErrNoChange) {
				util.GetLogger().Info("No pending migrations")
				return nil
			}
			if err != nil {
				return fmt.Errorf("migration up failed: %w", err)
			}
			util.GetLogger().Info("Migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer func() { _, _ = m.Close() }()

			err = m.Steps(-1)
			if errors.Is(err, migrate.ErrNoChange) {
				util.GetLogger().Info("No migrations to roll back")
				return nil
			}
			if err != nil {
				return fmt.Errorf("migration down failed: %w", err)
			}
			util.GetLogger().Info("Migration rolled back")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer func() { _, _ = m.Close() }()

			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				util.GetLogger().Info("No migrations applied yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			util.GetLogger().Info("Current migration version",
				zap.Uint("version", version),
				zap.Bool("dirty", dirty))
			return nil
		},
	})

	return cmd
}

func ratelimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Manage rate limit state",
	}

	var horizon time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge rate limit windows with no request newer than the horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if horizon <= 0 {
				horizon = cfg.RateLimit.CleanupHorizon
			}

			client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("failed to connect to Redis: %w", err)
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			removed, err := ratelimit.NewRedisLimiter(client, nil).Cleanup(ctx, horizon)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			util.GetLogger().Info("Rate limit windows purged",
				zap.Int("removed", removed),
				zap.Duration("horizon", horizon))
			return nil
		},
	}
	cleanup.Flags().DurationVar(&horizon, "horizon", 0, "age beyond which windows are purged (default from RATE_LIMIT_CLEANUP_HORIZON_SECONDS)")

	cmd.AddCommand(cleanup)
	return cmd
}
