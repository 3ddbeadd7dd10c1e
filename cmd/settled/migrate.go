package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"PerpSettlement/internal/config"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/persistence"
)

func migrateCommand(load loader) *cobra.Command {
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the event log schema",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return withMigrator(c.Context(), load, func(ctx context.Context, m *persistence.Migrator) error {
					n, err := m.Up(ctx)
					if err != nil {
						return err
					}
					c.Printf("applied %d migrations\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return withMigrator(c.Context(), load, func(ctx context.Context, m *persistence.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
	)
	return c
}

func withMigrator(ctx context.Context, load loader, fn func(context.Context, *persistence.Migrator) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))

	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, persistence.NewMigrator(db, persistence.Migrations(), logger))
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
