package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-crestron/internal/auth"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/migrations"
)

// newTokenCmd prints a signed API token for the configured secret.
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		role    string
		subject string
		ttl     int
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed API bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return printToken(cmd.OutOrStdout(), cfg.Security.JWT, role, subject, ttl)
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", string(auth.RoleViewer), "token role (viewer, operator, admin)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "token subject (defaults to the role)")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "lifetime in minutes (defaults to security.jwt.access_token_ttl)")
	return cmd
}

func printToken(w io.Writer, jwtCfg config.JWTConfig, role, subject string, ttl int) error {
	if ttl <= 0 {
		ttl = jwtCfg.AccessTokenTTL
	}
	token, err := auth.GenerateAccessToken(subject, auth.Role(role), jwtCfg.Secret, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// newMigrateCmd applies pending migrations, or rolls back the latest one,
// and prints the resulting status.
func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := database.Open(database.Config{
				Path:        cfg.Database.Path,
				WALMode:     cfg.Database.WALMode,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close() //nolint:errcheck // Process is exiting

			log := logging.New(cfg.Logging, version)
			return migrate(cmd.Context(), cmd.OutOrStdout(), db, down, log)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func migrate(ctx context.Context, w io.Writer, db *database.DB, down bool, log *logging.Logger) error {
	src := migrations.Source()
	if down {
		if err := db.MigrateDown(ctx, src); err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
		log.Info("rolled back latest migration")
	} else {
		if err := db.Migrate(ctx, src); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx, src)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, m := range applied {
		fmt.Fprintf(w, "applied  %s  %-24s %s\n", m.Version, m.Name, m.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
