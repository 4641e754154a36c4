package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := loadConfig(false)
				if err != nil {
					return err
				}
				db, err := openDB(context.Background(), cfg, logger)
				if err != nil {
					return err
				}
				defer db.Close(logger)
				return db.MigrateUp(logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := loadConfig(false)
				if err != nil {
					return err
				}
				db, err := openDB(context.Background(), cfg, logger)
				if err != nil {
					return err
				}
				defer db.Close(logger)
				return db.MigrateDown(logger)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := loadConfig(false)
				if err != nil {
					return err
				}
				db, err := openDB(context.Background(), cfg, logger)
				if err != nil {
					return err
				}
				defer db.Close(logger)
				v, dirty, err := db.MigrateVersion(logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}

func dbhealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dbhealth",
		Short: "Ping the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("opening DB: %w", err)
			}
			defer db.Close(logger)
			if err := db.HealthCheck(ctx, cfg.Database.DialTimeout, logger); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DB health: OK (%s)\n", db.Driver)
			return nil
		},
	}
}
