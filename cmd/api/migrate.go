package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

var errNeedsPostgres = errors.New("this command needs the postgres storage driver")

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				if g.cfg.StorageDriver != "postgres" {
					return errNeedsPostgres
				}
				db, err := store.Open(cmd.Context(), g.cfg.DatabaseURL, store.DefaultPoolOptions)
				if err != nil {
					return err
				}
				defer db.Close()
				return store.ApplyMigrations(cmd.Context(), db, g.cfg.MigrationsDir, g.logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every applied migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				if g.cfg.StorageDriver != "postgres" {
					return errNeedsPostgres
				}
				db, err := store.Open(cmd.Context(), g.cfg.DatabaseURL, store.DefaultPoolOptions)
				if err != nil {
					return err
				}
				defer db.Close()
				return store.RollbackMigrations(cmd.Context(), db, g.cfg.MigrationsDir, g.logger)
			},
		},
	)
	return cmd
}

func newReindexCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch indexes from Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.StorageDriver != "postgres" {
				return errNeedsPostgres
			}
			if g.cfg.MeiliURL == "" {
				return errors.New("meili_url is not configured")
			}
			db, err := store.Open(cmd.Context(), g.cfg.DatabaseURL, store.DefaultPoolOptions)
			if err != nil {
				return err
			}
			defer db.Close()

			meili := search.NewMeili(g.cfg.MeiliURL, g.cfg.MeiliMasterKey, g.logger)
			defer meili.Close()
			if !meili.Healthy() {
				return errors.New("meilisearch is not reachable")
			}
			svc := search.NewService(meili, search.NewPgFTS(db), g.logger)
			if err := svc.ReindexAll(cmd.Context()); err != nil {
				return err
			}
			g.logger.Info("reindex complete", zap.String("meili", g.cfg.MeiliURL))
			return nil
		},
	}
}
