package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/app"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/export"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/outbox"
	"inkwell/api/internal/project"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

// backend is what every storage driver provides.
type backend interface {
	project.Gateway
	app.Accounts
	app.RefreshSessions
	authpw.UserStore
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

// openBackend connects the configured storage driver. db is nil unless the
// driver is postgres.
func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger, migrate bool) (backend, *sql.DB, error) {
	switch cfg.StorageDriver {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		return store.NewPostgresStore(db), db, nil
	case "supabase":
		sb, err := store.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			return nil, nil, err
		}
		return sb, nil, nil
	case "memory":
		logger.Warn("using the in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func runServe(parent context.Context, g *globals) error {
	cfg, logger := g.cfg, g.logger
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, db, err := openBackend(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	collector := metrics.New("inkwell")
	var checks []app.ReadinessCheck
	wsOpts := []project.Option{project.WithLogger(logger.Named("workspace"))}

	var box *outbox.Outbox
	if strings.TrimSpace(cfg.OutboxPath) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutboxPath), 0o755); err != nil {
			return fmt.Errorf("create outbox dir: %w", err)
		}
		box, err = outbox.Open(cfg.OutboxPath)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		defer box.Close()
		wsOpts = append(wsOpts, project.WithOutbox(box))
		checks = append(checks, app.ReadinessCheck{Name: "outbox", Required: true, Check: func(ctx context.Context) error {
			_, err := box.Count(ctx)
			return err
		}})
	}

	var refresh app.RefreshSessions = data
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, refresh tokens and snapshots stay in the primary store", zap.Error(err))
		} else {
			defer client.Close()
			rs := session.NewRefreshStore(client)
			refresh = rs
			wsOpts = append(wsOpts, project.WithCache(session.NewSnapshotCache(client, cfg.SnapshotTTL)))
			checks = append(checks, app.ReadinessCheck{Name: "redis", Check: rs.Ping})
		}
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		checks = append(checks, app.ReadinessCheck{Name: "meilisearch", Check: func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("unhealthy")
			}
			return nil
		}})
	}
	var pgfts *search.PgFTS
	if db != nil {
		pgfts = search.NewPgFTS(db)
	}
	var searcher app.Searcher
	if meili != nil || pgfts != nil {
		svc := search.NewService(meili, pgfts, logger)
		searcher = svc
		wsOpts = append(wsOpts, project.WithIndexer(svc))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}
	workspace := project.NewWorkspace(data, wsOpts...)
	versions := gitrepo.New(cfg.ReposDir)
	assistant := ai.New(ai.Config{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	}, ai.WithMetrics(collector), ai.WithLogger(logger))

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: "Inkwell",
		AppURL:   cfg.AppURL,
	}, logger)

	service := app.NewService(cfg, app.Deps{
		Accounts:  data,
		Refresh:   refresh,
		Passwords: authpw.NewService(data, 0),
		Projects:  workspace,
		Versions:  versions,
		Exporter:  export.NewService(workspace, versions, logger),
		Search:    searcher,
		AI:        assistant,
		Notifier:  mailer,
		Checks:    checks,
		Logger:    logger,
	})

	if box != nil {
		syncer := project.NewSyncer(workspace, cfg.SyncInterval, collector)
		go syncer.Run(ctx)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, collector).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inkwell api listening",
			zap.String("addr", cfg.Addr),
			zap.String("storage", cfg.StorageDriver),
			zap.Bool("ai", assistant.Enabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// Last chance to push snapshots the syncer has not caught up with.
	if box != nil {
		if n, err := workspace.Drain(shutdownCtx, 100); err != nil {
			logger.Warn("final sync failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("final sync", zap.Int("projects", n))
		}
	}
	return nil
}
