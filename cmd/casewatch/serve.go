package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/casewatch/internal/export"
	"github.com/joseph-ayodele/casewatch/internal/ingest"
	"github.com/joseph-ayodele/casewatch/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health endpoint and optional drop-folder watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", "error", err)
				return err
			}
			defer a.close()

			if err := a.health(ctx); err != nil {
				logger.Error("failed to ping database", "error", err)
				return err
			}

			api := server.New(server.Deps{
				Store:     a.store,
				Scheduler: a.scheduler,
				Hub:       a.hub,
				Export:    export.NewService(a.store, logger),
				Drafter:   a.analyzer,
				Health:    a.health,
				Lang:      cfg.LLM.Language,
				Logger:    logger,
			})
			streamCtx, endStreams := context.WithCancel(ctx)
			defer endStreams()
			httpSrv := api.HTTPServer(streamCtx, cfg.Server.HTTPAddr)
			errCh := make(chan error, 2)
			go func() {
				logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			var healthSrv *server.HealthServer
			if cfg.Server.GRPCAddr != "" {
				lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
				if err != nil {
					logger.Error("failed to listen", "addr", cfg.Server.GRPCAddr, "error", err)
					return err
				}
				healthSrv = server.NewHealthServer(a.health, logger)
				go func() {
					if err := healthSrv.Serve(ctx, lis, 15*time.Second); err != nil {
						errCh <- err
					}
				}()
			}

			if cfg.Ingest.Dir != "" {
				ing := ingest.NewFSIngestor(a.store, a.scheduler, cfg.LLM.Language, logger)
				go func() {
					err := ing.Watch(ctx, ingest.WatchConfig{Roots: []string{cfg.Ingest.Dir}, Debounce: cfg.Ingest.Debounce})
					if err != nil {
						logger.Error("ingest watcher stopped", "dir", cfg.Ingest.Dir, "error", err)
					}
				}()
			}

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				logger.Error("server error", "error", err)
			}

			if healthSrv != nil {
				healthSrv.Stop()
			}
			endStreams()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			return nil
		},
	}
}
