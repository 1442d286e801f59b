package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/filesync-core/internal/catalogstore"
	"github.com/tonimelisma/filesync-core/internal/catalogws"
	"github.com/tonimelisma/filesync-core/internal/chash"
	"github.com/tonimelisma/filesync-core/internal/daemonconfig"
	"github.com/tonimelisma/filesync-core/internal/filesync"
	"github.com/tonimelisma/filesync-core/internal/localblob"
	"github.com/tonimelisma/filesync-core/internal/remoteblob"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	dc := daemonContextFrom(ctx)
	cfg := dc.Cfg
	logger := dc.Logger

	ctx = shutdownContext(ctx, logger)

	catalog, err := catalogstore.Open(ctx, cfg.Store.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	local := localblob.New(cfg.Store.BlobRoot)

	remote, err := remoteblob.New(ctx, remoteblob.Config{
		Endpoint:        cfg.Remote.Endpoint,
		Region:          cfg.Remote.Region,
		AccessKeyID:     cfg.Remote.AccessKeyID,
		SecretAccessKey: cfg.Remote.SecretAccessKey,
		Bucket:          cfg.Remote.Bucket,
		KeyPrefix:       cfg.Remote.KeyPrefix,
		ForcePathStyle:  cfg.Remote.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("opening remote store: %w", err)
	}

	engineCfg := filesync.DefaultConfig()
	engineCfg.Executor.MaxConcurrentUploads = cfg.Sync.MaxConcurrentUploads
	engineCfg.Executor.MaxConcurrentDownloads = cfg.Sync.MaxConcurrentDownloads
	engineCfg.Stream.StallThreshold = cfg.StallThreshold
	engineCfg.HealthCheckInterval = cfg.HealthCheckInterval
	engineCfg.HeartbeatInterval = cfg.HeartbeatInterval
	engineCfg.AutoPrioritizeOnResolve = cfg.Sync.AutoPrioritizeOnResolve
	engineCfg.StoreRoot = cfg.Store.BlobRoot

	engine := filesync.NewEngine(catalog, local, remote, chash.SHA256{}, cfg.ClientID, engineCfg, logger)

	unsubscribe := engine.Subscribe(func(obs filesync.Observation) {
		logger.Info("observation", "kind", obs.Kind, "file_id", obs.FileID, "error", obs.Error)
	})
	defer unsubscribe()

	var eventsSrv *http.Server

	if cfg.Events.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", catalogws.NewServer(catalog, logger))
		eventsSrv = &http.Server{Addr: cfg.Events.Addr, Handler: mux}

		go func() {
			logger.Info("events gateway listening", "addr", cfg.Events.Addr)

			if err := eventsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("events gateway failed", "error", err)
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	logger.Info("filesyncd started", "client_id", cfg.ClientID)

	<-ctx.Done()

	logger.Info("shutting down")

	engine.Stop()

	if eventsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		if err := eventsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("events gateway shutdown error", "error", err)
		}
	}

	return nil
}
