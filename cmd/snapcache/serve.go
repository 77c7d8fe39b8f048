package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/snapcache/internal/api"
	grpcserver "github.com/oriys/snapcache/internal/grpc"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP (and optional gRPC health) server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				cfg.Daemon.GRPCAddr = grpcAddr
			}

			ctx := context.Background()

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}
			if err := observability.Init(ctx, cfg.Observability.Telemetry()); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer observability.Shutdown(context.Background())

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Resolver:       a.resolver,
				Catalog:        a.catalog,
				Checker:        a.checker,
				RequestTimeout: cfg.Daemon.RequestTimeout,
				RefreshLimiter: a.limiter,
			})

			var grpcServer *grpcserver.Server
			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()
			if cfg.Daemon.GRPCAddr != "" {
				grpcServer = grpcserver.NewServer(a.checker)
				if err := grpcServer.Start(cfg.Daemon.GRPCAddr); err != nil {
					httpServer.Close()
					return err
				}
				go grpcServer.Watch(watchCtx, grpcserver.DefaultWatchInterval)
			}

			logging.Op().Info("snapcache serving",
				"store", cfg.Store.Driver,
				"cache", cfg.Cache.Backend,
				"ttl", a.resolver.TTL(),
				"datasets", a.catalog.Names(),
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutting down", "signal", sig.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
			defer cancel()

			stopWatch()
			if grpcServer != nil {
				grpcServer.Stop()
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("HTTP shutdown incomplete", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address (overrides daemon.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health address (overrides daemon.grpc_addr)")

	return cmd
}
