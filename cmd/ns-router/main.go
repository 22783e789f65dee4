// Command ns-router runs the router data plane together with its admin HTTP
// and gRPC endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"NetSimCore/internal/api"
	"NetSimCore/internal/config"
	"NetSimCore/internal/engine/manager"
	"NetSimCore/internal/engine/stream"
	"NetSimCore/internal/logging"
	"NetSimCore/internal/query"
)

const shutdownTimeout = 5 * time.Second

var newManager = manager.NewManager

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "ns-router",
		Short:        "Run the software router data plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	mgr, err := newManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	// With the probe transport enabled the ingest owns the manager lifecycle.
	var ingest *stream.Ingest
	if cfg.Probe.Enabled {
		ingest, err = stream.New(cfg, mgr, logger)
		if err != nil {
			mgr.Stop()
			return fmt.Errorf("failed to create stream ingest: %w", err)
		}
		if err := ingest.Start(); err != nil {
			mgr.Stop()
			return fmt.Errorf("failed to start stream ingest: %w", err)
		}
	} else {
		mgr.Start()
	}
	stopEngine := func() {
		if ingest != nil {
			ingest.Stop()
			return
		}
		mgr.Stop()
	}

	var querier query.Querier
	if cfg.API.History.Enabled {
		querier, err = query.NewClickHouseQuerier(cfg.API.History.ClickHouse)
		if err != nil {
			stopEngine()
			return fmt.Errorf("failed to create history querier: %w", err)
		}
		defer querier.Close()
	}

	srv := api.NewServer(mgr, querier, logger)
	httpServer := &http.Server{
		Addr:              cfg.API.HTTPListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)

	var lis net.Listener
	if cfg.API.GRPCListenAddr != "" {
		lis, err = net.Listen("tcp", cfg.API.GRPCListenAddr)
		if err != nil {
			stopEngine()
			return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.HTTPListenAddr != "" {
		g.Go(func() error {
			logger.Info("HTTP API listening", zap.String("addr", cfg.API.HTTPListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if lis != nil {
		g.Go(func() error {
			logger.Info("gRPC API listening", zap.String("addr", cfg.API.GRPCListenAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown did not complete", zap.Error(err))
		}
		grpcServer.GracefulStop()
		stopEngine()
		logger.Info("Shutdown complete.")
		return nil
	})
	return g.Wait()
}
