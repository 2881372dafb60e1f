// Package modes holds the long-running entry points started by the CLI.
package modes

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"wsupload/internal/server"
	"wsupload/internal/server/health"
	"wsupload/internal/upload"
	"wsupload/pkg/config"
	"wsupload/pkg/logger"
)

// RunServer runs the upload server until SIGINT or SIGTERM.
func RunServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return Run(ctx, cfg, nil)
}

// Run starts the WebSocket listener and, when enabled, the health endpoint,
// and blocks until ctx is done or one of them fails. Once the upload
// listener is bound its address is sent on ready, if ready is non-nil.
func Run(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) error {
	log := logger.WithField("mode", "server")

	manager, err := upload.NewManager(cfg.Upload, logger.Default())
	if err != nil {
		return fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GetServerAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetServerAddress(), err)
	}

	var healthLis net.Listener
	if cfg.Health.Enabled {
		healthLis, err = net.Listen("tcp", cfg.GetHealthAddress())
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GetHealthAddress(), err)
		}
	}

	wsServer := server.New(cfg.Server, manager, logger.Default())

	log.Info("starting upload server",
		"address", lis.Addr().String(),
		"path", cfg.Server.Path,
		"uploadDir", manager.Dir(),
		"threshold", cfg.Upload.Threshold,
		"encoding", cfg.Upload.Encoding)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsServer.Serve(lis)
	})

	var healthServer *health.Server
	if healthLis != nil {
		healthServer = health.New(logger.Default())
		g.Go(func() error {
			return healthServer.Serve(healthLis)
		})
		healthServer.SetServing(true)
	}

	if ready != nil {
		ready <- lis.Addr()
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("stopping upload server")

		if healthServer != nil {
			healthServer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("upload server did not shut down cleanly", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}
