// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/app"
	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/controller"
	"github.com/HealthFlowEgy/wasslchat/internal/db"
	"github.com/HealthFlowEgy/wasslchat/internal/handler"
	"github.com/HealthFlowEgy/wasslchat/internal/logging"
	"github.com/HealthFlowEgy/wasslchat/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RunMode == config.RunModeWorker {
		return errors.New("RUN_MODE=worker is served by cmd/worker")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()

	if a.DB != nil {
		if err := db.Migrate(ctx, a.DB, logger); err != nil {
			return err
		}
	}

	// in "all" mode this process also runs the dispatcher
	var sweeper scheduler.Sweeper = a.Service
	if cfg.RunMode == config.RunModeAll {
		if err := a.StartDispatching(ctx); err != nil {
			return err
		}
		sweeper = a.Supervisor
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(cfg.Scheduler, a.Service, sweeper, logger)
		if err := sched.Start(); err != nil {
			return err
		}
	}

	ctrl := &controller.CampaignController{CampaignService: a.Service, Log: logger.Named("api")}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(ctrl, logger, a.HealthChecks()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.String("addr", cfg.HTTPAddr), zap.String("mode", cfg.RunMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := a.Supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch runs did not finish in time", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
