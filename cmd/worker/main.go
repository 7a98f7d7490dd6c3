// cmd/worker/main.go runs dispatcher runs for jobs consumed from RabbitMQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/app"
	"github.com/HealthFlowEgy/wasslchat/internal/config"
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
	if cfg.AMQP.URL == "" {
		return errors.New("AMQP_URL is required for the worker")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "worker"))

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

	if err := a.StartDispatching(ctx); err != nil {
		return err
	}

	// workers only sweep; promotion of scheduled campaigns belongs to the API
	sweepCfg := cfg.Scheduler
	sweepCfg.PromoteSpec = ""
	sched := scheduler.New(sweepCfg, nil, a.Supervisor, logger)
	if err := sched.Start(); err != nil {
		return err
	}

	logger.Info("worker running, waiting for dispatch jobs")
	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := a.Supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch runs did not finish in time", zap.Error(err))
	}
	logger.Info("worker stopped")
	return nil
}
