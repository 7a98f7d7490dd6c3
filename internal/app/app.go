// Package app assembles the broadcast engine from configuration. The server,
// worker and operator CLI share this wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/db"
	"github.com/HealthFlowEgy/wasslchat/internal/gateway"
	"github.com/HealthFlowEgy/wasslchat/internal/handler"
	"github.com/HealthFlowEgy/wasslchat/internal/lock"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/queue"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
	"github.com/HealthFlowEgy/wasslchat/internal/resolver"
	"github.com/HealthFlowEgy/wasslchat/internal/service"
)

type App struct {
	Config *config.Config
	Log    *zap.Logger

	DB       *sql.DB       // nil with the memory store
	Redis    *redis.Client // nil without REDIS_URL
	Store    repository.CampaignStore
	Contacts repository.ContactSource
	Locker   lock.Locker
	Gateways *gateway.Registry
	Queue    queue.Queue

	Dispatcher *service.Dispatcher
	Supervisor *service.Supervisor
	Service    *service.CampaignService

	closers []func() error
}

// New connects to the configured backends. The supervisor is built but
// nothing is started; callers decide which loops run in their process.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := repository.NewMemoryStore()
		a.Store, a.Contacts = mem, mem
		a.Log.Warn("using in-memory store; data is lost on restart")
	default:
		conn, err := db.Open(ctx, cfg.Database, a.Log)
		if err != nil {
			return err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Store = &repository.CampaignRepository{DB: conn}
		a.Contacts = &repository.ContactRepository{DB: conn}
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rc := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			_ = rc.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
		a.Locker = lock.NewRedisLocker(rc, cfg.Redis.KeyPrefix)
	} else {
		if cfg.RunMode != config.RunModeAll {
			a.Log.Warn("REDIS_URL not set; run leases only exclude runs inside this process")
		}
		a.Locker = lock.NewMemoryLocker()
	}

	a.Gateways = BuildGateways(cfg.Gateway, a.Log)

	if cfg.AMQP.URL != "" {
		q, err := queue.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Prefetch, a.Log)
		if err != nil {
			return err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(a.Log)
	}
	a.closers = append(a.closers, a.Queue.Close)

	defaults := model.Pacing{
		BatchSize:   cfg.Dispatch.DefaultBatchSize,
		BatchDelay:  model.Duration(cfg.Dispatch.DefaultBatchDelay),
		MaxAttempts: cfg.Dispatch.DefaultMaxAttempts,
	}
	a.Dispatcher = service.NewDispatcher(a.Store, a.Gateways, service.DispatcherConfig{
		Defaults:              defaults,
		SendTimeout:           cfg.Dispatch.SendTimeout,
		ClaimLease:            cfg.Dispatch.ClaimLease,
		InFlightPoll:          cfg.Dispatch.InFlightPoll,
		InfraRetries:          cfg.Dispatch.InfraRetries,
		InfraBackoff:          cfg.Dispatch.InfraBackoff,
		MaxUnavailableBatches: cfg.Dispatch.MaxUnavailableBatches,
	}, a.Log)
	a.Supervisor = service.NewSupervisor(a.Dispatcher, a.Store, a.Locker,
		cfg.Redis.LockTTL, cfg.Dispatch.ClaimLease, a.Log)

	a.Service = &service.CampaignService{
		Store:      a.Store,
		Contacts:   a.Contacts,
		Resolver:   resolver.New(a.Contacts),
		Gateways:   a.Gateways,
		Queue:      a.Queue,
		Defaults:   defaults,
		ClaimLease: cfg.Dispatch.ClaimLease,
		Log:        a.Log.Named("campaigns"),
	}
	return nil
}

// BuildGateways registers the sandbox provider always and WhatsApp when
// credentials are configured.
func BuildGateways(cfg config.GatewayConfig, logger *zap.Logger) *gateway.Registry {
	reg := gateway.NewRegistry(cfg.DefaultProvider)
	reg.Register("sandbox", gateway.NewSandbox(cfg.Sandbox.SuccessRate, cfg.Sandbox.TransientRate,
		cfg.Sandbox.Latency, time.Now().UnixNano()))
	if cfg.WhatsApp.AccessToken != "" && cfg.WhatsApp.PhoneNumberID != "" {
		reg.Register("whatsapp", gateway.NewWhatsApp(cfg.WhatsApp, logger))
	}
	return reg
}

// StartDispatching routes dispatch jobs to this process's supervisor and
// recovers campaigns left runnable by a previous process.
func (a *App) StartDispatching(ctx context.Context) error {
	if err := queue.StartDispatchSubscriber(a.Queue, a.Supervisor, a.Log.Named("dispatch")); err != nil {
		return fmt.Errorf("subscribe to dispatch jobs: %w", err)
	}
	n, err := a.Supervisor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}
	a.Log.Info("dispatching started", zap.Int("recovered_runs", n))
	return nil
}

// HealthChecks returns the dependency checks served on /healthz.
func (a *App) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}
	if a.DB != nil {
		checks["database"] = a.DB.PingContext
	}
	if a.Redis != nil {
		rc := a.Redis
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
