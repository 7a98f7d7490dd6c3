// Package scheduler runs the periodic jobs of the broadcast engine: promoting
// scheduled campaigns whose send time has passed and sweeping abandoned
// dispatch work back into motion.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
)

// Promoter moves due SCHEDULED campaigns to QUEUED.
type Promoter interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// Sweeper releases expired claims and restarts runnable campaigns.
type Sweeper interface {
	Recover(ctx context.Context) (int, error)
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	promoter Promoter
	sweeper  Sweeper
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.SchedulerConfig, promoter Promoter, sweeper Sweeper, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		promoter: promoter,
		sweeper:  sweeper,
		log:      logger.Named("scheduler"),
		now:      time.Now,
	}
}

func (s *Scheduler) location() *time.Location {
	if s.cfg.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("unknown timezone, using UTC", zap.String("tz", s.cfg.Timezone), zap.Error(err))
		return time.UTC
	}
	return loc
}

// Start registers the jobs and starts the cron loop. A job that is still
// running when its next tick fires is skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.log.Sugar()}
	loc := s.location()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())

	if s.promoter != nil && s.cfg.PromoteSpec != "" {
		if _, err := c.AddFunc(s.cfg.PromoteSpec, func() { s.PromoteOnce(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("invalid promote schedule %q: %w", s.cfg.PromoteSpec, err)
		}
	}
	if s.sweeper != nil && s.cfg.SweepSpec != "" {
		if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.SweepOnce(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSpec, err)
		}
	}

	s.c, s.ctx, s.cancel = c, ctx, cancel
	c.Start()
	s.log.Info("scheduler started", zap.String("tz", loc.String()), zap.Int("jobs", len(c.Entries())))
	return nil
}

// Stop cancels running jobs and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
	s.log.Info("scheduler stopped")
}

// PromoteOnce runs one promotion pass.
func (s *Scheduler) PromoteOnce(ctx context.Context) int {
	n, err := s.promoter.PromoteDue(ctx, s.now().UTC())
	if err != nil {
		s.log.Error("promote scheduled campaigns", zap.Error(err))
	}
	if n > 0 {
		s.log.Info("scheduled campaigns promoted", zap.Int("campaigns", n))
	}
	return n
}

// SweepOnce runs one recovery pass.
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	n, err := s.sweeper.Recover(ctx)
	if err != nil {
		s.log.Error("recovery sweep", zap.Error(err))
	}
	return n
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
