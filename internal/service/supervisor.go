package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/lock"
	"github.com/HealthFlowEgy/wasslchat/internal/metrics"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
)

// Runner executes one dispatch run. *Dispatcher is the production Runner.
type Runner interface {
	Run(ctx context.Context, campaignID int64) (*RunResult, error)
}

// Supervisor owns the goroutines of dispatcher runs in this process. At
// most one run per campaign is active across all processes sharing the
// same Locker.
type Supervisor struct {
	runner     Runner
	store      repository.CampaignStore
	locker     lock.Locker
	lockTTL    time.Duration
	claimLease time.Duration
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[int64]bool
	again   map[int64]bool // triggered while running; restart when done
	stopped bool
	wg      sync.WaitGroup
}

func NewSupervisor(runner Runner, store repository.CampaignStore, locker lock.Locker, lockTTL, claimLease time.Duration, logger *zap.Logger) *Supervisor {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:     runner,
		store:      store,
		locker:     locker,
		lockTTL:    lockTTL,
		claimLease: claimLease,
		log:        logger.Named("supervisor"),
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[int64]bool),
		again:      make(map[int64]bool),
	}
}

// Trigger starts a run for campaignID unless one is already active here. A
// trigger that arrives while a run is active restarts the run once it ends.
func (s *Supervisor) Trigger(campaignID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if s.running[campaignID] {
		s.again[campaignID] = true
		return false
	}
	s.running[campaignID] = true
	s.wg.Add(1)
	go s.loop(campaignID)
	return true
}

// Running reports whether this process has an active run for campaignID.
func (s *Supervisor) Running(campaignID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[campaignID]
}

func (s *Supervisor) loop(campaignID int64) {
	defer s.wg.Done()
	for {
		s.runOnce(campaignID)

		s.mu.Lock()
		restart := s.again[campaignID] && !s.stopped
		delete(s.again, campaignID)
		if !restart {
			delete(s.running, campaignID)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) runOnce(campaignID int64) {
	log := s.log.With(zap.Int64("campaign_id", campaignID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch run panicked", zap.Any("panic", r))
		}
	}()

	key := "campaign:" + strconv.FormatInt(campaignID, 10)
	lease, ok, err := s.locker.Acquire(s.ctx, key, s.lockTTL)
	if err != nil {
		log.Error("acquire run lease", zap.Error(err))
		return
	}
	if !ok {
		log.Debug("run already active elsewhere")
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			log.Warn("release run lease", zap.Error(err))
		}
	}()

	runCtx, cancelRun := context.WithCancel(s.ctx)
	defer cancelRun()

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		ticker := time.NewTicker(s.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(runCtx, s.lockTTL); err != nil {
					if runCtx.Err() != nil {
						return
					}
					log.Error("run lease lost; stopping run", zap.Error(err))
					cancelRun()
					return
				}
			}
		}
	}()

	res, err := s.runner.Run(runCtx, campaignID)
	cancelRun()
	<-refreshDone
	if err != nil {
		log.Error("dispatch run ended with error", zap.Error(err))
		return
	}
	log.Info("dispatch run ended",
		zap.String("reason", string(res.Reason)),
		zap.Int("batches", res.Batches),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed))
}

// Recover returns expired claims to pending and starts runs for every
// QUEUED or SENDING campaign. It is called at startup and by the sweeper.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	released, err := s.store.ReleaseStaleClaims(ctx, time.Now().UTC().Add(-s.claimLease))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		metrics.StaleClaimsReleased.Add(float64(released))
		s.log.Info("released stale claims", zap.Int("rows", released))
	}

	campaigns, err := s.store.ListByStatus(ctx, model.CampaignStatusQueued, model.CampaignStatusSending)
	if err != nil {
		return 0, fmt.Errorf("list runnable campaigns: %w", err)
	}
	started := 0
	for _, c := range campaigns {
		if s.Trigger(c.ID) {
			started++
		}
	}
	return started, nil
}

// Shutdown cancels active runs and waits for them to record their in-flight
// sends, or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
