package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/gateway"
	"github.com/HealthFlowEgy/wasslchat/internal/metrics"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
)

// StopReason says why a dispatcher run returned.
type StopReason string

const (
	StopCompleted   StopReason = "completed"
	StopPaused      StopReason = "paused"
	StopCancelled   StopReason = "cancelled"
	StopFailed      StopReason = "failed"
	StopInterrupted StopReason = "interrupted" // context cancelled, campaign left as is
	StopNotRunnable StopReason = "not_runnable"
)

// RunResult summarizes one dispatcher run.
type RunResult struct {
	CampaignID int64
	RunID      string
	Batches    int
	Sent       int
	Failed     int
	Retried    int
	Requeued   int
	Reason     StopReason
}

type DispatcherConfig struct {
	Defaults              model.Pacing
	SendTimeout           time.Duration
	ClaimLease            time.Duration
	InFlightPoll          time.Duration
	InfraRetries          int
	InfraBackoff          time.Duration
	MaxUnavailableBatches int
}

// Dispatcher drains the pending rows of one campaign at a time in batches.
type Dispatcher struct {
	store    repository.CampaignStore
	gateways *gateway.Registry
	cfg      DispatcherConfig
	log      *zap.Logger

	// OnProgress, when set, is called after every persisted batch.
	OnProgress func(model.Progress)

	now func() time.Time
}

func NewDispatcher(store repository.CampaignStore, gateways *gateway.Registry, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.InFlightPoll <= 0 {
		cfg.InFlightPoll = 5 * time.Second
	}
	if cfg.InfraRetries < 0 {
		cfg.InfraRetries = 0
	}
	if cfg.MaxUnavailableBatches <= 0 {
		cfg.MaxUnavailableBatches = 5
	}
	return &Dispatcher{
		store:    store,
		gateways: gateways,
		cfg:      cfg,
		log:      logger.Named("dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IdempotencyKey is stable for a (campaign, row) pair across runs and processes.
func IdempotencyKey(campaignID, rowID int64) string {
	name := strconv.FormatInt(campaignID, 10) + "/" + strconv.FormatInt(rowID, 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("wasslchat:"+name)).String()
}

// Run dispatches campaignID until it completes, is paused or cancelled,
// fails, or ctx is done. Sends already handed to the gateway always finish
// and are recorded, even after ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, campaignID int64) (*RunResult, error) {
	res := &RunResult{CampaignID: campaignID, RunID: uuid.NewString()}
	log := d.log.With(zap.Int64("campaign_id", campaignID), zap.String("run_id", res.RunID))

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	defer func() { metrics.RunsFinished.WithLabelValues(string(res.Reason)).Inc() }()

	log.Info("dispatch run started")
	unavailableStreak := 0

	for {
		if ctx.Err() != nil {
			res.Reason = StopInterrupted
			log.Info("dispatch run interrupted", zap.Int("batches", res.Batches))
			return res, nil
		}

		// checkpoint: status is re-read before every batch
		var c *model.Campaign
		err := d.retry(ctx, "get campaign", func(ctx context.Context) error {
			var err error
			c, err = d.store.GetCampaign(ctx, campaignID)
			return err
		})
		if err != nil {
			if appErrors.IsNotFound(err) {
				res.Reason = StopNotRunnable
				return res, nil
			}
			if ctx.Err() != nil {
				res.Reason = StopInterrupted
				return res, nil
			}
			return d.abort(res, campaignID, fmt.Errorf("read campaign: %w", err))
		}

		switch c.Status {
		case model.CampaignStatusQueued:
			_, err := d.store.TransitionStatus(ctx, campaignID,
				[]model.CampaignStatus{model.CampaignStatusQueued}, model.CampaignStatusSending, d.now(), "")
			if err != nil && !appErrors.IsInvalidTransition(err) {
				if ctx.Err() != nil {
					res.Reason = StopInterrupted
					return res, nil
				}
				return d.abort(res, campaignID, fmt.Errorf("start campaign: %w", err))
			}
			continue
		case model.CampaignStatusSending:
		case model.CampaignStatusPaused:
			res.Reason = StopPaused
			log.Info("dispatch run paused", zap.Int("batches", res.Batches))
			return res, nil
		case model.CampaignStatusCancelled:
			if _, err := d.store.CancelPending(context.WithoutCancel(ctx), campaignID, d.now()); err != nil {
				log.Warn("cancel pending rows failed", zap.Error(err))
			}
			res.Reason = StopCancelled
			log.Info("dispatch run cancelled", zap.Int("batches", res.Batches))
			return res, nil
		case model.CampaignStatusCompleted:
			res.Reason = StopCompleted
			return res, nil
		case model.CampaignStatusFailed:
			res.Reason = StopFailed
			return res, nil
		default:
			res.Reason = StopNotRunnable
			return res, nil
		}

		pacing := c.Pacing.WithDefaults(d.cfg.Defaults)
		gw, err := d.gateways.Get(c.Provider)
		if err != nil {
			return d.abort(res, campaignID, err)
		}

		var batch []*model.RecipientRow
		err = d.retry(ctx, "claim batch", func(ctx context.Context) error {
			var err error
			batch, err = d.store.ClaimPendingBatch(ctx, campaignID, pacing.BatchSize, res.RunID, d.now())
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				res.Reason = StopInterrupted
				return res, nil
			}
			return d.abort(res, campaignID, fmt.Errorf("claim batch: %w", err))
		}

		if len(batch) == 0 {
			done, err := d.finishOrWait(ctx, campaignID, pacing, log)
			if err != nil {
				if ctx.Err() != nil {
					res.Reason = StopInterrupted
					return res, nil
				}
				return d.abort(res, campaignID, err)
			}
			if done {
				res.Reason = StopCompleted
				log.Info("dispatch run completed",
					zap.Int("batches", res.Batches), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
				return res, nil
			}
			continue
		}

		start := time.Now()
		outcomes := d.sendBatch(ctx, c, gw, batch)
		allUnavailable := true
		for _, o := range outcomes {
			if !(o.Status == gateway.StatusTransient && o.Unavailable) {
				allUnavailable = false
				break
			}
		}

		// persist with a context that survives run cancellation; every row of
		// the batch is attempted before a store failure aborts the run
		persistCtx := context.WithoutCancel(ctx)
		var persistErrs []error
		throttled := 0
		for i, row := range batch {
			resolved := resolve(outcomes[i], row, pacing.MaxAttempts, allUnavailable, d.now())
			err := d.retry(persistCtx, "record outcome", func(ctx context.Context) error {
				_, err := d.store.RecordOutcome(ctx, row.ID, resolved)
				return err
			})
			if err != nil {
				persistErrs = append(persistErrs, fmt.Errorf("record outcome of row %d: %w", row.ID, err))
				continue
			}
			if outcomes[i].Throttled {
				throttled++
			}
			metrics.SendsTotal.WithLabelValues(c.Provider, string(resolved.Resolution)).Inc()
			switch resolved.Resolution {
			case model.ResolutionSent:
				res.Sent++
			case model.ResolutionFailed:
				res.Failed++
			case model.ResolutionRetry:
				res.Retried++
			case model.ResolutionRequeue:
				res.Requeued++
			}
		}
		res.Batches++
		if len(persistErrs) > 0 {
			return d.abort(res, campaignID, errors.Join(persistErrs...))
		}
		metrics.BatchDuration.WithLabelValues(c.Provider).Observe(time.Since(start).Seconds())
		d.reportProgress(persistCtx, campaignID, res, log)

		delay := pacing.BatchDelay.Std()
		if allUnavailable {
			unavailableStreak++
			log.Warn("send gateway unavailable for whole batch",
				zap.Int("streak", unavailableStreak), zap.String("provider", c.Provider))
			if unavailableStreak > d.cfg.MaxUnavailableBatches {
				return d.abort(res, campaignID, appErrors.ErrGatewayUnavailable)
			}
			if backoff := d.cfg.InfraBackoff * time.Duration(unavailableStreak); backoff > delay {
				delay = backoff
			}
		} else {
			unavailableStreak = 0
		}
		if throttled > 0 && d.cfg.InfraBackoff > delay {
			log.Debug("rows requeued by the rate limiter", zap.Int("rows", throttled))
			delay = d.cfg.InfraBackoff
		}

		if err := sleepCtx(ctx, delay); err != nil {
			res.Reason = StopInterrupted
			log.Info("dispatch run interrupted", zap.Int("batches", res.Batches))
			return res, nil
		}
	}
}

// finishOrWait handles an empty claim. It completes the campaign when no row
// is in flight anywhere, otherwise releases expired claims and waits.
func (d *Dispatcher) finishOrWait(ctx context.Context, campaignID int64, pacing model.Pacing, log *zap.Logger) (bool, error) {
	var inFlight int
	err := d.retry(ctx, "count in-flight", func(ctx context.Context) error {
		var err error
		inFlight, err = d.store.CountInFlight(ctx, campaignID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("count in-flight rows: %w", err)
	}

	if inFlight > 0 {
		released, err := d.store.ReleaseStaleClaims(ctx, d.now().Add(-d.cfg.ClaimLease))
		if err != nil {
			log.Warn("release stale claims failed", zap.Error(err))
		} else if released > 0 {
			metrics.StaleClaimsReleased.Add(float64(released))
			log.Info("released stale claims", zap.Int("rows", released))
			return false, nil
		}
		wait := pacing.BatchDelay.Std()
		if wait < d.cfg.InFlightPoll {
			wait = d.cfg.InFlightPoll
		}
		log.Debug("waiting for in-flight rows", zap.Int("rows", inFlight), zap.Duration("wait", wait))
		return false, sleepCtx(ctx, wait)
	}

	_, err = d.store.TransitionStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusCompleted, d.now(), "")
	if err != nil {
		if appErrors.IsInvalidTransition(err) {
			// paused or cancelled meanwhile; the next checkpoint decides
			return false, nil
		}
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	return true, nil
}

func (d *Dispatcher) sendBatch(ctx context.Context, c *model.Campaign, gw gateway.Gateway, batch []*model.RecipientRow) []gateway.Outcome {
	outcomes := make([]gateway.Outcome, len(batch))

	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, row := range batch {
		g.Go(func() error {
			outcomes[i] = d.sendOne(ctx, c, gw, row)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// sendOne waits for a rate-limit slot on the run context, so the per-send
// timeout only covers the provider call. Once handed to the gateway the send
// finishes even if the run is cancelled.
func (d *Dispatcher) sendOne(ctx context.Context, c *model.Campaign, gw gateway.Gateway, row *model.RecipientRow) (out gateway.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("gateway panic", zap.Int64("campaign_id", c.ID), zap.Int64("row_id", row.ID), zap.Any("panic", r))
			out = gateway.Transient(fmt.Sprintf("gateway panic: %v", r))
		}
	}()

	msg := gateway.Message{
		To:             row.Address,
		Kind:           c.Kind,
		Payload:        RenderPayload(c.Content, row.Variables),
		IdempotencyKey: IdempotencyKey(c.ID, row.ID),
	}
	if t, ok := gw.(gateway.Throttler); ok {
		if err := t.Wait(ctx); err != nil {
			return gateway.Throttled("rate limiter: " + err.Error())
		}
		msg.Paced = true
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	return gw.Send(sendCtx, msg)
}

// resolve turns a gateway outcome into the row transition to persist.
// row.Attempts already counts the attempt that produced o.
func resolve(o gateway.Outcome, row *model.RecipientRow, maxAttempts int, batchUnavailable bool, at time.Time) model.Outcome {
	switch o.Status {
	case gateway.StatusSent:
		return model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: o.ProviderMessageID, At: at}
	case gateway.StatusPermanent:
		return model.Outcome{Resolution: model.ResolutionFailed, Error: o.Reason, At: at}
	}
	// never reached the provider
	if o.Throttled {
		return model.Outcome{Resolution: model.ResolutionRequeue, Error: o.Reason, At: at}
	}
	if o.Unavailable && batchUnavailable {
		return model.Outcome{Resolution: model.ResolutionRequeue, Error: o.Reason, At: at}
	}
	if row.Attempts >= maxAttempts {
		return model.Outcome{
			Resolution: model.ResolutionFailed,
			Error:      fmt.Sprintf("gave up after %d attempts: %s", row.Attempts, o.Reason),
			At:         at,
		}
	}
	return model.Outcome{Resolution: model.ResolutionRetry, Error: o.Reason, At: at}
}

func (d *Dispatcher) reportProgress(ctx context.Context, campaignID int64, res *RunResult, log *zap.Logger) {
	p, err := d.store.GetProgress(ctx, campaignID)
	if err != nil {
		log.Warn("read progress failed", zap.Error(err))
		return
	}
	log.Info("batch dispatched",
		zap.Int("batch", res.Batches),
		zap.Int("sent", p.Sent),
		zap.Int("failed", p.Failed),
		zap.Int("pending", p.Pending),
		zap.Int("total", p.TotalRecipients),
	)
	if d.OnProgress != nil {
		d.OnProgress(*p)
	}
}

// abort marks the campaign FAILED and ends the run. Outcomes already
// recorded are left untouched.
func (d *Dispatcher) abort(res *RunResult, campaignID int64, cause error) (*RunResult, error) {
	res.Reason = StopFailed
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.store.TransitionStatus(ctx, campaignID, model.SourcesOf(model.CampaignStatusFailed),
		model.CampaignStatusFailed, d.now(), cause.Error())
	if err != nil && !appErrors.IsInvalidTransition(err) {
		d.log.Error("mark campaign failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
	d.log.Error("dispatch run failed", zap.Int64("campaign_id", campaignID), zap.Error(cause))
	return res, cause
}

// retry runs fn up to 1+InfraRetries times with linear backoff. Domain
// errors (not found, invalid transition) are returned immediately.
func (d *Dispatcher) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var last error
	for attempt := 0; attempt <= d.cfg.InfraRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.cfg.InfraBackoff*time.Duration(attempt)); err != nil {
				return errors.Join(last, err)
			}
		}
		last = fn(ctx)
		if last == nil || appErrors.IsNotFound(last) || appErrors.IsInvalidTransition(last) {
			return last
		}
		d.log.Warn("store call failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(last))
	}
	return last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
