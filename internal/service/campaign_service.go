// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/gateway"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/queue"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
)

// RecipientResolver turns a targeting rule into recipients; *resolver.Resolver implements it.
type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID string, rule model.TargetingRule) ([]model.Recipient, error)
}

// CampaignService is the control API of the broadcast engine. It validates
// requests, enforces the campaign state machine and hands runnable
// campaigns to the dispatch queue.
type CampaignService struct {
	Store      repository.CampaignStore
	Contacts   repository.ContactSource
	Resolver   RecipientResolver
	Gateways   *gateway.Registry
	Queue      queue.Queue
	Defaults   model.Pacing
	ClaimLease time.Duration
	Log        *zap.Logger
	Now        func() time.Time
}

// Preview is a payload rendered for one contact.
type Preview struct {
	CampaignID int64             `json:"campaign_id"`
	ContactID  int64             `json:"contact_id"`
	Address    string            `json:"address"`
	Kind       model.MessageKind `json:"message_kind"`
	Content    model.Payload     `json:"content"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *CampaignService) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// getOwned loads a campaign and hides campaigns of other tenants.
func (s *CampaignService) getOwned(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (s *CampaignService) enqueue(campaignID int64, execType string) {
	if s.Queue == nil {
		return
	}
	job := queue.DispatchJob{CampaignID: campaignID, ExecutionType: execType}
	if err := s.Queue.Publish(queue.TopicDispatch, job); err != nil {
		// the recovery sweep starts runnable campaigns that missed their job
		s.logger().Warn("failed to enqueue dispatch job",
			zap.Int64("campaign_id", campaignID), zap.String("execution_type", execType), zap.Error(err))
	}
}

// CreateCampaign validates def, freezes its recipient list and stores the
// campaign as DRAFT, SCHEDULED (future send time) or QUEUED (send now).
func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, def model.Definition) (*model.Campaign, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, appErrors.NewValidation("tenant_id", "is required")
	}
	if err := def.Validate(s.now()); err != nil {
		return nil, err
	}

	provider := def.Provider
	if provider == "" && s.Gateways != nil {
		provider = s.Gateways.DefaultProvider()
	}
	if s.Gateways != nil && !s.Gateways.Has(provider) {
		return nil, appErrors.NewValidation("provider", "unknown provider %q", provider)
	}

	recipients, err := s.Resolver.Resolve(ctx, tenantID, def.Targeting)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}

	c := &model.Campaign{
		TenantID:     tenantID,
		Name:         strings.TrimSpace(def.Name),
		Provider:     provider,
		Kind:         def.Kind,
		Content:      def.Content.Clone(),
		Targeting:    def.Targeting,
		Pacing:       def.Pacing.WithDefaults(s.Defaults),
		Status:       model.CampaignStatusDraft,
		ScheduledFor: def.ScheduledFor,
	}
	switch {
	case def.ScheduledFor != nil:
		c.Status = model.CampaignStatusScheduled
	case def.SendNow:
		c.Status = model.CampaignStatusQueued
	}

	if err := s.Store.CreateCampaign(ctx, c, recipients); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.logger().Info("campaign created",
		zap.Int64("campaign_id", c.ID),
		zap.String("tenant_id", tenantID),
		zap.String("status", string(c.Status)),
		zap.Int("recipients", c.TotalRecipients))

	if c.Status == model.CampaignStatusQueued {
		s.enqueue(c.ID, queue.ExecSendNow)
	}
	return c, nil
}

func (s *CampaignService) transition(ctx context.Context, tenantID string, id int64, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error) {
	if _, err := s.getOwned(ctx, tenantID, id); err != nil {
		return nil, err
	}
	c, err := s.Store.TransitionStatus(ctx, id, from, to, s.now(), "")
	if err != nil {
		return nil, err
	}
	s.logger().Info("campaign status changed", zap.Int64("campaign_id", id), zap.String("status", string(to)))
	return c, nil
}

// SendNow queues a DRAFT or SCHEDULED campaign for immediate dispatch.
func (s *CampaignService) SendNow(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	c, err := s.transition(ctx, tenantID, id,
		[]model.CampaignStatus{model.CampaignStatusDraft, model.CampaignStatusScheduled}, model.CampaignStatusQueued)
	if err != nil {
		return nil, err
	}
	s.enqueue(id, queue.ExecSendNow)
	return c, nil
}

// TriggerScheduled is the scheduler hook: SCHEDULED -> QUEUED.
func (s *CampaignService) TriggerScheduled(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.Store.TransitionStatus(ctx, id,
		[]model.CampaignStatus{model.CampaignStatusScheduled}, model.CampaignStatusQueued, s.now(), "")
	if err != nil {
		return nil, err
	}
	s.enqueue(id, queue.ExecScheduled)
	return c, nil
}

// PromoteDue triggers every SCHEDULED campaign whose send time has passed.
func (s *CampaignService) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.Store.ListDueScheduled(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}
	promoted := 0
	for _, c := range due {
		if _, err := s.TriggerScheduled(ctx, c.ID); err != nil {
			if appErrors.IsInvalidTransition(err) || appErrors.IsNotFound(err) {
				continue
			}
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Pause stops a SENDING campaign at the next batch boundary.
func (s *CampaignService) Pause(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	return s.transition(ctx, tenantID, id,
		[]model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusPaused)
}

// Resume continues a PAUSED campaign with a fresh run over its pending rows.
func (s *CampaignService) Resume(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	c, err := s.transition(ctx, tenantID, id,
		[]model.CampaignStatus{model.CampaignStatusPaused}, model.CampaignStatusSending)
	if err != nil {
		return nil, err
	}
	s.enqueue(id, queue.ExecResume)
	return c, nil
}

// Cancel ends a campaign. Pending rows become cancelled; rows already
// handed to the gateway keep their real outcome.
func (s *CampaignService) Cancel(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	c, err := s.transition(ctx, tenantID, id, model.SourcesOf(model.CampaignStatusCancelled), model.CampaignStatusCancelled)
	if err != nil {
		return nil, err
	}
	n, err := s.Store.CancelPending(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("cancel pending rows: %w", err)
	}
	s.logger().Info("campaign cancelled", zap.Int64("campaign_id", id), zap.Int("rows_cancelled", n))
	return c, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	return s.getOwned(ctx, tenantID, id)
}

func (s *CampaignService) GetProgress(ctx context.Context, tenantID string, id int64) (*model.Progress, error) {
	if _, err := s.getOwned(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.Store.GetProgress(ctx, id)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, status string) ([]*model.Campaign, map[string]int, error) {
	page, pageSize = normalizePage(page, pageSize)
	st := model.CampaignStatus(strings.ToLower(status))
	if st != "" && !st.IsValid() {
		return nil, nil, appErrors.NewValidation("status", "unknown campaign status %q", status)
	}
	campaigns, total, err := s.Store.ListCampaigns(ctx, model.CampaignFilter{
		TenantID: tenantID,
		Status:   st,
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// ListRecipients pages through the rows of a campaign, optionally by status.
func (s *CampaignService) ListRecipients(ctx context.Context, tenantID string, id int64, status string, page, pageSize int) ([]*model.RecipientRow, map[string]int, error) {
	if _, err := s.getOwned(ctx, tenantID, id); err != nil {
		return nil, nil, err
	}
	page, pageSize = normalizePage(page, pageSize)
	st := model.RecipientStatus(strings.ToLower(status))
	if st != "" && !st.IsValid() {
		return nil, nil, appErrors.NewValidation("status", "unknown recipient status %q", status)
	}
	rows, total, err := s.Store.ListRecipients(ctx, model.RecipientFilter{
		CampaignID: id,
		Status:     st,
		Offset:     (page - 1) * pageSize,
		Limit:      pageSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, pagination(page, pageSize, total), nil
}

// Retarget re-resolves the targeting rule and replaces the pending rows.
// Rows with history (sent, failed, cancelled...) are kept.
func (s *CampaignService) Retarget(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	allowed := []model.CampaignStatus{model.CampaignStatusDraft, model.CampaignStatusScheduled, model.CampaignStatusPaused}
	c, err := s.getOwned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !containsStatus(allowed, c.Status) {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "retargeted")
	}
	recipients, err := s.Resolver.Resolve(ctx, c.TenantID, c.Targeting)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}
	updated, err := s.Store.ReplacePending(ctx, id, allowed, recipients)
	if err != nil {
		return nil, err
	}
	s.logger().Info("campaign retargeted", zap.Int64("campaign_id", id), zap.Int("total_recipients", updated.TotalRecipients))
	return updated, nil
}

// Delete removes a DRAFT or finished campaign and its rows.
func (s *CampaignService) Delete(ctx context.Context, tenantID string, id int64) error {
	if _, err := s.getOwned(ctx, tenantID, id); err != nil {
		return err
	}
	return s.Store.DeleteCampaign(ctx, id, []model.CampaignStatus{
		model.CampaignStatusDraft,
		model.CampaignStatusCompleted,
		model.CampaignStatusCancelled,
		model.CampaignStatusFailed,
	})
}

// Preview renders the campaign payload for one contact. overrideText, when
// non-empty, replaces the text (or caption) being previewed.
func (s *CampaignService) Preview(ctx context.Context, tenantID string, id, contactID int64, overrideText *string) (*Preview, error) {
	c, err := s.getOwned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	contact, err := s.Contacts.GetContact(ctx, c.TenantID, contactID)
	if err != nil {
		return nil, err
	}

	content := c.Content.Clone()
	if overrideText != nil && strings.TrimSpace(*overrideText) != "" {
		if content.Media != nil {
			content.Media.Caption = *overrideText
		} else {
			content.Text = *overrideText
		}
	}
	if c.Kind == model.MessageKindText && strings.TrimSpace(content.Text) == "" {
		return nil, appErrors.NewValidation("content.text", "template cannot be empty")
	}

	return &Preview{
		CampaignID: c.ID,
		ContactID:  contact.ID,
		Address:    contact.Phone,
		Kind:       c.Kind,
		Content:    RenderPayload(content, contact.Variables()),
	}, nil
}

// Recount rebuilds the campaign counters from its rows.
func (s *CampaignService) Recount(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	if _, err := s.getOwned(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.Store.Recount(ctx, id)
}

// RecordReceipt applies a provider delivery or read receipt.
func (s *CampaignService) RecordReceipt(ctx context.Context, providerMessageID string, status model.ReceiptStatus, at time.Time) (bool, error) {
	if strings.TrimSpace(providerMessageID) == "" {
		return false, appErrors.NewValidation("message_id", "is required")
	}
	if status != model.ReceiptDelivered && status != model.ReceiptRead {
		return false, appErrors.NewValidation("status", "must be delivered or read")
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.Store.RecordReceipt(ctx, providerMessageID, status, at)
}

// Recover releases expired claims and re-publishes dispatch jobs for every
// QUEUED or SENDING campaign.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
	lease := s.ClaimLease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	released, err := s.Store.ReleaseStaleClaims(ctx, s.now().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	campaigns, err := s.Store.ListByStatus(ctx, model.CampaignStatusQueued, model.CampaignStatusSending)
	if err != nil {
		return 0, err
	}
	for _, c := range campaigns {
		s.enqueue(c.ID, queue.ExecRecover)
	}
	s.logger().Info("recovery pass", zap.Int("released_rows", released), zap.Int("campaigns", len(campaigns)))
	return len(campaigns), nil
}

func containsStatus(statuses []model.CampaignStatus, s model.CampaignStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
