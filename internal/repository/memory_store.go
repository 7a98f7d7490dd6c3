package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// MemoryStore keeps campaigns, rows and contacts in process memory. It is
// used by tests and by single-process deployments with STORE_DRIVER=memory.
type MemoryStore struct {
	mu sync.Mutex

	nextCampaignID int64
	nextRowID      int64
	nextContactID  int64

	campaigns map[int64]*model.Campaign
	rows      map[int64][]*model.RecipientRow // by campaign, insertion order
	rowByID   map[int64]*model.RecipientRow
	contacts  map[int64]*model.Contact
}

var (
	_ CampaignStore = (*MemoryStore)(nil)
	_ ContactSource = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[int64]*model.Campaign),
		rows:      make(map[int64][]*model.RecipientRow),
		rowByID:   make(map[int64]*model.RecipientRow),
		contacts:  make(map[int64]*model.Contact),
	}
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	out := *c
	out.Content = c.Content.Clone()
	out.Targeting.TagIDs = append([]int64(nil), c.Targeting.TagIDs...)
	out.Targeting.ContactIDs = append([]int64(nil), c.Targeting.ContactIDs...)
	return &out
}

func cloneRow(r *model.RecipientRow) *model.RecipientRow {
	out := *r
	if r.Variables != nil {
		out.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

// ====================== Contacts ======================

// AddContact stores a contact and assigns its ID when zero.
func (s *MemoryStore) AddContact(c *model.Contact) *model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.ID == 0 {
		s.nextContactID++
		cp.ID = s.nextContactID
	} else if cp.ID > s.nextContactID {
		s.nextContactID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.contacts[cp.ID] = &cp
	out := cp
	return &out
}

func (s *MemoryStore) GetContact(_ context.Context, tenantID string, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, appErrors.NewContactNotFound(id)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListPopulation(_ context.Context, tenantID string, rule model.TargetingRule) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]bool, len(rule.ContactIDs))
	for _, id := range rule.ContactIDs {
		wanted[id] = true
	}

	var out []*model.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		keep := false
		switch rule.Type {
		case model.TargetAll:
			keep = true
		case model.TargetGroup:
			keep = rule.GroupID != nil && c.InGroup(*rule.GroupID)
		case model.TargetTag:
			for _, t := range rule.TagIDs {
				if c.HasTag(t) {
					keep = true
					break
				}
			}
		case model.TargetCustom:
			keep = wanted[c.ID]
		default:
			return nil, appErrors.NewValidation("targeting.type", "unknown targeting type %q", rule.Type)
		}
		if keep {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ====================== Campaigns ======================

func (s *MemoryStore) CreateCampaign(_ context.Context, c *model.Campaign, recipients []model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.nextCampaignID++
	c.ID = s.nextCampaignID
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	c.CreatedAt, c.UpdatedAt = now, now
	c.TotalRecipients = len(recipients)
	s.campaigns[c.ID] = cloneCampaign(c)
	s.appendRowsLocked(c.ID, recipients, now)
	return nil
}

func (s *MemoryStore) appendRowsLocked(campaignID int64, recipients []model.Recipient, now time.Time) {
	for _, rc := range recipients {
		s.nextRowID++
		row := &model.RecipientRow{
			ID:         s.nextRowID,
			CampaignID: campaignID,
			ContactID:  rc.ContactID,
			Address:    rc.Address,
			Status:     model.RecipientStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if rc.Variables != nil {
			row.Variables = make(map[string]string, len(rc.Variables))
			for k, v := range rc.Variables {
				row.Variables[k] = v
			}
		}
		s.rows[campaignID] = append(s.rows[campaignID], row)
		s.rowByID[row.ID] = row
	}
}

func (s *MemoryStore) GetCampaign(_ context.Context, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context, f model.CampaignFilter) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, limit := pageBounds(f.Offset, f.Limit)

	var all []*model.Campaign
	for _, c := range s.campaigns {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	out := []*model.Campaign{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		out = append(out, cloneCampaign(all[i]))
	}
	return out, len(all), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range s.campaigns {
		if containsStatus(statuses, c.Status) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDueScheduled(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range s.campaigns {
		if c.Status == model.CampaignStatusScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(now) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time, reason string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if !containsStatus(from, c.Status) {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), string(to))
	}

	c.Status = to
	c.UpdatedAt = at
	c.FailureReason = ""
	ts := at
	switch to {
	case model.CampaignStatusSending:
		if c.StartedAt == nil {
			c.StartedAt = &ts
		}
	case model.CampaignStatusPaused:
		c.PausedAt = &ts
	case model.CampaignStatusCompleted:
		c.CompletedAt = &ts
	case model.CampaignStatusFailed:
		c.CompletedAt = &ts
		c.FailureReason = reason
	case model.CampaignStatusCancelled:
		c.CancelledAt = &ts
	}
	return cloneCampaign(c), nil
}

func (s *MemoryStore) DeleteCampaign(_ context.Context, id int64, allowed []model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if !containsStatus(allowed, c.Status) {
		return appErrors.NewInvalidTransition(id, string(c.Status), "deleted")
	}
	for _, r := range s.rows[id] {
		delete(s.rowByID, r.ID)
	}
	delete(s.rows, id)
	delete(s.campaigns, id)
	return nil
}

// ====================== Dispatch ======================

func (s *MemoryStore) ClaimPendingBatch(_ context.Context, campaignID int64, limit int, claimant string, at time.Time) ([]*model.RecipientRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RecipientRow
	for _, r := range s.rows[campaignID] {
		if len(out) >= limit {
			break
		}
		if r.Status != model.RecipientStatusPending {
			continue
		}
		ts := at
		r.Status = model.RecipientStatusSending
		r.Attempts++
		r.ClaimedBy = claimant
		r.ClaimedAt = &ts
		r.UpdatedAt = at
		out = append(out, cloneRow(r))
	}
	return out, nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, rowID int64, o model.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rowByID[rowID]
	if !ok {
		return false, fmt.Errorf("recipient %d not found", rowID)
	}
	if r.Status.IsTerminal() {
		return false, nil
	}
	c := s.campaigns[r.CampaignID]

	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ts := at
	switch o.Resolution {
	case model.ResolutionSent:
		r.Status = model.RecipientStatusSent
		r.ProviderMessageID = o.ProviderMessageID
		r.LastError = ""
		r.SentAt = &ts
		c.SentCount++
	case model.ResolutionFailed:
		r.Status = model.RecipientStatusFailed
		r.LastError = o.Error
		r.FailedAt = &ts
		c.FailedCount++
	case model.ResolutionRetry:
		r.Status = model.RecipientStatusPending
		r.LastError = o.Error
	case model.ResolutionRequeue:
		r.Status = model.RecipientStatusPending
		r.LastError = o.Error
		if r.Attempts > 0 {
			r.Attempts--
		}
	default:
		return false, fmt.Errorf("unknown resolution %q", o.Resolution)
	}
	r.ClaimedBy = ""
	r.ClaimedAt = nil
	r.UpdatedAt = at
	c.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ReleaseStaleClaims(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	released := 0
	for campaignID, rows := range s.rows {
		c := s.campaigns[campaignID]
		maxAttempts := c.Pacing.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		for _, r := range rows {
			if r.Status != model.RecipientStatusSending || r.ClaimedAt == nil || !r.ClaimedAt.Before(staleBefore) {
				continue
			}
			switch {
			case c.Status == model.CampaignStatusCancelled:
				r.Status = model.RecipientStatusCancelled
			case r.Attempts >= maxAttempts:
				ts := now
				r.Status = model.RecipientStatusFailed
				r.FailedAt = &ts
				r.LastError = "claim lease expired after final attempt"
				c.FailedCount++
			default:
				r.Status = model.RecipientStatusPending
			}
			r.ClaimedBy = ""
			r.ClaimedAt = nil
			r.UpdatedAt = now
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) CountInFlight(_ context.Context, campaignID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows[campaignID] {
		if r.Status == model.RecipientStatusSending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CancelPending(_ context.Context, campaignID int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows[campaignID] {
		if r.Status == model.RecipientStatusPending {
			r.Status = model.RecipientStatusCancelled
			r.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplacePending(_ context.Context, campaignID int64, allowed []model.CampaignStatus, recipients []model.Recipient) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	if !containsStatus(allowed, c.Status) {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "retargeted")
	}

	kept := s.rows[campaignID][:0]
	keptContact := make(map[int64]bool)
	keptAddr := make(map[string]bool)
	for _, r := range s.rows[campaignID] {
		if r.Status == model.RecipientStatusPending {
			delete(s.rowByID, r.ID)
			continue
		}
		kept = append(kept, r)
		keptContact[r.ContactID] = true
		keptAddr[r.Address] = true
	}
	s.rows[campaignID] = kept

	var fresh []model.Recipient
	for _, rc := range recipients {
		if keptContact[rc.ContactID] || keptAddr[rc.Address] {
			continue
		}
		fresh = append(fresh, rc)
	}
	now := time.Now().UTC()
	s.appendRowsLocked(campaignID, fresh, now)
	c.TotalRecipients = len(s.rows[campaignID])
	c.UpdatedAt = now
	return cloneCampaign(c), nil
}

func (s *MemoryStore) GetProgress(_ context.Context, campaignID int64) (*model.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	p := &model.Progress{
		CampaignID:      c.ID,
		Status:          c.Status,
		FailureReason:   c.FailureReason,
		TotalRecipients: c.TotalRecipients,
		Sent:            c.SentCount,
		Delivered:       c.DeliveredCount,
		Read:            c.ReadCount,
		Failed:          c.FailedCount,
		StartedAt:       c.StartedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	for _, r := range s.rows[campaignID] {
		switch r.Status {
		case model.RecipientStatusPending:
			p.Pending++
		case model.RecipientStatusSending:
			p.Pending++
			p.InFlight++
		case model.RecipientStatusCancelled:
			p.Cancelled++
		}
	}
	return p, nil
}

func (s *MemoryStore) ListRecipients(_ context.Context, f model.RecipientFilter) ([]*model.RecipientRow, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, limit := pageBounds(f.Offset, f.Limit)
	var matched []*model.RecipientRow
	for _, r := range s.rows[f.CampaignID] {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	out := []*model.RecipientRow{}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		out = append(out, cloneRow(matched[i]))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) RecordReceipt(_ context.Context, providerMessageID string, status model.ReceiptStatus, at time.Time) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rowByID {
		if r.ProviderMessageID != providerMessageID {
			continue
		}
		next, dInc, rInc, ok := advanceReceipt(r.Status, status)
		if !ok {
			return false, nil
		}
		ts := at
		r.Status = next
		if next == model.RecipientStatusRead {
			r.ReadAt = &ts
		} else {
			r.DeliveredAt = &ts
		}
		r.UpdatedAt = at
		c := s.campaigns[r.CampaignID]
		c.DeliveredCount += dInc
		c.ReadCount += rInc
		c.UpdatedAt = at
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Recount(_ context.Context, campaignID int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	c.TotalRecipients, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount = 0, 0, 0, 0, 0
	for _, r := range s.rows[campaignID] {
		c.TotalRecipients++
		switch r.Status {
		case model.RecipientStatusSent:
			c.SentCount++
		case model.RecipientStatusDelivered:
			c.SentCount++
			c.DeliveredCount++
		case model.RecipientStatusRead:
			c.SentCount++
			c.DeliveredCount++
			c.ReadCount++
		case model.RecipientStatusFailed:
			c.FailedCount++
		}
	}
	c.UpdatedAt = time.Now().UTC()
	return cloneCampaign(c), nil
}
