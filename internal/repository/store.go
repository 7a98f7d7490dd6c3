package repository

import (
	"context"
	"time"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// CampaignStore is the only writer of campaigns and their recipient rows.
// Every method is safe for concurrent use by several dispatcher runs and
// processes; row state changes and their counter updates commit together.
type CampaignStore interface {
	// CreateCampaign inserts c with its frozen recipient rows in one
	// transaction and fills c.ID, c.TotalRecipients and timestamps.
	CreateCampaign(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error)

	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of from. It returns InvalidTransitionError otherwise.
	TransitionStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time, reason string) (*model.Campaign, error)

	// DeleteCampaign removes a campaign and its rows if its status is in allowed.
	DeleteCampaign(ctx context.Context, id int64, allowed []model.CampaignStatus) error

	// ClaimPendingBatch moves up to limit pending rows, oldest first, to
	// sending and consumes one attempt on each.
	ClaimPendingBatch(ctx context.Context, campaignID int64, limit int, claimant string, at time.Time) ([]*model.RecipientRow, error)

	// RecordOutcome applies a resolved send result. recorded is false when
	// the row already reached a terminal state.
	RecordOutcome(ctx context.Context, rowID int64, o model.Outcome) (recorded bool, err error)

	// ReleaseStaleClaims returns rows claimed before staleBefore to pending,
	// or fails them when their attempts are exhausted.
	ReleaseStaleClaims(ctx context.Context, staleBefore time.Time) (int, error)
	CountInFlight(ctx context.Context, campaignID int64) (int, error)
	CancelPending(ctx context.Context, campaignID int64, at time.Time) (int, error)

	// ReplacePending swaps the pending rows for a freshly resolved set while
	// the campaign is in one of allowed. Contacts or addresses that already
	// have a non-pending row are skipped.
	ReplacePending(ctx context.Context, campaignID int64, allowed []model.CampaignStatus, recipients []model.Recipient) (*model.Campaign, error)

	GetProgress(ctx context.Context, campaignID int64) (*model.Progress, error)
	ListRecipients(ctx context.Context, f model.RecipientFilter) ([]*model.RecipientRow, int, error)

	// RecordReceipt advances a sent row to delivered or read. applied is
	// false for unknown message ids and for receipts that would move a row backwards.
	RecordReceipt(ctx context.Context, providerMessageID string, status model.ReceiptStatus, at time.Time) (applied bool, err error)

	// Recount rebuilds the campaign counters from its rows.
	Recount(ctx context.Context, campaignID int64) (*model.Campaign, error)
}

// ContactSource reads the tenant address book.
type ContactSource interface {
	// ListPopulation returns the contacts selected by the rule's type and ids.
	// The rule's Filter is not applied.
	ListPopulation(ctx context.Context, tenantID string, rule model.TargetingRule) ([]*model.Contact, error)
	GetContact(ctx context.Context, tenantID string, id int64) (*model.Contact, error)
}

func statusStrings(statuses []model.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func containsStatus(statuses []model.CampaignStatus, s model.CampaignStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// pageBounds normalizes offset/limit pagination input.
func pageBounds(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	return offset, limit
}
