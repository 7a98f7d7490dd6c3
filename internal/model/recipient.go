// internal/model/recipient.go
package model

import "time"

// RecipientStatus is the delivery state of one recipient row.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSending   RecipientStatus = "sending" // claimed by a dispatcher run
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusDelivered RecipientStatus = "delivered"
	RecipientStatusRead      RecipientStatus = "read"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusCancelled RecipientStatus = "cancelled"
)

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSending, RecipientStatusSent, RecipientStatusDelivered,
		RecipientStatusRead, RecipientStatusFailed, RecipientStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the dispatcher must never send this row again.
func (s RecipientStatus) IsTerminal() bool {
	return s != RecipientStatusPending && s != RecipientStatusSending
}

// RecipientRow tracks delivery of a campaign to one contact.
type RecipientRow struct {
	ID                int64             `db:"id" json:"id"`
	CampaignID        int64             `db:"campaign_id" json:"campaign_id"`
	ContactID         int64             `db:"contact_id" json:"contact_id"`
	Address           string            `db:"address" json:"address"`
	Variables         map[string]string `db:"variables" json:"variables,omitempty"`
	Status            RecipientStatus   `db:"status" json:"status"`
	Attempts          int               `db:"attempts" json:"attempts"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	LastError         string            `db:"last_error" json:"last_error,omitempty"`
	ClaimedBy         string            `db:"claimed_by" json:"-"`
	ClaimedAt         *time.Time        `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time        `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Recipient is a resolved contact ready to become a RecipientRow.
type Recipient struct {
	ContactID int64
	Address   string
	Variables map[string]string
}

// Resolution is what the dispatcher decided for a claimed row.
type Resolution string

const (
	ResolutionSent    Resolution = "sent"
	ResolutionFailed  Resolution = "failed"
	ResolutionRetry   Resolution = "retry"   // back to pending, attempt consumed
	ResolutionRequeue Resolution = "requeue" // back to pending, attempt refunded
)

// Outcome is a resolved send result persisted by RecordOutcome.
type Outcome struct {
	Resolution        Resolution
	ProviderMessageID string
	Error             string
	At                time.Time
}

// ReceiptStatus is a provider-side delivery notification.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

// RecipientFilter narrows ListRecipients.
type RecipientFilter struct {
	CampaignID int64
	Status     RecipientStatus
	Offset     int
	Limit      int
}
