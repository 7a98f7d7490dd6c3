// internal/model/campaign.go
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Campaign is a single broadcast send job targeting a frozen recipient set.
type Campaign struct {
	ID       int64  `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenant_id"`
	Name     string `db:"name" json:"name"`
	Provider string `db:"provider" json:"provider"`

	Kind      MessageKind   `db:"message_kind" json:"message_kind"`
	Content   Payload       `db:"content" json:"content"`
	Targeting TargetingRule `db:"targeting" json:"targeting"`
	Pacing    Pacing        `db:"pacing" json:"pacing"`

	Status        CampaignStatus `db:"status" json:"status"`
	FailureReason string         `db:"failure_reason" json:"failure_reason,omitempty"`

	TotalRecipients int `db:"total_recipients" json:"total_recipients"`
	SentCount       int `db:"sent_count" json:"sent_count"`
	DeliveredCount  int `db:"delivered_count" json:"delivered_count"`
	ReadCount       int `db:"read_count" json:"read_count"`
	FailedCount     int `db:"failed_count" json:"failed_count"`

	ScheduledFor *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	PausedAt     *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt  *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// MessageKind selects which part of the Payload is delivered.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindMedia    MessageKind = "media"
	MessageKindTemplate MessageKind = "template"
)

func (k MessageKind) IsValid() bool {
	switch k {
	case MessageKindText, MessageKindMedia, MessageKindTemplate:
		return true
	}
	return false
}

const (
	DefaultBatchSize   = 50
	MaxBatchSize       = 1000
	DefaultBatchDelay  = time.Second
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 10
)

// Pacing controls how fast a dispatcher run drains the recipient rows.
type Pacing struct {
	BatchSize   int      `json:"batch_size" validate:"gte=0,lte=1000"`
	BatchDelay  Duration `json:"batch_delay"`
	MaxAttempts int      `json:"max_attempts" validate:"gte=0,lte=10"`
}

// WithDefaults fills zero fields with the given defaults.
func (p Pacing) WithDefaults(def Pacing) Pacing {
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.BatchDelay < 0 {
		p.BatchDelay = 0
	}
	if p.BatchDelay == 0 && def.BatchDelay > 0 {
		p.BatchDelay = def.BatchDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Duration is a time.Duration that travels as a Go duration string ("1.5s") in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		// bare numbers are milliseconds
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration must be >= 0, got %q", v)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Definition is everything a caller supplies to create a campaign.
type Definition struct {
	Name         string        `json:"name" validate:"required,max=200"`
	Provider     string        `json:"provider" validate:"omitempty,max=50"`
	Kind         MessageKind   `json:"message_kind" validate:"required,oneof=text media template"`
	Content      Payload       `json:"content"`
	Targeting    TargetingRule `json:"targeting"`
	Pacing       Pacing        `json:"pacing"`
	ScheduledFor *time.Time    `json:"scheduled_for,omitempty"`
	SendNow      bool          `json:"send_now"`
}

// CampaignFilter narrows ListCampaigns.
type CampaignFilter struct {
	TenantID string
	Status   CampaignStatus
	Offset   int
	Limit    int
}
