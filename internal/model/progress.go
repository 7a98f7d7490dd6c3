package model

import "time"

// Progress is the committed delivery picture of a campaign.
type Progress struct {
	CampaignID      int64          `json:"campaign_id"`
	Status          CampaignStatus `json:"status"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	TotalRecipients int            `json:"total_recipients"`
	Sent            int            `json:"sent"`
	Delivered       int            `json:"delivered"`
	Read            int            `json:"read"`
	Failed          int            `json:"failed"`
	// Pending includes rows currently claimed by a run (InFlight).
	Pending   int        `json:"pending"`
	InFlight  int        `json:"in_flight"`
	Cancelled int        `json:"cancelled"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Processed is the number of rows that reached a final dispatch outcome.
func (p Progress) Processed() int { return p.Sent + p.Failed }

// PercentDone is the share of recipients that no longer wait for a send.
func (p Progress) PercentDone() float64 {
	if p.TotalRecipients == 0 {
		return 100
	}
	return float64(p.Sent+p.Failed+p.Cancelled) * 100 / float64(p.TotalRecipients)
}
