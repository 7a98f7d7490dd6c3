package model

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusQueued    CampaignStatus = "queued"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusQueued},
	CampaignStatusScheduled: {CampaignStatusQueued, CampaignStatusCancelled},
	CampaignStatusQueued:    {CampaignStatusSending, CampaignStatusCancelled, CampaignStatusFailed},
	CampaignStatusSending:   {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed},
	CampaignStatusPaused:    {CampaignStatusSending, CampaignStatusCancelled},
}

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusQueued, CampaignStatusSending,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition can leave s.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled || s == CampaignStatusFailed
}

// CanTransition reports whether from -> to is an edge of the campaign state machine.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{
		CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusQueued,
		CampaignStatusSending, CampaignStatusPaused,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Runnable reports whether a dispatcher run may consume batches for a campaign in s.
func (s CampaignStatus) Runnable() bool {
	return s == CampaignStatusQueued || s == CampaignStatusSending
}
