package model

import (
	"strings"
	"time"
)

// TargetingType selects the contact population a campaign starts from.
type TargetingType string

const (
	TargetAll    TargetingType = "ALL"
	TargetGroup  TargetingType = "GROUP"
	TargetTag    TargetingType = "TAG"
	TargetCustom TargetingType = "CUSTOM"
)

// TargetingRule is a closed description of who receives a campaign.
type TargetingRule struct {
	Type       TargetingType `json:"type" validate:"required,oneof=ALL GROUP TAG CUSTOM"`
	GroupID    *int64        `json:"group_id,omitempty"`
	TagIDs     []int64       `json:"tag_ids,omitempty"`
	ContactIDs []int64       `json:"contact_ids,omitempty" validate:"max=100000"`
	Filter     *Filter       `json:"filter,omitempty"`
}

// Filter narrows the population of a TargetingRule. Every set field must
// match for a contact to be kept.
type Filter struct {
	Cities          []string   `json:"cities,omitempty"`
	Languages       []string   `json:"languages,omitempty"`
	RequireTagIDs   []int64    `json:"require_tag_ids,omitempty"`
	ExcludeTagIDs   []int64    `json:"exclude_tag_ids,omitempty"`
	CreatedAfter    *time.Time `json:"created_after,omitempty"`
	CreatedBefore   *time.Time `json:"created_before,omitempty"`
	OrderedSince    *time.Time `json:"ordered_since,omitempty"`
	IncludeOptedOut bool       `json:"include_opted_out,omitempty"`
}

// Matches evaluates the filter against one contact. A nil filter only
// rejects opted-out contacts.
func (f *Filter) Matches(c *Contact) bool {
	if f == nil {
		return !c.OptedOut
	}
	if c.OptedOut && !f.IncludeOptedOut {
		return false
	}
	if len(f.Cities) > 0 && !containsFold(f.Cities, c.City) {
		return false
	}
	if len(f.Languages) > 0 && !containsFold(f.Languages, c.Language) {
		return false
	}
	if len(f.RequireTagIDs) > 0 {
		found := false
		for _, id := range f.RequireTagIDs {
			if c.HasTag(id) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, id := range f.ExcludeTagIDs {
		if c.HasTag(id) {
			return false
		}
	}
	if f.CreatedAfter != nil && !c.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !c.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.OrderedSince != nil && (c.LastOrderAt == nil || c.LastOrderAt.Before(*f.OrderedSince)) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
