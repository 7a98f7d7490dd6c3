// Package resolver turns a targeting rule into the frozen recipient list of a campaign.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
)

// Resolver evaluates targeting rules against the tenant's contacts.
type Resolver struct {
	contacts repository.ContactSource
}

func New(contacts repository.ContactSource) *Resolver {
	return &Resolver{contacts: contacts}
}

// Resolve returns the deliverable recipients selected by rule, in contact id
// order, deduplicated by contact and by normalized address. An empty result is
// not an error.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, rule model.TargetingRule) ([]model.Recipient, error) {
	population, err := r.contacts.ListPopulation(ctx, tenantID, rule)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}

	seenContact := make(map[int64]bool, len(population))
	seenAddr := make(map[string]bool, len(population))
	out := make([]model.Recipient, 0, len(population))

	for _, c := range population {
		if seenContact[c.ID] {
			continue
		}
		if !rule.Filter.Matches(c) {
			continue
		}
		addr, ok := NormalizePhone(c.Phone)
		if !ok || seenAddr[addr] {
			continue
		}
		seenContact[c.ID] = true
		seenAddr[addr] = true
		out = append(out, model.Recipient{
			ContactID: c.ID,
			Address:   addr,
			Variables: c.Variables(),
		})
	}
	return out, nil
}

// NormalizePhone strips formatting characters and converts a 00 prefix to +.
// The result must be + followed by 8 to 15 digits.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, ch := range strings.TrimSpace(raw) {
		switch ch {
		case ' ', '-', '(', ')', '.', '\t':
			continue
		}
		b.WriteRune(ch)
	}
	s := b.String()
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !strings.HasPrefix(s, "+") {
		return "", false
	}
	digits := s[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			return "", false
		}
	}
	return s, true
}
