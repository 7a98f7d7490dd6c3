package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/HealthFlowEgy/wasslchat/internal/gateway"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

func TestResolve(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		outcome     gateway.Outcome
		attempts    int
		unavailable bool
		want        model.Resolution
	}{
		{"sent", gateway.Sent("m1"), 1, false, model.ResolutionSent},
		{"permanent on first attempt", gateway.Permanent("bad number"), 1, false, model.ResolutionFailed},
		{"transient with attempts left", gateway.Transient("429"), 1, false, model.ResolutionRetry},
		{"transient on last attempt", gateway.Transient("429"), 3, false, model.ResolutionFailed},
		{"unavailable batch is requeued", gateway.Unavailable("503"), 3, true, model.ResolutionRequeue},
		{"unavailable in a mixed batch consumes the attempt", gateway.Unavailable("503"), 1, false, model.ResolutionRetry},
		{"unavailable in a mixed batch on last attempt", gateway.Unavailable("503"), 3, false, model.ResolutionFailed},
		{"throttled is requeued on last attempt", gateway.Throttled("rate limiter"), 3, false, model.ResolutionRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := &model.RecipientRow{ID: 1, Attempts: tt.attempts}
			got := resolve(tt.outcome, row, 3, tt.unavailable, at)
			assert.Equal(t, tt.want, got.Resolution)
			assert.Equal(t, at, got.At)
			if tt.want == model.ResolutionSent {
				assert.Equal(t, "m1", got.ProviderMessageID)
			}
		})
	}
}

func TestRenderPayload(t *testing.T) {
	vars := map[string]string{"first_name": "Ahmed", "city": "Cairo"}
	p := model.Payload{
		Text:     "Hi {first_name} from {city}",
		Template: &model.TemplateContent{Name: "promo", Params: []string{"{first_name}", "{city}", "fixed"}},
	}
	got := RenderPayload(p, vars)
	assert.Equal(t, "Hi Ahmed from Cairo", got.Text)
	assert.Equal(t, []string{"Ahmed", "Cairo", "fixed"}, got.Template.Params)
	assert.Equal(t, "{first_name}", p.Template.Params[0], "source payload untouched")

	assert.Equal(t, "no vars {x}", RenderTemplate("no vars {x}", nil))
}
