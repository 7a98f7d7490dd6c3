package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

func memoryConfig() *config.Config {
	return &config.Config{
		RunMode:     config.RunModeAll,
		StoreDriver: config.StoreDriverMemory,
		Redis:       config.RedisConfig{LockTTL: time.Second},
		Dispatch: config.DispatchConfig{
			DefaultBatchSize:   2,
			DefaultMaxAttempts: 3,
			SendTimeout:        time.Second,
			ClaimLease:         time.Minute,
			InFlightPoll:       10 * time.Millisecond,
		},
		Gateway: config.GatewayConfig{
			DefaultProvider: "sandbox",
			Sandbox:         config.SandboxConfig{SuccessRate: 1},
		},
	}
}

func TestBuildGateways(t *testing.T) {
	reg := BuildGateways(config.GatewayConfig{DefaultProvider: "sandbox"}, zap.NewNop())
	assert.True(t, reg.Has("sandbox"))
	assert.False(t, reg.Has("whatsapp"), "whatsapp needs credentials")

	reg = BuildGateways(config.GatewayConfig{
		DefaultProvider: "whatsapp",
		WhatsApp:        config.WhatsAppConfig{AccessToken: "t", PhoneNumberID: "1", RatePerSecond: 5},
	}, zap.NewNop())
	assert.True(t, reg.Has("whatsapp"))
	assert.Equal(t, "whatsapp", reg.DefaultProvider())
}

func TestMemoryAppDispatchesEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, a.HealthChecks())

	mem := a.Contacts.(interface {
		AddContact(*model.Contact) *model.Contact
	})
	mem.AddContact(&model.Contact{TenantID: "t1", Phone: "+201000000101", FirstName: "A"})
	mem.AddContact(&model.Contact{TenantID: "t1", Phone: "+201000000102", FirstName: "B"})
	mem.AddContact(&model.Contact{TenantID: "t1", Phone: "+201000000103", FirstName: "C"})

	require.NoError(t, a.StartDispatching(ctx))

	c, err := a.Service.CreateCampaign(ctx, "t1", model.Definition{
		Name:      "launch",
		Kind:      model.MessageKindText,
		Content:   model.Payload{Text: "Hi {first_name}"},
		Targeting: model.TargetingRule{Type: model.TargetAll},
		SendNow:   true,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		p, err := a.Service.GetProgress(ctx, "t1", c.ID)
		return err == nil && p.Status == model.CampaignStatusCompleted && p.Sent == 3
	}, 3*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Supervisor.Shutdown(shutdownCtx))
	require.NoError(t, a.Close())
}
