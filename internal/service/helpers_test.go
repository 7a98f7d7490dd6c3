package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/gateway"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/queue"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
	"github.com/HealthFlowEgy/wasslchat/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedGateway returns queued outcomes per address, then Fallback.
type scriptedGateway struct {
	mu       sync.Mutex
	script   map[string][]gateway.Outcome
	always   map[string]gateway.Outcome
	panicFor map[string]bool
	sends    map[string]int
	keys     map[string][]string
	counter  int

	// BeforeSend, when set, runs before every send outside the lock.
	BeforeSend func(msg gateway.Message)
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		script:   make(map[string][]gateway.Outcome),
		always:   make(map[string]gateway.Outcome),
		panicFor: make(map[string]bool),
		sends:    make(map[string]int),
		keys:     make(map[string][]string),
	}
}

func (g *scriptedGateway) Send(ctx context.Context, msg gateway.Message) gateway.Outcome {
	if g.BeforeSend != nil {
		g.BeforeSend(msg)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends[msg.To]++
	g.keys[msg.To] = append(g.keys[msg.To], msg.IdempotencyKey)
	if g.panicFor[msg.To] {
		panic("driver exploded")
	}
	if q := g.script[msg.To]; len(q) > 0 {
		g.script[msg.To] = q[1:]
		return q[0]
	}
	if o, ok := g.always[msg.To]; ok {
		return o
	}
	g.counter++
	return gateway.Sent(fmt.Sprintf("msg-%d", g.counter))
}

func (g *scriptedGateway) SendCount(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[addr]
}

func (g *scriptedGateway) TotalSends() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, v := range g.sends {
		n += v
	}
	return n
}

func address(i int) string { return fmt.Sprintf("+2010000%05d", i) }

func recipientsN(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ContactID: int64(i + 1),
			Address:   address(i + 1),
			Variables: map[string]string{"first_name": fmt.Sprintf("Contact%d", i+1)},
		}
	}
	return out
}

func seedCampaign(t *testing.T, store repository.CampaignStore, status model.CampaignStatus, n int, pacing model.Pacing) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		TenantID:  "tenant-a",
		Name:      "spring sale",
		Provider:  "fake",
		Kind:      model.MessageKindText,
		Content:   model.Payload{Text: "Hi {first_name}"},
		Targeting: model.TargetingRule{Type: model.TargetAll},
		Pacing:    pacing,
		Status:    status,
	}
	require.NoError(t, store.CreateCampaign(context.Background(), c, recipientsN(n)))
	return c
}

func testDispatcherConfig() service.DispatcherConfig {
	return service.DispatcherConfig{
		Defaults:              model.Pacing{BatchSize: 50, MaxAttempts: 3},
		SendTimeout:           time.Second,
		ClaimLease:            time.Minute,
		InFlightPoll:          5 * time.Millisecond,
		InfraRetries:          2,
		InfraBackoff:          time.Millisecond,
		MaxUnavailableBatches: 2,
	}
}

func newDispatcher(store repository.CampaignStore, gw gateway.Gateway, cfg service.DispatcherConfig) *service.Dispatcher {
	reg := gateway.NewRegistry("fake")
	reg.Register("fake", gw)
	return service.NewDispatcher(store, reg, cfg, zap.NewNop())
}

// recordingQueue captures published dispatch jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.DispatchJob
}

func (q *recordingQueue) Publish(topic string, payload any) error {
	job, err := queue.DecodeDispatchJob(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Subscribe(string, func(any) error) error { return nil }

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Jobs() []queue.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.DispatchJob(nil), q.jobs...)
}

func progressOf(t *testing.T, store repository.CampaignStore, id int64) *model.Progress {
	t.Helper()
	p, err := store.GetProgress(context.Background(), id)
	require.NoError(t, err)
	return p
}
