package gateway

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sandbox simulates a provider for development. Addresses ending in "000"
// are rejected permanently; other sends succeed with SuccessRate and fail
// transiently with TransientRate.
type Sandbox struct {
	SuccessRate   float64
	TransientRate float64
	Latency       time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSandbox(successRate, transientRate float64, latency time.Duration, seed int64) *Sandbox {
	return &Sandbox{
		SuccessRate:   successRate,
		TransientRate: transientRate,
		Latency:       latency,
		rnd:           rand.New(rand.NewSource(seed)),
	}
}

func (s *Sandbox) Send(ctx context.Context, msg Message) Outcome {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Transient("sandbox: " + ctx.Err().Error())
		case <-t.C:
		}
	}
	if strings.HasSuffix(msg.To, "000") {
		return Permanent("sandbox: invalid address")
	}

	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()

	switch {
	case roll < s.SuccessRate:
		return Sent("sandbox." + uuid.NewString())
	case roll < s.SuccessRate+s.TransientRate:
		return Transient("sandbox: rate limited")
	default:
		return Permanent("sandbox: recipient blocked")
	}
}
