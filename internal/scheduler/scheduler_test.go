package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePromoter struct {
	calls atomic.Int32
	last  atomic.Value
	err   error
}

func (f *fakePromoter) PromoteDue(_ context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	f.last.Store(now)
	return 2, f.err
}

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) Recover(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, nil
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	p, sw := &fakePromoter{}, &fakeSweeper{}
	s := New(config.SchedulerConfig{PromoteSpec: "@every 1s", SweepSpec: "@every 1s", Timezone: "Africa/Cairo"}, p, sw, zap.NewNop())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start")

	assert.Eventually(t, func() bool { return p.calls.Load() > 0 && sw.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := New(config.SchedulerConfig{PromoteSpec: "every now and then"}, &fakePromoter{}, nil, zap.NewNop())
	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote schedule")
}

func TestScheduler_PromoteOnceUsesUTC(t *testing.T) {
	p := &fakePromoter{err: errors.New("db down")}
	s := New(config.SchedulerConfig{}, p, &fakeSweeper{}, zap.NewNop())
	cairo := time.FixedZone("EET", 2*3600)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, cairo) }

	assert.Equal(t, 2, s.PromoteOnce(context.Background()))
	got := p.last.Load().(time.Time)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, 1, s.SweepOnce(context.Background()))
}
