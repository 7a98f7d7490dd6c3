package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInMemoryQueue_PublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	assert.Error(t, q.Publish(TopicDispatch, DispatchJob{CampaignID: 1}))
}

func TestInMemoryQueue_RetriesFailedHandler(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	q.backoff = time.Millisecond

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(payload any) error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}))
	require.NoError(t, q.Publish("t", 1))
	require.NoError(t, q.Close())
	assert.Equal(t, int32(3), calls.Load())

	assert.Error(t, q.Publish("t", 1), "closed queue rejects publishes")
}

func TestDecodeDispatchJob(t *testing.T) {
	job := DispatchJob{CampaignID: 7, ExecutionType: ExecSendNow}
	raw, _ := json.Marshal(job)

	for _, in := range []any{job, &job, raw, json.RawMessage(raw)} {
		got, err := DecodeDispatchJob(in)
		require.NoError(t, err)
		assert.Equal(t, job, got)
	}
	_, err := DecodeDispatchJob(42)
	assert.Error(t, err)
}

type recordingStarter struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingStarter) Trigger(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return true
}

func TestStartDispatchSubscriber(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	starter := &recordingStarter{}
	require.NoError(t, StartDispatchSubscriber(q, starter, zap.NewNop()))

	require.NoError(t, q.Publish(TopicDispatch, DispatchJob{CampaignID: 3, ExecutionType: ExecResume}))
	require.NoError(t, q.Publish(TopicDispatch, "garbage"))
	require.NoError(t, q.Close())

	assert.Equal(t, []int64{3}, starter.ids)
}
