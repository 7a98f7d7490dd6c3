package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicDispatch carries DispatchJob messages from the API to dispatch workers.
const TopicDispatch = "campaign_dispatch"

// Execution types carried by DispatchJob.
const (
	ExecSendNow   = "send_now"
	ExecScheduled = "scheduled"
	ExecResume    = "resume"
	ExecRecover   = "recover"
)

// DispatchJob asks a worker to start (or continue) a campaign run.
type DispatchJob struct {
	CampaignID    int64  `json:"campaign_id"`
	ExecutionType string `json:"execution_type"`
}

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
	Close() error
}

// DecodeDispatchJob accepts a DispatchJob value or its JSON encoding.
func DecodeDispatchJob(payload any) (DispatchJob, error) {
	switch v := payload.(type) {
	case DispatchJob:
		return v, nil
	case *DispatchJob:
		if v == nil {
			return DispatchJob{}, fmt.Errorf("nil dispatch job")
		}
		return *v, nil
	case []byte:
		var job DispatchJob
		err := json.Unmarshal(v, &job)
		return job, err
	case json.RawMessage:
		var job DispatchJob
		err := json.Unmarshal(v, &job)
		return job, err
	}
	return DispatchJob{}, fmt.Errorf("unexpected payload type %T", payload)
}

// InMemoryQueue delivers to in-process subscribers with bounded retries.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	wg         sync.WaitGroup
	closed     bool
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        logger.Named("queue"),
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Payload: payload, MaxRetries: q.maxRetries}
		q.wg.Add(1)
		go q.processJob(topic, handler, job)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	for {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		q.log.Warn("job failed",
			zap.String("topic", topic),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err))

		if job.RetryCount > job.MaxRetries {
			q.log.Error("job permanently failed", zap.String("topic", topic), zap.Any("payload", job.Payload))
			return
		}
		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops accepting jobs and waits for deliveries in progress.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// DispatchStarter starts a run for a campaign; service.Supervisor implements it.
type DispatchStarter interface {
	Trigger(campaignID int64) bool
}

// StartDispatchSubscriber routes dispatch jobs on q to starter.
func StartDispatchSubscriber(q Queue, starter DispatchStarter, logger *zap.Logger) error {
	return q.Subscribe(TopicDispatch, func(payload any) error {
		job, err := DecodeDispatchJob(payload)
		if err != nil {
			logger.Warn("dropping malformed dispatch job", zap.Error(err))
			return nil
		}
		started := starter.Trigger(job.CampaignID)
		logger.Info("dispatch job received",
			zap.Int64("campaign_id", job.CampaignID),
			zap.String("execution_type", job.ExecutionType),
			zap.Bool("started", started))
		return nil
	})
}
