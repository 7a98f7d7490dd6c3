package queue

import (
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// brokenAcknowledger records settlements and fails every one of them.
type brokenAcknowledger struct {
	acks, nacks int
	requeue     bool
}

func (a *brokenAcknowledger) Ack(uint64, bool) error {
	a.acks++
	return errors.New("channel closed")
}

func (a *brokenAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return errors.New("channel closed")
}

func (a *brokenAcknowledger) Reject(uint64, bool) error { return nil }

func TestAMQPQueue_SettleErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	q := &AMQPQueue{log: zap.New(core)}

	ack := &brokenAcknowledger{}
	q.deliver(TopicDispatch, amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(`{}`)},
		func(any) error { return nil })
	assert.Equal(t, 1, ack.acks)
	require.Equal(t, 1, logs.FilterMessage("ack failed").Len())
	assert.Equal(t, uint64(7), logs.FilterMessage("ack failed").All()[0].ContextMap()["delivery_tag"])

	q.deliver(TopicDispatch, amqp.Delivery{Acknowledger: ack, DeliveryTag: 8},
		func(any) error { return errors.New("boom") })
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue, "first failure is redelivered")
	assert.Equal(t, 1, logs.FilterMessage("handler failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("nack failed").Len())

	q.deliver(TopicDispatch, amqp.Delivery{Acknowledger: ack, DeliveryTag: 9, Redelivered: true},
		func(any) error { return errors.New("boom") })
	assert.False(t, ack.requeue, "a redelivered message is dropped")
}
