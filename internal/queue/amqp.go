package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPQueue publishes JSON payloads to durable RabbitMQ queues named after
// the topic. Subscribers receive the raw JSON body as []byte and messages
// are acked only after the handler succeeds.
type AMQPQueue struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	pub      *amqp.Channel
	prefetch int
	log      *zap.Logger

	wg       sync.WaitGroup
	channels []*amqp.Channel
}

func DialAMQP(url string, prefetch int, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPQueue{conn: conn, pub: ch, prefetch: prefetch, log: logger.Named("amqp")}, nil
}

func declare(ch *amqp.Channel, topic string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := declare(q.pub, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	queue, err := declare(ch, topic)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	msgs, err := ch.Consume(
		queue.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	q.mu.Lock()
	q.channels = append(q.channels, ch)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.deliver(topic, d, handler)
		}
	}()
	return nil
}

// deliver runs handler for one delivery and settles it with the broker.
func (q *AMQPQueue) deliver(topic string, d amqp.Delivery, handler func(payload any) error) {
	if err := handler(d.Body); err != nil {
		// one redelivery, then drop; dispatch recovery re-triggers runnable campaigns
		q.log.Warn("handler failed", zap.String("topic", topic), zap.Bool("redelivered", d.Redelivered), zap.Error(err))
		if err := d.Nack(false, !d.Redelivered); err != nil {
			q.log.Warn("nack failed", zap.String("topic", topic), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		q.log.Warn("ack failed", zap.String("topic", topic), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// Close closes consumer channels, waits for handlers and closes the connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	channels := q.channels
	q.channels = nil
	q.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	q.wg.Wait()
	_ = q.pub.Close()
	return q.conn.Close()
}
