// README: RabbitMQ topic-exchange transport for notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPBus publishes every topic as a routing key on one topic exchange.
// Subscribers get an exclusive auto-delete queue bound to their topic.
type AMQPBus struct {
	log      *slog.Logger
	exchange string
	conn     *amqp091.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	pub      *amqp091.Channel
}

func NewAMQPBus(url, exchange string, log *slog.Logger) (*AMQPBus, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}
	return &AMQPBus{log: log, exchange: exchange, conn: conn, pub: ch}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, topic string, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.PublishWithContext(ctx, b.exchange, topic, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   e.At,
		Body:        body,
	})
}

func (b *AMQPBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, errors.Join(ch.Close(), err)
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		return nil, errors.Join(ch.Close(), err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, errors.Join(ch.Close(), err)
	}
	s := &amqpSub{ch: ch, out: make(chan Event, memoryBuffer)}
	go func() {
		defer close(s.out)
		for d := range deliveries {
			var e Event
			if err := json.Unmarshal(d.Body, &e); err != nil {
				b.log.Warn("drop malformed event", "routing_key", d.RoutingKey, "error", err)
				continue
			}
			select {
			case s.out <- e:
			default:
			}
		}
	}()
	return s, nil
}

func (b *AMQPBus) Close() error {
	return b.conn.Close()
}

type amqpSub struct {
	ch   *amqp091.Channel
	out  chan Event
	once sync.Once
}

func (s *amqpSub) Events() <-chan Event { return s.out }

// Close closes the channel, which ends the delivery stream and the pump.
func (s *amqpSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ch.Close() })
	return err
}
