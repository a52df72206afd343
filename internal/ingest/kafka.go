// README: Kafka consumer and producer for the driver position stream.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/types"
)

var ErrBadMessage = errors.New("malformed position message")

// PositionMessage is the wire format on the position topic. The message key
// carries the driver id when the body omits it.
type PositionMessage struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SpeedKmh float64 `json:"speed_kmh"`
	Heading  float64 `json:"heading"`
}

type Sink interface {
	Upsert(ctx context.Context, u location.PositionUpdate) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Decode turns a raw message into a registry update.
func Decode(key, value []byte) (location.PositionUpdate, error) {
	var m PositionMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return location.PositionUpdate{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.DriverID == "" {
		m.DriverID = string(key)
	}
	u := location.PositionUpdate{
		DriverID: types.ID(m.DriverID),
		Location: types.Point{Lat: m.Lat, Lng: m.Lng},
		SpeedKmh: m.SpeedKmh,
		Heading:  m.Heading,
	}
	if u.DriverID == "" || !u.Location.Valid() || u.Location.IsZero() {
		return location.PositionUpdate{}, ErrBadMessage
	}
	return u, nil
}

type Consumer struct {
	reader MessageReader
	sink   Sink
	log    *slog.Logger
	retry  time.Duration
}

func NewConsumer(cfg config.KafkaConfig, sink Sink, log *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.PositionTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, sink, log)
}

func newConsumer(reader MessageReader, sink Sink, log *slog.Logger) *Consumer {
	return &Consumer{reader: reader, sink: sink, log: log, retry: time.Second}
}

// Run feeds every message into the sink until ctx is done. Malformed
// messages are committed and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("read position message failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry):
			}
			continue
		}

		u, err := Decode(msg.Key, msg.Value)
		if err != nil {
			c.log.Debug("dropping position message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else if err := c.sink.Upsert(ctx, u); err != nil {
			c.log.Warn("apply position failed", "driver_id", u.DriverID, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("commit position message failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Producer writes position messages keyed by driver id so one driver's
// reports stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.PositionTopic,
		Balancer: &kafka.Hash{},
	}}
}

func (p *Producer) Publish(ctx context.Context, msgs ...PositionMessage) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		out = append(out, kafka.Message{Key: []byte(m.DriverID), Value: b})
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
