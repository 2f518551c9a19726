package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationProducer feeds accepted driver fixes to the projection consumer. Messages are
// keyed by driver id so one driver's fixes stay ordered on one partition; the ride id
// travels as a header.
type LocationProducer struct {
	w messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *LocationProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.DriverID), Value: b, Time: ev.RecordedAt}
	if ev.RideID != "" {
		msg.Headers = []kafka.Header{{Key: "ride_id", Value: []byte(ev.RideID)}}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish location of driver %s: %w", ev.DriverID, err)
	}
	return nil
}

func (p *LocationProducer) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}
