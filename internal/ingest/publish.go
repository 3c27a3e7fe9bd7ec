package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"crowdalert/internal/alert"
)

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// MessageFor keys a record by its dedupe key so observations of one
// condition stay ordered within a partition. Undecodable records get no key.
func MessageFor(body []byte) kafka.Message {
	m := kafka.Message{Value: body, Time: time.Now().UTC()}
	if r, err := alert.Decode(body); err == nil && r.Category != "" && r.Zone != "" {
		lvl, _ := alert.ParseLevel(r.Level)
		m.Key = []byte(alert.DedupeKey(r.Category, r.Zone, lvl))
	}
	return m
}

// Publish writes one message per record.
func Publish(ctx context.Context, w *kafka.Writer, bodies ...[]byte) error {
	msgs := make([]kafka.Message, 0, len(bodies))
	for _, b := range bodies {
		msgs = append(msgs, MessageFor(b))
	}
	return w.WriteMessages(ctx, msgs...)
}
