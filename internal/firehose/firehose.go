// Package firehose mirrors the store's event stream to Kafka so external
// consumers can follow the pipeline without polling the database. The
// mirror is strictly best effort: a slow or absent broker never blocks a
// worker loop.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

const publishTimeout = 10 * time.Second

// Mirror fans store events out to a Kafka topic.
type Mirror struct {
	writer *kafka.Writer
	topic  string
	queue  chan store.Event
	done   chan struct{}
}

// New creates a mirror publishing to "voxclaw.<deployment>.events". Returns
// nil when no brokers are configured.
func New(cfg config.FirehoseConfig) *Mirror {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	deployment := cfg.Deployment
	if deployment == "" {
		deployment = "default"
	}
	topic := fmt.Sprintf("voxclaw.%s.events", deployment)
	return &Mirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		topic: topic,
		queue: make(chan store.Event, 1024),
		done:  make(chan struct{}),
	}
}

// Hook returns the function to install with store.SetEventHook. Events are
// dropped when the buffer is full.
func (m *Mirror) Hook() func(store.Event) {
	return func(evt store.Event) {
		select {
		case m.queue <- evt:
		default:
			slog.Warn("firehose buffer full, dropping event", "action", evt.Action)
		}
	}
}

// Run pumps queued events to Kafka until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	slog.Info("firehose mirror started", "topic", m.topic)
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return
		case evt := <-m.queue:
			m.publish(ctx, evt)
		}
	}
}

func (m *Mirror) publish(ctx context.Context, evt store.Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("firehose event encode failed", "action", evt.Action, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = m.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(evt.TraceID),
		Value: value,
		Time:  evt.CreatedAt,
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("firehose publish failed", "action", evt.Action, "error", err)
	}
}

// Close flushes and closes the Kafka writer.
func (m *Mirror) Close() error {
	select {
	case <-m.done:
	case <-time.After(time.Second):
	}
	return m.writer.Close()
}
