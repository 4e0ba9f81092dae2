// Package kafka publishes sync reports and drain results to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/types"
)

const writeTimeout = 30 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// Message is the envelope written for every report. Exactly one of Sync and
// Drain is set, matching Kind.
type Message struct {
	Kind      string             `json:"kind"`
	CycleID   string             `json:"cycle_id"`
	Published time.Time          `json:"published"`
	Sync      *types.SyncReport  `json:"sync,omitempty"`
	Drain     *types.DrainResult `json:"drain,omitempty"`
}

func New(brokers []string, topic string, logger *zap.Logger) (*Sink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka reports need brokers and a topic")
	}
	logger.Info("Creating Kafka report sink",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return &Sink{writer: writer, topic: topic, logger: logger}, nil
}

func (s *Sink) PublishSync(ctx context.Context, r types.SyncReport) error {
	return s.publish(ctx, Message{Kind: "sync", CycleID: r.CycleID, Sync: &r})
}

func (s *Sink) PublishDrain(ctx context.Context, r types.DrainResult) error {
	return s.publish(ctx, Message{Kind: "drain", CycleID: r.CycleID, Drain: &r})
}

func (s *Sink) publish(ctx context.Context, msg Message) error {
	msg.Published = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode report")
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	err = s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.CycleID), Value: data, Time: msg.Published})
	if err != nil {
		s.logger.Error("Failed to write report to Kafka",
			zap.Error(err),
			zap.String("kind", msg.Kind),
			zap.String("cycle_id", msg.CycleID))
		return errors.Wrapf(err, "publish %s report", msg.Kind)
	}
	s.logger.Debug("Report sent to Kafka",
		zap.String("kind", msg.Kind),
		zap.String("cycle_id", msg.CycleID),
		zap.Int("message_size", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Sink) Close() error {
	s.logger.Info("Closing Kafka report sink")
	return s.writer.Close()
}

// Nop discards reports.
type Nop struct{}

func (Nop) PublishSync(context.Context, types.SyncReport) error   { return nil }
func (Nop) PublishDrain(context.Context, types.DrainResult) error { return nil }
func (Nop) Close() error                                          { return nil }
