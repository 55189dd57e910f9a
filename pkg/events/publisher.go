package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Billing event types.
const (
	TypeEnrollmentCreated  = "enrollment.created"
	TypeEnrollmentApproved = "enrollment.approved"
	TypeEnrollmentRejected = "enrollment.rejected"
	TypePaymentRecorded    = "payment.recorded"
	TypeEnrollmentBlocked  = "enrollment.blocked"
	TypeUnblockRequested   = "unblock.requested"
	TypeUnblockApproved    = "unblock.approved"
	TypeUnblockRejected    = "unblock.rejected"
)

// Event is one billing state change published for downstream consumers.
type Event struct {
	Type           string     `json:"type"`
	EnrollmentID   string     `json:"enrollment_id"`
	UserID         string     `json:"user_id"`
	CourseID       string     `json:"course_id"`
	TransactionID  string     `json:"transaction_id,omitempty"`
	Amount         int64      `json:"amount,omitempty"`
	NextPaymentDue *time.Time `json:"next_payment_due,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Publisher emits billing events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// KafkaPublisher writes events to a single topic keyed by enrollment id, so
// every change of one enrollment lands on the same partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewSaramaConfig returns the producer settings used for billing events.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// Dial connects a synchronous producer to brokers.
func Dial(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic, logger), nil
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal billing event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.EnrollmentID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("publish billing event: %w", err)
	}
	p.logger.Debug("billing event published",
		zap.String("type", event.Type),
		zap.String("enrollment_id", event.EnrollmentID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
