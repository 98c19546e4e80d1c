package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/guillermoBallester/querygate/internal/core/port"
	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives decision records when no topic is configured.
const DefaultKafkaTopic = "querygate.decisions"

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaAuditor publishes one JSON message per audit entry, keyed by tenant
// so a tenant's decisions stay ordered within a partition. Publishing is
// asynchronous: delivery failures are logged and never fail the request.
type KafkaAuditor struct {
	writer kafkaWriter
	logger *slog.Logger
	now    func() time.Time
}

func NewKafkaAuditor(cfg KafkaConfig, logger *slog.Logger) (*KafkaAuditor, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka audit: brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultKafkaTopic
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("audit publish failed",
					slog.String("messaging.destination.name", topic),
					slog.Int("messaging.batch.message_count", len(msgs)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return newKafkaAuditor(w, logger), nil
}

func newKafkaAuditor(w kafkaWriter, logger *slog.Logger) *KafkaAuditor {
	return &KafkaAuditor{writer: w, logger: logger, now: time.Now}
}

func (a *KafkaAuditor) Record(ctx context.Context, entry port.AuditEntry) {
	value, err := json.Marshal(newRecord(a.now(), entry))
	if err != nil {
		a.logger.WarnContext(ctx, "audit encode failed", slog.String("error", err.Error()))
		return
	}
	msg := kafka.Message{Key: []byte(entry.TenantID), Value: value}
	// The request may finish before the batch is flushed.
	if err := a.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		a.logger.WarnContext(ctx, "audit publish failed",
			slog.String("request.id", entry.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes pending messages.
func (a *KafkaAuditor) Close() error {
	return a.writer.Close()
}

// Multi fans every entry out to each auditor in order.
type Multi []port.QueryAuditor

func (m Multi) Record(ctx context.Context, entry port.AuditEntry) {
	for _, a := range m {
		a.Record(ctx, entry)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}
