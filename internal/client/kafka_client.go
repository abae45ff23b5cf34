package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"gridsec-analytics/internal/config"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

// MessageWriter is the part of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	Writer  MessageWriter
	brokers []string
	config  *config.KafkaConfig
	logger  *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kafkaConfig.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1048576, // 1MB
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: !cfg.IsProduction(),
	}

	p := &KafkaProducer{Writer: writer, brokers: kafkaConfig.Brokers, config: &kafkaConfig, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to connect to Kafka brokers: %w", err)
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("audit_topic", kafkaConfig.AuditTopic),
		zap.String("alerts_topic", kafkaConfig.AlertsTopic),
	)
	return p, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		util.Error("failed to close Kafka producer", zap.Error(err))
		return err
	}
	util.Info("Kafka producer closed")
	return nil
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	p.logger.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.Int("value_size", len(value)),
	)
	return nil
}

func (p *KafkaProducer) produceJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode kafka payload: %w", err)
	}
	return p.ProduceMessage(ctx, topic, []byte(key), value, headers)
}

// Append publishes a pseudonym reversal to the audit topic, keyed by pseudonym
// so records for one pseudonym stay ordered on one partition.
func (p *KafkaProducer) Append(ctx context.Context, rec models.AuditRecord) error {
	return p.produceJSON(ctx, p.config.AuditTopic, rec.Pseudonym, rec, map[string]string{
		"type":      "pseudonym.reverted",
		"record_id": rec.RecordID,
	})
}

// PublishDetection emits a detector report to the alerts topic.
func (p *KafkaProducer) PublishDetection(ctx context.Context, detector string, flagged int, report interface{}) error {
	envelope := map[string]interface{}{
		"detector":    detector,
		"flagged":     flagged,
		"report":      report,
		"detected_at": time.Now().UTC(),
	}
	return p.produceJSON(ctx, p.config.AlertsTopic, detector, envelope, map[string]string{"type": "detection." + detector})
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}
	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read Kafka metadata: %w", err)
	}
	return nil
}
