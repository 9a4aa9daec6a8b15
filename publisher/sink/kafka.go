package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterTransport(cfg.TransportKafka, func(config cfg.BrokerConfiguration) (publisher.Transport, error) {
		kafkaConfig := DefaultKafkaConfig(config.Addresses)
		kafkaConfig.ClientID = fmt.Sprintf("pgrelay-%d", cfg.Config.InstanceID)
		if config.ConnectTimeout > 0 {
			kafkaConfig.DialTimeout = time.Duration(config.ConnectTimeout) * time.Second
		}
		return NewKafkaTransport(kafkaConfig)
	})
}

// KafkaTransport publishes to Kafka, one topic per subject
type KafkaTransport struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	ClientID         string             // Client id reported to the brokers
	BatchSize        int                // Max messages per batch (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
	DialTimeout      time.Duration      // Broker dial timeout, 0 = kafka-go default
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaTransport creates a new KafkaTransport with the given configuration.
// No connection is made until the first publish.
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	transport := &kafka.Transport{
		ClientID: config.ClientID,
	}
	if config.DialTimeout > 0 {
		transport.DialTimeout = config.DialTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same key, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           time.Millisecond, // Sync writes carry one message
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
		Transport:              transport,
	}

	return &KafkaTransport{writer: writer}, nil
}

// Publish writes payload to the topic named by subject.
// key: partition key (same key, same partition)
// payload: nil for tombstones
func (k *KafkaTransport) Publish(ctx context.Context, subject, key string, payload []byte) error {
	msg := kafka.Message{
		Topic: subject,
		Key:   []byte(key),
		Value: payload,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close releases resources held by the KafkaTransport
func (k *KafkaTransport) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
