// Package notify hands offline-message notices to downstream delivery (push, email).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/core"
)

// LogNotifier writes notices to the log. Used when no broker is configured.
type LogNotifier struct {
	log *zerolog.Logger
}

// NewLogNotifier builds a notifier logging at debug level.
func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) NotifyOffline(_ context.Context, notice core.OfflineNotice) error {
	n.log.Debug().
		Str("user_id", notice.UserID).
		Str("chat_id", notice.ChatID).
		Str("message_id", notice.MessageID).
		Str("sender_id", notice.SenderID).
		Msg("offline notice")
	return nil
}

// KafkaConfig describes the notice topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaNotifier publishes notices to a topic keyed by recipient, so one
// recipient's notices stay in order on one partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// ProducerConfig returns the sarama settings used for notices.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "guffghar-rt"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	return cfg
}

// NewKafkaNotifier dials the brokers.
func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg.Topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) NotifyOffline(ctx context.Context, notice core.OfflineNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(notice.UserID),
		Value: sarama.ByteEncoder(value),
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
