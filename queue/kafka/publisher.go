// Package kafka carries queue messages over Kafka topics, one topic per
// message kind, with a sibling dead-letter topic per kind.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/queue"
)

const (
	HeaderMessageID  = "x-message-id"
	HeaderKind       = "x-kind"
	HeaderAttempt    = "x-attempt"
	HeaderNotBefore  = "x-not-before"
	HeaderDeadReason = "x-dead-letter-reason"
)

// Topics resolves the topic names for each kind.
type Topics struct {
	Prefix           string
	DeadLetterSuffix string
	Names            queue.Names
}

func TopicsFromConfig(cfg core.Config) Topics {
	return Topics{
		Prefix:           cfg.Kafka.TopicPrefix,
		DeadLetterSuffix: cfg.Kafka.DeadLetterSuffix,
		Names:            queue.NamesFromConfig(cfg.Queue),
	}
}

func (t Topics) Topic(kind core.MessageKind) (string, error) {
	name, err := t.Names.For(kind)
	if err != nil {
		return "", err
	}
	return t.Prefix + name, nil
}

func (t Topics) DeadLetterTopic(kind core.MessageKind) (string, error) {
	topic, err := t.Topic(kind)
	if err != nil {
		return "", err
	}
	suffix := t.DeadLetterSuffix
	if strings.TrimSpace(suffix) == "" {
		suffix = ".dlq"
	}
	return topic + suffix, nil
}

// KindForTopic is the inverse of Topic.
func (t Topics) KindForTopic(topic string) (core.MessageKind, bool) {
	for _, kind := range core.MessageKinds {
		if candidate, err := t.Topic(kind); err == nil && candidate == topic {
			return kind, true
		}
	}
	return "", false
}

func (t Topics) All() []string {
	topics := make([]string, 0, len(core.MessageKinds))
	for _, kind := range core.MessageKinds {
		if topic, err := t.Topic(kind); err == nil {
			topics = append(topics, topic)
		}
	}
	return topics
}

// NewSyncProducer builds a producer that waits for all in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create sync producer: %w", err)
	}
	return producer, nil
}

type Publisher struct {
	producer sarama.SyncProducer
	topics   Topics
	now      func() time.Time
}

func NewPublisher(producer sarama.SyncProducer, topics Topics) *Publisher {
	return &Publisher{
		producer: producer,
		topics:   topics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish returns once the leader acknowledged the record. The message kind
// is the record key so one kind stays on one partition.
func (p *Publisher) Publish(ctx context.Context, msg core.QueueMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka: producer is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := queue.Prepare(msg, p.now())
	if err != nil {
		return err
	}
	return p.send(prepared, time.Time{})
}

func (p *Publisher) send(msg core.QueueMessage, notBefore time.Time) error {
	topic, err := p.topics.Topic(msg.Kind)
	if err != nil {
		return err
	}
	data, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderMessageID), Value: []byte(msg.ID)},
		{Key: []byte(HeaderKind), Value: []byte(msg.Kind)},
		{Key: []byte(HeaderAttempt), Value: []byte(strconv.Itoa(msg.Attempt))},
	}
	if !notBefore.IsZero() {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(HeaderNotBefore),
			Value: []byte(notBefore.UTC().Format(time.RFC3339Nano)),
		})
	}
	record := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(msg.Kind),
		Value:     sarama.ByteEncoder(data),
		Headers:   headers,
		Timestamp: p.now(),
	}
	if _, _, err := p.producer.SendMessage(record); err != nil {
		return fmt.Errorf("kafka: send to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) sendDeadLetter(kind core.MessageKind, raw []byte, letter core.DeadLetter) error {
	topic, err := p.topics.DeadLetterTopic(kind)
	if err != nil {
		return err
	}
	record := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(kind),
		Value: sarama.ByteEncoder(raw),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(letter.MessageID)},
			{Key: []byte(HeaderKind), Value: []byte(kind)},
			{Key: []byte(HeaderAttempt), Value: []byte(strconv.Itoa(letter.Attempts))},
			{Key: []byte(HeaderDeadReason), Value: []byte(letter.Reason)},
		},
		Timestamp: letter.FailedAt,
	}
	if _, _, err := p.producer.SendMessage(record); err != nil {
		return fmt.Errorf("kafka: send to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

var _ core.QueuePublisher = (*Publisher)(nil)
