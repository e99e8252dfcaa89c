package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/utils"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Lag() int64
	Close() error
}

// Message is a fetched record that is not committed yet.
type Message struct {
	Key   []byte
	Value []byte

	raw kafka.Message
}

// Consumer joins its group on the first Fetch, so processes that never
// read do not hold partitions.
type Consumer struct {
	mu      sync.Mutex
	reader  messageReader
	open    func() messageReader
	topic   string
	groupID string
}

func NewConsumer(topic string, brokers []string, groupID string) *Consumer {
	return &Consumer{
		open: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  brokers,
				Topic:    topic,
				GroupID:  groupID,
				MaxBytes: 10e6, // 10MB
			})
		},
		topic:   topic,
		groupID: groupID,
	}
}

func NewTLSConsumer(topic string, brokers []string, groupID, certDir string) (*Consumer, error) {
	keypair, caCertPool, err := utils.DecodeTLS(certDir)
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS: &tls.Config{
			Certificates: []tls.Certificate{keypair},
			RootCAs:      caCertPool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	open := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			Dialer:   dialer,
			MaxBytes: 10e6,
		})
	}
	return &Consumer{open: open, topic: topic, groupID: groupID}, nil
}

func (c *Consumer) get() messageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil && c.open != nil {
		c.reader = c.open()
	}
	return c.reader
}

// Fetch waits for the next message. The offset only advances once the
// message is passed to Commit.
func (c *Consumer) Fetch(ctx context.Context) (*Message, error) {
	r := c.get()
	m, err := r.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.KafkaSubscriberFailureTotal.WithLabelValues(c.topic).Inc()
		}
		return nil, err
	}
	metrics.KafkaConsumerLag.WithLabelValues(c.groupID, c.topic).Set(float64(r.Lag()))
	return &Message{Key: m.Key, Value: m.Value, raw: m}, nil
}

func (c *Consumer) Commit(ctx context.Context, m *Message) error {
	if err := c.get().CommitMessages(ctx, m.raw); err != nil {
		metrics.KafkaSubscriberFailureTotal.WithLabelValues(c.topic).Inc()
		return fmt.Errorf("kafka commit on %s: %w", c.topic, err)
	}
	return nil
}

// Reset closes the reader. The next Fetch rejoins the group and resumes at
// the last committed offset, so fetched but uncommitted messages come back.
func (c *Consumer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	return err
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
