package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/wlanrx/internal/config"
)

// defaultCommandTTL applies when control.kafka.command_ttl is unset.
const defaultCommandTTL = 5 * time.Minute

// KafkaCommand is the wire format for commands received via Kafka.
//
//	{
//	  "version":    "v1",
//	  "target":     "ap-01",
//	  "command":    "peer_rekey",
//	  "timestamp":  "2026-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"peer": "02:aa:00:00:00:01", "tid": 5}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // node hostname or "*" for broadcast
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches to handler.
type KafkaCommandConsumer struct {
	topic      string
	hostname   string
	reader     messageReader
	handler    *CommandHandler
	ttl        time.Duration
	retryDelay time.Duration
}

// NewKafkaCommandConsumer creates a consumer for the control.kafka section.
func NewKafkaCommandConsumer(kc config.KafkaCommandConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	if err := kc.Validate(); err != nil {
		return nil, err
	}

	startOffset := kafka.LastOffset
	if kc.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})

	return newKafkaCommandConsumer(reader, kc.Topic, hostname, kc.CommandTTL, handler), nil
}

func newKafkaCommandConsumer(r messageReader, topic, hostname string, ttl time.Duration, handler *CommandHandler) *KafkaCommandConsumer {
	if ttl <= 0 {
		ttl = defaultCommandTTL
	}
	return &KafkaCommandConsumer{
		topic:      topic,
		hostname:   hostname,
		reader:     r,
		handler:    handler,
		ttl:        ttl,
		retryDelay: 5 * time.Second,
	}
}

// Start consumes commands until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("kafka command consumer started", "topic", c.topic, "hostname", c.hostname, "ttl", c.ttl)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka command consumer stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		// commit regardless so a poison message is not redelivered forever
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

// processMessage runs one command. Commands for other nodes and stale
// commands are skipped without error.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		slog.Debug("skipping command not targeting this node", "target", kCmd.Target, "request_id", kCmd.RequestID)
		return nil
	}
	if !kCmd.Timestamp.IsZero() && time.Since(kCmd.Timestamp) > c.ttl {
		slog.Warn("skipping stale command",
			"command", kCmd.Command,
			"request_id", kCmd.RequestID,
			"age", time.Since(kCmd.Timestamp),
			"ttl", c.ttl,
		)
		return nil
	}
	// shutting the daemon down remotely is not allowed
	if kCmd.Command == "daemon_shutdown" {
		return fmt.Errorf("command %q is only accepted on the local socket", kCmd.Command)
	}

	slog.Info("received kafka command", "command", kCmd.Command, "request_id", kCmd.RequestID, "version", kCmd.Version)

	resp := c.handler.Handle(ctx, Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	})
	if resp.Error != nil {
		return fmt.Errorf("command %s failed (code %d): %s", kCmd.Command, resp.Error.Code, resp.Error.Message)
	}

	slog.Info("command executed successfully", "method", kCmd.Command, "request_id", kCmd.RequestID)
	return nil
}

// Stop closes the reader. It is safe to call more than once.
func (c *KafkaCommandConsumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	reader := c.reader
	c.reader = nil
	slog.Info("closing kafka command consumer")
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
