// Package notify exports replay violations to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/metrics"
	"firestige.xyz/wlanrx/internal/replay"
)

const (
	defaultQueueSize    = 1024
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	writeTimeout        = 5 * time.Second
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// KafkaPublisher sends one JSON message per replay violation. OnReplay
// never blocks: events that do not fit the queue are dropped and counted.
type KafkaPublisher struct {
	writer    messageWriter
	topic     string
	batchSize int

	mu     sync.RWMutex
	closed bool
	events chan replay.Event
	done   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg config.KafkaNotifyConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	wc := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // events of one peer stay on one partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  3,
	}
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	p := newPublisher(kafka.NewWriter(wc), cfg.QueueSize, cfg.BatchSize)
	p.topic = cfg.Topic
	slog.Info("kafka replay publisher created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"queue_size", cap(p.events),
		"compression", cfg.Compression)
	return p, nil
}

func newPublisher(w messageWriter, queueSize, batchSize int) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &KafkaPublisher{
		writer:    w,
		batchSize: batchSize,
		events:    make(chan replay.Event, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the sender goroutine.
func (p *KafkaPublisher) Start() {
	go p.run()
}

// OnReplay queues ev for publishing.
func (p *KafkaPublisher) OnReplay(ev replay.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop()
		return
	}
	select {
	case p.events <- ev:
	default:
		p.drop()
	}
}

func (p *KafkaPublisher) drop() {
	p.dropped.Add(1)
	metrics.NotifyEventsTotal.WithLabelValues("dropped").Inc()
}

// Stop publishes the queued events and closes the writer. Events arriving
// afterwards are dropped.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("kafka publisher drain: %w", ctx.Err())
	}
	if err := p.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}

	st := p.Stats()
	slog.Info("kafka replay publisher stopped",
		"published", st.Published,
		"dropped", st.Dropped,
		"errors", st.Errors)
	return nil
}

// Stats returns a snapshot of the counters.
func (p *KafkaPublisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Errors:    p.errors.Load(),
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, p.batchSize)
	for ev := range p.events {
		batch = append(batch[:0], p.message(ev))
	fill:
		for len(batch) < p.batchSize {
			select {
			case next, ok := <-p.events:
				if !ok {
					break fill
				}
				batch = append(batch, p.message(next))
			default:
				break fill
			}
		}
		p.write(batch)
	}
}

func (p *KafkaPublisher) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.errors.Add(uint64(len(batch)))
		metrics.NotifyEventsTotal.WithLabelValues("error").Add(float64(len(batch)))
		slog.Warn("kafka write failed", "topic", p.topic, "messages", len(batch), "error", err)
		return
	}
	p.published.Add(uint64(len(batch)))
	metrics.NotifyEventsTotal.WithLabelValues("published").Add(float64(len(batch)))
}

func (p *KafkaPublisher) message(ev replay.Event) kafka.Message {
	// Event only holds text-marshalable fields
	value, _ := json.Marshal(ev)
	return kafka.Message{
		Key:   []byte(ev.Peer.String()),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "cipher", Value: []byte(ev.Cipher.String())},
			{Key: "reason", Value: []byte(ev.Reason)},
		},
	}
}
