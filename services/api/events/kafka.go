package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
)

const (
	publishTimeout = 5 * time.Second
	queueSize      = 256
)

// messageWriter is the subset of *kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher emits one Kafka message per finished zone sync. Messages are keyed
// by zone id so a zone's events stay ordered within a partition.
//
// ZoneSynced only enqueues; a single goroutine drains the queue.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger

	queue  chan ingest.ZoneResult
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPublisher creates a producer for topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, logger, queueSize)
}

func newPublisher(w messageWriter, logger *slog.Logger, size int) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		writer: w,
		logger: logger,
		queue:  make(chan ingest.ZoneResult, size),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

func (p *Publisher) drain() {
	defer close(p.done)
	for result := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.Publish(ctx, result); err != nil {
			p.logger.Warn("sync event not published",
				"run_id", result.RunID, "zone_id", result.ZoneID, "error", err)
		}
		cancel()
	}
}

// Publish writes the zone result synchronously.
func (p *Publisher) Publish(ctx context.Context, result ingest.ZoneResult) error {
	msg, err := serializeToMessage(result)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write sync event: %w", err)
	}
	return nil
}

// ZoneSynced queues the result for publishing and returns immediately. When
// the queue is full, or the publisher is closed, the event is dropped and
// logged.
func (p *Publisher) ZoneSynced(_ context.Context, result ingest.ZoneResult) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("sync event dropped: publisher closed", "run_id", result.RunID, "zone_id", result.ZoneID)
		return
	}
	select {
	case p.queue <- result:
	default:
		p.logger.Warn("sync event dropped: queue full", "run_id", result.RunID, "zone_id", result.ZoneID)
	}
}

// Close publishes the queued events and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

func serializeToMessage(result ingest.ZoneResult) (kafkago.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize sync event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(result.ZoneID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(result.RunID)},
			{Key: "status", Value: []byte(result.Status)},
			{Key: "finished_at", Value: []byte(result.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}
