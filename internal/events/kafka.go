package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/qshield/internal/metrics"
)

var (
	ErrKafkaBacklog = errors.New("events: kafka producer queue full")
	ErrSinkClosed   = errors.New("events: sink closed")
)

// KafkaSink writes JSON events to one topic, keyed by address so a wallet's
// events stay ordered within a partition. Publish only enqueues; broker
// acks and failures are handled in the background.
type KafkaSink struct {
	topic  string
	p      sarama.AsyncProducer
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against sends on a closed input
	closed bool
	failed atomic.Int64
	done   chan struct{}
}

// NewKafkaSink connects an asynchronous producer. A nil cfg uses
// reliability-oriented defaults.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: no kafka brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("events: kafka topic empty")
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Retry.Max = 5
		cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	}
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer (used by tests).
func NewKafkaSinkWithProducer(p sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{topic: topic, p: p, logger: logger, done: make(chan struct{})}
	go s.drain()
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish enqueues ev without waiting for the broker. A full producer queue
// drops the event with ErrKafkaBacklog.
func (s *KafkaSink) Publish(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(ev.Type)},
		},
		Metadata: ev.ID,
	}
	if ev.Address != "" {
		msg.Key = sarama.StringEncoder(ev.Address)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.p.Input() <- msg:
		return nil
	default:
		return ErrKafkaBacklog
	}
}

// Failures returns how many enqueued events the broker never acknowledged.
func (s *KafkaSink) Failures() int64 { return s.failed.Load() }

// drain consumes producer results until both channels close.
func (s *KafkaSink) drain() {
	defer close(s.done)
	successes, errs := s.p.Successes(), s.p.Errors()
	for successes != nil || errs != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
			}
		case pe, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.failed.Add(1)
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "undelivered").Inc()
			s.logger.Warn("kafka delivery failed", "event_id", pe.Msg.Metadata, "error", pe.Err)
		}
	}
}

// Close flushes queued events and waits for their results.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.p.AsyncClose()
	<-s.done
	return nil
}
