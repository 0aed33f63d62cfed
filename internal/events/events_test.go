package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/metrics"
)

// memorySink records published events.
type memorySink struct {
	mu     sync.Mutex
	name   string
	err    error
	events []*Event
	closed bool
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Publish(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestNew(t *testing.T) {
	ev := New(TypeTransactionSubmitted, "0xABCDEF", map[string]string{"hash": "0x1"})
	assert.Equal(t, "0xabcdef", ev.Address)
	assert.Contains(t, ev.ID, "evt_")
	assert.False(t, ev.Timestamp.IsZero())
}

func TestMulti_PublishesToAll(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b", err: errors.New("down")}
	c := &memorySink{name: "c"}

	before := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("b", "error"))
	err := Multi{a, b, c}.Publish(context.Background(), New(TypeContractAnalyzed, "", nil))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, c.events, 1, "a failing sink does not stop later sinks")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("b", "error")))

	require.NoError(t, Multi{a, c}.Close())
	assert.True(t, a.closed)
	assert.True(t, c.closed)
}

func TestEmit_SwallowsErrors(t *testing.T) {
	Emit(context.Background(), nil, slog.Default(), New(TypeTransactionRejected, "", nil))
	Emit(context.Background(), &memorySink{name: "x", err: errors.New("boom")}, slog.Default(),
		New(TypeTransactionRejected, "", nil))
}

func TestKafkaSink_Publish(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Type != TypeTransactionSubmitted || got.Address != "0xabc" {
			return errors.New("unexpected event " + string(val))
		}
		return nil
	})
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "qshield.events", slog.Default())
	before := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("kafka", "undelivered"))

	require.NoError(t, sink.Publish(context.Background(), New(TypeTransactionSubmitted, "0xABC", map[string]any{"amount": "1"})))
	// A broker failure surfaces in the background, not to the caller.
	require.NoError(t, sink.Publish(context.Background(), New(TypeTransactionRejected, "0xABC", nil)))

	require.NoError(t, sink.Close())
	assert.Equal(t, int64(1), sink.Failures())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("kafka", "undelivered")))
}

// stalledProducer never consumes its input, like a producer whose brokers
// are unreachable and whose queue has filled.
type stalledProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errs      chan *sarama.ProducerError
}

func newStalledProducer() *stalledProducer {
	return &stalledProducer{
		input:     make(chan *sarama.ProducerMessage),
		successes: make(chan *sarama.ProducerMessage),
		errs:      make(chan *sarama.ProducerError),
	}
}

func (p *stalledProducer) Input() chan<- *sarama.ProducerMessage       { return p.input }
func (p *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return p.successes }
func (p *stalledProducer) Errors() <-chan *sarama.ProducerError      { return p.errs }
func (p *stalledProducer) AsyncClose() {
	close(p.successes)
	close(p.errs)
}

func TestKafkaSink_StalledBrokerDoesNotBlock(t *testing.T) {
	sink := NewKafkaSinkWithProducer(newStalledProducer(), "qshield.events", slog.Default())

	done := make(chan error, 1)
	go func() { done <- sink.Publish(context.Background(), New(TypeTransactionAnalyzed, "0xabc", nil)) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKafkaBacklog)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled producer")
	}
	require.NoError(t, sink.Close())
}

func TestKafkaSink_PublishAfterClose(t *testing.T) {
	sink := NewKafkaSinkWithProducer(mocks.NewAsyncProducer(t, nil), "qshield.events", nil)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Publish(context.Background(), New(TypeTransactionAnalyzed, "", nil)), ErrSinkClosed)
}

func TestKafkaSink_CancelledContext(t *testing.T) {
	sink := NewKafkaSinkWithProducer(mocks.NewAsyncProducer(t, nil), "qshield.events", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, New(TypeTransactionAnalyzed, "", nil)), context.Canceled)
	require.NoError(t, sink.Close())
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(nil, "topic", nil, nil)
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "", nil, nil)
	assert.Error(t, err)
}
