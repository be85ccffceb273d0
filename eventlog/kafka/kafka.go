// Package kafka provides an EventLog whose commit log is a Kafka topic.
// Each message carries its stream ID, event type, event ID and any
// "commit"/"prepare" metadata as headers. A record's GlobalPosition is its
// topic offset, so a Subscription picks up mid-topic, just after its
// starting position, without external bookkeeping.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/foldstream/coreproj/eventlog"
	kafkago "github.com/segmentio/kafka-go"
)

var _ eventlog.EventLog = (*Adapter)(nil)

const (
	headerStreamID    = "stream_id"
	headerEventNumber = "event_number"
	headerEventType   = "event_type"
	headerEventID     = "event_id"
	headerCommit      = "commit"
	headerPrepare     = "prepare"
)

// Adapter tails a Kafka topic standing in for the commit log. It supports
// SubscribeFrom for live/replay reads; WriteEvents publishes without an
// optimistic-concurrency check (Kafka has no compare-and-append primitive),
// so it never reports WrongExpectedVersion and does not protect checkpoint
// or emitted streams against concurrent writers.
type Adapter struct {
	brokers      []string
	topic        string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithBrokers(brokers ...string) Option {
	return func(a *Adapter) { a.brokers = brokers }
}

func WithBalancer(b kafkago.Balancer) Option {
	return func(a *Adapter) { a.balancer = b }
}

func WithBatchTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.batchTimeout = d }
}

// NewAdapter constructs an Adapter tailing topic.
func NewAdapter(topic string, opts ...Option) *Adapter {
	a := &Adapter{
		topic:        topic,
		balancer:     &kafkago.LeastBytes{},
		batchTimeout: 10 * time.Millisecond,
		brokers:      []string{"localhost:9092"},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) writer() *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(a.brokers...),
		Topic:        a.topic,
		Balancer:     a.balancer,
		BatchTimeout: a.batchTimeout,
	}
}

func (a *Adapter) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []eventlog.EventData) (eventlog.WriteResult, error) {
	w := a.writer()
	defer w.Close()

	msgs := make([]kafkago.Message, len(events))
	for i, e := range events {
		msgs[i] = kafkago.Message{
			Key:   []byte(stream),
			Value: e.Data,
			Headers: []kafkago.Header{
				{Key: headerStreamID, Value: []byte(stream)},
				{Key: headerEventType, Value: []byte(e.EventType)},
				{Key: headerEventID, Value: []byte(e.EventID)},
				{Key: headerCommit, Value: []byte(e.Metadata["commit"])},
				{Key: headerPrepare, Value: []byte(e.Metadata["prepare"])},
			},
		}
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("coreproj/kafka: write: %w", err)
	}
	return eventlog.WriteResult{Result: eventlog.Success}, nil
}

// ReadStreamEventsBackward is not meaningfully supported over a Kafka
// topic without an external index; it always reports NoStream so callers
// fall back to treating the stream as freshly started. Kafka is wired here
// for its SubscribeFrom strength, not as a checkpoint/emit target.
func (a *Adapter) ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (eventlog.ReadBackwardResult, error) {
	return eventlog.ReadBackwardResult{Result: eventlog.NoStreamResult}, nil
}

type kafkaSubscription struct {
	reader *kafkago.Reader
	filter eventlog.Filter
}

func (s *kafkaSubscription) Recv(ctx context.Context) (eventlog.StoredEvent, bool, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			return eventlog.StoredEvent{}, false, err
		}
		rec := decodeMessage(msg)
		if !matches(s.filter, rec) {
			continue
		}
		return rec, false, nil
	}
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}

func (a *Adapter) SubscribeFrom(ctx context.Context, position eventlog.Position, filter eventlog.Filter) (eventlog.Subscription, error) {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: a.brokers,
		Topic:   a.topic,
	})
	if position.Commit >= 0 {
		// positions are topic offsets (see decodeMessage): resume after it
		if err := reader.SetOffset(position.Commit + 1); err != nil {
			// fall back to earliest offset if the position can't be resolved
			_ = reader.SetOffset(0)
		}
	}
	return &kafkaSubscription{reader: reader, filter: filter}, nil
}

func decodeMessage(msg kafkago.Message) eventlog.StoredEvent {
	rec := eventlog.StoredEvent{
		Data:      msg.Value,
		Timestamp: msg.Time,
		Metadata:  eventlog.Metadata{},
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerStreamID:
			rec.StreamID = string(h.Value)
		case headerEventType:
			rec.EventType = string(h.Value)
		case headerEventID:
			rec.EventID = string(h.Value)
		case headerCommit:
			rec.Metadata["commit"] = string(h.Value)
		case headerPrepare:
			rec.Metadata["prepare"] = string(h.Value)
		}
	}
	if v, ok := rec.Metadata["commit"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.GlobalPosition = n
		}
	}
	rec.GlobalPosition = int64(msg.Offset)
	return rec
}

func matches(filter eventlog.Filter, rec eventlog.StoredEvent) bool {
	if len(filter.Streams) == 0 && len(filter.Categories) == 0 {
		return true
	}
	for _, s := range filter.Streams {
		if s == rec.StreamID {
			return true
		}
	}
	return false
}
