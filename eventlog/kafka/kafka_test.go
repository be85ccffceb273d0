package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/foldstream/coreproj/eventlog"
)

func TestNewAdapter_Defaults(t *testing.T) {
	a := NewAdapter("order-events")

	assert.Equal(t, "order-events", a.topic)
	assert.Equal(t, []string{"localhost:9092"}, a.brokers)
	assert.Equal(t, 10*time.Millisecond, a.batchTimeout)
	assert.IsType(t, &kafkago.LeastBytes{}, a.balancer)
}

func TestNewAdapter_AppliesOptions(t *testing.T) {
	a := NewAdapter("order-events", WithBrokers("broker-1:9092", "broker-2:9092"), WithBatchTimeout(50*time.Millisecond))

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, a.brokers)
	assert.Equal(t, 50*time.Millisecond, a.batchTimeout)
}

func TestAdapter_ReadStreamEventsBackward_AlwaysReportsNoStream(t *testing.T) {
	a := NewAdapter("order-events")

	res, err := a.ReadStreamEventsBackward(context.Background(), "order-1", -1, 10)
	require.NoError(t, err)
	assert.Equal(t, eventlog.NoStreamResult, res.Result)
}

func TestDecodeMessage_ExtractsHeadersAndPosition(t *testing.T) {
	msg := kafkago.Message{
		Value:  []byte(`{"total":1}`),
		Offset: 7,
		Headers: []kafkago.Header{
			{Key: headerStreamID, Value: []byte("order-1")},
			{Key: headerEventType, Value: []byte("OrderPlaced")},
			{Key: headerEventID, Value: []byte("evt-1")},
			{Key: headerCommit, Value: []byte("42")},
		},
	}

	rec := decodeMessage(msg)
	assert.Equal(t, "order-1", rec.StreamID)
	assert.Equal(t, "OrderPlaced", rec.EventType)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, int64(7), rec.GlobalPosition, "the offset is authoritative even when a commit header is present")
	assert.Equal(t, "42", rec.Metadata["commit"])
}

func TestMatches_ByStream(t *testing.T) {
	rec := eventlog.StoredEvent{StreamID: "order-1"}

	assert.True(t, matches(eventlog.Filter{}, rec), "an empty filter passes everything")
	assert.True(t, matches(eventlog.Filter{Streams: []string{"order-1"}}, rec))
	assert.False(t, matches(eventlog.Filter{Streams: []string{"invoice-1"}}, rec))
}

// getTestBrokers returns a comma-separated broker list for integration
// tests. Set TEST_KAFKA_BROKERS to run these against a real Kafka cluster.
func getTestBrokers(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("TEST_KAFKA_BROKERS")
	if raw == "" {
		t.Skip("TEST_KAFKA_BROKERS not set, skipping integration test")
	}
	return strings.Split(raw, ",")
}

func TestAdapter_Integration_WriteAndSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	brokers := getTestBrokers(t)
	topic := "coreproj-test-events"
	a := NewAdapter(topic, WithBrokers(brokers...))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := a.WriteEvents(ctx, "order-1", eventlog.AnyVersion, []eventlog.EventData{
		{EventType: "OrderPlaced", EventID: "evt-1", Data: []byte(`{}`)},
	})
	require.NoError(t, err)

	sub, err := a.SubscribeFrom(ctx, eventlog.Position{Commit: -1}, eventlog.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	rec, eof, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "order-1", rec.StreamID)
}
