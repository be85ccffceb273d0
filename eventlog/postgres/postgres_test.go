package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldstream/coreproj/eventlog"
)

func TestExtractCategory(t *testing.T) {
	assert.Equal(t, "order", extractCategory("order-1"))
	assert.Equal(t, "order", extractCategory("order-1-customer-2"))
	assert.Equal(t, "singleton", extractCategory("singleton"))
}

func TestIsNoRows(t *testing.T) {
	assert.False(t, isNoRows(nil))
	assert.False(t, isNoRows(errors.New("connection refused")))
	assert.True(t, isNoRows(errors.New("no rows in result set")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.True(t, isUniqueViolation(&pq.Error{Code: uniqueViolationCode}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "42601"}))
}

func TestMetadataJSON_RoundTrip(t *testing.T) {
	m := eventlog.Metadata{"caused_by_tag": "1:1"}
	b := metadataJSON(m)
	assert.Equal(t, m, metadataFromJSON(b))
}

func TestMetadataJSON_EmptyMetadata(t *testing.T) {
	assert.Equal(t, []byte("{}"), metadataJSON(nil))
	assert.Equal(t, eventlog.Metadata{}, metadataFromJSON(nil))
}

// getTestConnString returns a connection string for integration tests.
// Set TEST_DATABASE_URL to run these against a real PostgreSQL instance.
func getTestConnString(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	return connStr
}

func TestAdapter_Integration_WriteReadAndConcurrencyControl(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	connStr := getTestConnString(t)
	ctx := context.Background()

	schema := fmt.Sprintf("coreproj_test_%d", time.Now().UnixNano())
	a, err := NewAdapter(ctx, connStr, WithSchema(schema))
	require.NoError(t, err)
	defer a.Close()
	defer a.pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))

	require.NoError(t, a.Migrate(ctx))
	require.NoError(t, a.Ping(ctx))

	res, err := a.WriteEvents(ctx, "order-1", eventlog.NoStream, []eventlog.EventData{
		{EventType: "OrderPlaced", Data: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.Success, res.Result)
	assert.Equal(t, int64(1), res.FirstEventNumber)

	conflict, err := a.WriteEvents(ctx, "order-1", eventlog.NoStream, []eventlog.EventData{
		{EventType: "OrderPlaced", Data: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.WrongExpectedVersion, conflict.Result)

	read, err := a.ReadStreamEventsBackward(ctx, "order-1", -1, 10)
	require.NoError(t, err)
	require.Len(t, read.Events, 1)
	assert.Equal(t, "OrderPlaced", read.Events[0].EventType)
}
