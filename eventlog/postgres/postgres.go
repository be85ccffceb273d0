// Package postgres provides a PostgreSQL-backed EventLog: an append-only
// events table with optimistic concurrency, backward paging reads, and a
// polling-based live subscription.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

var (
	_ eventlog.EventLog     = (*Adapter)(nil)
	_ eventlog.HealthChecker = (*Adapter)(nil)
	_ eventlog.Migrator      = (*Adapter)(nil)
)

// Adapter is a PostgreSQL EventLog backed by a pgx connection pool.
type Adapter struct {
	pool         *pgxpool.Pool
	schema       string
	pollInterval time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSchema sets the database schema name (default "coreproj").
func WithSchema(schema string) Option {
	return func(a *Adapter) { a.schema = schema }
}

// WithPollInterval sets how often SubscribeFrom polls for new rows when
// tailing the live end of the log (default 200ms).
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) { a.pollInterval = d }
}

// NewAdapter opens a pgx connection pool against connStr.
func NewAdapter(ctx context.Context, connStr string, opts ...Option) (*Adapter, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("coreproj/postgres: failed to open pool: %w", err)
	}
	a := &Adapter{pool: pool, schema: "coreproj", pollInterval: 200 * time.Millisecond}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Migrate creates the schema and tables this adapter needs.
func (a *Adapter) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.streams (
			stream_id  VARCHAR(500) PRIMARY KEY,
			category   VARCHAR(250) NOT NULL,
			version    BIGINT NOT NULL DEFAULT 0
		)`, a.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.events (
			global_position BIGSERIAL PRIMARY KEY,
			stream_id       VARCHAR(500) NOT NULL,
			event_number    BIGINT NOT NULL,
			event_id        VARCHAR(64) NOT NULL,
			event_type      VARCHAR(500) NOT NULL,
			data            BYTEA NOT NULL,
			metadata        JSONB,
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(stream_id, event_number)
		)`, a.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_events_stream ON %s.events(stream_id, event_number)`, a.schema, a.schema),
	}
	for _, s := range stmts {
		if _, err := a.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("coreproj/postgres: migrate: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func (a *Adapter) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []eventlog.EventData) (eventlog.WriteResult, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return eventlog.WriteResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentVersion int64
	var category string
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT version, category FROM %s.streams WHERE stream_id = $1 FOR UPDATE`, a.schema), stream).
		Scan(&currentVersion, &category)
	exists := err == nil
	if err != nil && !isNoRows(err) {
		return eventlog.WriteResult{}, err
	}

	switch expectedVersion {
	case eventlog.AnyVersion:
	case eventlog.NoStream:
		if exists {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	case eventlog.StreamExists:
		if !exists {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	default:
		if !exists || currentVersion != expectedVersion {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	}

	if !exists {
		category = extractCategory(stream)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.streams (stream_id, category, version) VALUES ($1, $2, 0)`, a.schema), stream, category); err != nil {
			if isUniqueViolation(err) {
				return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
			}
			return eventlog.WriteResult{}, err
		}
	}

	first := currentVersion + 1
	for _, e := range events {
		currentVersion++
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.events (stream_id, event_number, event_id, event_type, data, metadata) VALUES ($1,$2,$3,$4,$5,$6)`, a.schema),
			stream, currentVersion, e.EventID, e.EventType, e.Data, metadataJSON(e.Metadata)); err != nil {
			if isUniqueViolation(err) {
				return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
			}
			return eventlog.WriteResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s.streams SET version = $1 WHERE stream_id = $2`, a.schema), currentVersion, stream); err != nil {
		return eventlog.WriteResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
		return eventlog.WriteResult{}, err
	}

	return eventlog.WriteResult{Result: eventlog.Success, FirstEventNumber: first}, nil
}

func (a *Adapter) ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (eventlog.ReadBackwardResult, error) {
	from := fromEventNumber
	if from < 0 {
		if err := a.pool.QueryRow(ctx, fmt.Sprintf(`SELECT version FROM %s.streams WHERE stream_id = $1`, a.schema), stream).Scan(&from); err != nil {
			if isNoRows(err) {
				return eventlog.ReadBackwardResult{Result: eventlog.NoStreamResult}, nil
			}
			return eventlog.ReadBackwardResult{}, err
		}
	}

	rows, err := a.pool.Query(ctx, fmt.Sprintf(`
		SELECT e.stream_id, e.event_number, e.global_position, e.event_type, s.category, e.event_id, e.data, e.metadata, e.timestamp
		FROM %s.events e JOIN %s.streams s ON s.stream_id = e.stream_id
		WHERE e.stream_id = $1 AND e.event_number <= $2
		ORDER BY e.event_number DESC LIMIT $3`, a.schema, a.schema), stream, from, maxCount)
	if err != nil {
		return eventlog.ReadBackwardResult{}, err
	}
	defer rows.Close()

	var out []eventlog.StoredEvent
	for rows.Next() {
		var rec eventlog.StoredEvent
		var meta []byte
		if err := rows.Scan(&rec.StreamID, &rec.EventNumber, &rec.GlobalPosition, &rec.EventType, &rec.Category, &rec.EventID, &rec.Data, &meta, &rec.Timestamp); err != nil {
			return eventlog.ReadBackwardResult{}, err
		}
		rec.Metadata = metadataFromJSON(meta)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return eventlog.ReadBackwardResult{}, err
	}
	if len(out) == 0 {
		return eventlog.ReadBackwardResult{Result: eventlog.NoStreamResult}, nil
	}

	next := out[len(out)-1].EventNumber - 1
	if next < 0 {
		next = -1
	}
	return eventlog.ReadBackwardResult{Events: out, NextEventNumber: next, Result: eventlog.Success}, nil
}

// pollSubscription tails a\the events table by global_position on a
// timer, since the underlying protocol here is plain SQL rather than a
// push-based commit log.
type pollSubscription struct {
	adapter  *Adapter
	position int64
	filter   eventlog.Filter
	ch       chan eventlog.StoredEvent
	cancel   context.CancelFunc
}

func (s *pollSubscription) Recv(ctx context.Context) (eventlog.StoredEvent, bool, error) {
	select {
	case rec, ok := <-s.ch:
		if !ok {
			return eventlog.StoredEvent{}, true, nil
		}
		return rec, false, nil
	case <-ctx.Done():
		return eventlog.StoredEvent{}, false, ctx.Err()
	}
}

func (s *pollSubscription) Close() error {
	s.cancel()
	return nil
}

func (a *Adapter) SubscribeFrom(ctx context.Context, position eventlog.Position, filter eventlog.Filter) (eventlog.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{adapter: a, position: position.Commit, filter: filter, ch: make(chan eventlog.StoredEvent, 256), cancel: cancel}
	go sub.poll(subCtx)
	return sub, nil
}

func (s *pollSubscription) poll(ctx context.Context) {
	defer close(s.ch)
	ticker := time.NewTicker(s.adapter.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := s.adapter.pool.Query(ctx, fmt.Sprintf(`
				SELECT e.stream_id, e.event_number, e.global_position, e.event_type, s.category, e.event_id, e.data, e.metadata, e.timestamp
				FROM %s.events e JOIN %s.streams s ON s.stream_id = e.stream_id
				WHERE e.global_position > $1 ORDER BY e.global_position ASC LIMIT 500`, s.adapter.schema, s.adapter.schema), s.position)
			if err != nil {
				return
			}
			for rows.Next() {
				var rec eventlog.StoredEvent
				var meta []byte
				if err := rows.Scan(&rec.StreamID, &rec.EventNumber, &rec.GlobalPosition, &rec.EventType, &rec.Category, &rec.EventID, &rec.Data, &meta, &rec.Timestamp); err != nil {
					rows.Close()
					return
				}
				rec.Metadata = metadataFromJSON(meta)
				if !matches(s.filter, rec) {
					continue
				}
				s.position = rec.GlobalPosition
				select {
				case s.ch <- rec:
				case <-ctx.Done():
					rows.Close()
					return
				}
			}
			rows.Close()
		}
	}
}

func matches(filter eventlog.Filter, rec eventlog.StoredEvent) bool {
	if len(filter.Streams) == 0 && len(filter.Categories) == 0 {
		return true
	}
	for _, st := range filter.Streams {
		if st == rec.StreamID {
			return true
		}
	}
	for _, c := range filter.Categories {
		if c == rec.Category {
			return true
		}
	}
	return false
}

func extractCategory(streamID string) string {
	for i, r := range streamID {
		if r == '-' {
			return streamID[:i]
		}
	}
	return streamID
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}

// isUniqueViolation inspects the error chain for a postgres unique
// constraint violation using lib/pq's error code table, distinguishing a
// genuine WrongExpectedVersion race from any other write failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolationCode
	}
	return false
}

func metadataJSON(m eventlog.Metadata) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func metadataFromJSON(b []byte) eventlog.Metadata {
	m := eventlog.Metadata{}
	if len(b) < 2 {
		return m
	}
	_ = json.Unmarshal(b, &m)
	return m
}
