// Package memory provides an in-memory EventLog, primarily for tests and
// for running example projections without a database.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/google/uuid"
)

var _ eventlog.EventLog = (*Adapter)(nil)
var _ eventlog.HealthChecker = (*Adapter)(nil)

type streamData struct {
	version int64
	events  []eventlog.StoredEvent
}

// Adapter is a thread-safe, in-memory EventLog.
type Adapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalEvents   []eventlog.StoredEvent
	globalPosition int64
	closed         bool

	subscribersMu sync.Mutex
	subscribers   []*liveSub
}

// NewAdapter creates an empty in-memory EventLog.
func NewAdapter() *Adapter {
	return &Adapter{streams: make(map[string]*streamData)}
}

func extractCategory(streamID string) string {
	if i := strings.Index(streamID, "-"); i >= 0 {
		return streamID[:i]
	}
	return streamID
}

func (a *Adapter) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []eventlog.EventData) (eventlog.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.WriteResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return eventlog.WriteResult{Result: eventlog.ErrorResult}, nil
	}

	s, exists := a.streams[stream]
	currentVersion := int64(0)
	if exists {
		currentVersion = s.version
	}

	switch expectedVersion {
	case eventlog.AnyVersion:
		// no check
	case eventlog.NoStream:
		if exists {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	case eventlog.StreamExists:
		if !exists {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	default:
		if currentVersion != expectedVersion {
			return eventlog.WriteResult{Result: eventlog.WrongExpectedVersion}, nil
		}
	}

	if !exists {
		s = &streamData{}
		a.streams[stream] = s
	}

	now := time.Now()
	category := extractCategory(stream)
	first := s.version + 1
	for _, e := range events {
		a.globalPosition++
		s.version++
		id := e.EventID
		if id == "" {
			id = uuid.NewString()
		}
		stored := eventlog.StoredEvent{
			StreamID:       stream,
			EventNumber:    s.version,
			GlobalPosition: a.globalPosition,
			EventType:      e.EventType,
			Category:       category,
			EventID:        id,
			Data:           e.Data,
			Metadata:       e.Metadata,
			Timestamp:      now,
		}
		s.events = append(s.events, stored)
		a.globalEvents = append(a.globalEvents, stored)
	}

	a.notify(a.globalEvents[len(a.globalEvents)-len(events):])

	return eventlog.WriteResult{Result: eventlog.Success, FirstEventNumber: first}, nil
}

func (a *Adapter) ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (eventlog.ReadBackwardResult, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.ReadBackwardResult{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return eventlog.ReadBackwardResult{Result: eventlog.ErrorResult}, nil
	}

	s, exists := a.streams[stream]
	if !exists || len(s.events) == 0 {
		return eventlog.ReadBackwardResult{Result: eventlog.NoStreamResult}, nil
	}

	start := fromEventNumber
	if start < 0 || start > s.version {
		start = s.version
	}

	var out []eventlog.StoredEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < maxCount; i-- {
		if s.events[i].EventNumber <= start {
			out = append(out, s.events[i])
		}
	}

	next := int64(-1)
	if len(out) > 0 {
		next = out[len(out)-1].EventNumber - 1
	}

	return eventlog.ReadBackwardResult{Events: out, NextEventNumber: next, Result: eventlog.Success}, nil
}

type liveSub struct {
	ch     chan eventlog.StoredEvent
	closed chan struct{}
	once   sync.Once
}

func (s *liveSub) Recv(ctx context.Context) (eventlog.StoredEvent, bool, error) {
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

func (s *liveSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
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
	for _, c := range filter.Categories {
		if c == rec.Category {
			return true
		}
	}
	return false
}

func (a *Adapter) SubscribeFrom(ctx context.Context, position eventlog.Position, filter eventlog.Filter) (eventlog.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, eventlog.ErrUnknownResult
	}

	sub := &liveSub{ch: make(chan eventlog.StoredEvent, 256), closed: make(chan struct{})}

	var backlog []eventlog.StoredEvent
	for _, rec := range a.globalEvents {
		if rec.GlobalPosition > position.Commit && matches(filter, rec) {
			backlog = append(backlog, rec)
		}
	}
	a.subscribersMu.Lock()
	a.subscribers = append(a.subscribers, sub)
	a.subscribersMu.Unlock()
	a.mu.Unlock()

	go func() {
		for _, rec := range backlog {
			select {
			case sub.ch <- rec:
			case <-sub.closed:
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		a.removeSubscriber(sub)
		sub.Close()
	}()

	return sub, nil
}

func (a *Adapter) notify(events []eventlog.StoredEvent) {
	a.subscribersMu.Lock()
	defer a.subscribersMu.Unlock()
	for _, sub := range a.subscribers {
		for _, e := range events {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

func (a *Adapter) removeSubscriber(target *liveSub) {
	a.subscribersMu.Lock()
	defer a.subscribersMu.Unlock()
	for i, s := range a.subscribers {
		if s == target {
			a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
			return
		}
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return eventlog.ErrUnknownResult
	}
	return nil
}

// Close stops accepting writes and tears down live subscriptions.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.subscribersMu.Lock()
	for _, s := range a.subscribers {
		s.Close()
	}
	a.subscribers = nil
	a.subscribersMu.Unlock()
	return nil
}
