package coreproj

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/foldstream/coreproj/eventlog"
)

// SubscriptionMessageKind tags the kind of message a Subscription publishes
// upward to CoreProjection, each carrying a monotonic sequence number the
// projection uses to detect gaps.
type SubscriptionMessageKind int

const (
	EventReceived SubscriptionMessageKind = iota
	ProgressChanged
	CheckpointSuggested
	EofReached
)

// SubscriptionMessage is one dispatch unit from Subscription to
// CoreProjection.
type SubscriptionMessage struct {
	Seq   uint64
	Kind  SubscriptionMessageKind
	Event Event         // valid when Kind == EventReceived
	Tag   CheckpointTag // valid when Kind == CheckpointSuggested
}

// Subscription wraps an EventReader (eventlog.EventLog.SubscribeFrom) and
// turns raw committed records into ordered, tagged, filtered
// SubscriptionMessages. It is a pure translation layer: it assigns tags,
// rejects replayed positions, applies the EventFilter, and tracks unhandled
// bytes toward a checkpoint suggestion.
type Subscription struct {
	log                 eventlog.EventLog
	tagger              PositionTagger
	filter              EventFilter
	logFilter           eventlog.Filter
	unhandledThreshold  int64
	stopOnEOF           bool

	publish func(SubscriptionMessage)

	mu             sync.Mutex
	lastDelivered  CheckpointTag
	unhandledBytes int64
	seq            uint64
	paused         atomic.Bool
	eofSent        bool

	sub    eventlog.Subscription
	cancel context.CancelFunc
}

// SubscriptionOption configures a Subscription.
type SubscriptionOption func(*Subscription)

func WithFilter(f EventFilter) SubscriptionOption {
	return func(s *Subscription) { s.filter = f }
}

func WithLogFilter(f eventlog.Filter) SubscriptionOption {
	return func(s *Subscription) { s.logFilter = f }
}

func WithUnhandledBytesThreshold(n int64) SubscriptionOption {
	return func(s *Subscription) { s.unhandledThreshold = n }
}

func WithStopOnEOF(v bool) SubscriptionOption {
	return func(s *Subscription) { s.stopOnEOF = v }
}

// NewSubscription constructs a Subscription publishing messages via
// publish. publish is called from the subscription's own read goroutine;
// callers must hand off to their single cooperative worker (e.g. via a
// channel or direct enqueue into a StagedQueue) rather than mutate shared
// state directly from within it.
func NewSubscription(log eventlog.EventLog, tagger PositionTagger, publish func(SubscriptionMessage), opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		log:                log,
		tagger:             tagger,
		filter:             AllFilter{},
		unhandledThreshold: 1 << 20,
		publish:            publish,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins delivering events from just after fromTag.
func (s *Subscription) Start(ctx context.Context, fromTag CheckpointTag) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastDelivered = fromTag

	pos := eventlog.Position{Commit: fromTag.Commit, Prepare: fromTag.Prepare}
	sub, err := s.log.SubscribeFrom(ctx, pos, s.logFilter)
	if err != nil {
		cancel()
		return err
	}
	s.sub = sub

	go s.loop(ctx)
	return nil
}

// Stop tears down the underlying live subscription.
func (s *Subscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}
}

// Pause and Resume implement backpressure: the StagedQueue's
// pending_events_threshold callback calls these to stop/restart the
// underlying reader without tearing down the subscription.
func (s *Subscription) Pause()  { s.paused.Store(true) }
func (s *Subscription) Resume() { s.paused.Store(false) }

func (s *Subscription) loop(ctx context.Context) {
	for {
		for s.paused.Load() {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		rec, eof, err := s.sub.Recv(ctx)
		if err != nil {
			return
		}
		if eof {
			s.mu.Lock()
			already := s.eofSent
			s.eofSent = true
			s.mu.Unlock()
			if s.stopOnEOF && !already {
				s.publish(SubscriptionMessage{Seq: s.nextSeq(), Kind: EofReached})
			}
			continue
		}

		s.deliver(rec)
	}
}

func (s *Subscription) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Subscription) deliver(rec eventlog.StoredEvent) {
	if !s.filter.AllowsSource(rec.StreamID, rec.Category) {
		return
	}

	s.mu.Lock()
	tag := s.tagger.Tag(coreRecord(rec), s.lastDelivered)
	if !tag.After(s.lastDelivered) {
		s.mu.Unlock()
		return // replay dedup: not strictly increasing
	}

	if !s.filter.AllowsEvent(coreRecord(rec)) {
		s.unhandledBytes += int64(len(rec.Data))
		suggest := s.unhandledBytes >= s.unhandledThreshold
		s.lastDelivered = tag
		s.mu.Unlock()
		if suggest {
			s.mu.Lock()
			s.unhandledBytes = 0
			s.mu.Unlock()
			s.publish(SubscriptionMessage{Seq: s.nextSeq(), Kind: CheckpointSuggested, Tag: tag})
		}
		return
	}

	s.lastDelivered = tag
	s.unhandledBytes += int64(len(rec.Data))
	suggest := s.unhandledBytes >= s.unhandledThreshold
	if suggest {
		s.unhandledBytes = 0
	}
	s.mu.Unlock()

	s.publish(SubscriptionMessage{
		Seq: s.nextSeq(),
		Kind: EventReceived,
		Event: Event{
			Tag:         tag,
			StreamID:    rec.StreamID,
			EventNumber: rec.EventNumber,
			EventType:   rec.EventType,
			Category:    rec.Category,
			EventID:     rec.EventID,
			Data:        rec.Data,
			Metadata:    Metadata(rec.Metadata),
		},
	})

	// a handled event can cross the unhandled-bytes threshold just as a
	// filtered-out one does: the threshold tracks bytes since the last
	// suggestion, not bytes skipped.
	if suggest {
		s.publish(SubscriptionMessage{Seq: s.nextSeq(), Kind: CheckpointSuggested, Tag: tag})
	}
}

func coreRecord(rec eventlog.StoredEvent) EventRecord {
	return EventRecord{
		StreamID:       rec.StreamID,
		EventNumber:    rec.EventNumber,
		GlobalPosition: rec.GlobalPosition,
		EventType:      rec.EventType,
		Category:       rec.Category,
		EventID:        rec.EventID,
		Data:           rec.Data,
		Metadata:       Metadata(rec.Metadata),
		Timestamp:      rec.Timestamp,
	}
}
