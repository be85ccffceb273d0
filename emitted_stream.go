package coreproj

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/foldstream/coreproj/metrics"
	"github.com/foldstream/coreproj/tracing"
)

const (
	causedByTagMetadataKey = "caused_by_tag"
	defaultReadPageSize    = 200
)

type seenEvent struct {
	tag         CheckpointTag
	eventType   string
	eventNumber int64
}

// EmittedStream delivers batches of EmittedEvents to one target stream in
// caused_by_tag order, idempotently under restart, and detects writers
// outside this runtime. One EmittedStream exists per target stream the
// handler writes to, created lazily on first emit and torn down with the
// owning CoreProjection.
type EmittedStream struct {
	targetStream string
	log          eventlog.EventLog
	tagCodec     TagCodec
	logger       Logger
	retry        RetryPolicy
	maxBatch     int
	projection   string
	metrics      *metrics.Metrics
	tracer       *tracing.Tracer

	onRestartRequested func(reason error)
	onFatal            func(err error)
	onIdleChanged      func(idle bool)

	mu                   sync.Mutex
	recovering           bool
	started              bool
	disposed             bool
	seenStack            []seenEvent
	lastCommittedTag     CheckpointTag
	hasLastCommitted     bool
	lastKnownEventNumber int64
	lastSubmittedTag     CheckpointTag
	hasLastSubmitted     bool
	pending              []*EmittedEvent
	writing              bool
}

// EmittedStreamOption configures an EmittedStream.
type EmittedStreamOption func(*EmittedStream)

func WithEmitLogger(l Logger) EmittedStreamOption {
	return func(s *EmittedStream) { s.logger = l }
}

func WithEmitRetryPolicy(p RetryPolicy) EmittedStreamOption {
	return func(s *EmittedStream) { s.retry = p }
}

func WithMaxWriteBatchLength(n int) EmittedStreamOption {
	return func(s *EmittedStream) { s.maxBatch = n }
}

// WithEmitProjectionName sets the projection name attached to metrics and
// span attributes for this stream.
func WithEmitProjectionName(name string) EmittedStreamOption {
	return func(s *EmittedStream) { s.projection = name }
}

// WithEmitMetrics attaches a Metrics recorder: every batch write attempt is
// reported against it.
func WithEmitMetrics(m *metrics.Metrics) EmittedStreamOption {
	return func(s *EmittedStream) { s.metrics = m }
}

// WithEmitTracer attaches a Tracer: each batch write attempt is wrapped in a
// span.
func WithEmitTracer(t *tracing.Tracer) EmittedStreamOption {
	return func(s *EmittedStream) { s.tracer = t }
}

func WithOnRestartRequested(fn func(reason error)) EmittedStreamOption {
	return func(s *EmittedStream) { s.onRestartRequested = fn }
}

func WithOnFatal(fn func(err error)) EmittedStreamOption {
	return func(s *EmittedStream) { s.onFatal = fn }
}

func WithOnIdleChanged(fn func(idle bool)) EmittedStreamOption {
	return func(s *EmittedStream) { s.onIdleChanged = fn }
}

// NewEmittedStream constructs a writer for targetStream. Call Start before
// submitting any emits.
func NewEmittedStream(targetStream string, log eventlog.EventLog, codec TagCodec, opts ...EmittedStreamOption) *EmittedStream {
	s := &EmittedStream{
		targetStream:         targetStream,
		log:                  log,
		tagCodec:             codec,
		logger:               noopLogger{},
		retry:                ExponentialBackoffRetry(200*time.Millisecond, 30*time.Second),
		maxBatch:             500,
		lastKnownEventNumber: int64(eventlog.NoStream) - 1,
		recovering:           true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TagCodec (de)serializes a CheckpointTag to/from event metadata, so the
// recovery scan can recognize events this runtime previously wrote.
type TagCodec interface {
	Encode(tag CheckpointTag) string
	Decode(s string) (CheckpointTag, bool)
}

// Start runs the recovery protocol: read the target stream backward,
// collecting already-committed events carrying a caused_by_tag into the
// seen stack, until an event without one is found or the stream start is
// reached.
func (s *EmittedStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	fromEventNumber := int64(-1)
	var stack []seenEvent
	var lastCommitted CheckpointTag
	haveLastCommitted := false
	lastKnown := int64(eventlog.NoStream) - 1

scan:
	for {
		res, err := s.log.ReadStreamEventsBackward(ctx, s.targetStream, fromEventNumber, defaultReadPageSize)
		if err != nil {
			return err
		}
		switch res.Result {
		case eventlog.NoStreamResult:
			break scan
		case eventlog.Success:
			// fall through
		default:
			return ErrUnsupportedResult
		}
		if len(res.Events) == 0 {
			break scan
		}
		for _, ev := range res.Events {
			tagStr, ok := ev.Metadata[causedByTagMetadataKey]
			if !ok {
				break scan
			}
			tag, ok := s.tagCodec.Decode(tagStr)
			if !ok {
				break scan
			}
			if !haveLastCommitted {
				lastCommitted = tag
				lastKnown = ev.EventNumber
				haveLastCommitted = true
			}
			stack = append(stack, seenEvent{tag: tag, eventType: ev.EventType, eventNumber: ev.EventNumber})
		}
		if res.NextEventNumber < 0 {
			break scan
		}
		fromEventNumber = res.NextEventNumber
	}

	s.mu.Lock()
	s.seenStack = stack
	s.lastCommittedTag = lastCommitted
	s.hasLastCommitted = haveLastCommitted
	if haveLastCommitted {
		s.lastKnownEventNumber = lastKnown
		// seed the concurrency-check baseline from what recovery found, so
		// the first Submit after a restart still rejects an expected_tag
		// that lags behind what this stream already committed.
		s.lastSubmittedTag = lastCommitted
		s.hasLastSubmitted = true
	}
	s.recovering = len(stack) > 0
	s.mu.Unlock()

	return nil
}

// IsIdle reports whether no writes are pending and no request is
// in-flight; the CheckpointManager uses this to decide when a checkpoint
// may proceed.
func (s *EmittedStream) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && !s.writing
}

// PendingUpTo reports whether any submitted-but-unwritten event has a
// caused_by_tag <= upTo.
func (s *EmittedStream) PendingUpTo(upTo CheckpointTag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pending {
		if !e.CausedByTag.After(upTo) {
			return true
		}
	}
	return false
}

// Submit hands one emitted event to the stream. It is processed against
// the seen stack during recovery, or queued for batched write once live.
func (s *EmittedStream) Submit(ctx context.Context, e *EmittedEvent) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	if s.hasLastSubmitted && e.HasExpected && e.ExpectedTag.Before(s.lastSubmittedTag) {
		s.mu.Unlock()
		s.reportRestart(NewConcurrencyViolationError(s.targetStream, e.ExpectedTag, s.lastSubmittedTag))
		return
	}
	s.lastSubmittedTag = e.CausedByTag
	s.hasLastSubmitted = true

	if s.recovering && s.hasLastCommitted && !e.CausedByTag.After(s.lastCommittedTag) {
		if len(s.seenStack) == 0 {
			s.mu.Unlock()
			s.reportFatal(NewRecoveryMismatchError(s.targetStream, CheckpointTag{}, e.CausedByTag, "", e.EventType))
			return
		}
		top := s.seenStack[len(s.seenStack)-1]
		if !top.tag.Equal(e.CausedByTag) || top.eventType != e.EventType {
			s.mu.Unlock()
			s.reportFatal(NewRecoveryMismatchError(s.targetStream, top.tag, e.CausedByTag, top.eventType, e.EventType))
			return
		}
		s.seenStack = s.seenStack[:len(s.seenStack)-1]
		if len(s.seenStack) == 0 {
			s.recovering = false
		}
		s.mu.Unlock()
		if e.OnCommitted != nil {
			e.OnCommitted(top.eventNumber)
		}
		return
	}

	s.recovering = false
	s.pending = append(s.pending, e)
	idle := false
	s.mu.Unlock()
	s.notifyIdle(idle)
	s.pump(ctx)
}

func (s *EmittedStream) pump(ctx context.Context) {
	s.mu.Lock()
	if s.writing || s.disposed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.pending)
	if n > s.maxBatch {
		n = s.maxBatch
	}
	batch := make([]*EmittedEvent, n)
	copy(batch, s.pending[:n])
	s.writing = true
	s.mu.Unlock()

	go s.writeBatch(ctx, batch)
}

func (s *EmittedStream) writeBatch(ctx context.Context, batch []*EmittedEvent) {
	attempt := 0
	for {
		s.mu.Lock()
		expected := s.lastKnownEventNumber
		disposed := s.disposed
		s.mu.Unlock()
		if disposed {
			return
		}

		records := make([]eventlog.EventData, len(batch))
		for i, e := range batch {
			records[i] = eventlog.EventData{
				EventID:   e.EventID,
				EventType: e.EventType,
				Data:      e.Data,
				Metadata:  eventlog.Metadata{causedByTagMetadataKey: s.tagCodec.Encode(e.CausedByTag)},
			}
		}

		spanCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			spanCtx, span = s.tracer.StartEmitSpan(ctx, s.targetStream, len(batch))
		}

		result, err := s.log.WriteEvents(spanCtx, s.targetStream, expected, records)
		s.mu.Lock()
		disposed = s.disposed
		s.mu.Unlock()
		if disposed {
			s.recordWrite(span, len(batch), err)
			return
		}
		if err != nil {
			s.recordWrite(span, len(batch), err)
			s.reportFatal(err)
			return
		}

		switch result.Result {
		case eventlog.Success:
			s.recordWrite(span, len(batch), nil)
			s.mu.Lock()
			n := result.FirstEventNumber
			for _, e := range batch {
				e2 := e
				num := n
				n++
				go func() {
					if e2.OnCommitted != nil {
						e2.OnCommitted(num)
					}
				}()
			}
			s.lastKnownEventNumber = n - 1
			s.pending = s.pending[len(batch):]
			s.writing = false
			remaining := len(s.pending)
			s.mu.Unlock()
			s.notifyIdle(remaining == 0)
			s.pump(ctx)
			return

		case eventlog.WrongExpectedVersion:
			err := NewConcurrencyViolationError(s.targetStream, CheckpointTag{}, CheckpointTag{})
			s.recordWrite(span, len(batch), err)
			s.mu.Lock()
			s.writing = false
			s.mu.Unlock()
			s.reportRestart(err)
			return

		case eventlog.PrepareTimeout, eventlog.ForwardTimeout, eventlog.CommitTimeout:
			s.recordWrite(span, len(batch), ErrUnsupportedResult)
			s.logger.Warn("emit write timeout, retrying", "stream", s.targetStream, "attempt", attempt)
			select {
			case <-time.After(s.retry.Delay(attempt)):
			case <-ctx.Done():
				return
			}
			attempt++
			continue

		default:
			s.recordWrite(span, len(batch), ErrUnsupportedResult)
			s.mu.Lock()
			s.writing = false
			s.mu.Unlock()
			s.reportFatal(ErrUnsupportedResult)
			return
		}
	}
}

// recordWrite closes span (if tracing is enabled) and records the batch
// size/outcome (if metrics is enabled) for one write attempt.
func (s *EmittedStream) recordWrite(span trace.Span, size int, err error) {
	if span != nil {
		tracing.EndWithResult(span, err)
	}
	if s.metrics != nil {
		s.metrics.ObserveEmitBatch(s.projection, s.targetStream, size, err)
	}
}

func (s *EmittedStream) reportRestart(err error) {
	if s.onRestartRequested != nil {
		s.onRestartRequested(err)
	}
}

func (s *EmittedStream) reportFatal(err error) {
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

func (s *EmittedStream) notifyIdle(idle bool) {
	if s.onIdleChanged != nil {
		s.onIdleChanged(idle)
	}
}

// Dispose marks the stream disposed; late write completions are dropped.
func (s *EmittedStream) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}
