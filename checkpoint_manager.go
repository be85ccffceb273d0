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

const checkpointEventType = "ProjectionCheckpoint"
const checkpointLoadPageSize = 10

// CheckpointStats reports the manager's progress for the debug/statistics
// surface.
type CheckpointStats struct {
	LastCheckpointTag         CheckpointTag
	LastCheckpointEventNumber int64
	PendingSuggestion         bool
	Stopped                   bool
}

// PendingChecker reports whether any EmittedStream still has an unwritten
// event with caused_by_tag <= upTo. CoreProjection supplies this as a
// closure over the streams it owns.
type PendingChecker func(upTo CheckpointTag) bool

// CheckpointManagerCapability is the small interface CoreProjection drives:
// begin_load, begin_write (via Suggest/Stopping), stopped, get_stats. The
// two variants below (Default, Partitioned) implement it identically except
// for what gets written alongside the checkpoint event.
type CheckpointManagerCapability interface {
	BeginLoad(ctx context.Context) (CheckpointTag, string, error)
	Suggest(ctx context.Context, tag CheckpointTag, stateBlob string)
	Stopping(ctx context.Context, tag CheckpointTag, stateBlob string)
	OnEmitProgress(ctx context.Context)
	Stopped() bool
	Stats() CheckpointStats
}

// CheckpointManager persists a projection's logical position and user state
// to its checkpoint stream, gating writes on emit drain so a checkpoint at
// tag T never lands while an emit caused by an event <= T is unwritten.
type CheckpointManager struct {
	projectionName string
	log            eventlog.EventLog
	naming         NamingBuilder
	cache          *PartitionStateCache
	pendingCheck   PendingChecker
	tagCodec       TagCodec
	retry          RetryPolicy
	logger         Logger
	metrics        *metrics.Metrics
	tracer         *tracing.Tracer

	onRestartRequested func(error)
	onFatal            func(error)
	onCompleted        func(tag CheckpointTag)

	mu                        sync.Mutex
	lastCheckpointEventNumber int64
	pending                   *pendingCheckpoint
	writing                   bool
	stopping                  bool
	stopped                   bool
}

type pendingCheckpoint struct {
	tag       CheckpointTag
	stateBlob string
}

// CheckpointManagerOption configures a CheckpointManager.
type CheckpointManagerOption func(*CheckpointManager)

func WithCheckpointLogger(l Logger) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.logger = l }
}

func WithCheckpointRetryPolicy(p RetryPolicy) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.retry = p }
}

// WithCheckpointMetrics attaches a Metrics recorder: every checkpoint write
// attempt and the current pending-checkpoint lag are reported against it.
func WithCheckpointMetrics(m2 *metrics.Metrics) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.metrics = m2 }
}

// WithCheckpointTracer attaches a Tracer: each checkpoint write attempt is
// wrapped in a span.
func WithCheckpointTracer(t *tracing.Tracer) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.tracer = t }
}

func WithOnCheckpointRestartRequested(fn func(error)) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.onRestartRequested = fn }
}

func WithOnCheckpointFatal(fn func(error)) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.onFatal = fn }
}

func WithOnCheckpointCompleted(fn func(tag CheckpointTag)) CheckpointManagerOption {
	return func(m *CheckpointManager) { m.onCompleted = fn }
}

// NewCheckpointManager constructs the default (non-partitioned) checkpoint
// manager for projectionName.
func NewCheckpointManager(projectionName string, log eventlog.EventLog, naming NamingBuilder, cache *PartitionStateCache, pendingCheck PendingChecker, codec TagCodec, opts ...CheckpointManagerOption) *CheckpointManager {
	m := &CheckpointManager{
		projectionName:            projectionName,
		log:                       log,
		naming:                    naming,
		cache:                     cache,
		pendingCheck:              pendingCheck,
		tagCodec:                  codec,
		logger:                    noopLogger{},
		retry:                     ExponentialBackoffRetry(200*time.Millisecond, 30*time.Second),
		lastCheckpointEventNumber: int64(eventlog.NoStream) - 1,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BeginLoad reads the checkpoint stream backward in pages of 10, seeking
// the most recent ProjectionCheckpoint event. Absent stream or absent
// checkpoint both return the zero tag and empty state.
func (m *CheckpointManager) BeginLoad(ctx context.Context) (CheckpointTag, string, error) {
	stream := m.naming.CheckpointStream(m.projectionName)
	fromEventNumber := int64(-1)

	for {
		res, err := m.log.ReadStreamEventsBackward(ctx, stream, fromEventNumber, checkpointLoadPageSize)
		if err != nil {
			return ZeroTag(), "", err
		}
		switch res.Result {
		case eventlog.NoStreamResult:
			return ZeroTag(), "", nil
		case eventlog.Success:
		default:
			return ZeroTag(), "", ErrUnsupportedResult
		}
		for _, ev := range res.Events {
			if ev.EventType != checkpointEventType {
				continue
			}
			tagStr, ok := ev.Metadata[causedByTagMetadataKey]
			if !ok {
				continue
			}
			tag, ok := m.tagCodec.Decode(tagStr)
			if !ok {
				continue
			}
			m.mu.Lock()
			m.lastCheckpointEventNumber = ev.EventNumber
			m.mu.Unlock()
			return tag, string(ev.Data), nil
		}
		if len(res.Events) == 0 || res.NextEventNumber < 0 {
			return ZeroTag(), "", nil
		}
		fromEventNumber = res.NextEventNumber
	}
}

// Suggest records tag/stateBlob as a candidate checkpoint and attempts to
// write it immediately; if emits caused by events <= tag are still
// unwritten, the suggestion is parked until OnEmitProgress unparks it.
func (m *CheckpointManager) Suggest(ctx context.Context, tag CheckpointTag, stateBlob string) {
	m.mu.Lock()
	if m.pending == nil || tag.After(m.pending.tag) {
		m.pending = &pendingCheckpoint{tag: tag, stateBlob: stateBlob}
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetCheckpointLag(m.projectionName, int64(len(stateBlob)))
	}
	m.attemptWrite(ctx)
}

// Stopping requests a final checkpoint on the way to Stopped; Stopped()
// reports true once it lands.
func (m *CheckpointManager) Stopping(ctx context.Context, tag CheckpointTag, stateBlob string) {
	m.mu.Lock()
	m.stopping = true
	if m.pending == nil || tag.After(m.pending.tag) {
		m.pending = &pendingCheckpoint{tag: tag, stateBlob: stateBlob}
	}
	m.mu.Unlock()
	m.attemptWrite(ctx)
}

// OnEmitProgress re-evaluates a parked suggestion; call whenever an
// EmittedStream's idle state changes.
func (m *CheckpointManager) OnEmitProgress(ctx context.Context) {
	m.attemptWrite(ctx)
}

func (m *CheckpointManager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *CheckpointManager) Stats() CheckpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := CheckpointStats{
		LastCheckpointEventNumber: m.lastCheckpointEventNumber,
		PendingSuggestion:         m.pending != nil,
		Stopped:                   m.stopped,
	}
	if m.pending != nil {
		stats.LastCheckpointTag = m.pending.tag
	}
	return stats
}

func (m *CheckpointManager) attemptWrite(ctx context.Context) {
	m.mu.Lock()
	if m.writing || m.pending == nil {
		m.mu.Unlock()
		return
	}
	if m.pendingCheck != nil && m.pendingCheck(m.pending.tag) {
		m.mu.Unlock()
		return
	}
	target := *m.pending
	m.writing = true
	m.mu.Unlock()

	go m.writeCheckpoint(ctx, target)
}

func (m *CheckpointManager) writeCheckpoint(ctx context.Context, target pendingCheckpoint) {
	stream := m.naming.CheckpointStream(m.projectionName)
	attempt := 0
	for {
		m.mu.Lock()
		expected := m.lastCheckpointEventNumber
		m.mu.Unlock()

		spanCtx := ctx
		var span trace.Span
		if m.tracer != nil {
			spanCtx, span = m.tracer.StartCheckpointSpan(ctx, target.tag.String())
		}

		result, err := m.log.WriteEvents(spanCtx, stream, expected, []eventlog.EventData{{
			EventType: checkpointEventType,
			Data:      []byte(target.stateBlob),
			Metadata:  eventlog.Metadata{causedByTagMetadataKey: m.tagCodec.Encode(target.tag)},
		}})
		if err != nil {
			m.recordWrite(span, err)
			m.reportFatal(err)
			return
		}

		switch result.Result {
		case eventlog.Success:
			m.recordWrite(span, nil)
			m.mu.Lock()
			m.lastCheckpointEventNumber = result.FirstEventNumber
			if m.pending != nil && !m.pending.tag.After(target.tag) {
				m.pending = nil
			}
			m.writing = false
			if m.stopping && m.pending == nil {
				m.stopped = true
			}
			m.mu.Unlock()

			if m.metrics != nil {
				m.metrics.SetCheckpointLag(m.projectionName, 0)
			}
			m.cache.Unlock(target.tag)
			if m.onCompleted != nil {
				m.onCompleted(target.tag)
			}
			m.attemptWrite(ctx)
			return

		case eventlog.WrongExpectedVersion:
			err := NewConcurrencyViolationError(stream, target.tag, target.tag)
			m.recordWrite(span, err)
			m.mu.Lock()
			m.writing = false
			m.mu.Unlock()
			m.reportRestart(err)
			return

		case eventlog.PrepareTimeout, eventlog.ForwardTimeout, eventlog.CommitTimeout:
			m.recordWrite(span, ErrUnsupportedResult)
			m.logger.Warn("checkpoint write timeout, retrying", "stream", stream, "attempt", attempt)
			select {
			case <-time.After(m.retry.Delay(attempt)):
			case <-ctx.Done():
				return
			}
			attempt++
			continue

		default:
			m.recordWrite(span, ErrUnsupportedResult)
			m.mu.Lock()
			m.writing = false
			m.mu.Unlock()
			m.reportFatal(ErrUnsupportedResult)
			return
		}
	}
}

// recordWrite closes span (if tracing is enabled) and increments the
// checkpoint-write counter (if metrics is enabled) for one write attempt.
func (m *CheckpointManager) recordWrite(span trace.Span, err error) {
	if span != nil {
		tracing.EndWithResult(span, err)
	}
	if m.metrics != nil {
		m.metrics.RecordCheckpointWrite(m.projectionName, err)
	}
}

func (m *CheckpointManager) reportRestart(err error) {
	if m.onRestartRequested != nil {
		m.onRestartRequested(err)
	}
}

func (m *CheckpointManager) reportFatal(err error) {
	if m.onFatal != nil {
		m.onFatal(err)
	}
}

var _ CheckpointManagerCapability = (*CheckpointManager)(nil)
