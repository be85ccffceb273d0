package coreproj

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/foldstream/coreproj/metrics"
	"github.com/foldstream/coreproj/notify/sns"
	"github.com/foldstream/coreproj/tracing"
)

// LifecycleState enumerates the states a CoreProjection moves through.
type LifecycleState string

const (
	Initial               LifecycleState = "initial"
	LoadStateRequested    LifecycleState = "load_state_requested"
	StateLoadedSubscribed LifecycleState = "state_loaded_subscribed"
	Running               LifecycleState = "running"
	Stopping              LifecycleState = "stopping"
	Stopped               LifecycleState = "stopped"
	FaultedStopping       LifecycleState = "faulted_stopping"
	Faulted               LifecycleState = "faulted"
)

// Stats mirrors the upward StatisticsReport management message: a snapshot
// of a running projection's progress, returned by GetStats.
type Stats struct {
	Name           string
	State          LifecycleState
	LastTag        CheckpointTag
	PendingEvents  int
	FaultedReason  string
	PartitionCount int
}

// DebugState mirrors the upward DebugState management message: the events
// this projection has processed most recently, for operator inspection.
type DebugState struct {
	Name   string
	Events []Event
}

const debugRingSize = 50

// CoreProjectionOption configures a CoreProjection.
type CoreProjectionOption func(*CoreProjection)

func WithProjectionLogger(l Logger) CoreProjectionOption {
	return func(p *CoreProjection) { p.logger = l }
}

func WithNamingBuilder(n NamingBuilder) CoreProjectionOption {
	return func(p *CoreProjection) { p.naming = n }
}

func WithStartOnLoad(v bool) CoreProjectionOption {
	return func(p *CoreProjection) { p.startOnLoad = v }
}

func WithPartitionResolver(r PartitionResolver) CoreProjectionOption {
	return func(p *CoreProjection) { p.partitionResolver = r }
}

func WithPendingEventsThreshold(n int) CoreProjectionOption {
	return func(p *CoreProjection) { p.pendingThreshold = n }
}

func WithUnhandledBytesThresholdOption(n int64) CoreProjectionOption {
	return func(p *CoreProjection) { p.unhandledBytesThreshold = n }
}

func WithTagCodecOption(c TagCodec) CoreProjectionOption {
	return func(p *CoreProjection) { p.tagCodec = c }
}

func WithFilterOption(f EventFilter) CoreProjectionOption {
	return func(p *CoreProjection) { p.filter = f }
}

func WithLogFilterOption(f eventlog.Filter) CoreProjectionOption {
	return func(p *CoreProjection) { p.logFilter = f }
}

func WithPartitioned(v bool) CoreProjectionOption {
	return func(p *CoreProjection) { p.partitioned = v }
}

// WithMetrics attaches a Metrics recorder: stage durations, event outcomes,
// queue depth, partition cache size, restarts, and faults are all reported
// against it, and it is threaded down into the CheckpointManager and every
// EmittedStream this projection creates.
func WithMetrics(m *metrics.Metrics) CoreProjectionOption {
	return func(p *CoreProjection) { p.metrics = m }
}

// WithTracer attaches a Tracer: process-event, checkpoint-write, and
// emit-batch spans are opened around their respective operations.
func WithTracer(t *tracing.Tracer) CoreProjectionOption {
	return func(p *CoreProjection) { p.tracer = t }
}

// WithNotifier attaches an SNS publisher: checkpoint completion, restart,
// and fault transitions are published to it for external alerting.
func WithNotifier(n *sns.Publisher) CoreProjectionOption {
	return func(p *CoreProjection) { p.notifier = n }
}

// CoreProjection is the lifecycle state machine that drives one projection:
// it owns a PartitionStateCache, a CheckpointManager, a StagedQueue, a
// Subscription, and a dynamic set of EmittedStreams (one per target stream
// the handler writes to, created lazily and torn down with the projection).
//
// All state transitions and stage dispatch happen on a single goroutine
// (run), matching the single-threaded cooperative scheduling model: the
// only concurrency is the async read/write requests issued to the event
// log, whose completions are marshalled back onto that goroutine via
// msgCh.
type CoreProjection struct {
	name string
	log  eventlog.EventLog

	logger                  Logger
	naming                  NamingBuilder
	startOnLoad             bool
	partitionResolver       PartitionResolver
	pendingThreshold        int
	unhandledBytesThreshold int64
	tagCodec                TagCodec
	filter                  EventFilter
	logFilter               eventlog.Filter
	partitioned             bool
	metrics                 *metrics.Metrics
	tracer                  *tracing.Tracer
	notifier                *sns.Publisher

	handler UserHandler

	mu             sync.Mutex
	state          LifecycleState
	expectedSeq    uint64
	tickScheduled  bool
	faultedReason  string
	lastTag        CheckpointTag
	debugRing      []Event
	emits          map[string]*EmittedStream

	cache      *PartitionStateCache
	checkpoint CheckpointManagerCapability
	queue      *StagedQueue
	sub        *Subscription

	msgCh   chan func(ctx context.Context)
	stopCh  chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewCoreProjection constructs a CoreProjection. Call Start to enter the
// lifecycle.
func NewCoreProjection(name string, log eventlog.EventLog, handler UserHandler, tagger PositionTagger, opts ...CoreProjectionOption) *CoreProjection {
	p := &CoreProjection{
		name:                    name,
		log:                     log,
		handler:                 handler,
		logger:                  noopLogger{},
		naming:                  DefaultNamingBuilder{},
		startOnLoad:             true,
		partitionResolver:       RootPartitionResolver{},
		pendingThreshold:        1000,
		unhandledBytesThreshold: 1 << 20,
		tagCodec:                DefaultTagCodec{},
		filter:                  AllFilter{},
		state:                   Initial,
		emits:                   make(map[string]*EmittedStream),
		msgCh:                   make(chan func(context.Context), 256),
		stopCh:                  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	p.cache = NewPartitionStateCache()
	p.queue = NewStagedQueue(p.pendingThreshold)
	p.queue.SetStage(StageResolvePartition, p.stageResolvePartition)
	p.queue.SetStage(StageLoadState, p.stageLoadState)
	p.queue.SetStage(StageProcessEvent, p.stageProcessEvent)
	p.queue.SetStage(StageWriteOutput, p.stageWriteOutput)

	base := NewCheckpointManager(name, log, p.naming, p.cache, p.pendingUpTo, p.tagCodec,
		WithOnCheckpointRestartRequested(func(err error) { p.requestRestart(err) }),
		WithOnCheckpointFatal(func(err error) { p.fault(err) }),
		WithOnCheckpointCompleted(func(tag CheckpointTag) { p.onCheckpointCompleted(tag) }),
		WithCheckpointMetrics(p.metrics),
		WithCheckpointTracer(p.tracer),
	)
	if p.partitioned {
		p.checkpoint = NewPartitionedCheckpointManager(base, name, log, p.naming, p.tagCodec)
	} else {
		p.checkpoint = base
	}

	tagger = orDefaultTagger(tagger)
	p.sub = NewSubscription(log, tagger, p.onSubscriptionMessage,
		WithFilter(p.filter),
		WithLogFilter(p.logFilter),
		WithUnhandledBytesThreshold(p.unhandledBytesThreshold),
		WithStopOnEOF(false),
	)
	p.queue.OnBackpressure(func(_ int, overThreshold bool) {
		if overThreshold {
			p.sub.Pause()
		} else {
			p.sub.Resume()
		}
	})

	return p
}

func orDefaultTagger(t PositionTagger) PositionTagger {
	if t == nil {
		return NewAllStreamTagger()
	}
	return t
}

// Start moves the projection Initial -> LoadStateRequested and begins the
// run loop. A second Start on an already-started projection is an
// invariant violation, not a no-op.
func (p *CoreProjection) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		p.fault(fmt.Errorf("%w: stream is already started", ErrAlreadyStarted))
		return ErrAlreadyStarted
	}

	p.wg.Add(1)
	go p.run(ctx)

	p.enqueue(func(ctx context.Context) { p.beginLoad(ctx) })
	return nil
}

// Stop requests the projection transition to Stopping; it settles at
// Stopped once the CheckpointManager reports no pending writes.
func (p *CoreProjection) Stop() {
	p.enqueue(func(ctx context.Context) { p.beginStop(ctx) })
}

// Wait blocks until the run loop exits.
func (p *CoreProjection) Wait() {
	p.wg.Wait()
}

func (p *CoreProjection) enqueue(fn func(context.Context)) {
	select {
	case p.msgCh <- fn:
	case <-p.stopCh:
	}
}

func (p *CoreProjection) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.msgCh:
			fn(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *CoreProjection) setState(s LifecycleState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *CoreProjection) State() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *CoreProjection) beginLoad(ctx context.Context) {
	p.setState(LoadStateRequested)
	if err := p.handler.Initialize(ctx); err != nil {
		p.fault(NewHandlerError("initialize", err))
		return
	}
	tag, stateBlob, err := p.checkpoint.BeginLoad(ctx)
	if err != nil {
		p.fault(err)
		return
	}
	p.checkpointLoaded(ctx, tag, stateBlob)
}

func (p *CoreProjection) checkpointLoaded(ctx context.Context, tag CheckpointTag, stateBlob string) {
	if p.State() != LoadStateRequested {
		p.fault(fmt.Errorf("%w: checkpoint_loaded delivered outside LoadStateRequested", ErrInvariantViolation))
		return
	}
	if tag.IsZero() {
		tag = ZeroTag()
	}
	if err := p.handler.Load(ctx, RootPartition, stateBlob); err != nil {
		p.fault(NewHandlerError("load", err))
		return
	}
	p.cache.CacheAndLock(RootPartition, PartitionState{DataBlob: stateBlob, CausedByTag: tag}, tag)

	p.mu.Lock()
	p.lastTag = tag
	p.mu.Unlock()

	if err := p.sub.Start(ctx, tag); err != nil {
		p.fault(err)
		return
	}
	p.setState(StateLoadedSubscribed)

	if p.startOnLoad {
		p.setState(Running)
	} else {
		p.setState(Stopped)
	}
}

func (p *CoreProjection) beginStop(ctx context.Context) {
	st := p.State()
	if st != Running && st != StateLoadedSubscribed {
		return
	}
	p.setState(Stopping)
	p.sub.Stop()

	p.mu.Lock()
	tag := p.lastTag
	p.mu.Unlock()
	state, _ := p.cache.GetLocked(RootPartition)
	p.checkpoint.Stopping(ctx, tag, state.DataBlob)
	p.maybeSettleStopped()
}

func (p *CoreProjection) maybeSettleStopped() {
	if p.State() == Stopping && p.checkpoint.Stopped() {
		p.setState(Stopped)
	}
}

// onSubscriptionMessage is invoked from the Subscription's own goroutine;
// it hands off to the projection's single worker via msgCh.
func (p *CoreProjection) onSubscriptionMessage(msg SubscriptionMessage) {
	p.enqueue(func(ctx context.Context) { p.dispatch(ctx, msg) })
}

func (p *CoreProjection) dispatch(ctx context.Context, msg SubscriptionMessage) {
	st := p.State()
	if st != Running && st != StateLoadedSubscribed {
		return
	}

	p.mu.Lock()
	expected := p.expectedSeq + 1
	p.mu.Unlock()
	if msg.Seq != expected {
		p.fault(NewOutOfOrderMessageError(expected, msg.Seq))
		return
	}
	p.mu.Lock()
	p.expectedSeq = msg.Seq
	p.mu.Unlock()

	switch msg.Kind {
	case EventReceived:
		p.recordDebug(msg.Event)
		item := &WorkItem{Kind: ProcessEvent, Tag: msg.Event.Tag, Event: msg.Event}
		p.queue.Enqueue(item)
		p.mu.Lock()
		p.lastTag = msg.Event.Tag
		p.mu.Unlock()
		p.scheduleTick(ctx)

	case CheckpointSuggested:
		state, _ := p.cache.GetLocked(RootPartition)
		p.checkpoint.Suggest(ctx, msg.Tag, state.DataBlob)

	case EofReached:
		// no-op: the runtime keeps the subscription open for further live
		// traffic; management layers above this package decide whether
		// EOF means "stop".

	case ProgressChanged:
		// informational only.
	}
}

func (p *CoreProjection) scheduleTick(ctx context.Context) {
	p.mu.Lock()
	if p.tickScheduled {
		p.mu.Unlock()
		return
	}
	p.tickScheduled = true
	p.mu.Unlock()

	p.enqueue(func(ctx context.Context) {
		p.mu.Lock()
		p.tickScheduled = false
		p.mu.Unlock()
		p.queue.Drain()
		if p.metrics != nil {
			p.metrics.SetPendingItems(p.name, p.queue.PendingCount())
			p.metrics.SetPartitionCacheSize(p.name, p.cache.Len())
		}
	})
}

// stageResolvePartition assigns the item's partition key.
func (p *CoreProjection) stageResolvePartition(item *WorkItem) {
	partition := p.partitionResolver.Resolve(item.Event)
	item.Payload = partition
	item.Complete(StageResolvePartition)
}

// stageLoadState acquires or seeds the partition's cache lock at this
// item's tag.
func (p *CoreProjection) stageLoadState(item *WorkItem) {
	partition := item.Payload.(string)
	if _, ok := p.cache.TryLockAt(partition, item.Tag, true); !ok {
		p.cache.CacheAndLock(partition, PartitionState{CausedByTag: item.Tag}, item.Tag)
	}
	item.Complete(StageLoadState)
}

// stageProcessEvent is the single call site into the user handler; any
// panic or returned error transitions the projection to FaultedStopping.
func (p *CoreProjection) stageProcessEvent(item *WorkItem) {
	partition := item.Payload.(string)
	state, ok := p.cache.GetLocked(partition)
	if !ok {
		p.fault(fmt.Errorf("%w: partition %q not locked entering process-event", ErrInvariantViolation, partition))
		return
	}

	ctx := context.Background()
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.StartProcessEventSpan(ctx, partition, item.Event.EventType)
	}
	start := time.Now()
	result, err := p.callHandlerSafely(ctx, partition, item.Event)
	if p.metrics != nil {
		p.metrics.ObserveStageDuration(p.name, "process_event", time.Since(start))
		p.metrics.RecordEventProcessed(p.name, err)
	}
	if span != nil {
		tracing.EndWithResult(span, err)
	}
	if err != nil {
		p.fault(NewHandlerError("process_event", err))
		return
	}

	newState := state
	if result.Handled {
		newState = PartitionState{DataBlob: result.NewState, CausedByTag: item.Tag}
	} else {
		newState.CausedByTag = item.Tag
	}
	p.cache.CacheAndLock(partition, newState, item.Tag)
	if pcm, ok := p.checkpoint.(*PartitionedCheckpointManager); ok {
		pcm.TouchPartition(partition, newState)
	}

	item.Payload = result
	item.Complete(StageProcessEvent)
}

func (p *CoreProjection) callHandlerSafely(ctx context.Context, partition string, ev Event) (res ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in process_event: %v", r)
		}
	}()
	return p.handler.ProcessEvent(ctx, partition, ev)
}

// stageWriteOutput submits emitted events to their target EmittedStreams.
func (p *CoreProjection) stageWriteOutput(item *WorkItem) {
	result := item.Payload.(ProcessResult)
	for i := range result.Emitted {
		e := result.Emitted[i]
		stream := p.emittedStreamFor(e.TargetStream)
		stream.Submit(context.Background(), &e)
	}
	item.Complete(StageWriteOutput)
}

func (p *CoreProjection) emittedStreamFor(target string) *EmittedStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.emits[target]; ok {
		return s
	}
	s := NewEmittedStream(target, p.log, p.tagCodec,
		WithEmitLogger(p.logger),
		WithEmitProjectionName(p.name),
		WithEmitMetrics(p.metrics),
		WithEmitTracer(p.tracer),
		WithOnRestartRequested(func(err error) { p.requestRestart(err) }),
		WithOnFatal(func(err error) { p.fault(err) }),
		WithOnIdleChanged(func(bool) { p.checkpoint.OnEmitProgress(context.Background()) }),
	)
	p.emits[target] = s
	go func() {
		if err := s.Start(context.Background()); err != nil {
			p.fault(err)
		}
	}()
	return s
}

// pendingUpTo is the PendingChecker passed to CheckpointManager: true if
// any owned EmittedStream still has an unwritten event caused by a tag
// <= upTo.
func (p *CoreProjection) pendingUpTo(upTo CheckpointTag) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.emits {
		if s.PendingUpTo(upTo) {
			return true
		}
	}
	return false
}

func (p *CoreProjection) onCheckpointCompleted(tag CheckpointTag) {
	if p.notifier != nil {
		go p.notifier.CheckpointCompleted(context.Background(), p.name, tag.String())
	}
	p.maybeSettleStopped()
}

func (p *CoreProjection) recordDebug(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugRing = append(p.debugRing, ev)
	if len(p.debugRing) > debugRingSize {
		p.debugRing = p.debugRing[len(p.debugRing)-debugRingSize:]
	}
}

// requestRestart tears down and re-enters Initial after an external-writer
// conflict; the projection re-discovers the foreign writes on restart via
// EmittedStream recovery.
func (p *CoreProjection) requestRestart(reason error) {
	if p.metrics != nil {
		p.metrics.RecordRestart(p.name, reason.Error())
	}
	if p.notifier != nil {
		go p.notifier.RestartRequested(context.Background(), p.name, reason.Error())
	}
	p.enqueue(func(ctx context.Context) {
		p.logger.Warn("restart requested", "projection", p.name, "reason", reason)
		p.teardown()
		p.setState(Initial)
		p.started.Store(false)
		if err := p.Start(ctx); err != nil {
			p.fault(err)
		}
	})
}

// fault transitions the projection to FaultedStopping, attempts a last
// checkpoint write at whatever tag was last reached, then settles at
// Faulted; not recoverable without operator intervention.
func (p *CoreProjection) fault(reason error) {
	if st := p.State(); st == FaultedStopping || st == Faulted {
		// already faulting; avoids looping back through Stopping if the
		// checkpoint attempt below itself reports a fatal error.
		return
	}
	p.setState(FaultedStopping)
	p.mu.Lock()
	p.faultedReason = reason.Error()
	tag := p.lastTag
	p.mu.Unlock()
	p.sub.Stop()

	state, _ := p.cache.GetLocked(RootPartition)
	p.checkpoint.Stopping(context.Background(), tag, state.DataBlob)

	p.setState(Faulted)

	if p.metrics != nil {
		p.metrics.RecordFault(p.name)
	}
	if p.notifier != nil {
		go p.notifier.Faulted(context.Background(), p.name, reason.Error())
	}
}

func (p *CoreProjection) teardown() {
	p.sub.Stop()
	p.mu.Lock()
	emits := make([]*EmittedStream, 0, len(p.emits))
	for _, s := range p.emits {
		emits = append(emits, s)
	}
	p.emits = make(map[string]*EmittedStream)
	p.mu.Unlock()
	for _, s := range emits {
		s.Dispose()
	}
}

// GetStats returns a snapshot of the projection's progress.
func (p *CoreProjection) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:           p.name,
		State:          p.state,
		LastTag:        p.lastTag,
		PendingEvents:  p.queue.PendingCount(),
		FaultedReason:  p.faultedReason,
		PartitionCount: p.cache.Len(),
	}
}

// GetDebugState returns the recently processed events for operator
// inspection.
func (p *CoreProjection) GetDebugState() DebugState {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]Event, len(p.debugRing))
	copy(events, p.debugRing)
	return DebugState{Name: p.name, Events: events}
}

// Close disposes the handler and stops the run loop.
func (p *CoreProjection) Close(ctx context.Context) error {
	close(p.stopCh)
	p.teardown()
	return p.handler.Dispose(ctx)
}
