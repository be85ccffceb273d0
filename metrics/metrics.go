// Package metrics provides Prometheus instrumentation for a running
// coreproj.CoreProjection: queue depth, checkpoint lag, emit batch sizes
// and restart/fault counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label names.
const (
	LabelProjectionName = "projection_name"
	LabelPartition      = "partition"
	LabelStream         = "stream"
	LabelStage          = "stage"
	LabelResult         = "result"
	LabelReason         = "reason"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the Prometheus collectors for one or more projections
// sharing a registry.
type Metrics struct {
	namespace string
	subsystem string

	pendingItems     *prometheus.GaugeVec
	stageDuration    *prometheus.HistogramVec
	eventsProcessed  *prometheus.CounterVec
	checkpointLag    *prometheus.GaugeVec
	checkpointWrites *prometheus.CounterVec
	emitBatchSize    *prometheus.HistogramVec
	emitWritesTotal  *prometheus.CounterVec
	restartsTotal    *prometheus.CounterVec
	faultsTotal      *prometheus.CounterVec
	partitionCache   *prometheus.GaugeVec
}

// Option configures Metrics.
type Option func(*Metrics)

// WithNamespace sets the Prometheus namespace. Default is "coreproj".
func WithNamespace(namespace string) Option {
	return func(m *Metrics) { m.namespace = namespace }
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) Option {
	return func(m *Metrics) { m.subsystem = subsystem }
}

// New creates a Metrics instance with default settings.
func New(opts ...Option) *Metrics {
	m := &Metrics{namespace: "coreproj"}
	for _, o := range opts {
		o(m)
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	m.pendingItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "queue_pending_items",
		Help:      "Number of work items currently in the staged queue.",
	}, []string{LabelProjectionName})

	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "stage_duration_seconds",
		Help:      "Duration of a single staged-queue stage invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{LabelProjectionName, LabelStage})

	m.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_processed_total",
		Help:      "Total number of events processed by the handler.",
	}, []string{LabelProjectionName, LabelResult})

	m.checkpointLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "checkpoint_lag_bytes",
		Help:      "Unhandled bytes since the last suggested checkpoint.",
	}, []string{LabelProjectionName})

	m.checkpointWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "checkpoint_writes_total",
		Help:      "Total number of checkpoint writes attempted.",
	}, []string{LabelProjectionName, LabelResult})

	m.emitBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "emit_batch_size",
		Help:      "Number of events written per emitted-stream batch.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{LabelProjectionName, LabelStream})

	m.emitWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "emit_writes_total",
		Help:      "Total number of emitted-stream write attempts.",
	}, []string{LabelProjectionName, LabelStream, LabelResult})

	m.restartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "restarts_total",
		Help:      "Total number of projection restarts, by reason.",
	}, []string{LabelProjectionName, LabelReason})

	m.faultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "faults_total",
		Help:      "Total number of times a projection transitioned to Faulted.",
	}, []string{LabelProjectionName})

	m.partitionCache = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "partition_cache_size",
		Help:      "Number of partition states currently cached.",
	}, []string{LabelProjectionName})
}

// Collectors returns all collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.pendingItems,
		m.stageDuration,
		m.eventsProcessed,
		m.checkpointLag,
		m.checkpointWrites,
		m.emitBatchSize,
		m.emitWritesTotal,
		m.restartsTotal,
		m.faultsTotal,
		m.partitionCache,
	}
}

// Register registers all collectors with registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all collectors with the default registry and
// panics on failure.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// ObserveStageDuration records how long a staged-queue stage took.
func (m *Metrics) ObserveStageDuration(projection, stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(projection, stage).Observe(d.Seconds())
}

// RecordEventProcessed increments the processed-events counter.
func (m *Metrics) RecordEventProcessed(projection string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.eventsProcessed.WithLabelValues(projection, result).Inc()
}

// SetPendingItems reports the current staged-queue depth.
func (m *Metrics) SetPendingItems(projection string, n int) {
	m.pendingItems.WithLabelValues(projection).Set(float64(n))
}

// SetCheckpointLag reports unhandled bytes since the last suggestion.
func (m *Metrics) SetCheckpointLag(projection string, bytes int64) {
	m.checkpointLag.WithLabelValues(projection).Set(float64(bytes))
}

// RecordCheckpointWrite increments the checkpoint-write counter.
func (m *Metrics) RecordCheckpointWrite(projection string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.checkpointWrites.WithLabelValues(projection, result).Inc()
}

// ObserveEmitBatch records an emitted-stream batch size and write outcome.
func (m *Metrics) ObserveEmitBatch(projection, stream string, size int, err error) {
	m.emitBatchSize.WithLabelValues(projection, stream).Observe(float64(size))
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.emitWritesTotal.WithLabelValues(projection, stream, result).Inc()
}

// RecordRestart increments the restart counter for reason.
func (m *Metrics) RecordRestart(projection, reason string) {
	m.restartsTotal.WithLabelValues(projection, reason).Inc()
}

// RecordFault increments the fault counter.
func (m *Metrics) RecordFault(projection string) {
	m.faultsTotal.WithLabelValues(projection).Inc()
}

// SetPartitionCacheSize reports the current partition-state cache size.
func (m *Metrics) SetPartitionCacheSize(projection string, n int) {
	m.partitionCache.WithLabelValues(projection).Set(float64(n))
}
