package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// Sink persists telemetry. Writes happen on the logger's writer goroutine,
// never on the control loop.
type Sink interface {
	InsertCycleRecords(runID string, records []Record) error
	InsertFailureEvent(runID string, event FailureEvent) error
}

// Defaults for Config fields left zero.
const (
	DefaultBufferSize    = 1024
	DefaultBatchSize     = 256
	DefaultFlushInterval = time.Second
)

// Config configures a Logger.
type Config struct {
	// Sink receives batches; nil keeps records only in the failure log.
	Sink Sink
	// RunID scopes every record; a random UUID is used when empty.
	RunID string
	// BufferSize bounds the number of records waiting to be flushed.
	BufferSize int
	// BatchSize caps the records written per sink call.
	BatchSize int
	// FlushInterval is how often pending records are written.
	FlushInterval time.Duration
	// FailureLog, if set, receives one line per failure event.
	FailureLog io.Writer
}

// Logger buffers records for one run. Append and RecordFailure never block;
// when the buffer is full the record is dropped and counted.
type Logger struct {
	runID      string
	sink       Sink
	batchSize  int
	interval   time.Duration
	failureLog io.Writer

	records  chan Record
	failures chan FailureEvent

	writeMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	appended atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64
}

// NewLogger creates a logger for a new run.
func NewLogger(cfg Config) *Logger {
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	buf := cfg.BufferSize
	if buf <= 0 {
		buf = DefaultBufferSize
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Logger{
		runID:      runID,
		sink:       cfg.Sink,
		batchSize:  batch,
		interval:   interval,
		failureLog: cfg.FailureLog,
		records:    make(chan Record, buf),
		failures:   make(chan FailureEvent, 64),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RunID identifies this run in the sink.
func (l *Logger) RunID() string { return l.runID }

// Append queues r for the next flush. It reports false if r was dropped.
func (l *Logger) Append(r Record) bool {
	if l.closed.Load() {
		l.drop()
		return false
	}
	select {
	case l.records <- r:
		l.appended.Add(1)
		return true
	default:
		l.drop()
		return false
	}
}

// RecordFailure queues e. Failure events bypass the record buffer and are
// written at the next flush ahead of cycle records.
func (l *Logger) RecordFailure(e FailureEvent) bool {
	if l.closed.Load() {
		l.drop()
		return false
	}
	select {
	case l.failures <- e:
		return true
	default:
		l.drop()
		monitoring.Logf("[Telemetry] failure event for cycle %d dropped: queue full", e.Cycle)
		return false
	}
}

func (l *Logger) drop() {
	l.dropped.Add(1)
	monitoring.TelemetryDroppedTotal.Inc()
}

// Run flushes pending records every FlushInterval until ctx is cancelled or
// Close is called, then flushes whatever remains.
func (l *Logger) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("telemetry logger already running")
	}
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	monitoring.Logf("[Telemetry] run %s: flushing every %v", l.runID, l.interval)
	for {
		select {
		case <-ctx.Done():
			l.Flush()
			return nil
		case <-l.stopCh:
			l.Flush()
			return nil
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Flush writes everything currently queued. It is safe to call from any
// goroutine but is normally driven by Run and Close.
func (l *Logger) Flush() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

drain:
	for {
		select {
		case e := <-l.failures:
			l.writeFailure(e)
		default:
			break drain
		}
	}

	batch := make([]Record, 0, l.batchSize)
	for {
		batch = batch[:0]
	fill:
		for len(batch) < l.batchSize {
			select {
			case r := <-l.records:
				batch = append(batch, r)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}
		l.writeBatch(batch)
	}
}

func (l *Logger) writeFailure(e FailureEvent) {
	if l.failureLog != nil {
		if _, err := io.WriteString(l.failureLog, e.LogLine()+"\n"); err != nil {
			l.errors.Add(1)
			monitoring.Logf("[Telemetry] failure log write: %v", err)
		}
	}
	if l.sink == nil {
		return
	}
	if err := l.sink.InsertFailureEvent(l.runID, e); err != nil {
		l.errors.Add(1)
		monitoring.Logf("[Telemetry] failure event for cycle %d not persisted: %v", e.Cycle, err)
	}
}

func (l *Logger) writeBatch(batch []Record) {
	if l.sink == nil {
		l.written.Add(uint64(len(batch)))
		return
	}
	if err := l.sink.InsertCycleRecords(l.runID, batch); err != nil {
		l.errors.Add(1)
		l.dropped.Add(uint64(len(batch)))
		monitoring.TelemetryDroppedTotal.Add(float64(len(batch)))
		monitoring.Logf("[Telemetry] dropped %d records: %v", len(batch), err)
		return
	}
	l.written.Add(uint64(len(batch)))
}

// Close stops Run, if it was started, and flushes the remaining records.
// Later Append calls are dropped. Close is idempotent.
func (l *Logger) Close() error {
	l.closed.Store(true)
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.started.Load() {
		<-l.doneCh
	}
	l.Flush()
	if errs := l.errors.Load(); errs > 0 {
		return fmt.Errorf("telemetry run %s: %d write errors", l.runID, errs)
	}
	return nil
}

// Stats is a point-in-time view of the logger counters.
type Stats struct {
	Appended uint64 `json:"appended"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
	Pending  int    `json:"pending"`
}

// Stats returns the current counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Appended: l.appended.Load(),
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Errors:   l.errors.Load(),
		Pending:  len(l.records),
	}
}
