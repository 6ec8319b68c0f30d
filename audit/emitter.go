package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBufferSize bounds the emit queue. Sized for bursts well above the
// steady request rate; overflow drops records rather than blocking callers.
const defaultBufferSize = 1024

// Appender persists audit records. Implemented by the external persistence
// collaborator.
type Appender interface {
	AppendAudit(ctx context.Context, rec Record) error
}

// Emitter forwards records to an Appender from a background goroutine.
// Emit never blocks: when the buffer is full the record is counted as
// dropped and the caller proceeds.
type Emitter struct {
	appender Appender
	logger   *slog.Logger
	metrics  *Metrics
	buf      chan Record
	dropped  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithBufferSize overrides the emit queue capacity.
func WithBufferSize(n int) EmitterOption {
	return func(e *Emitter) {
		e.buf = make(chan Record, n)
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) EmitterOption {
	return func(e *Emitter) {
		e.metrics = m
	}
}

// NewEmitter creates an emitter draining into the given appender.
func NewEmitter(appender Appender, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		appender: appender,
		logger:   slog.Default(),
		buf:      make(chan Record, defaultBufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the drain loop. Safe to call once; re-invocation is a no-op.
func (e *Emitter) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.drain(ctx)
	})
}

// Emit enqueues a record without blocking. Records carry their emission
// time; an unset At is stamped here.
func (e *Emitter) Emit(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	select {
	case <-e.stop:
		// Shutting down: nothing drains the buffer anymore.
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.AuditDropped.Inc()
		}
		return
	default:
	}

	select {
	case e.buf <- rec:
	default:
		// Full buffer: the response path must not wait on audit.
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.AuditDropped.Inc()
		}
	}
}

// Dropped returns how many records were discarded due to a full buffer.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the drain loop after flushing buffered records. The buffer
// channel is never closed, so concurrent Emit calls cannot panic; records
// emitted after Close count as dropped.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		if e.started.Load() {
			<-e.done
		}
	})
}

func (e *Emitter) drain(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case rec := <-e.buf:
			e.append(ctx, rec)
		case <-e.stop:
			// Flush whatever is already buffered, then exit.
			for {
				select {
				case rec := <-e.buf:
					e.append(ctx, rec)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) append(ctx context.Context, rec Record) {
	if err := e.appender.AppendAudit(ctx, rec); err != nil {
		e.logger.Warn("Failed to append audit record",
			"kind", rec.Kind,
			"trace_id", rec.TraceID,
			"error", err)
	}
}
