package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpulse/peerpulse/audit"
)

// recordingAppender captures appended records, optionally blocking until
// released to simulate a slow sink.
type recordingAppender struct {
	mu      sync.Mutex
	records []audit.Record
	block   chan struct{}
	err     error
}

func (a *recordingAppender) AppendAudit(_ context.Context, rec audit.Record) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAppender) appended() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

func TestEmitter_DeliversRecords(t *testing.T) {
	appender := &recordingAppender{}
	emitter := audit.NewEmitter(appender)
	emitter.Start(context.Background())

	emitter.Emit(audit.Record{
		Kind:    audit.KindDecision,
		TraceID: "t-1",
		Tier:    audit.TierLive,
		Outcome: "live_ok",
	})
	emitter.Emit(audit.Record{
		Kind:    audit.KindSchemaViolation,
		TraceID: "t-2",
	})
	emitter.Close()

	records := appender.appended()
	require.Len(t, records, 2)
	assert.Equal(t, audit.KindDecision, records[0].Kind)
	assert.Equal(t, "t-1", records[0].TraceID)
	assert.False(t, records[0].At.IsZero(), "emit stamps an unset At")
	assert.Equal(t, audit.KindSchemaViolation, records[1].Kind)
	assert.Equal(t, int64(0), emitter.Dropped())
}

func TestEmitter_EmitNeverBlocks(t *testing.T) {
	appender := &recordingAppender{block: make(chan struct{})}
	emitter := audit.NewEmitter(appender, audit.WithBufferSize(2))
	emitter.Start(context.Background())

	// Fill the drain slot and the buffer, then keep emitting.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	assert.Greater(t, emitter.Dropped(), int64(0))
	close(appender.block)
	emitter.Close()
}

func TestEmitter_CloseFlushesBuffer(t *testing.T) {
	appender := &recordingAppender{}
	emitter := audit.NewEmitter(appender, audit.WithBufferSize(16))
	emitter.Start(context.Background())

	for i := 0; i < 5; i++ {
		emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-flush"})
	}
	emitter.Close()

	assert.Len(t, appender.appended(), 5)
}

func TestEmitter_EmitDuringCloseDoesNotPanic(t *testing.T) {
	appender := &recordingAppender{}
	emitter := audit.NewEmitter(appender, audit.WithBufferSize(2))
	emitter.Start(context.Background())

	// Hammer Emit from a producer while Close runs; the buffer channel must
	// stay open so a late send never panics.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-race"})
		}
	}()

	emitter.Close()
	<-done

	emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-late"})
	assert.Greater(t, emitter.Dropped(), int64(0), "records emitted after close count as dropped")
	for _, rec := range appender.appended() {
		assert.NotEqual(t, "t-late", rec.TraceID)
	}
}

func TestEmitter_CloseBeforeStartReturns(t *testing.T) {
	emitter := audit.NewEmitter(&recordingAppender{})

	done := make(chan struct{})
	go func() {
		emitter.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked without a running drain loop")
	}
}

func TestEmitter_AppenderErrorsAreAbsorbed(t *testing.T) {
	appender := &recordingAppender{err: errors.New("sink unavailable")}
	emitter := audit.NewEmitter(appender)
	emitter.Start(context.Background())

	emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-err"})
	emitter.Close()

	// Nothing to assert beyond not panicking and a clean close; append
	// failures are logged, never propagated.
	assert.Equal(t, int64(0), emitter.Dropped())
}

func TestEmitter_PreservesExplicitTimestamp(t *testing.T) {
	appender := &recordingAppender{}
	emitter := audit.NewEmitter(appender)
	emitter.Start(context.Background())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter.Emit(audit.Record{Kind: audit.KindDecision, TraceID: "t-at", At: at})
	emitter.Close()

	records := appender.appended()
	require.Len(t, records, 1)
	assert.Equal(t, at, records[0].At)
}
