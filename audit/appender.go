package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// AuditSubject is the subject audit records are published on for the
// persistence collaborator to consume.
const AuditSubject = "peerpulse.audit"

// NATSAppender publishes audit records as JSON on the audit subject.
type NATSAppender struct {
	conn *nats.Conn
}

// NewNATSAppender creates an appender over an established connection.
func NewNATSAppender(conn *nats.Conn) *NATSAppender {
	return &NATSAppender{conn: conn}
}

// AppendAudit publishes one record. Publish is fire-and-forget; delivery
// guarantees belong to the consumer's stream configuration.
func (a *NATSAppender) AppendAudit(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := a.conn.Publish(AuditSubject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// LogAppender writes audit records to the logger. Used when no NATS
// connection is configured.
type LogAppender struct {
	logger *slog.Logger
}

// NewLogAppender creates an appender over the given logger.
func NewLogAppender(logger *slog.Logger) *LogAppender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAppender{logger: logger}
}

// AppendAudit logs one record at info level.
func (a *LogAppender) AppendAudit(_ context.Context, rec Record) error {
	a.logger.Info("Audit record",
		"kind", rec.Kind,
		"trace_id", rec.TraceID,
		"fingerprint", rec.Fingerprint,
		"tier", rec.Tier,
		"elapsed_ms", rec.ElapsedMs,
		"outcome", rec.Outcome)
	return nil
}
