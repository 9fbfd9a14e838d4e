// Package audit records security-relevant router events: completed
// handshakes, rejected attestations, tampered responses and shard membership
// changes. Sinks never block the request path; failures are logged and the
// event is dropped.
package audit

import (
	"context"
	"log/slog"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(context.Context, interfaces.AuditEvent) {}

// LogSink writes events to a structured logger, tagged as security events.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Record(ctx context.Context, event interfaces.AuditEvent) {
	attrs := []any{
		"security_event", true,
		"kind", string(event.Kind),
	}
	if event.ShardID != "" {
		attrs = append(attrs, "shard_id", string(event.ShardID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}
	if len(event.Evidence) > 0 {
		attrs = append(attrs, "evidence_bytes", len(event.Evidence))
	}
	if event.EvidenceID != "" {
		attrs = append(attrs, "evidence_id", event.EvidenceID)
	}

	level := slog.LevelWarn
	if event.Kind == interfaces.AuditHandshake || event.Kind == interfaces.AuditShardAdded || event.Kind == interfaces.AuditShardRemoved {
		level = slog.LevelInfo
	}
	s.log.Log(ctx, level, "audit event", attrs...)
}

// MultiSink records every event to each of its sinks in order.
type MultiSink []interfaces.AuditSink

func (m MultiSink) Record(ctx context.Context, event interfaces.AuditEvent) {
	for _, sink := range m {
		sink.Record(ctx, event)
	}
}
