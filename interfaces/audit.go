package interfaces

import (
	"context"
	"time"
)

// AuditEventKind classifies security-relevant events.
type AuditEventKind string

const (
	AuditHandshake           AuditEventKind = "handshake"
	AuditAttestationRejected AuditEventKind = "attestation_rejected"
	AuditTampered            AuditEventKind = "tampered"
	AuditShardAdded          AuditEventKind = "shard_added"
	AuditShardRemoved        AuditEventKind = "shard_removed"
)

// AuditEvent is one record in the audit trail.
type AuditEvent struct {
	Time      time.Time      `json:"time"`
	Kind      AuditEventKind `json:"kind"`
	ShardID   ShardID        `json:"shard_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`

	// Evidence is rejected attestation evidence. Sinks may store it out of line
	// and set EvidenceID instead.
	Evidence   []byte `json:"evidence,omitempty"`
	EvidenceID string `json:"evidence_id,omitempty"`
}

// AuditSink records audit events. Record must not block the request path for long.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
