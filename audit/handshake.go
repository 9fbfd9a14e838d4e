package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// HandshakeRecorder turns handshake observations into audit events. It
// implements session.HandshakeObserver.
type HandshakeRecorder struct {
	sink interfaces.AuditSink
	now  func() time.Time
}

func NewHandshakeRecorder(sink interfaces.AuditSink) *HandshakeRecorder {
	return &HandshakeRecorder{sink: sink, now: time.Now}
}

func (r *HandshakeRecorder) ObserveHandshake(shard interfaces.ShardID, result string, duration time.Duration) {
	r.sink.Record(context.Background(), interfaces.AuditEvent{
		Time:    r.now(),
		Kind:    interfaces.AuditHandshake,
		ShardID: shard,
		Detail:  fmt.Sprintf("result=%s duration=%s", result, duration.Round(time.Microsecond)),
	})
}
