package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/ruteri/attested-shard-router/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingSink struct {
	mu     sync.Mutex
	events []interfaces.AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event interfaces.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) all() []interfaces.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.AuditEvent(nil), r.events...)
}

// blockingBackend blocks every Store until released.
type blockingBackend struct {
	interfaces.StorageBackend
	release chan struct{}
}

func (b *blockingBackend) Store(ctx context.Context, data []byte, ct interfaces.ContentType) (interfaces.ContentID, error) {
	<-b.release
	return b.StorageBackend.Store(ctx, data, ct)
}

type failingBackend struct {
	interfaces.StorageBackend
}

func (failingBackend) Store(context.Context, []byte, interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ContentID{}, errors.New("bucket gone")
}

func (failingBackend) Name() string { return "failing" }

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Record(context.Background(), interfaces.AuditEvent{
		Kind:      interfaces.AuditAttestationRejected,
		ShardID:   "shard-1",
		RequestID: "req-1",
		Detail:    "measurement mismatch",
		Evidence:  []byte("quote"),
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, true, line["security_event"])
	assert.Equal(t, "attestation_rejected", line["kind"])
	assert.Equal(t, "shard-1", line["shard_id"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.EqualValues(t, 5, line["evidence_bytes"])
}

func TestMultiSinkAndHandshakeRecorder(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	recorder := NewHandshakeRecorder(MultiSink{a, b, NopSink{}})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	recorder.now = func() time.Time { return fixed }

	var observer session.HandshakeObserver = session.HandshakeObservers{recorder}
	observer.ObserveHandshake("shard-7", "rejected", 1500*time.Microsecond)

	for _, sink := range []*recordingSink{a, b} {
		events := sink.all()
		require.Len(t, events, 1)
		assert.Equal(t, interfaces.AuditEvent{
			Time:    fixed,
			Kind:    interfaces.AuditHandshake,
			ShardID: "shard-7",
			Detail:  "result=rejected duration=1.5ms",
		}, events[0])
	}
}

func TestStorageSinkPersistsEventsAndEvidence(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), discardLog)
	require.NoError(t, err)

	sink := NewStorageSink(backend, StorageSinkOpts{Log: discardLog})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	evidence := []byte("rejected quote bytes")
	sink.Record(context.Background(), interfaces.AuditEvent{
		Kind:     interfaces.AuditAttestationRejected,
		ShardID:  "shard-3",
		Evidence: evidence,
	})

	require.Eventually(t, func() bool { return sink.Stored() == 1 }, 5*time.Second, 5*time.Millisecond)
	sink.Close()
	<-done

	evidenceID := interfaces.ComputeID(evidence)
	stored, err := backend.Fetch(context.Background(), evidenceID, interfaces.EvidenceType)
	require.NoError(t, err)
	assert.Equal(t, evidence, stored)
	assert.True(t, evidenceID.Matches(stored))
	assert.False(t, evidenceID.Matches(append(stored, 0)))

	// The audit record references the evidence instead of embedding it.
	var found bool
	for _, name := range listDir(t, backend, interfaces.AuditEventType) {
		id, err := interfaces.NewContentIDFromHex(name)
		require.NoError(t, err)
		raw, err := backend.Fetch(context.Background(), id, interfaces.AuditEventType)
		require.NoError(t, err)
		assert.True(t, id.Matches(raw))

		var event interfaces.AuditEvent
		require.NoError(t, json.Unmarshal(raw, &event))
		assert.Equal(t, interfaces.AuditAttestationRejected, event.Kind)
		assert.Equal(t, evidenceID.String(), event.EvidenceID)
		assert.Empty(t, event.Evidence)
		assert.False(t, event.Time.IsZero())
		found = true
	}
	assert.True(t, found)
}

func TestStorageSinkDropsWhenFull(t *testing.T) {
	inner, err := storage.NewFileBackend(t.TempDir(), discardLog)
	require.NoError(t, err)
	backend := &blockingBackend{StorageBackend: inner, release: make(chan struct{})}

	sink := NewStorageSink(backend, StorageSinkOpts{BufferSize: 2, Log: discardLog})
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), interfaces.AuditEvent{Kind: interfaces.AuditTampered, Detail: string(rune('a' + i))})
	}
	assert.EqualValues(t, 3, sink.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()
	close(backend.release)

	require.Eventually(t, func() bool { return sink.Stored() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	sink.Close()
	sink.Record(context.Background(), interfaces.AuditEvent{Kind: interfaces.AuditTampered})
	assert.EqualValues(t, 4, sink.Dropped())
}

func TestStorageSinkFlushesOnShutdown(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), discardLog)
	require.NoError(t, err)

	sink := NewStorageSink(backend, StorageSinkOpts{Log: discardLog})
	for i := 0; i < 3; i++ {
		sink.Record(context.Background(), interfaces.AuditEvent{Kind: interfaces.AuditShardAdded, ShardID: interfaces.ShardID(rune('a' + i))})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	assert.EqualValues(t, 3, sink.Stored())
}

func TestStorageSinkBackendFailure(t *testing.T) {
	sink := NewStorageSink(failingBackend{}, StorageSinkOpts{Log: discardLog})
	sink.Record(context.Background(), interfaces.AuditEvent{Kind: interfaces.AuditTampered, Evidence: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	assert.EqualValues(t, 0, sink.Stored())
	assert.EqualValues(t, 0, sink.Dropped())
}
