package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"go.uber.org/atomic"
)

const (
	DefaultBufferSize   = 1024
	DefaultStoreTimeout = 10 * time.Second
)

// StorageSinkOpts configures a StorageSink.
type StorageSinkOpts struct {
	BufferSize   int
	StoreTimeout time.Duration
	Log          *slog.Logger
}

// StorageSink persists events to a content-addressed storage backend from a
// background worker. Evidence is stored as its own object and the event
// refers to it by EvidenceID. When the queue is full new events are dropped.
type StorageSink struct {
	backend      interfaces.StorageBackend
	storeTimeout time.Duration
	log          *slog.Logger

	queue   chan interfaces.AuditEvent
	dropped atomic.Int64
	stored  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewStorageSink(backend interfaces.StorageBackend, opts StorageSinkOpts) *StorageSink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &StorageSink{
		backend:      backend,
		storeTimeout: opts.StoreTimeout,
		log:          opts.Log,
		queue:        make(chan interfaces.AuditEvent, opts.BufferSize),
		done:         make(chan struct{}),
	}
}

// Record enqueues the event without blocking.
func (s *StorageSink) Record(ctx context.Context, event interfaces.AuditEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case <-s.done:
		s.dropped.Inc()
		return
	default:
	}

	select {
	case s.queue <- event:
	default:
		s.dropped.Inc()
		s.log.Warn("audit queue full, dropping event",
			"kind", string(event.Kind),
			"shard_id", string(event.ShardID))
	}
}

// Run stores queued events until ctx is done or Close is called, then flushes
// whatever is still queued.
func (s *StorageSink) Run(ctx context.Context) {
	for {
		select {
		case event := <-s.queue:
			s.store(ctx, event)
		case <-ctx.Done():
			s.flush(ctx)
			return
		case <-s.done:
			s.flush(ctx)
			return
		}
	}
}

// Close stops accepting events. A running Run flushes the queue and returns.
func (s *StorageSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Dropped returns the number of events that were not queued.
func (s *StorageSink) Dropped() int64 {
	return s.dropped.Load()
}

// Stored returns the number of events persisted.
func (s *StorageSink) Stored() int64 {
	return s.stored.Load()
}

func (s *StorageSink) flush(ctx context.Context) {
	for {
		select {
		case event := <-s.queue:
			s.store(ctx, event)
		default:
			return
		}
	}
}

func (s *StorageSink) store(ctx context.Context, event interfaces.AuditEvent) {
	// Writes outlive shutdown of the caller, bounded by the store timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if len(event.Evidence) > 0 {
		id, err := s.backend.Store(ctx, event.Evidence, interfaces.EvidenceType)
		if err != nil {
			// Keep the evidence inline rather than lose it.
			s.log.Error("could not store attestation evidence", "kind", string(event.Kind), "err", err)
		} else {
			event.EvidenceID = id.String()
			event.Evidence = nil
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("could not serialize audit event", "err", err)
		return
	}

	id, err := s.backend.Store(ctx, data, interfaces.AuditEventType)
	if err != nil {
		s.log.Error("could not store audit event",
			"kind", string(event.Kind),
			"backend", s.backend.Name(),
			"err", err)
		return
	}

	s.stored.Inc()
	s.log.Debug("stored audit event", "kind", string(event.Kind), "content_id", id.String())
}
