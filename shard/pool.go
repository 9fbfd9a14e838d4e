package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	ErrShardExists   = errors.New("shard already registered")
	ErrShardNotFound = errors.New("shard not registered")
)

// ClientFactory builds the client for a newly registered shard.
type ClientFactory func(identity interfaces.ShardIdentity) (*Client, error)

// Snapshot is an immutable view of pool membership.
type Snapshot struct {
	Version uint64
	clients map[interfaces.ShardID]*Client
}

// Len returns the number of shards in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.clients)
}

// Get returns the client for a shard id.
func (s *Snapshot) Get(id interfaces.ShardID) (*Client, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// IDs returns the shard ids in ascending order.
func (s *Snapshot) IDs() []interfaces.ShardID {
	ids := make([]interfaces.ShardID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clients returns the clients ordered by shard id.
func (s *Snapshot) Clients() []*Client {
	ids := s.IDs()
	clients := make([]*Client, len(ids))
	for i, id := range ids {
		clients[i] = s.clients[id]
	}
	return clients
}

// PoolObserver is notified of membership changes.
type PoolObserver interface {
	ObservePoolSize(size int)
}

// PoolOpts wires a Pool.
type PoolOpts struct {
	Factory  ClientFactory
	Log      *slog.Logger
	Observer PoolObserver
	Audit    interfaces.AuditSink

	// PrewarmOnAdd starts a handshake in the background for every added shard.
	PrewarmOnAdd   bool
	PrewarmTimeout time.Duration
}

// Pool is the set of shards queries fan out to. Readers take lock-free
// snapshots; writers are serialized and publish a new snapshot atomically.
// Removing a shard never cancels queries already dispatched to it.
type Pool struct {
	factory  ClientFactory
	log      *slog.Logger
	observer PoolObserver
	audit    interfaces.AuditSink

	prewarmOnAdd   bool
	prewarmTimeout time.Duration

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func NewPool(opts PoolOpts) *Pool {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	prewarmTimeout := opts.PrewarmTimeout
	if prewarmTimeout <= 0 {
		prewarmTimeout = 30 * time.Second
	}

	p := &Pool{
		factory:        opts.Factory,
		log:            log,
		observer:       opts.Observer,
		audit:          opts.Audit,
		prewarmOnAdd:   opts.PrewarmOnAdd,
		prewarmTimeout: prewarmTimeout,
	}
	p.current.Store(&Snapshot{clients: map[interfaces.ShardID]*Client{}})
	return p
}

// Snapshot returns the current membership. It never blocks.
func (p *Pool) Snapshot() *Snapshot {
	return p.current.Load()
}

// Len returns the current number of shards.
func (p *Pool) Len() int {
	return p.Snapshot().Len()
}

// Add registers a shard. Ids must be unique.
func (p *Pool) Add(ctx context.Context, identity interfaces.ShardIdentity) (*Client, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.current.Load()
	if _, exists := old.clients[identity.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrShardExists, identity.ID)
	}

	client, err := p.factory(identity)
	if err != nil {
		return nil, fmt.Errorf("could not create client for shard %s: %w", identity.ID, err)
	}

	next := p.copyLocked(old)
	next.clients[identity.ID] = client
	p.publishLocked(next)

	p.log.Info("shard added", "shard_id", identity.ID, "uri", identity.URI, "pool_size", next.Len())
	p.record(ctx, interfaces.AuditShardAdded, identity.ID, identity.URI)
	p.maybePrewarm(client)
	return client, nil
}

// Remove unregisters a shard. In-flight queries to it run to completion.
func (p *Pool) Remove(ctx context.Context, id interfaces.ShardID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.current.Load()
	if _, exists := old.clients[id]; !exists {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}

	next := p.copyLocked(old)
	delete(next.clients, id)
	p.publishLocked(next)

	p.log.Info("shard removed", "shard_id", id, "pool_size", next.Len())
	p.record(ctx, interfaces.AuditShardRemoved, id, "")
	return nil
}

// Replace reconciles membership with the desired set: unknown shards are added,
// shards whose identity changed get a new client, and absent shards are removed.
// Nothing changes if the desired set is invalid.
func (p *Pool) Replace(ctx context.Context, desired []interfaces.ShardIdentity) (added, removed int, err error) {
	wanted := make(map[interfaces.ShardID]interfaces.ShardIdentity, len(desired))
	for _, identity := range desired {
		if err := identity.Validate(); err != nil {
			return 0, 0, err
		}
		if _, dup := wanted[identity.ID]; dup {
			return 0, 0, fmt.Errorf("%w: duplicate id %s", ErrShardExists, identity.ID)
		}
		wanted[identity.ID] = identity
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.current.Load()
	next := &Snapshot{clients: make(map[interfaces.ShardID]*Client, len(wanted))}
	var fresh []*Client

	for id, identity := range wanted {
		if existing, ok := old.clients[id]; ok && existing.Identity().Equal(identity) {
			next.clients[id] = existing
			continue
		}
		client, err := p.factory(identity)
		if err != nil {
			return 0, 0, fmt.Errorf("could not create client for shard %s: %w", id, err)
		}
		next.clients[id] = client
		fresh = append(fresh, client)
	}

	for id := range old.clients {
		if _, ok := next.clients[id]; !ok {
			removed++
			p.record(ctx, interfaces.AuditShardRemoved, id, "")
		}
	}
	for _, client := range fresh {
		if _, existed := old.clients[client.ID()]; !existed {
			added++
		}
		p.record(ctx, interfaces.AuditShardAdded, client.ID(), client.Identity().URI)
	}

	if len(fresh) == 0 && removed == 0 {
		return 0, 0, nil
	}

	next.Version = old.Version
	p.publishLocked(next)
	p.log.Info("shard pool reconciled", "added", added, "removed", removed, "pool_size", next.Len())

	for _, client := range fresh {
		p.maybePrewarm(client)
	}
	return added, removed, nil
}

// Prewarm establishes sessions with every shard in the current snapshot in
// parallel. It returns the joined handshake errors.
func (p *Pool) Prewarm(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(16)

	for _, client := range p.Snapshot().Clients() {
		g.Go(func() error {
			if err := client.Prewarm(ctx); err != nil {
				p.log.Warn("session prewarm failed", "shard_id", client.ID(), "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", client.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Pool) copyLocked(old *Snapshot) *Snapshot {
	next := &Snapshot{
		Version: old.Version,
		clients: make(map[interfaces.ShardID]*Client, len(old.clients)+1),
	}
	for id, c := range old.clients {
		next.clients[id] = c
	}
	return next
}

func (p *Pool) publishLocked(next *Snapshot) {
	next.Version++
	p.current.Store(next)
	if p.observer != nil {
		p.observer.ObservePoolSize(next.Len())
	}
}

func (p *Pool) record(ctx context.Context, kind interfaces.AuditEventKind, id interfaces.ShardID, detail string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, interfaces.AuditEvent{
		Time:    time.Now(),
		Kind:    kind,
		ShardID: id,
		Detail:  detail,
	})
}

func (p *Pool) maybePrewarm(client *Client) {
	if !p.prewarmOnAdd {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.prewarmTimeout)
		defer cancel()
		if err := client.Prewarm(ctx); err != nil {
			p.log.Warn("session prewarm failed", "shard_id", client.ID(), "err", err)
		}
	}()
}
