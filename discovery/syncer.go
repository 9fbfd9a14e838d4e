package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/shard"
)

// DefaultSyncInterval is how often sources are polled.
const DefaultSyncInterval = time.Minute

// Syncer periodically reconciles the pool with the union of its sources.
// When every source answers, the pool is replaced by their union. When some
// source fails, only new shards are added so that an unreachable source never
// empties the pool.
type Syncer struct {
	pool     *shard.Pool
	sources  []Source
	interval time.Duration
	log      *slog.Logger

	syncReqCh chan struct{}
}

func NewSyncer(pool *shard.Pool, sources []Source, interval time.Duration, log *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Syncer{
		pool:      pool,
		sources:   sources,
		interval:  interval,
		log:       log,
		syncReqCh: make(chan struct{}, 1),
	}
}

// Trigger requests a sync outside the regular interval. It never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.syncReqCh <- struct{}{}:
	default:
	}
}

// Run syncs once and then on every tick or trigger until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	s.syncAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAndLog(ctx)
		case <-s.syncReqCh:
			ticker.Reset(s.interval)
			s.syncAndLog(ctx)

			// drain
			select {
			case <-s.syncReqCh:
			default:
			}
		}
	}
}

func (s *Syncer) syncAndLog(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.log.Warn("shard discovery incomplete", "err", err)
	}
}

// Sync performs one reconciliation pass. It returns the errors of failed sources.
func (s *Syncer) Sync(ctx context.Context) error {
	var (
		desired []interfaces.ShardIdentity
		seen    = map[interfaces.ShardID]string{}
		errs    []error
	)
	for _, source := range s.sources {
		shards, err := source.Shards(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source.Name(), err))
			continue
		}
		for _, identity := range shards {
			if owner, dup := seen[identity.ID]; dup {
				if owner != source.Name() {
					s.log.Warn("shard listed by several sources", "shard_id", identity.ID, "kept", owner, "ignored", source.Name())
				}
				continue
			}
			if err := identity.Validate(); err != nil {
				s.log.Warn("ignoring invalid discovered shard", "source", source.Name(), "shard_id", identity.ID, "err", err)
				continue
			}
			seen[identity.ID] = source.Name()
			desired = append(desired, identity)
		}
	}

	if len(errs) == 0 {
		added, removed, err := s.pool.Replace(ctx, desired)
		if err != nil {
			return err
		}
		if added > 0 || removed > 0 {
			s.log.Info("shard pool synced", "added", added, "removed", removed, "pool_size", s.pool.Len())
		}
		return nil
	}

	snapshot := s.pool.Snapshot()
	for _, identity := range desired {
		if _, exists := snapshot.Get(identity.ID); exists {
			continue
		}
		if _, err := s.pool.Add(ctx, identity); err != nil && !errors.Is(err, shard.ErrShardExists) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
