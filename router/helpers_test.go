package router

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/ruteri/attested-shard-router/shard"
	"github.com/ruteri/attested-shard-router/shardnode"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var trustedMeasurements = map[int]string{0: "aa"}

// testShard is an in-process shard node with injectable behaviour.
type testShard struct {
	*shardnode.Node

	mu      sync.Mutex
	hang    bool
	tamper  bool
	delay   time.Duration
	gate    chan struct{}
	entered chan struct{}
	queries int
}

func newTestShard(id interfaces.ShardID, measurements map[int]string) *testShard {
	return &testShard{
		Node: shardnode.New(shardnode.Config{ShardID: id},
			cryptoutils.DummyAttestationProvider{Measurements: measurements},
			nil,
			shardnode.EchoBackend{ShardID: id},
			testLogger),
	}
}

func (s *testShard) Query(ctx context.Context, msg *interfaces.SealedMessage) (*interfaces.SealedMessage, error) {
	s.mu.Lock()
	s.queries++
	hang, tamper, delay, gate, entered := s.hang, s.tamper, s.delay, s.gate, s.entered
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	resp, err := s.Node.Query(ctx, msg)
	if err == nil && tamper {
		resp.Payload[0] ^= 0x01
	}
	return resp, err
}

func (s *testShard) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// testCluster is a pool of in-process shards behind real clients.
type testCluster struct {
	pool   *shard.Pool
	shards map[interfaces.ShardID]*testShard
}

func newTestCluster(t *testing.T, shards map[interfaces.ShardID]*testShard) *testCluster {
	t.Helper()
	c := &testCluster{shards: shards}
	c.pool = shard.NewPool(shard.PoolOpts{
		Log: testLogger,
		Factory: func(identity interfaces.ShardIdentity) (*shard.Client, error) {
			transport := c.shards[identity.ID]
			sessions := session.NewManager(session.ManagerOpts{
				Shard:     identity,
				Transport: transport,
				Verifier: &cryptoutils.Verifier{
					AllowDummy: true,
					Policy:     &cryptoutils.MeasurementPolicy{Allowed: []map[int]string{trustedMeasurements}},
				},
				Attester: cryptoutils.DummyAttestationProvider{},
				Log:      testLogger,
			})
			return shard.NewClient(shard.ClientOpts{
				Identity:  identity,
				Transport: transport,
				Sessions:  sessions,
				Policy: shard.RetryPolicy{
					MaxAttempts: 3,
					BaseDelay:   time.Millisecond,
					MaxDelay:    5 * time.Millisecond,
					Jitter:      0.2,
				},
				RPCTimeout: 5 * time.Second,
				Log:        testLogger,
			}), nil
		},
	})
	for id := range shards {
		_, err := c.pool.Add(context.Background(), interfaces.ShardIdentity{
			ID:  id,
			URI: "insecure-fog-view://" + string(id) + ".test:3225",
		})
		require.NoError(t, err)
	}
	return c
}

func healthyShards(ids ...interfaces.ShardID) map[interfaces.ShardID]*testShard {
	shards := make(map[interfaces.ShardID]*testShard, len(ids))
	for _, id := range ids {
		shards[id] = newTestShard(id, trustedMeasurements)
	}
	return shards
}

// concatMerger joins responses in the order it receives them and records its inputs.
type concatMerger struct {
	mu    sync.Mutex
	calls [][]interfaces.ShardResponse
}

func (m *concatMerger) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	return reportData[:], nil
}

func (m *concatMerger) Merge(ctx context.Context, request interfaces.Ciphertext, responses []interfaces.ShardResponse) (interfaces.Ciphertext, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]interfaces.ShardResponse(nil), responses...))
	m.mu.Unlock()

	parts := make([][]byte, len(responses))
	for i, r := range responses {
		parts[i] = r.Ciphertext
	}
	return bytes.Join(parts, []byte("|")), nil
}

func (m *concatMerger) lastCall() []interfaces.ShardResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func shardIDs(responses []interfaces.ShardResponse) []interfaces.ShardID {
	ids := make([]interfaces.ShardID, len(responses))
	for i, r := range responses {
		ids[i] = r.ShardID
	}
	return ids
}

type mockMerger struct {
	mock.Mock
}

func (m *mockMerger) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	args := m.Called(ctx, reportData)
	evidence, _ := args.Get(0).([]byte)
	return evidence, args.Error(1)
}

func (m *mockMerger) Merge(ctx context.Context, request interfaces.Ciphertext, responses []interfaces.ShardResponse) (interfaces.Ciphertext, error) {
	args := m.Called(ctx, request, responses)
	out, _ := args.Get(0).(interfaces.Ciphertext)
	return out, args.Error(1)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[interfaces.ShardID]Outcome
	requests []string
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: map[interfaces.ShardID]Outcome{}}
}

func (o *outcomeRecorder) ObserveShardOutcome(id interfaces.ShardID, outcome Outcome, d time.Duration) {
	o.mu.Lock()
	o.outcomes[id] = outcome
	o.mu.Unlock()
}

func (o *outcomeRecorder) ObserveRequest(result string, responses int, d time.Duration) {
	o.mu.Lock()
	o.requests = append(o.requests, result)
	o.mu.Unlock()
}

func (o *outcomeRecorder) outcome(id interfaces.ShardID) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[id]
}

type auditRecorder struct {
	mu     sync.Mutex
	events []interfaces.AuditEvent
}

func (a *auditRecorder) Record(ctx context.Context, event interfaces.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *auditRecorder) Events() []interfaces.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]interfaces.AuditEvent(nil), a.events...)
}
