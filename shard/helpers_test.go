package shard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/ruteri/attested-shard-router/shardnode"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	trustedMeasurements = map[int]string{0: "aa"}
	errConnRefused      = errors.New("connection refused")
)

// faultTransport wraps an in-process shard node and injects failures.
type faultTransport struct {
	*shardnode.Node

	mu            sync.Mutex
	queryFailures int
	tamper        bool
	hang          bool
	queries       int
}

func (f *faultTransport) Query(ctx context.Context, msg *interfaces.SealedMessage) (*interfaces.SealedMessage, error) {
	f.mu.Lock()
	f.queries++
	fail := f.queryFailures > 0
	if fail {
		f.queryFailures--
	}
	tamper, hang := f.tamper, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errConnRefused
	}

	resp, err := f.Node.Query(ctx, msg)
	if err == nil && tamper {
		resp.Payload[0] ^= 0x01
	}
	return resp, err
}

func (f *faultTransport) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func newFaultTransport(id interfaces.ShardID, measurements map[int]string) *faultTransport {
	return &faultTransport{
		Node: shardnode.New(shardnode.Config{ShardID: id},
			cryptoutils.DummyAttestationProvider{Measurements: measurements},
			nil,
			shardnode.EchoBackend{ShardID: id},
			testLogger),
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.2,
	}
}

func newTestClient(identity interfaces.ShardIdentity, transport interfaces.ShardTransport, policy RetryPolicy, rpcTimeout time.Duration) (*Client, *session.Manager) {
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
	client := NewClient(ClientOpts{
		Identity:   identity,
		Transport:  transport,
		Sessions:   sessions,
		Policy:     policy,
		RPCTimeout: rpcTimeout,
		Log:        testLogger,
	})
	return client, sessions
}

// testFactory builds clients backed by in-process shard nodes.
type testFactory struct {
	mu         sync.Mutex
	transports map[interfaces.ShardID]*faultTransport
	created    int
}

func newTestFactory() *testFactory {
	return &testFactory{transports: map[interfaces.ShardID]*faultTransport{}}
}

func (f *testFactory) build(identity interfaces.ShardIdentity) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transport, ok := f.transports[identity.ID]
	if !ok {
		transport = newFaultTransport(identity.ID, trustedMeasurements)
		f.transports[identity.ID] = transport
	}
	f.created++
	client, _ := newTestClient(identity, transport, fastPolicy(), time.Second)
	return client, nil
}
