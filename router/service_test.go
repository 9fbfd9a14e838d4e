package router

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(cluster *testCluster, merger interfaces.TrustedMerger, cfg Config) (*Service, *outcomeRecorder, *auditRecorder) {
	observer := newOutcomeRecorder()
	audit := &auditRecorder{}
	svc := NewService(ServiceOpts{
		Pool:     cluster.pool,
		Merger:   merger,
		Config:   cfg,
		Log:      testLogger,
		Observer: observer,
		Audit:    audit,
	})
	return svc, observer, audit
}

func query(b string) *interfaces.QueryRequest {
	return &interfaces.QueryRequest{Ciphertext: interfaces.Ciphertext(b)}
}

func TestHandleMergesAllShards(t *testing.T) {
	cluster := newTestCluster(t, healthyShards("shard-a", "shard-b", "shard-c"))
	merger := &concatMerger{}
	svc, observer, _ := newTestService(cluster, merger, Config{})

	resp, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)
	assert.Equal(t, "shard-a:q|shard-b:q|shard-c:q", string(resp.Ciphertext))
	assert.Equal(t, []string{"ok"}, observer.requests)
	assert.Equal(t, OutcomeOK, observer.outcome("shard-b"))
}

func TestHandleOneShardTimesOut(t *testing.T) {
	shards := healthyShards("shard-a", "shard-b", "shard-c")
	shards["shard-b"].hang = true
	cluster := newTestCluster(t, shards)
	merger := &concatMerger{}
	svc, observer, _ := newTestService(cluster, merger, Config{RequestTimeout: 200 * time.Millisecond})

	start := time.Now()
	resp, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []interfaces.ShardID{"shard-a", "shard-c"}, shardIDs(merger.lastCall()))
	assert.Equal(t, "shard-a:q|shard-c:q", string(resp.Ciphertext))
	assert.Equal(t, OutcomeTimeout, observer.outcome("shard-b"))
	assert.Equal(t, OutcomeOK, observer.outcome("shard-a"))
}

func TestHandleAllShardsRejectAttestation(t *testing.T) {
	untrusted := map[int]string{0: "ff"}
	shards := map[interfaces.ShardID]*testShard{
		"shard-a": newTestShard("shard-a", untrusted),
		"shard-b": newTestShard("shard-b", untrusted),
		"shard-c": newTestShard("shard-c", untrusted),
	}
	cluster := newTestCluster(t, shards)
	merger := new(mockMerger)
	svc, observer, audit := newTestService(cluster, merger, Config{})

	_, err := svc.Handle(context.Background(), query("q"))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAllShardsUnavailable, kind)
	assert.ErrorIs(t, err, ErrNoResponses)

	merger.AssertNotCalled(t, "Merge", mock.Anything, mock.Anything, mock.Anything)
	for id, s := range shards {
		assert.Equal(t, OutcomeAttestation, observer.outcome(id))
		assert.Zero(t, s.Queries(), "no query may be sent without an accepted attestation")
	}
	for _, client := range cluster.pool.Snapshot().Clients() {
		assert.Equal(t, session.Revoked, client.SessionState())
	}

	events := audit.Events()
	require.Len(t, events, 3)
	for _, event := range events {
		assert.Equal(t, interfaces.AuditAttestationRejected, event.Kind)
		assert.NotEmpty(t, event.Evidence)
		assert.NotEmpty(t, event.RequestID)
	}
}

func TestHandleShardRemovedMidFlight(t *testing.T) {
	shards := healthyShards("shard-a", "shard-b", "shard-c")
	shards["shard-b"].gate = make(chan struct{})
	shards["shard-b"].entered = make(chan struct{}, 1)
	cluster := newTestCluster(t, shards)
	merger := &concatMerger{}
	svc, _, _ := newTestService(cluster, merger, Config{})

	type result struct {
		resp *interfaces.QueryResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := svc.Handle(context.Background(), query("q"))
		done <- result{resp, err}
	}()

	select {
	case <-shards["shard-b"].entered:
	case <-time.After(5 * time.Second):
		t.Fatal("shard-b was never queried")
	}

	require.NoError(t, cluster.pool.Remove(context.Background(), "shard-b"))
	assert.Equal(t, []interfaces.ShardID{"shard-a", "shard-c"}, cluster.pool.Snapshot().IDs())
	close(shards["shard-b"].gate)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "shard-a:q|shard-b:q|shard-c:q", string(r.resp.Ciphertext))

	_, err := svc.Handle(context.Background(), query("q2"))
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ShardID{"shard-a", "shard-c"}, shardIDs(merger.lastCall()))
}

func TestHandleMergeInputIsCanonical(t *testing.T) {
	shards := healthyShards("shard-a", "shard-b", "shard-c", "shard-d")
	shards["shard-a"].delay = 60 * time.Millisecond
	shards["shard-b"].delay = 40 * time.Millisecond
	shards["shard-c"].delay = 20 * time.Millisecond
	cluster := newTestCluster(t, shards)
	merger := &concatMerger{}
	svc, _, _ := newTestService(cluster, merger, Config{})

	first, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)

	shards["shard-a"].delay = 0
	shards["shard-d"].delay = 60 * time.Millisecond
	second, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)

	assert.Equal(t, []interfaces.ShardID{"shard-a", "shard-b", "shard-c", "shard-d"}, shardIDs(merger.lastCall()))
	assert.True(t, bytes.Equal(first.Ciphertext, second.Ciphertext), "completion order must not change the merged reply")
}

func TestHandleInvalidRequest(t *testing.T) {
	shards := healthyShards("shard-a")
	cluster := newTestCluster(t, shards)
	svc, observer, _ := newTestService(cluster, &concatMerger{}, Config{MaxQuerySize: 4})

	tests := []struct {
		name string
		req  *interfaces.QueryRequest
		want error
	}{
		{"nil", nil, ErrEmptyQuery},
		{"empty", query(""), ErrEmptyQuery},
		{"oversized", query("12345"), ErrQueryTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Handle(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindInvalidRequest, kind)
		})
	}

	assert.Zero(t, shards["shard-a"].Queries())
	assert.Zero(t, shards["shard-a"].SessionCount())
	assert.Equal(t, []string{"invalid_request", "invalid_request", "invalid_request"}, observer.requests)

	_, err := svc.Handle(context.Background(), query("1234"))
	require.NoError(t, err)
}

func TestHandleNoShards(t *testing.T) {
	cluster := newTestCluster(t, nil)
	svc, _, _ := newTestService(cluster, &concatMerger{}, Config{})

	_, err := svc.Handle(context.Background(), query("q"))
	require.ErrorIs(t, err, ErrNoShards)
	kind, _ := KindOf(err)
	assert.Equal(t, KindAllShardsUnavailable, kind)
}

func TestHandleMergeFailure(t *testing.T) {
	cluster := newTestCluster(t, healthyShards("shard-a", "shard-b"))
	errRejected := errors.New("enclave rejected responses")
	merger := new(mockMerger)
	merger.On("Merge", mock.Anything, interfaces.Ciphertext("q"), mock.MatchedBy(func(r []interfaces.ShardResponse) bool {
		return len(r) == 2
	})).Return(nil, errRejected)
	svc, observer, _ := newTestService(cluster, merger, Config{})

	resp, err := svc.Handle(context.Background(), query("q"))
	assert.Nil(t, resp)
	require.ErrorIs(t, err, errRejected)
	kind, _ := KindOf(err)
	assert.Equal(t, KindMergeFailure, kind)
	assert.Equal(t, []string{"merge_failure"}, observer.requests)
	merger.AssertExpectations(t)
}

func TestHandleMergerOutputForwardedUnchanged(t *testing.T) {
	cluster := newTestCluster(t, healthyShards("shard-a"))
	merger := new(mockMerger)
	merger.On("Merge", mock.Anything, mock.Anything, []interfaces.ShardResponse{
		{ShardID: "shard-a", Ciphertext: interfaces.Ciphertext("shard-a:q")},
	}).Return(interfaces.Ciphertext("sealed-for-client"), nil)
	svc, _, _ := newTestService(cluster, merger, Config{})

	resp, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.Ciphertext("sealed-for-client"), resp.Ciphertext)
	merger.AssertExpectations(t)
}

func TestHandleDeadlineHintShortensBudget(t *testing.T) {
	shards := healthyShards("shard-a", "shard-b")
	shards["shard-b"].hang = true
	cluster := newTestCluster(t, shards)
	svc, _, _ := newTestService(cluster, &concatMerger{}, Config{RequestTimeout: 10 * time.Second})

	start := time.Now()
	resp, err := svc.Handle(context.Background(), &interfaces.QueryRequest{
		Ciphertext:   interfaces.Ciphertext("q"),
		DeadlineHint: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, "shard-a:q", string(resp.Ciphertext))
}

func TestHandleCallerCanceled(t *testing.T) {
	shards := healthyShards("shard-a")
	shards["shard-a"].hang = true
	cluster := newTestCluster(t, shards)
	svc, observer, _ := newTestService(cluster, &concatMerger{}, Config{RequestTimeout: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := svc.Handle(ctx, query("q"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := KindOf(err)
	assert.False(t, ok)
	assert.Equal(t, []string{"canceled"}, observer.requests)

	// let the detached shard call run out its budget before leak checks
	time.Sleep(400 * time.Millisecond)
}

func TestHandleTamperedShard(t *testing.T) {
	shards := healthyShards("shard-a", "shard-b")
	shards["shard-b"].tamper = true
	cluster := newTestCluster(t, shards)
	svc, observer, audit := newTestService(cluster, &concatMerger{}, Config{})

	resp, err := svc.Handle(context.Background(), query("q"))
	require.NoError(t, err)
	assert.Equal(t, "shard-a:q", string(resp.Ciphertext))
	assert.Equal(t, OutcomeTampered, observer.outcome("shard-b"))
	assert.Equal(t, 1, shards["shard-b"].Queries(), "tampered responses are not retried")

	client, _ := cluster.pool.Snapshot().Get("shard-b")
	assert.Equal(t, session.Expired, client.SessionState())

	events := audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.AuditTampered, events[0].Kind)
	assert.Equal(t, interfaces.ShardID("shard-b"), events[0].ShardID)
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	cluster := newTestCluster(t, healthyShards("shard-a", "shard-b", "shard-c"))
	svc, _, _ := newTestService(cluster, &concatMerger{}, Config{})

	first, err := svc.Handle(context.Background(), query("same"))
	require.NoError(t, err)
	second, err := svc.Handle(context.Background(), query("same"))
	require.NoError(t, err)
	assert.Equal(t, first.Ciphertext, second.Ciphertext)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeOf(nil))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(context.DeadlineExceeded))
	assert.Equal(t, OutcomeTransport, OutcomeOf(errors.New("boom")))
}
