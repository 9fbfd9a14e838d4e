package enclave

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func responses(ids ...string) []interfaces.ShardResponse {
	out := make([]interfaces.ShardResponse, len(ids))
	for i, id := range ids {
		out[i] = interfaces.ShardResponse{ShardID: interfaces.ShardID(id), Ciphertext: interfaces.Ciphertext("resp-" + id)}
	}
	return out
}

func TestDevMergerOrderIndependent(t *testing.T) {
	m := &DevMerger{}
	m.Init(Config{})

	want, err := m.Merge(context.Background(), interfaces.Ciphertext("q"), responses("a", "b", "c"))
	require.NoError(t, err)

	for _, order := range [][]string{{"a", "c", "b"}, {"b", "a", "c"}, {"b", "c", "a"}, {"c", "a", "b"}, {"c", "b", "a"}} {
		got, err := m.Merge(context.Background(), interfaces.Ciphertext("q"), responses(order...))
		require.NoError(t, err)
		assert.Equal(t, want, got, "order %v", order)
	}

	parts, err := SplitMerged(want)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, "resp-a", string(parts[0]))
	assert.Equal(t, "resp-c", string(parts[2]))
}

func TestDevMergerErrors(t *testing.T) {
	m := &DevMerger{}
	_, err := m.Merge(context.Background(), nil, responses("a"))
	require.ErrorIs(t, err, ErrNotInitialized)

	m.Init(Config{OmapCapacity: 8})
	_, err = m.Merge(context.Background(), nil, responses("a", "a"))
	require.ErrorIs(t, err, ErrDuplicateResponse)

	_, err = m.Merge(context.Background(), nil, responses("a", "b"))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = SplitMerged([]byte{0, 0, 0, 9, 'x'})
	require.Error(t, err)
}

func newTestEnclave(t *testing.T) (*DevMerger, *httptest.Server) {
	t.Helper()
	merger := &DevMerger{Attester: cryptoutils.DummyAttestationProvider{Measurements: map[int]string{0: "ee"}}}
	r := chi.NewRouter()
	NewHandler(merger, testLogger).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return merger, srv
}

func TestClientAgainstHandler(t *testing.T) {
	merger, srv := newTestEnclave(t)
	client := NewClient(Config{URL: srv.URL + "/", ResponderID: "router.test", OmapCapacity: 1024}, srv.Client())

	_, err := client.Merge(context.Background(), interfaces.Ciphertext("q"), responses("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	require.NoError(t, client.Init(context.Background()))
	require.NotNil(t, merger.config())
	assert.Equal(t, "router.test", merger.config().ResponderID)
	assert.Equal(t, uint64(1024), merger.config().OmapCapacity)

	merged, err := client.Merge(context.Background(), interfaces.Ciphertext("q"), responses("b", "a"))
	require.NoError(t, err)
	direct, err := merger.Merge(context.Background(), interfaces.Ciphertext("q"), responses("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []byte(direct), []byte(merged))

	var reportData [64]byte
	reportData[0] = 0x42
	evidence, err := client.Attest(context.Background(), reportData)
	require.NoError(t, err)

	var ev cryptoutils.DummyEvidence
	require.NoError(t, json.Unmarshal(evidence, &ev))
	assert.Equal(t, hex.EncodeToString(reportData[:]), ev.ReportData)
	assert.Equal(t, "ee", ev.Measurements[0])
}

func TestHandlerRejectsBadInput(t *testing.T) {
	_, srv := newTestEnclave(t)

	resp, err := srv.Client().Get(srv.URL + "/attest/abcd")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/merge", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
