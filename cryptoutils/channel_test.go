package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newChannelPair(t *testing.T) (router, shard *ChannelKeys) {
	routerKey, err := GenerateKeyPair()
	require.NoError(t, err)
	shardKey, err := GenerateKeyPair()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	router, err = DeriveChannelKeys(routerKey, shardKey.Public, nonce, true)
	require.NoError(t, err)
	shard, err = DeriveChannelKeys(shardKey, routerKey.Public, nonce, false)
	require.NoError(t, err)
	return router, shard
}

// TestChannelRoundTrip checks both directions of a derived channel
func TestChannelRoundTrip(t *testing.T) {
	router, shard := newChannelPair(t)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Simple string", data: []byte("encrypted search query")},
		{name: "Binary data", data: []byte{0x00, 0x01, 0xFE, 0xFF}},
		{name: "Empty data", data: []byte{}},
		{name: "Long data", data: make([]byte, 4096)},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seq := uint64(i + 1)

			sealed := router.Seal("session-1", seq, tc.data)
			opened, err := shard.Open("session-1", seq, sealed)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(opened))

			reply := shard.Seal("session-1", seq, tc.data)
			require.NotEqual(t, sealed, reply, "directions must use distinct keys")
			opened, err = router.Open("session-1", seq, reply)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(opened))
		})
	}
}

// TestChannelRejectsTampering covers modified payloads, wrong sequence and wrong session
func TestChannelRejectsTampering(t *testing.T) {
	router, shard := newChannelPair(t)
	sealed := router.Seal("session-1", 7, []byte("payload"))

	flipped := append([]byte(nil), sealed...)
	flipped[0] ^= 0x01
	_, err := shard.Open("session-1", 7, flipped)
	require.ErrorIs(t, err, ErrOpenFailed)

	_, err = shard.Open("session-1", 8, sealed)
	require.ErrorIs(t, err, ErrOpenFailed)

	_, err = shard.Open("session-2", 7, sealed)
	require.ErrorIs(t, err, ErrOpenFailed)

	// a message cannot be reflected back to its sender
	_, err = router.Open("session-1", 7, sealed)
	require.ErrorIs(t, err, ErrOpenFailed)
}

// TestChannelKeysDifferPerHandshake checks that a different peer yields an unrelated channel
func TestChannelKeysDifferPerHandshake(t *testing.T) {
	router, _ := newChannelPair(t)
	_, otherShard := newChannelPair(t)

	sealed := router.Seal("session-1", 1, []byte("payload"))
	_, err := otherShard.Open("session-1", 1, sealed)
	require.Error(t, err)
}

func TestHandshakeReportDataBindsInputs(t *testing.T) {
	pub := []byte("public-key")
	nonce := []byte("nonce")

	base := HandshakeReportData(RoleRouter, pub, nonce)
	require.Equal(t, base, HandshakeReportData(RoleRouter, pub, nonce))
	require.NotEqual(t, base, HandshakeReportData(RoleShard, pub, nonce))
	require.NotEqual(t, base, HandshakeReportData(RoleRouter, []byte("other-key"), nonce))
	require.NotEqual(t, base, HandshakeReportData(RoleRouter, pub, []byte("other-nonce")))
}
