package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSession is returned by a shard that does not recognise, or has
	// already expired, the session a query was sealed under.
	ErrUnknownSession = errors.New("unknown or expired session")

	// ErrReplayedSequence is returned by a shard when a query reuses a sequence number.
	ErrReplayedSequence = errors.New("replayed sequence number")

	// ErrBadSeal is returned when a sealed message fails to authenticate.
	ErrBadSeal = errors.New("sealed message failed authentication")
)

// HandshakeRequest opens an attested session with a shard.
type HandshakeRequest struct {
	// PublicKey is the router's ephemeral X25519 public key.
	PublicKey []byte `json:"public_key"`

	// Nonce is fresh per handshake and mixed into both report data and key derivation.
	Nonce []byte `json:"nonce"`

	// AttestationType and Evidence carry the router's own attestation.
	AttestationType string `json:"attestation_type"`
	Evidence        []byte `json:"evidence"`
}

// HandshakeResponse is the shard's half of the handshake.
type HandshakeResponse struct {
	SessionID       string    `json:"session_id"`
	PublicKey       []byte    `json:"public_key"`
	AttestationType string    `json:"attestation_type"`
	Evidence        []byte    `json:"evidence"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// SealedMessage is a channel-encrypted payload bound to a session and sequence number.
type SealedMessage struct {
	SessionID string
	Sequence  uint64
	Payload   []byte
}

// ShardTransport carries handshakes and sealed queries to one shard.
type ShardTransport interface {
	Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error)
	Query(ctx context.Context, msg *SealedMessage) (*SealedMessage, error)
}

// ShardTransportFactory creates the transport for a shard identity.
type ShardTransportFactory interface {
	TransportFor(shard ShardIdentity) (ShardTransport, error)
}
