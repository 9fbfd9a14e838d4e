// Package shardnode implements the shard side of the attested channel: it
// answers handshakes with its own attestation, verifies the router's, and
// serves sealed queries against a search backend.
package shardnode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// Backend answers decrypted queries. Its input and output are the inner
// ciphertexts of the oblivious query protocol, opaque to the node as well.
type Backend interface {
	Search(ctx context.Context, query []byte) ([]byte, error)
}

// EchoBackend answers each query with the shard id prepended to it.
type EchoBackend struct {
	ShardID interfaces.ShardID
}

func (b EchoBackend) Search(ctx context.Context, query []byte) ([]byte, error) {
	out := make([]byte, 0, len(b.ShardID)+1+len(query))
	out = append(out, b.ShardID...)
	out = append(out, ':')
	return append(out, query...), nil
}

// Config holds shard node settings.
type Config struct {
	ShardID         interfaces.ShardID
	SessionLifetime time.Duration
	MaxSessions     int
}

type nodeSession struct {
	keys      *cryptoutils.ChannelKeys
	expiresAt time.Time

	mu      sync.Mutex
	lastSeq uint64
}

// Node is an in-process shard. It implements interfaces.ShardTransport, so the
// router can talk to it directly as well as over HTTP.
type Node struct {
	cfg      Config
	attester interfaces.AttestationProvider
	verifier interfaces.AttestationVerifier
	backend  Backend
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*nodeSession
}

// New creates a shard node. A nil verifier accepts any router.
func New(cfg Config, attester interfaces.AttestationProvider, verifier interfaces.AttestationVerifier, backend Backend, log *slog.Logger) *Node {
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 10 * time.Minute
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	return &Node{
		cfg:      cfg,
		attester: attester,
		verifier: verifier,
		backend:  backend,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*nodeSession),
	}
}

// Handshake verifies the router's attestation and opens a session.
func (n *Node) Handshake(ctx context.Context, req *interfaces.HandshakeRequest) (*interfaces.HandshakeResponse, error) {
	if len(req.Nonce) != cryptoutils.NonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(req.Nonce))
	}

	if n.verifier != nil {
		_, err := n.verifier.Verify(ctx, &interfaces.AttestationReport{
			Type:       req.AttestationType,
			Evidence:   req.Evidence,
			ReportData: cryptoutils.HandshakeReportData(cryptoutils.RoleRouter, req.PublicKey, req.Nonce),
		})
		if err != nil {
			n.log.Warn("router attestation rejected", "security_event", true, "err", err)
			return nil, fmt.Errorf("router attestation: %w", err)
		}
	}

	local, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	keys, err := cryptoutils.DeriveChannelKeys(local, req.PublicKey, req.Nonce, false)
	if err != nil {
		return nil, err
	}

	evidence, err := n.attester.Attest(cryptoutils.HandshakeReportData(cryptoutils.RoleShard, local.Public, req.Nonce))
	if err != nil {
		return nil, fmt.Errorf("could not attest: %w", err)
	}

	id := uuid.NewString()
	expiresAt := n.now().Add(n.cfg.SessionLifetime)

	n.mu.Lock()
	n.pruneLocked()
	n.sessions[id] = &nodeSession{keys: keys, expiresAt: expiresAt}
	n.mu.Unlock()

	n.log.Debug("session opened", "session_id", id)

	return &interfaces.HandshakeResponse{
		SessionID:       id,
		PublicKey:       local.Public,
		AttestationType: n.attester.AttestationType(),
		Evidence:        evidence,
		ExpiresAt:       expiresAt,
	}, nil
}

// Query opens a sealed query, runs it against the backend and seals the answer
// under the same sequence number.
func (n *Node) Query(ctx context.Context, msg *interfaces.SealedMessage) (*interfaces.SealedMessage, error) {
	n.mu.Lock()
	sess, ok := n.sessions[msg.SessionID]
	if ok && !n.now().Before(sess.expiresAt) {
		delete(n.sessions, msg.SessionID)
		ok = false
	}
	n.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrUnknownSession
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if msg.Sequence <= sess.lastSeq {
		return nil, interfaces.ErrReplayedSequence
	}

	query, err := sess.keys.Open(msg.SessionID, msg.Sequence, msg.Payload)
	if err != nil {
		n.log.Warn("query failed channel authentication", "security_event", true, "session_id", msg.SessionID)
		return nil, interfaces.ErrBadSeal
	}
	sess.lastSeq = msg.Sequence

	result, err := n.backend.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return &interfaces.SealedMessage{
		SessionID: msg.SessionID,
		Sequence:  msg.Sequence,
		Payload:   sess.keys.Seal(msg.SessionID, msg.Sequence, result),
	}, nil
}

// DropSessions forgets every session, as a restarted shard would.
func (n *Node) DropSessions() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = make(map[string]*nodeSession)
}

// SessionCount returns the number of open sessions.
func (n *Node) SessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

func (n *Node) pruneLocked() {
	now := n.now()
	for id, s := range n.sessions {
		if !now.Before(s.expiresAt) {
			delete(n.sessions, id)
		}
	}

	for len(n.sessions) >= n.cfg.MaxSessions {
		var oldestID string
		var oldest time.Time
		for id, s := range n.sessions {
			if oldestID == "" || s.expiresAt.Before(oldest) {
				oldestID, oldest = id, s.expiresAt
			}
		}
		delete(n.sessions, oldestID)
	}
}
