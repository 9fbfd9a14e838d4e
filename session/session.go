package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// State is the lifecycle state of an attested session.
type State int

const (
	Unattested State = iota
	Attesting
	Attested
	Expired
	Revoked
)

func (s State) String() string {
	switch s {
	case Unattested:
		return "unattested"
	case Attesting:
		return "attesting"
	case Attested:
		return "attested"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionExpired is returned by operations on a session that is no longer Attested.
	ErrSessionExpired = errors.New("session expired")

	// ErrSequenceExhausted is returned when the sequence counter reached its limit.
	ErrSequenceExhausted = errors.New("session sequence exhausted")

	// ErrTampered is returned when a response fails channel authentication.
	ErrTampered = errors.New("response failed channel authentication")
)

// Session is an established attested channel with one shard. Only Attested
// sessions may seal or open messages; every other state is terminal for the
// session object, and a new handshake produces a new Session.
type Session struct {
	ID           string
	Measurements map[int]string
	CreatedAt    time.Time
	ExpiresAt    time.Time

	keys   *cryptoutils.ChannelKeys
	maxSeq uint64
	now    func() time.Time

	// inflight holds one token; an RPC owns the session while it holds it.
	inflight chan struct{}

	mu     sync.Mutex
	state  State
	seq    uint64
	reason string
}

func newSession(id string, keys *cryptoutils.ChannelKeys, measurements map[int]string, createdAt, expiresAt time.Time, maxSeq uint64, now func() time.Time) *Session {
	s := &Session{
		ID:           id,
		Measurements: measurements,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		keys:         keys,
		maxSeq:       maxSeq,
		now:          now,
		inflight:     make(chan struct{}, 1),
		state:        Attested,
	}
	s.inflight <- struct{}{}
	return s
}

// State returns the current state, moving an Attested session past its
// validity window to Expired.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkExpiryLocked()
	return s.state
}

// Usable reports whether the session is Attested and inside its validity window.
func (s *Session) Usable() bool {
	return s.State() == Attested
}

// Reason returns why the session left the Attested state, if it did.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Sequence returns the last sequence number handed out.
func (s *Session) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Acquire takes exclusive use of the session for one RPC. It blocks until the
// previous RPC released it or ctx ends.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case <-s.inflight:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the session after Acquire.
func (s *Session) Release() {
	s.inflight <- struct{}{}
}

// Seal advances the sequence counter and encrypts payload under it.
func (s *Session) Seal(payload []byte) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkExpiryLocked()
	if s.state != Attested {
		return 0, nil, ErrSessionExpired
	}
	if s.seq >= s.maxSeq {
		s.expireLocked("sequence exhausted")
		return 0, nil, ErrSequenceExhausted
	}

	s.seq++
	return s.seq, s.keys.Seal(s.ID, s.seq, payload), nil
}

// Open authenticates and decrypts a response sealed by the shard under seq.
// A response to a query sealed while the session was valid is accepted even if
// the validity window closed in between. Any failure is treated as tampering
// and expires the session.
func (s *Session) Open(msg *interfaces.SealedMessage, seq uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.SessionID != s.ID || msg.Sequence != seq {
		s.expireLocked("response bound to wrong session or sequence")
		return nil, ErrTampered
	}

	plaintext, err := s.keys.Open(s.ID, seq, msg.Payload)
	if err != nil {
		s.expireLocked("response failed authentication")
		return nil, ErrTampered
	}
	return plaintext, nil
}

// Expire forces the session to Expired. Expiring a non-Attested session is a no-op.
func (s *Session) Expire(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(reason)
}

func (s *Session) checkExpiryLocked() {
	if s.state == Attested && !s.now().Before(s.ExpiresAt) {
		s.state = Expired
		s.reason = "validity window elapsed"
	}
}

func (s *Session) expireLocked(reason string) {
	if s.state != Attested {
		return
	}
	s.state = Expired
	s.reason = reason
}
