package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// ErrHandshakeFailed is returned when a handshake could not complete for reasons
// other than attestation rejection. Such failures may be retried.
var ErrHandshakeFailed = errors.New("handshake failed")

// RejectionError reports a handshake whose attestation was rejected. It wraps
// interfaces.ErrAttestationRejected and carries the offending evidence.
type RejectionError struct {
	Shard           interfaces.ShardID
	AttestationType string
	Evidence        []byte
	Err             error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Shard, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Config bounds session lifetime and handshake duration.
type Config struct {
	// Lifetime is the validity window of a session. A shard may shorten it.
	Lifetime time.Duration

	// MaxSequence is the highest sequence number a session may use.
	MaxSequence uint64

	// HandshakeTimeout bounds a single handshake regardless of its callers.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the session settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Lifetime:         10 * time.Minute,
		MaxSequence:      1 << 32,
		HandshakeTimeout: 10 * time.Second,
	}
}

// HandshakeObserver is notified of every completed handshake attempt.
type HandshakeObserver interface {
	ObserveHandshake(shard interfaces.ShardID, result string, duration time.Duration)
}

// HandshakeObservers notifies each of its observers in turn.
type HandshakeObservers []HandshakeObserver

func (o HandshakeObservers) ObserveHandshake(shard interfaces.ShardID, result string, duration time.Duration) {
	for _, observer := range o {
		observer.ObserveHandshake(shard, result, duration)
	}
}

// ManagerOpts wires a Manager.
type ManagerOpts struct {
	Shard     interfaces.ShardIdentity
	Transport interfaces.ShardTransport
	Verifier  interfaces.AttestationVerifier

	// Attester produces the router's own evidence for mutual attestation.
	Attester interfaces.AttestationProvider

	Config   Config
	Log      *slog.Logger
	Observer HandshakeObserver

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the session between the router and one shard. At most one
// handshake is in flight at a time; concurrent callers share its result.
type Manager struct {
	shard     interfaces.ShardIdentity
	transport interfaces.ShardTransport
	verifier  interfaces.AttestationVerifier
	attester  interfaces.AttestationProvider
	cfg       Config
	log       *slog.Logger
	observer  HandshakeObserver
	now       func() time.Time

	flight     singleflight.Group
	handshakes atomic.Int64

	mu        sync.Mutex
	current   *Session
	attesting bool
	revoked   bool
}

func NewManager(opts ManagerOpts) *Manager {
	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaults.Lifetime
	}
	if cfg.MaxSequence == 0 {
		cfg.MaxSequence = defaults.MaxSequence
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		shard:     opts.Shard,
		transport: opts.Transport,
		verifier:  opts.Verifier,
		attester:  opts.Attester,
		cfg:       cfg,
		log:       log.With("shard_id", opts.Shard.ID),
		observer:  opts.Observer,
		now:       now,
	}
}

// State returns the state of the shard's session as seen by the router.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.attesting:
		return Attesting
	case m.current != nil:
		return m.current.State()
	case m.revoked:
		return Revoked
	default:
		return Unattested
	}
}

// Handshakes returns the number of handshakes started so far.
func (m *Manager) Handshakes() int64 {
	return m.handshakes.Load()
}

// Acquire returns a usable session, performing a handshake if there is none.
// A caller whose ctx ends stops waiting, but the handshake itself continues and
// its result is kept for later callers.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if s := m.usable(); s != nil {
		return s, nil
	}

	ch := m.flight.DoChan("handshake", func() (interface{}, error) {
		if s := m.usable(); s != nil {
			return s, nil
		}
		return m.handshake()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate expires sess so the next Acquire renegotiates.
func (m *Manager) Invalidate(sess *Session, reason string) {
	sess.Expire(reason)
	m.log.Debug("session invalidated", "session_id", sess.ID, "reason", reason)
}

func (m *Manager) usable() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Usable() {
		return m.current
	}
	return nil
}

func (m *Manager) setAttesting(v bool) {
	m.mu.Lock()
	m.attesting = v
	m.mu.Unlock()
}

func (m *Manager) handshake() (*Session, error) {
	m.setAttesting(true)
	defer m.setAttesting(false)

	m.handshakes.Inc()
	start := m.now()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	sess, err := m.doHandshake(ctx)

	result := "ok"
	var rejection *RejectionError
	switch {
	case errors.As(err, &rejection):
		result = "rejected"
		m.mu.Lock()
		m.current = nil
		m.revoked = true
		m.mu.Unlock()
		m.log.Warn("shard attestation rejected",
			"security_event", true,
			"attestation_type", rejection.AttestationType,
			"err", rejection.Err)
	case err != nil:
		result = "error"
		m.log.Info("handshake failed", "err", err)
	default:
		m.mu.Lock()
		m.current = sess
		m.revoked = false
		m.mu.Unlock()
		m.log.Debug("session established",
			"session_id", sess.ID,
			slog.Time("expires_at", sess.ExpiresAt))
	}

	if m.observer != nil {
		m.observer.ObserveHandshake(m.shard.ID, result, m.now().Sub(start))
	}
	return sess, err
}

func (m *Manager) doHandshake(ctx context.Context) (*Session, error) {
	local, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	nonce, err := cryptoutils.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	evidence, err := m.attester.Attest(cryptoutils.HandshakeReportData(cryptoutils.RoleRouter, local.Public, nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: could not produce router attestation: %w", ErrHandshakeFailed, err)
	}

	resp, err := m.transport.Handshake(ctx, &interfaces.HandshakeRequest{
		PublicKey:       local.Public,
		Nonce:           nonce,
		AttestationType: m.attester.AttestationType(),
		Evidence:        evidence,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	measurements, err := m.verifier.Verify(ctx, &interfaces.AttestationReport{
		Type:       resp.AttestationType,
		Evidence:   resp.Evidence,
		ReportData: cryptoutils.HandshakeReportData(cryptoutils.RoleShard, resp.PublicKey, nonce),
	})
	if err == nil && !cryptoutils.MeasurementsMatch(m.shard.PinnedMeasurements, measurements) {
		err = fmt.Errorf("%w: measurements do not match pinned set", interfaces.ErrAttestationRejected)
	}
	if err != nil {
		if !errors.Is(err, interfaces.ErrAttestationRejected) {
			err = fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err)
		}
		return nil, &RejectionError{
			Shard:           m.shard.ID,
			AttestationType: resp.AttestationType,
			Evidence:        resp.Evidence,
			Err:             err,
		}
	}

	keys, err := cryptoutils.DeriveChannelKeys(local, resp.PublicKey, nonce, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	createdAt := m.now()
	expiresAt := createdAt.Add(m.cfg.Lifetime)
	if !resp.ExpiresAt.IsZero() && resp.ExpiresAt.Before(expiresAt) {
		expiresAt = resp.ExpiresAt
	}
	if !expiresAt.After(createdAt) {
		return nil, fmt.Errorf("%w: shard offered an already expired session", ErrHandshakeFailed)
	}

	return newSession(resp.SessionID, keys, measurements, createdAt, expiresAt, m.cfg.MaxSequence, m.now), nil
}
