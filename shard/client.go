package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
)

// DefaultRPCTimeout bounds a single shard RPC when none is configured.
const DefaultRPCTimeout = 5 * time.Second

// ClientOpts wires a Client.
type ClientOpts struct {
	Identity   interfaces.ShardIdentity
	Transport  interfaces.ShardTransport
	Sessions   *session.Manager
	Policy     RetryPolicy
	RPCTimeout time.Duration
	Log        *slog.Logger
}

// Client queries one shard over its attested session, retrying transient failures.
type Client struct {
	identity   interfaces.ShardIdentity
	transport  interfaces.ShardTransport
	sessions   *session.Manager
	policy     RetryPolicy
	rpcTimeout time.Duration
	log        *slog.Logger
}

func NewClient(opts ClientOpts) *Client {
	rpcTimeout := opts.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		identity:   opts.Identity,
		transport:  opts.Transport,
		sessions:   opts.Sessions,
		policy:     opts.Policy,
		rpcTimeout: rpcTimeout,
		log:        log.With("shard_id", opts.Identity.ID),
	}
}

// ID returns the shard id.
func (c *Client) ID() interfaces.ShardID {
	return c.identity.ID
}

// Identity returns the shard identity the client was created for.
func (c *Client) Identity() interfaces.ShardIdentity {
	return c.identity
}

// SessionState returns the state of the shard's attested session.
func (c *Client) SessionState() session.State {
	return c.sessions.State()
}

// Prewarm establishes a session ahead of the first query.
func (c *Client) Prewarm(ctx context.Context) error {
	_, err := c.sessions.Acquire(ctx)
	return err
}

// Query sends an encrypted query to the shard and returns its encrypted answer.
// Failures are returned as *Error. Transport failures and timeouts are retried
// with backoff until the policy or ctx runs out; attestation rejection and
// tampered responses are returned at once.
func (c *Client) Query(ctx context.Context, query interfaces.Ciphertext) (interfaces.Ciphertext, error) {
	retry := NewRetryState(c.policy)
	for {
		attempt := retry.Begin()

		resp, kind, err := c.attempt(ctx, query)
		if err == nil {
			retry.Succeeded()
			return resp, nil
		}

		delay, ok := retry.Failed(kind.Retryable())
		if !ok {
			return nil, &Error{Shard: c.identity.ID, Kind: kind, Attempts: retry.Attempts(), Err: err}
		}

		c.log.Debug("shard attempt failed, retrying",
			"attempt", attempt,
			"kind", kind.String(),
			slog.Duration("delay", delay),
			"err", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{
				Shard:    c.identity.ID,
				Kind:     KindTimeout,
				Attempts: retry.Attempts(),
				Err:      fmt.Errorf("%w (last error: %v)", ctx.Err(), err),
			}
		}
		retry.Resume()
	}
}

func (c *Client) attempt(ctx context.Context, query interfaces.Ciphertext) (interfaces.Ciphertext, ErrorKind, error) {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrAttestationRejected):
			return nil, KindUntrusted, err
		case isContextErr(err):
			return nil, KindTimeout, err
		default:
			return nil, KindTransport, err
		}
	}

	if err := sess.Acquire(ctx); err != nil {
		return nil, KindTimeout, err
	}
	defer sess.Release()

	seq, sealed, err := sess.Seal(query)
	if err != nil {
		// expired or exhausted; the next attempt renegotiates
		return nil, KindTransport, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	resp, err := c.transport.Query(rpcCtx, &interfaces.SealedMessage{
		SessionID: sess.ID,
		Sequence:  seq,
		Payload:   sealed,
	})
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnknownSession):
			c.sessions.Invalidate(sess, "shard does not recognise session")
		case errors.Is(err, interfaces.ErrReplayedSequence), errors.Is(err, interfaces.ErrBadSeal):
			c.sessions.Invalidate(sess, "shard rejected sealed query")
		case rpcCtx.Err() != nil:
			return nil, KindTimeout, fmt.Errorf("shard rpc: %w", rpcCtx.Err())
		}
		return nil, KindTransport, err
	}

	plaintext, err := sess.Open(resp, seq)
	if err != nil {
		c.log.Warn("shard response failed channel authentication",
			"security_event", true,
			"session_id", sess.ID,
			"sequence", seq)
		return nil, KindTampered, err
	}

	return plaintext, 0, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
