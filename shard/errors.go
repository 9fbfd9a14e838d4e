package shard

import (
	"fmt"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// ErrorKind classifies why a shard query failed.
type ErrorKind int

const (
	// KindTransport covers network failures, shard-side errors and sessions that
	// expired mid-query. Retried.
	KindTransport ErrorKind = iota

	// KindTimeout is a per-RPC timeout or an exhausted shard budget. Retried while budget remains.
	KindTimeout

	// KindUntrusted is an attestation rejection. Terminal.
	KindUntrusted

	// KindTampered is a response that failed channel authentication. Terminal.
	KindTampered
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport_error"
	case KindTimeout:
		return "timeout"
	case KindUntrusted:
		return "attestation_failure"
	case KindTampered:
		return "tampered"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindTimeout
}

// Error is the failure of a shard query.
type Error struct {
	Shard    interfaces.ShardID
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("shard %s: %s after %d attempt(s): %v", e.Shard, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
