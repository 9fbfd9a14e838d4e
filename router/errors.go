package router

import (
	"errors"
	"fmt"
)

// ErrorKind classifies request-level failures, the only failures that reach clients.
type ErrorKind int

const (
	// KindInvalidRequest: empty or oversized query. No shard was contacted.
	KindInvalidRequest ErrorKind = iota

	// KindAllShardsUnavailable: no shard produced a usable response in time.
	KindAllShardsUnavailable

	// KindMergeFailure: the enclave rejected the merge.
	KindMergeFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAllShardsUnavailable:
		return "all_shards_unavailable"
	case KindMergeFailure:
		return "merge_failure"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyQuery    = errors.New("query is empty")
	ErrQueryTooLarge = errors.New("query exceeds maximum size")
	ErrNoShards      = errors.New("no shards registered")
	ErrNoResponses   = errors.New("no shard returned a usable response")
)

// Error is a request-level failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a request-level error, and false for other errors.
func KindOf(err error) (ErrorKind, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}
