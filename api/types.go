package api

import (
	"github.com/ruteri/attested-shard-router/interfaces"
)

// Headers carried by router and shard API requests.
const (
	// HeaderQueryDeadline optionally shortens the router's request deadline, in milliseconds.
	HeaderQueryDeadline = "X-Query-Deadline-Ms"

	// HeaderSessionID and HeaderSessionSeq frame a sealed shard query.
	HeaderSessionID  = "X-Session-Id"
	HeaderSessionSeq = "X-Session-Seq"

	// HeaderErrorCode names the shard API sentinel error behind a non-200 reply.
	HeaderErrorCode = "X-Error-Code"
)

// Error codes sent in HeaderErrorCode.
const (
	ErrorCodeUnknownSession   = "unknown_session"
	ErrorCodeReplayedSequence = "replayed_sequence"
	ErrorCodeBadSeal          = "bad_seal"
	ErrorCodeUntrusted        = "attestation_rejected"
)

// ErrorResponse is the JSON body of a failed client query.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ShardStatus describes one registered shard on the admin API.
type ShardStatus struct {
	interfaces.ShardIdentity
	SessionState string `json:"session_state"`
}

// ShardListResponse is returned by GET /api/admin/shards.
type ShardListResponse struct {
	Version uint64        `json:"version"`
	Shards  []ShardStatus `json:"shards"`
}
