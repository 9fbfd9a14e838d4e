// Package enclave provides the router's trusted merger: an HTTP client for the
// enclave sidecar, the sidecar's HTTP handler, and a development merger.
package enclave

import (
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// Config is passed to the enclave when it is initialized.
type Config struct {
	// URL is the base URL of the enclave sidecar.
	URL string `json:"-"`

	// ResponderID is the identity clients use when attesting the router.
	ResponderID string `json:"responder_id"`

	// OmapCapacity is the capacity of the oblivious map used while merging.
	OmapCapacity uint64 `json:"omap_capacity"`

	// Timeout bounds each enclave call.
	Timeout time.Duration `json:"-"`
}

// DefaultOmapCapacity is the oblivious map capacity used when none is configured.
const DefaultOmapCapacity = 1 << 20

// MergeRequest is the body of a merge call.
type MergeRequest struct {
	Request   []byte                     `json:"request"`
	Responses []interfaces.ShardResponse `json:"responses"`
}
