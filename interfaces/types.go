// Package interfaces defines the core types and capability interfaces of the
// shard router. It is the contract between components without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ShardID is the stable identifier of a backend shard.
type ShardID string

// String returns the shard id as a string.
func (id ShardID) String() string {
	return string(id)
}

// Ciphertext is an opaque encrypted payload. The router never inspects its contents.
type Ciphertext []byte

// ShardIdentity is an immutable description of a shard: where it lives and what
// attestation it must present. Identities are replaced, never mutated.
type ShardIdentity struct {
	// ID is the stable shard identifier; unique within a pool.
	ID ShardID `json:"id" yaml:"id"`

	// URI is the shard endpoint, see ParseShardURI for accepted schemes.
	URI string `json:"uri" yaml:"uri"`

	// PinnedMeasurements, if set, must all match the measurements attested by the shard
	// in addition to the router-wide allowlist.
	PinnedMeasurements map[int]string `json:"pinned_measurements,omitempty" yaml:"pinned_measurements,omitempty"`
}

// Validate checks that the identity has an id and a parseable endpoint.
func (s ShardIdentity) Validate() error {
	if s.ID == "" {
		return errors.New("shard id must not be empty")
	}
	if _, err := ParseShardURI(s.URI); err != nil {
		return err
	}
	return nil
}

// Equal reports whether two identities describe the same shard in the same way.
func (s ShardIdentity) Equal(other ShardIdentity) bool {
	if s.ID != other.ID || s.URI != other.URI || len(s.PinnedMeasurements) != len(other.PinnedMeasurements) {
		return false
	}
	for k, v := range s.PinnedMeasurements {
		if other.PinnedMeasurements[k] != v {
			return false
		}
	}
	return true
}

// SortShardIdentities orders identities by shard id.
func SortShardIdentities(shards []ShardIdentity) {
	sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })
}

// QueryRequest is an encrypted client query.
type QueryRequest struct {
	Ciphertext Ciphertext

	// DeadlineHint optionally shortens the router's request deadline. Zero means no hint.
	DeadlineHint time.Duration
}

// QueryResponse is the merged encrypted reply produced by the enclave.
type QueryResponse struct {
	Ciphertext Ciphertext
}

// ShardResponse is one shard's encrypted answer, as passed to the merger.
type ShardResponse struct {
	ShardID    ShardID    `json:"shard_id"`
	Ciphertext Ciphertext `json:"ciphertext"`
}

// DefaultShardPort is used when a shard URI carries no port.
const DefaultShardPort = 3225

var ErrInvalidShardURI = errors.New("invalid shard URI")

// ShardEndpoint is a parsed shard URI.
type ShardEndpoint struct {
	Scheme string
	Host   string
	Port   int
	TLS    bool
}

// ParseShardURI parses a shard endpoint URI.
//
// Accepted schemes:
//   - fog-view://host[:port]          TLS, default port 3225
//   - insecure-fog-view://host[:port] plaintext, default port 3225
//   - https://host[:port], http://host[:port]
func ParseShardURI(raw string) (*ShardEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShardURI, err)
	}

	var useTLS bool
	defaultPort := DefaultShardPort
	switch strings.ToLower(u.Scheme) {
	case "fog-view":
		useTLS = true
	case "insecure-fog-view":
		useTLS = false
	case "https":
		useTLS = true
		defaultPort = 443
	case "http":
		useTLS = false
		defaultPort = 80
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidShardURI, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidShardURI, raw)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidShardURI, p)
		}
	}

	return &ShardEndpoint{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Port:   port,
		TLS:    useTLS,
	}, nil
}

// BaseURL returns the HTTP base URL used to reach the shard API.
func (e *ShardEndpoint) BaseURL() string {
	scheme := "http"
	if e.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}
