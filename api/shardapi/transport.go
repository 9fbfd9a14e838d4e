package shardapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// Transport is the router side of the shard API for one shard.
type Transport struct {
	baseURL    string
	client     *http.Client
	maxPayload int64
}

// NewTransport creates a transport for the shard at baseURL.
func NewTransport(baseURL string, client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{baseURL: strings.TrimSuffix(baseURL, "/"), client: client, maxPayload: DefaultMaxPayload}
}

// WithMaxPayload sets the largest accepted shard response. Non-positive keeps the default.
func (t *Transport) WithMaxPayload(limit int64) *Transport {
	if limit > 0 {
		t.maxPayload = limit
	}
	return t
}

func (t *Transport) Handshake(ctx context.Context, req *interfaces.HandshakeRequest) (*interfaces.HandshakeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not marshal handshake: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/handshake", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, _, err := t.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp interfaces.HandshakeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("could not parse handshake response: %w", err)
	}
	return &resp, nil
}

func (t *Transport) Query(ctx context.Context, msg *interfaces.SealedMessage) (*interfaces.SealedMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/query", bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set(api.HeaderSessionID, msg.SessionID)
	httpReq.Header.Set(api.HeaderSessionSeq, strconv.FormatUint(msg.Sequence, 10))

	payload, header, err := t.do(httpReq)
	if err != nil {
		return nil, err
	}

	seq, err := strconv.ParseUint(header.Get(api.HeaderSessionSeq), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s in shard response: %w", api.HeaderSessionSeq, err)
	}
	return &interfaces.SealedMessage{
		SessionID: header.Get(api.HeaderSessionID),
		Sequence:  seq,
		Payload:   payload,
	}, nil
}

func (t *Transport) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("could not reach shard: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, t.maxPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read shard response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if sentinel := sentinelFor(resp.Header.Get(api.HeaderErrorCode)); sentinel != nil {
			return nil, nil, fmt.Errorf("%w: %s", sentinel, msg)
		}
		return nil, nil, fmt.Errorf("shard returned %d: %s", resp.StatusCode, msg)
	}
	return body, resp.Header, nil
}

func sentinelFor(code string) error {
	switch code {
	case api.ErrorCodeUnknownSession:
		return interfaces.ErrUnknownSession
	case api.ErrorCodeReplayedSequence:
		return interfaces.ErrReplayedSequence
	case api.ErrorCodeBadSeal:
		return interfaces.ErrBadSeal
	case api.ErrorCodeUntrusted:
		return interfaces.ErrAttestationRejected
	default:
		return nil
	}
}

// TransportFactory builds shard transports, sharing one HTTP client per TLS mode.
type TransportFactory struct {
	// TLSConfig is used for fog-view:// and https:// shards. The attested channel
	// authenticates the shard, TLS only protects metadata.
	TLSConfig *tls.Config

	// MaxPayload bounds shard responses, DefaultMaxPayload when zero.
	MaxPayload int64

	clientCache     map[bool]*http.Client
	clientCacheLock sync.RWMutex
}

func NewTransportFactory(tlsConfig *tls.Config) *TransportFactory {
	return &TransportFactory{
		TLSConfig:   tlsConfig,
		clientCache: make(map[bool]*http.Client),
	}
}

func (f *TransportFactory) TransportFor(identity interfaces.ShardIdentity) (interfaces.ShardTransport, error) {
	endpoint, err := interfaces.ParseShardURI(identity.URI)
	if err != nil {
		return nil, err
	}
	return NewTransport(endpoint.BaseURL(), f.clientFor(endpoint.TLS)).WithMaxPayload(f.MaxPayload), nil
}

func (f *TransportFactory) clientFor(useTLS bool) *http.Client {
	f.clientCacheLock.RLock()
	client, exists := f.clientCache[useTLS]
	f.clientCacheLock.RUnlock()
	if exists {
		return client
	}

	f.clientCacheLock.Lock()
	defer f.clientCacheLock.Unlock()

	// Check again in case another goroutine created it while we were waiting
	if client, exists = f.clientCache[useTLS]; exists {
		return client
	}
	if f.clientCache == nil {
		f.clientCache = make(map[bool]*http.Client)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if useTLS {
		transport.TLSClientConfig = f.TLSConfig
	}
	client = &http.Client{Transport: transport}
	f.clientCache[useTLS] = client
	return client
}
