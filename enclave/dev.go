package enclave

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/ruteri/attested-shard-router/interfaces"
)

var (
	ErrNotInitialized    = errors.New("enclave not initialized")
	ErrDuplicateResponse = errors.New("duplicate shard response")
	ErrCapacityExceeded  = errors.New("responses exceed oblivious map capacity")
)

// DevMerger is a merger for development and tests. It performs no decryption:
// the merged reply is the length-prefixed concatenation of all responses ordered
// by shard id, which makes the result independent of arrival order.
type DevMerger struct {
	Attester interfaces.AttestationProvider

	mu  sync.Mutex
	cfg *Config
}

// Init records the enclave configuration. Merges fail until it is called.
func (m *DevMerger) Init(cfg Config) {
	if cfg.OmapCapacity == 0 {
		cfg.OmapCapacity = DefaultOmapCapacity
	}
	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
}

func (m *DevMerger) config() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *DevMerger) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	if m.Attester == nil {
		return nil, errors.New("no attestation provider configured")
	}
	return m.Attester.Attest(reportData)
}

func (m *DevMerger) Merge(ctx context.Context, request interfaces.Ciphertext, responses []interfaces.ShardResponse) (interfaces.Ciphertext, error) {
	cfg := m.config()
	if cfg == nil {
		return nil, ErrNotInitialized
	}

	sorted := append([]interfaces.ShardResponse(nil), responses...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShardID < sorted[j].ShardID })

	var total uint64
	for i, r := range sorted {
		if i > 0 && sorted[i-1].ShardID == r.ShardID {
			return nil, ErrDuplicateResponse
		}
		total += uint64(len(r.Ciphertext))
	}
	if total > cfg.OmapCapacity {
		return nil, ErrCapacityExceeded
	}

	var buf bytes.Buffer
	for _, r := range sorted {
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(r.Ciphertext))))
		buf.Write(r.Ciphertext)
	}
	return buf.Bytes(), nil
}

// SplitMerged reverses the DevMerger framing.
func SplitMerged(merged []byte) ([][]byte, error) {
	var parts [][]byte
	for len(merged) > 0 {
		if len(merged) < 4 {
			return nil, errors.New("truncated length prefix")
		}
		n := binary.BigEndian.Uint32(merged)
		merged = merged[4:]
		if uint64(len(merged)) < uint64(n) {
			return nil, errors.New("truncated response")
		}
		parts = append(parts, merged[:n])
		merged = merged[n:]
	}
	return parts, nil
}
