package interfaces

import "context"

// TrustedMerger is the local enclave. It is the only component able to see
// plaintext: it merges per-shard encrypted responses into one encrypted reply.
type TrustedMerger interface {
	// Attest returns the enclave's attestation evidence bound to reportData.
	Attest(ctx context.Context, reportData [64]byte) ([]byte, error)

	// Merge combines shard responses for a request. The result must not depend on
	// the order of responses.
	Merge(ctx context.Context, request Ciphertext, responses []ShardResponse) (Ciphertext, error)
}
