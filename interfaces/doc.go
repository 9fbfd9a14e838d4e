// Package interfaces defines core interfaces and types for the attested shard
// router, separating interface definitions from implementations.
//
// # Capability Interfaces
//
// AttestationVerifier: validates remote attestation evidence and returns the
// attested measurements.
//
// TrustedMerger: the local enclave, which merges per-shard encrypted responses.
//
// ShardTransport: carries handshakes and sealed queries to a single shard.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for audit records and rejected
// attestation evidence across backend types (file, S3, IPFS, Vault).
//
// # Types
//
//   - ShardIdentity: immutable shard description (id, endpoint, pinned measurements)
//   - Ciphertext: opaque encrypted payload
//   - QueryRequest / QueryResponse: client request and merged reply
//   - AuditEvent: security-relevant event record
package interfaces
