// Package cryptoutils implements the attested channel between the router and
// its shards, plus attestation generation and verification.
//
// # Channel
//
// Each side of a handshake generates an ephemeral X25519 key pair and binds its
// public key to its attestation through HandshakeReportData, which hashes the
// role, the public key and the handshake nonce into the 64-byte report data.
// DeriveChannelKeys expands the shared secret with HKDF-SHA256 into one
// ChaCha20-Poly1305 key per direction. Messages are sealed under their
// sequence number, and the session id and sequence are authenticated as
// additional data, so a reordered, replayed or cross-session message fails to open.
//
// # Attestation
//
// Supported evidence types:
//
//   - qemu-tdx: a TDX quote, produced from the local TDX device or a remote
//     quote service and verified with go-tdx-guest (DCAP)
//   - dummy: JSON evidence carrying measurements in the clear, for development
//
// Verifier checks evidence against its report data and applies a
// MeasurementPolicy allowlist. Every verification failure wraps
// interfaces.ErrAttestationRejected.
package cryptoutils
