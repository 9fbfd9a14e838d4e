package interfaces

import (
	"context"
	"errors"
)

// ErrAttestationRejected is returned by verifiers when evidence is well formed
// but does not satisfy the verification policy.
var ErrAttestationRejected = errors.New("attestation rejected")

// AttestationReport is remote attestation evidence bound to report data.
type AttestationReport struct {
	// Type names the evidence format, for example "qemu-tdx" or "dummy".
	Type string

	// Evidence is the raw quote.
	Evidence []byte

	// ReportData is the value the quote must carry to be bound to this handshake.
	ReportData [64]byte
}

// AttestationVerifier validates attestation evidence and returns the attested
// measurements. Quote validation internals are up to the implementation.
type AttestationVerifier interface {
	Verify(ctx context.Context, report *AttestationReport) (map[int]string, error)
}

// AttestationProvider produces attestation evidence for the local environment.
type AttestationProvider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
}
