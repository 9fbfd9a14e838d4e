package cryptoutils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// MeasurementPolicy is an allowlist of measurement sets. A set matches when every
// register it names has the listed value; registers it does not name are ignored.
// A policy with no sets accepts any measurements.
type MeasurementPolicy struct {
	Allowed []map[int]string `json:"allowed"`
}

// LoadMeasurementPolicy decodes a JSON policy document.
func LoadMeasurementPolicy(r io.Reader) (*MeasurementPolicy, error) {
	var p MeasurementPolicy
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("could not decode measurement policy: %w", err)
	}
	return &p, nil
}

// Allows reports whether measurements match at least one allowed set.
func (p *MeasurementPolicy) Allows(measurements map[int]string) bool {
	if p == nil || len(p.Allowed) == 0 {
		return true
	}
	for _, set := range p.Allowed {
		if MeasurementsMatch(set, measurements) {
			return true
		}
	}
	return false
}

// MeasurementsMatch reports whether every register in expected has the same
// value in actual. Hex comparison is case-insensitive.
func MeasurementsMatch(expected, actual map[int]string) bool {
	for idx, want := range expected {
		got, ok := actual[idx]
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// Verifier implements interfaces.AttestationVerifier for DCAP quotes and,
// when AllowDummy is set, dummy evidence.
type Verifier struct {
	Policy     *MeasurementPolicy
	AllowDummy bool
}

// Verify validates the report and applies the measurement policy. Every failure
// wraps interfaces.ErrAttestationRejected.
func (v *Verifier) Verify(ctx context.Context, report *interfaces.AttestationReport) (map[int]string, error) {
	var (
		measurements map[int]string
		err          error
	)

	switch report.Type {
	case DCAPAttestation:
		measurements, err = VerifyDCAPAttestation(report.ReportData, report.Evidence)
	case DummyAttestation:
		if !v.AllowDummy {
			return nil, fmt.Errorf("%w: dummy attestation not allowed", interfaces.ErrAttestationRejected)
		}
		measurements, err = VerifyDummyAttestation(report.ReportData, report.Evidence)
	default:
		return nil, fmt.Errorf("%w: unsupported attestation type %q", interfaces.ErrAttestationRejected, report.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationRejected, err)
	}

	if !v.Policy.Allows(measurements) {
		return nil, fmt.Errorf("%w: measurements not in allowlist", interfaces.ErrAttestationRejected)
	}

	return measurements, nil
}
