package cryptoutils

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/attested-shard-router/interfaces"
)

const (
	DCAPAttestation  = "qemu-tdx"
	DummyAttestation = "dummy"
)

// AttestationProviderFor returns the provider for an attestation type string.
// An empty remoteURL selects the local TDX device for DCAP.
func AttestationProviderFor(attestationType string, remoteURL string) (interfaces.AttestationProvider, error) {
	switch attestationType {
	case DCAPAttestation:
		if remoteURL != "" {
			return &RemoteAttestationProvider{Address: remoteURL, Timeout: 30 * time.Second}, nil
		}
		return &DCAPAttestationProvider{}, nil
	case DummyAttestation:
		return &DummyAttestationProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: attestation type %q", errors.ErrUnsupported, attestationType)
	}
}

// RemoteAttestationProvider fetches quotes from a quote service reachable over HTTP.
type RemoteAttestationProvider struct {
	Address string
	Timeout time.Duration
}

func (*RemoteAttestationProvider) AttestationType() string { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating quote request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider produces TDX quotes from the local configfs-tsm or device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() string { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyEvidence is the evidence format of the dummy provider. It is not
// cryptographically protected and must only be used in development.
type DummyEvidence struct {
	ReportData   string         `json:"report_data"`
	Measurements map[int]string `json:"measurements"`
}

// DummyAttestationProvider emits unsigned evidence carrying fixed measurements.
type DummyAttestationProvider struct {
	Measurements map[int]string
}

func (DummyAttestationProvider) AttestationType() string { return DummyAttestation }

func (p DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return json.Marshal(DummyEvidence{
		ReportData:   hex.EncodeToString(reportData[:]),
		Measurements: p.Measurements,
	})
}

// VerifyDCAPAttestation verifies a TDX v4 quote, checks that it carries reportData,
// and returns its measurement registers keyed by index.
func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	options := verify.DefaultOptions()
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	return map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}, nil
}

// VerifyDummyAttestation parses dummy evidence and checks its report data.
func VerifyDummyAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	var ev DummyEvidence
	if err := json.Unmarshal(report, &ev); err != nil {
		return nil, fmt.Errorf("could not parse dummy evidence: %w", err)
	}
	if ev.ReportData != hex.EncodeToString(reportData[:]) {
		return nil, fmt.Errorf("invalid report data %s, expected %x", ev.ReportData, reportData[:])
	}
	if ev.Measurements == nil {
		return map[int]string{}, nil
	}
	return ev.Measurements, nil
}
