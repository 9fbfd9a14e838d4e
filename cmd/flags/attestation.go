package flags

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/attested-shard-router/cryptoutils"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/urfave/cli/v2"
)

// Attester returns the attestation provider selected by AttestationFlags.
func Attester(cCtx *cli.Context) (interfaces.AttestationProvider, error) {
	return cryptoutils.AttestationProviderFor(cCtx.String(AttestationTypeFlag.Name), cCtx.String(RemoteAttestationURLFlag.Name))
}

// Verifier builds the peer verifier from AttestationFlags.
func Verifier(cCtx *cli.Context, log *slog.Logger) (*cryptoutils.Verifier, error) {
	verifier := &cryptoutils.Verifier{AllowDummy: cCtx.Bool(AllowDummyFlag.Name)}
	if verifier.AllowDummy {
		log.Warn("accepting dummy attestations, do not use in production")
	}

	path := cCtx.String(MeasurementsFileFlag.Name)
	if path == "" {
		log.Warn("no measurements file configured, any attested peer is accepted")
		return verifier, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open measurements file: %w", err)
	}
	defer f.Close()

	verifier.Policy, err = cryptoutils.LoadMeasurementPolicy(f)
	if err != nil {
		return nil, err
	}
	log.Info("loaded measurement policy", "allowed_sets", len(verifier.Policy.Allowed))
	return verifier, nil
}
