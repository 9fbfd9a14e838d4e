// Command devenclave serves the development merge enclave over HTTP so the
// router can be exercised with --enclave-url without enclave hardware.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/attested-shard-router/cmd/flags"
	"github.com/ruteri/attested-shard-router/enclave"
	"github.com/ruteri/attested-shard-router/httpserver"
	"github.com/ruteri/attested-shard-router/metrics"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "dev-enclave",
		Usage: "Serve the development merge enclave",
		Flags: append(append([]cli.Flag{}, flags.CommonFlags...),
			flags.LogServiceFlagFn("dev-enclave"),
			flags.AttestationTypeFlag,
			flags.RemoteAttestationURLFlag,
		),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			logger.Warn("The development enclave does not protect query contents")

			attester, err := flags.Attester(cCtx)
			if err != nil {
				return err
			}

			metricsSrv, err := metrics.New("dev_enclave", cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				return err
			}

			merger := &enclave.DevMerger{Attester: attester}
			server := httpserver.New(
				flags.ConfigureServer(cCtx, logger),
				metricsSrv,
				[]httpserver.RouteRegistrar{enclave.NewHandler(merger, logger)},
				nil,
			)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
