package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/attested-shard-router/api/shardapi"
	"github.com/ruteri/attested-shard-router/cmd/flags"
	"github.com/ruteri/attested-shard-router/httpserver"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/metrics"
	"github.com/ruteri/attested-shard-router/shardnode"
	"github.com/urfave/cli/v2"
)

var nodeFlags = []cli.Flag{
	flags.LogServiceFlagFn("shard-node"),
	&cli.StringFlag{
		Name:     "shard-id",
		Required: true,
		Usage:    "identifier of this shard",
		EnvVars:  []string{"SHARD_ID"},
	},
	&cli.IntFlag{
		Name:    "max-sessions",
		Value:   1024,
		Usage:   "maximum number of concurrent router sessions",
		EnvVars: []string{"MAX_SESSIONS"},
	},
	&cli.Int64Flag{
		Name:    "max-payload",
		Value:   shardapi.DefaultMaxPayload,
		Usage:   "largest accepted handshake or query body in bytes",
		EnvVars: []string{"MAX_PAYLOAD"},
	},
}

func main() {
	app := &cli.App{
		Name:  "shard-node",
		Usage: "Serve a development shard over the attested channel",
		Flags: append(append(append([]cli.Flag{}, flags.CommonFlags...), flags.AttestationFlags...), nodeFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			attester, err := flags.Attester(cCtx)
			if err != nil {
				return err
			}
			verifier, err := flags.Verifier(cCtx, logger)
			if err != nil {
				return err
			}

			shardID := interfaces.ShardID(cCtx.String("shard-id"))
			node := shardnode.New(shardnode.Config{
				ShardID:         shardID,
				SessionLifetime: cCtx.Duration(flags.SessionLifetimeFlag.Name),
				MaxSessions:     cCtx.Int("max-sessions"),
			}, attester, verifier, shardnode.EchoBackend{ShardID: shardID}, logger.With("shard_id", shardID))

			metricsSrv, err := metrics.New("shard", cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				return err
			}

			server := httpserver.New(
				flags.ConfigureServer(cCtx, logger),
				metricsSrv,
				[]httpserver.RouteRegistrar{shardapi.NewHandler(node, logger).WithMaxPayload(cCtx.Int64("max-payload"))},
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
