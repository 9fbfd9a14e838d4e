package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/attested-shard-router/api/adminhandler"
	"github.com/ruteri/attested-shard-router/api/routerhandler"
	"github.com/ruteri/attested-shard-router/api/shardapi"
	"github.com/ruteri/attested-shard-router/audit"
	"github.com/ruteri/attested-shard-router/cmd/flags"
	"github.com/ruteri/attested-shard-router/discovery"
	"github.com/ruteri/attested-shard-router/enclave"
	"github.com/ruteri/attested-shard-router/httpserver"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/metrics"
	"github.com/ruteri/attested-shard-router/router"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/ruteri/attested-shard-router/shard"
	"github.com/ruteri/attested-shard-router/storage"
	"github.com/urfave/cli/v2"
)

var routerFlags = []cli.Flag{
	flags.AdminAddrFlag,
	flags.RequestTimeoutFlag,
	flags.LogServiceFlagFn("shard-router"),
	&cli.StringSliceFlag{
		Name:    "shard",
		Usage:   "static shard as 'id=uri' or 'uri', may be repeated",
		EnvVars: []string{"SHARDS"},
	},
	&cli.StringFlag{
		Name:    "shard-file",
		Usage:   "YAML file listing static shards",
		EnvVars: []string{"SHARD_FILE"},
	},
	&cli.StringFlag{
		Name:    "dns-srv",
		Usage:   "discover shards from the SRV records of this name",
		EnvVars: []string{"DNS_SRV"},
	},
	&cli.StringFlag{
		Name:    "dns-resolver",
		Value:   discovery.DefaultResolver,
		Usage:   "DNS server used for SRV discovery",
		EnvVars: []string{"DNS_RESOLVER"},
	},
	&cli.StringFlag{
		Name:    "rpc-addr",
		Value:   "http://127.0.0.1:8545",
		Usage:   "Ethereum RPC used for onchain shard discovery",
		EnvVars: []string{"RPC_ADDR"},
	},
	&cli.StringFlag{
		Name:    "shard-registry",
		Usage:   "address of the onchain shard registry contract, enables onchain discovery",
		EnvVars: []string{"SHARD_REGISTRY"},
	},
	&cli.StringFlag{
		Name:    "discovered-scheme",
		Value:   "fog-view",
		Usage:   "URI scheme of shards found through DNS or onchain discovery",
		EnvVars: []string{"DISCOVERED_SCHEME"},
	},
	&cli.DurationFlag{
		Name:    "sync-interval",
		Value:   discovery.DefaultSyncInterval,
		Usage:   "how often shard discovery is re-run",
		EnvVars: []string{"SYNC_INTERVAL"},
	},
	&cli.BoolFlag{
		Name:    "prewarm",
		Value:   true,
		Usage:   "handshake with shards as soon as they join the pool",
		EnvVars: []string{"PREWARM"},
	},
	&cli.IntFlag{
		Name:    "shard-max-attempts",
		Value:   shard.DefaultRetryPolicy().MaxAttempts,
		Usage:   "attempts per shard query, including the first",
		EnvVars: []string{"SHARD_MAX_ATTEMPTS"},
	},
	&cli.DurationFlag{
		Name:    "shard-retry-delay",
		Value:   shard.DefaultRetryPolicy().BaseDelay,
		Usage:   "wait before the first retry; later waits double",
		EnvVars: []string{"SHARD_RETRY_DELAY"},
	},
	&cli.DurationFlag{
		Name:    "shard-retry-max-delay",
		Value:   shard.DefaultRetryPolicy().MaxDelay,
		Usage:   "cap of a single retry wait",
		EnvVars: []string{"SHARD_RETRY_MAX_DELAY"},
	},
	&cli.Float64Flag{
		Name:    "shard-retry-jitter",
		Value:   shard.DefaultRetryPolicy().Jitter,
		Usage:   "fraction by which each retry wait is randomized in either direction",
		EnvVars: []string{"SHARD_RETRY_JITTER"},
	},
	&cli.Int64Flag{
		Name:    "shard-max-response-size",
		Value:   shardapi.DefaultMaxPayload,
		Usage:   "largest accepted shard response in bytes; larger responses fail the attempt",
		EnvVars: []string{"SHARD_MAX_RESPONSE_SIZE"},
	},
	&cli.DurationFlag{
		Name:    "shard-rpc-timeout",
		Value:   shard.DefaultRPCTimeout,
		Usage:   "timeout of a single shard RPC",
		EnvVars: []string{"SHARD_RPC_TIMEOUT"},
	},
	&cli.IntFlag{
		Name:    "max-query-size",
		Value:   router.DefaultMaxQuerySize,
		Usage:   "largest accepted query ciphertext in bytes",
		EnvVars: []string{"MAX_QUERY_SIZE"},
	},
	&cli.StringFlag{
		Name:    "enclave-url",
		Usage:   "base URL of the merge enclave sidecar",
		EnvVars: []string{"ENCLAVE_URL"},
	},
	&cli.BoolFlag{
		Name:    "dev-enclave",
		Usage:   "merge in-process without an enclave (development only)",
		EnvVars: []string{"DEV_ENCLAVE"},
	},
	&cli.StringFlag{
		Name:    "responder-id",
		Usage:   "responder id the enclave presents to clients",
		EnvVars: []string{"RESPONDER_ID"},
	},
	&cli.Uint64Flag{
		Name:    "omap-capacity",
		Value:   enclave.DefaultOmapCapacity,
		Usage:   "oblivious map capacity of the enclave",
		EnvVars: []string{"OMAP_CAPACITY"},
	},
	&cli.StringSliceFlag{
		Name:    "audit-storage",
		Usage:   "storage location for the audit trail (file://, s3://, ipfs://, vault://), may be repeated",
		EnvVars: []string{"AUDIT_STORAGE"},
	},
}

func main() {
	app := &cli.App{
		Name:  "shard-router",
		Usage: "Route encrypted queries to attested shards and merge the answers in an enclave",
		Flags: append(append(append([]cli.Flag{}, flags.CommonFlags...), flags.AttestationFlags...), routerFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx, cancel := context.WithCancel(cCtx.Context)
			defer cancel()

			metricsSrv, err := metrics.New("router", cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				return err
			}
			routerMetrics, err := metrics.NewRouterMetrics("router", metricsSrv.Registry())
			if err != nil {
				return err
			}

			auditSink, closeAudit, err := setupAudit(ctx, storage.NewStorageBackendFactory(logger), cCtx.StringSlice("audit-storage"), logger)
			if err != nil {
				return err
			}
			defer closeAudit()

			attester, err := flags.Attester(cCtx)
			if err != nil {
				return err
			}
			verifier, err := flags.Verifier(cCtx, logger)
			if err != nil {
				return err
			}

			transports := shardapi.NewTransportFactory(&tls.Config{MinVersion: tls.VersionTLS12})
			transports.MaxPayload = cCtx.Int64("shard-max-response-size")
			handshakeObserver := session.HandshakeObservers{routerMetrics, audit.NewHandshakeRecorder(auditSink)}
			sessionCfg := session.DefaultConfig()
			sessionCfg.Lifetime = cCtx.Duration(flags.SessionLifetimeFlag.Name)

			retryPolicy := shard.DefaultRetryPolicy()
			retryPolicy.MaxAttempts = cCtx.Int("shard-max-attempts")
			retryPolicy.BaseDelay = cCtx.Duration("shard-retry-delay")
			retryPolicy.MaxDelay = cCtx.Duration("shard-retry-max-delay")
			retryPolicy.Jitter = cCtx.Float64("shard-retry-jitter")
			rpcTimeout := cCtx.Duration("shard-rpc-timeout")

			clientFactory := func(identity interfaces.ShardIdentity) (*shard.Client, error) {
				transport, err := transports.TransportFor(identity)
				if err != nil {
					return nil, err
				}
				sessions := session.NewManager(session.ManagerOpts{
					Shard:     identity,
					Transport: transport,
					Verifier:  verifier,
					Attester:  attester,
					Config:    sessionCfg,
					Log:       logger,
					Observer:  handshakeObserver,
				})
				return shard.NewClient(shard.ClientOpts{
					Identity:   identity,
					Transport:  transport,
					Sessions:   sessions,
					Policy:     retryPolicy,
					RPCTimeout: rpcTimeout,
					Log:        logger,
				}), nil
			}

			pool := shard.NewPool(shard.PoolOpts{
				Factory:      clientFactory,
				Log:          logger,
				Observer:     routerMetrics,
				Audit:        auditSink,
				PrewarmOnAdd: cCtx.Bool("prewarm"),
			})

			merger, err := setupMerger(ctx, cCtx, attester, logger)
			if err != nil {
				return err
			}

			service := router.NewService(router.ServiceOpts{
				Pool:   pool,
				Merger: merger,
				Config: router.Config{
					MaxQuerySize:   cCtx.Int("max-query-size"),
					RequestTimeout: cCtx.Duration(flags.RequestTimeoutFlag.Name),
				},
				Log:      logger,
				Observer: routerMetrics,
				Audit:    auditSink,
			})

			sources, err := shardSources(cCtx, logger)
			if err != nil {
				return err
			}

			var syncTrigger adminhandler.SyncTrigger
			if len(sources) > 0 {
				syncer := discovery.NewSyncer(pool, sources, cCtx.Duration("sync-interval"), logger)
				syncTrigger = syncer
				go syncer.Run(ctx)
			} else if cCtx.String(flags.AdminAddrFlag.Name) == "" {
				return errors.New("no shards configured: pass --shard, --shard-file, --dns-srv, --shard-registry or --admin-addr")
			}

			server := httpserver.New(
				flags.ConfigureServer(cCtx, logger),
				metricsSrv,
				[]httpserver.RouteRegistrar{routerhandler.NewHandler(service, logger)},
				[]httpserver.RouteRegistrar{adminhandler.NewHandler(pool, syncTrigger, logger)},
			)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Router is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			cancel()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setupAudit always logs audit events and, when storage locations are given,
// also persists them. The returned func flushes pending events.
func setupAudit(ctx context.Context, backends interfaces.StorageBackendFactory, locations []string, logger *slog.Logger) (interfaces.AuditSink, func(), error) {
	logSink := audit.NewLogSink(logger)

	if len(locations) == 0 {
		return logSink, func() {}, nil
	}

	backend, err := backends.CreateMultiBackend(locations)
	if err != nil {
		return nil, nil, fmt.Errorf("could not set up audit storage: %w", err)
	}
	logger.Info("Persisting audit trail", "location", backend.LocationURI())

	storageSink := audit.NewStorageSink(backend, audit.StorageSinkOpts{Log: logger})
	done := make(chan struct{})
	go func() {
		storageSink.Run(ctx)
		close(done)
	}()

	return audit.MultiSink{logSink, storageSink}, func() {
		storageSink.Close()
		<-done
		if dropped := storageSink.Dropped(); dropped > 0 {
			logger.Warn("Audit events were dropped", "count", dropped)
		}
	}, nil
}

func setupMerger(ctx context.Context, cCtx *cli.Context, attester interfaces.AttestationProvider, logger *slog.Logger) (interfaces.TrustedMerger, error) {
	cfg := enclave.Config{
		URL:          cCtx.String("enclave-url"),
		ResponderID:  cCtx.String("responder-id"),
		OmapCapacity: cCtx.Uint64("omap-capacity"),
	}

	if cCtx.Bool("dev-enclave") {
		logger.Warn("Merging without an enclave, do not use in production")
		merger := &enclave.DevMerger{Attester: attester}
		merger.Init(cfg)
		return merger, nil
	}

	if cfg.URL == "" {
		return nil, errors.New("--enclave-url is required unless --dev-enclave is set")
	}

	client := enclave.NewClient(cfg, nil)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Init(initCtx); err != nil {
		return nil, fmt.Errorf("could not initialize enclave: %w", err)
	}
	logger.Info("Enclave initialized", "url", cfg.URL, "responder_id", cfg.ResponderID)
	return client, nil
}

func shardSources(cCtx *cli.Context, logger *slog.Logger) ([]discovery.Source, error) {
	var static []interfaces.ShardIdentity

	fromFlags, err := discovery.ParseShardFlags(cCtx.StringSlice("shard"))
	if err != nil {
		return nil, err
	}
	static = append(static, fromFlags...)

	if path := cCtx.String("shard-file"); path != "" {
		fromFile, err := discovery.LoadStaticFile(path)
		if err != nil {
			return nil, err
		}
		static = append(static, fromFile...)
	}

	var sources []discovery.Source
	if len(static) > 0 {
		sources = append(sources, discovery.NewStaticSource(static))
	}

	scheme := cCtx.String("discovered-scheme")

	if domain := cCtx.String("dns-srv"); domain != "" {
		sources = append(sources, &discovery.DNSSource{
			Domain:   domain,
			Resolver: cCtx.String("dns-resolver"),
			Scheme:   scheme,
		})
	}

	if registry := cCtx.String("shard-registry"); registry != "" {
		if !ethcommon.IsHexAddress(registry) {
			return nil, fmt.Errorf("invalid shard registry address %q", registry)
		}
		rpcAddr := cCtx.String("rpc-addr")
		logger.Info("Connecting to Ethereum RPC", "address", rpcAddr)
		ethClient, err := ethclient.Dial(rpcAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC: %w", err)
		}
		source, err := discovery.NewOnchainSource(ethClient, ethcommon.HexToAddress(registry), scheme, nil)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	return sources, nil
}
