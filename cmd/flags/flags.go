package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		AdminListenAddr:          cCtx.String(AdminAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             cCtx.Duration(RequestTimeoutFlag.Name) + 30*time.Second,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: []string{"LOG_UID"},
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "log-service",
		Value:   service,
		Usage:   "add 'service' tag to logs",
		EnvVars: []string{"LOG_SERVICE"},
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LISTEN_ADDR"},
}
var AdminAddrFlag = &cli.StringFlag{
	Name:    "admin-addr",
	Value:   "",
	Usage:   "address to listen on for the shard administration API, disabled if empty",
	EnvVars: []string{"ADMIN_ADDR"},
}
var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	Usage:   "enable pprof debug endpoint",
	EnvVars: []string{"PPROF"},
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   45,
	Usage:   "seconds to wait in drain HTTP request",
	EnvVars: []string{"DRAIN_SECONDS"},
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics, disabled if empty",
	EnvVars: []string{"METRICS_ADDR"},
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:    "attestation-type",
	Value:   "qemu-tdx",
	Usage:   "own attestation type: 'qemu-tdx' or 'dummy'",
	EnvVars: []string{"ATTESTATION_TYPE"},
}
var RemoteAttestationURLFlag = &cli.StringFlag{
	Name:    "remote-attestation-url",
	Usage:   "fetch TDX quotes from this quote service instead of the local device",
	EnvVars: []string{"REMOTE_ATTESTATION_URL"},
}
var MeasurementsFileFlag = &cli.StringFlag{
	Name:    "measurements-file",
	Usage:   "JSON measurement allowlist peers must match, {\"allowed\":[{\"0\":\"...\"}]}",
	EnvVars: []string{"MEASUREMENTS_FILE"},
}
var AllowDummyFlag = &cli.BoolFlag{
	Name:    "allow-dummy-attestation",
	Value:   false,
	Usage:   "accept dummy attestation evidence from peers (development only)",
	EnvVars: []string{"ALLOW_DUMMY_ATTESTATION"},
}
var SessionLifetimeFlag = &cli.DurationFlag{
	Name:    "session-lifetime",
	Value:   10 * time.Minute,
	Usage:   "validity window of an attested session",
	EnvVars: []string{"SESSION_LIFETIME"},
}

var RequestTimeoutFlag = &cli.DurationFlag{
	Name:    "request-timeout",
	Value:   10 * time.Second,
	Usage:   "overall budget of one client request; a client deadline hint can only shorten it",
	EnvVars: []string{"REQUEST_TIMEOUT"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
	ListenAddrFlag,
}

var AttestationFlags = []cli.Flag{
	AttestationTypeFlag,
	RemoteAttestationURLFlag,
	MeasurementsFileFlag,
	AllowDummyFlag,
	SessionLifetimeFlag,
}
