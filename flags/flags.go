package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_SHARD_REPORTER"

var (
	ExpectedWorkers = &cli.IntFlag{
		Name:     "expected-workers",
		Value:    0,
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "EXPECTED_WORKERS"),
		Usage:    "Number of parallel test shards (workers are numbered 1..N)",
	}
	LockFile = &cli.StringFlag{
		Name:    "lock-file",
		Value:   "/tmp/op-shard-reporter.lock",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOCK_FILE"),
		Usage:   "Well-known lock file path used for coordinator election",
	}
	DiscoveryFile = &cli.StringFlag{
		Name:    "discovery-file",
		Value:   "/tmp/op-shard-reporter.endpoint",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DISCOVERY_FILE"),
		Usage:   "File where the coordinator publishes its transport endpoint",
	}
	TransportMode = &cli.StringFlag{
		Name:    "transport",
		Value:   "auto",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TRANSPORT"),
		Usage:   "Transport mode: 'auto', 'unix_socket' or 'file_based'",
	}
	SocketPath = &cli.StringFlag{
		Name:    "socket-path",
		Value:   "/tmp/op-shard-reporter.sock",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SOCKET_PATH"),
		Usage:   "Unix socket path for the socket transport",
	}
	TransportDir = &cli.StringFlag{
		Name:    "transport-dir",
		Value:   "/tmp/op-shard-reporter-transport",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TRANSPORT_DIR"),
		Usage:   "Base directory for the file-based transport",
	}
	Endpoint = &cli.StringFlag{
		Name:    "endpoint",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENDPOINT"),
		Usage:   "Explicit coordinator endpoint override for workers (skips discovery-file lookup)",
	}
	ForceCoordinator = &cli.BoolFlag{
		Name:    "force-coordinator",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FORCE_COORDINATOR"),
		Usage:   "Assume the coordinator role without running the lock-file election",
	}
	UpdateInterval = &cli.DurationFlag{
		Name:    "update-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPDATE_INTERVAL"),
		Usage:   "Wall-clock interval between progress re-renders (0 uses the built-in default)",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "Inbox scan interval for the file-based transport",
	}
	BarrierTimeout = &cli.DurationFlag{
		Name:    "barrier-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BARRIER_TIMEOUT"),
		Usage:   "How long to wait for worker summaries before rendering a partial report",
	}
	CompletionTimeout = &cli.DurationFlag{
		Name:    "completion-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COMPLETION_TIMEOUT"),
		Usage:   "How long shutdown waits for all workers to complete",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Optional YAML file with display/transport tuning",
	}
)

var requiredFlags = []cli.Flag{
	ExpectedWorkers,
}

var optionalFlags = []cli.Flag{
	LockFile,
	DiscoveryFile,
	TransportMode,
	SocketPath,
	TransportDir,
	Endpoint,
	ForceCoordinator,
	UpdateInterval,
	PollInterval,
	BarrierTimeout,
	CompletionTimeout,
	ConfigFile,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
