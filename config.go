package reporter

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-shard-reporter/display"
	"github.com/ethereum-optimism/infra/op-shard-reporter/flags"
	"github.com/ethereum-optimism/infra/op-shard-reporter/summary"
	"github.com/ethereum-optimism/infra/op-shard-reporter/transport"
)

// DefaultCompletionTimeout bounds how long shutdown waits for stragglers
// before giving up and rendering what arrived.
const DefaultCompletionTimeout = 5 * time.Minute

// Config holds the application configuration
type Config struct {
	ExpectedWorkers   int
	LockFile          string         // Lock file path used for coordinator election
	DiscoveryFile     string         // File where the active endpoint is published
	TransportMode     transport.Mode // auto / unix_socket / file_based
	SocketPath        string
	TransportDir      string
	Endpoint          string        // Explicit endpoint override for workers
	ForceCoordinator  bool          // Skip election, assume coordinator role
	UpdateInterval    time.Duration // Wall-clock re-render interval
	Thresholds        []int         // Percentage checkpoints for re-renders
	PollInterval      time.Duration // File-transport inbox scan interval
	BarrierTimeout    time.Duration // Summary barrier wait
	CompletionTimeout time.Duration // Shutdown wait for worker completion
	Out               io.Writer     // Shared output stream; defaults to stdout
	Log               log.Logger
}

// fileConfig is the optional YAML tuning surface. Anything absent keeps the
// flag/default value.
type fileConfig struct {
	Display struct {
		UpdateInterval time.Duration `yaml:"update_interval"`
		Thresholds     []int         `yaml:"thresholds"`
	} `yaml:"display"`
	Transport struct {
		Mode         string        `yaml:"mode"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"transport"`
	BarrierTimeout    time.Duration `yaml:"barrier_timeout"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	expected := ctx.Int(flags.ExpectedWorkers.Name)
	if expected <= 0 {
		return nil, fmt.Errorf("expected-workers must be positive, got %d", expected)
	}

	cfg := &Config{
		ExpectedWorkers:   expected,
		LockFile:          ctx.String(flags.LockFile.Name),
		DiscoveryFile:     ctx.String(flags.DiscoveryFile.Name),
		TransportMode:     transport.Mode(ctx.String(flags.TransportMode.Name)),
		SocketPath:        ctx.String(flags.SocketPath.Name),
		TransportDir:      ctx.String(flags.TransportDir.Name),
		Endpoint:          ctx.String(flags.Endpoint.Name),
		ForceCoordinator:  ctx.Bool(flags.ForceCoordinator.Name),
		UpdateInterval:    ctx.Duration(flags.UpdateInterval.Name),
		Thresholds:        append([]int(nil), display.DefaultThresholds...),
		PollInterval:      ctx.Duration(flags.PollInterval.Name),
		BarrierTimeout:    ctx.Duration(flags.BarrierTimeout.Name),
		CompletionTimeout: ctx.Duration(flags.CompletionTimeout.Name),
		Out:               os.Stdout,
		Log:               logger,
	}

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if !cfg.TransportMode.IsValid() {
		return nil, fmt.Errorf("invalid transport mode %q. Must be one of: %s, %s, %s",
			cfg.TransportMode, transport.ModeAuto, transport.ModeUnixSocket, transport.ModeFileBased)
	}

	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = display.DefaultUpdateInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = transport.DefaultPollInterval
	}
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = summary.DefaultBarrierTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}

	for _, t := range cfg.Thresholds {
		if t <= 0 || t > 100 {
			return nil, fmt.Errorf("display threshold %d out of range 1..100", t)
		}
	}

	return cfg, nil
}

// applyFile merges the YAML tuning file over the flag-derived values.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Display.UpdateInterval > 0 {
		c.UpdateInterval = fc.Display.UpdateInterval
	}
	if len(fc.Display.Thresholds) > 0 {
		c.Thresholds = append([]int(nil), fc.Display.Thresholds...)
	}
	if fc.Transport.Mode != "" {
		c.TransportMode = transport.Mode(fc.Transport.Mode)
	}
	if fc.Transport.PollInterval > 0 {
		c.PollInterval = fc.Transport.PollInterval
	}
	if fc.BarrierTimeout > 0 {
		c.BarrierTimeout = fc.BarrierTimeout
	}
	if fc.CompletionTimeout > 0 {
		c.CompletionTimeout = fc.CompletionTimeout
	}
	return nil
}
