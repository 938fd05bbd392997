// Package transport carries worker messages to the coordinator. Two
// interchangeable implementations exist: a unix domain socket stream and a
// file-based inbox for platforms or configurations where sockets are
// unavailable. Both deliver canonical types.Message values onto a single
// shared channel; neither acknowledges, orders across senders, or retries
// delivery.
package transport

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// Mode selects the transport implementation.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeUnixSocket Mode = "unix_socket"
	ModeFileBased  Mode = "file_based"
)

// IsValid reports whether the mode is one of the known values.
func (m Mode) IsValid() bool {
	switch m {
	case ModeAuto, ModeUnixSocket, ModeFileBased:
		return true
	}
	return false
}

// Server is the coordinator-side receive end of a transport.
type Server interface {
	// Start begins accepting messages. The receive machinery runs in
	// background goroutines until Close or context cancellation.
	Start(ctx context.Context) error

	// Messages is the single shared channel all ingestion paths feed.
	// The channel is closed once the server shuts down.
	Messages() <-chan types.Message

	// Endpoint returns the scheme-prefixed address workers connect to,
	// e.g. "unix:/tmp/reporter.sock" or "file:/tmp/reporter-inbox".
	Endpoint() string

	Close() error
}

// Client is the worker-side send end of a transport. Sends are one-way and
// fire-and-forget.
type Client interface {
	Send(msg types.Message) error
	Close() error
}

// DialConfig bounds a client's connection attempts. Whichever of the attempt
// budget or the overall timeout is exhausted first ends the retry loop.
type DialConfig struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

// DefaultDialConfig matches the retry posture workers use at startup: the
// coordinator's endpoint usually appears within a few hundred milliseconds.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Attempts: 20,
		Delay:    100 * time.Millisecond,
		Timeout:  5 * time.Second,
	}
}

// Config describes both transport flavors; the effective mode decides which
// fields are used.
type Config struct {
	Mode         Mode
	SocketPath   string
	InboxDir     string
	PollInterval time.Duration
	Logger       log.Logger
}

// SocketsSupported reports whether unix domain sockets are usable on this
// platform.
func SocketsSupported() bool {
	return runtime.GOOS != "windows"
}

// EffectiveMode resolves auto-selection and the unsupported-socket fallback.
// An explicit unix_socket request on a socketless platform quietly degrades
// to file_based rather than failing the run it is reporting on.
func EffectiveMode(m Mode) Mode {
	switch m {
	case ModeUnixSocket, ModeAuto:
		if SocketsSupported() {
			return ModeUnixSocket
		}
		return ModeFileBased
	case ModeFileBased:
		return ModeFileBased
	default:
		if SocketsSupported() {
			return ModeUnixSocket
		}
		return ModeFileBased
	}
}

// NewServer constructs the server for the effective transport mode.
func NewServer(cfg Config) (Server, error) {
	switch EffectiveMode(cfg.Mode) {
	case ModeUnixSocket:
		return NewSocketServer(cfg.SocketPath, cfg.Logger), nil
	case ModeFileBased:
		return NewFileServer(cfg.InboxDir, cfg.PollInterval, cfg.Logger), nil
	}
	return nil, fmt.Errorf("unresolvable transport mode %q", cfg.Mode)
}

// NewClient connects to a scheme-prefixed endpoint as returned by
// Server.Endpoint (and published via the discovery file).
func NewClient(endpoint string, dial DialConfig, logger log.Logger) (Client, error) {
	scheme, addr, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "unix":
		return DialSocket(addr, dial, logger)
	case "file":
		return NewFileClient(addr, logger)
	}
	return nil, fmt.Errorf("unknown endpoint scheme %q", scheme)
}

// ParseEndpoint splits "unix:/path" or "file:/dir" into scheme and address.
func ParseEndpoint(endpoint string) (scheme, addr string, err error) {
	scheme, addr, found := strings.Cut(endpoint, ":")
	if !found || scheme == "" || addr == "" {
		return "", "", fmt.Errorf("malformed transport endpoint %q", endpoint)
	}
	return scheme, addr, nil
}
