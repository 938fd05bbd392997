package transport

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// DefaultPollInterval is how often the file server scans its inbox.
const DefaultPollInterval = 100 * time.Millisecond

const (
	inboxDirName  = "inbox"
	outboxDirName = "outbox"
	tmpPrefix     = ".tmp-"
)

// FileServer is the fallback transport for platforms without unix sockets.
// A logical connection is a directory pair; each message is one JSON file in
// the inbox, consumed and deleted in sorted (hence roughly chronological)
// order.
type FileServer struct {
	baseDir      string
	pollInterval time.Duration
	logger       log.Logger

	msgCh  chan types.Message
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Server = (*FileServer)(nil)

// NewFileServer creates an unstarted file transport rooted at baseDir.
func NewFileServer(baseDir string, pollInterval time.Duration, logger log.Logger) *FileServer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &FileServer{
		baseDir:      baseDir,
		pollInterval: pollInterval,
		logger:       logger,
		msgCh:        make(chan types.Message, messageBuffer),
		done:         make(chan struct{}),
	}
}

// Start creates the directory pair and launches the inbox poller.
func (s *FileServer) Start(ctx context.Context) error {
	for _, dir := range []string{s.inboxDir(), filepath.Join(s.baseDir, outboxDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating transport directory %s", dir)
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.pollLoop(ctx)

	s.logger.Debug("File transport polling", "dir", s.inboxDir(), "interval", s.pollInterval)
	return nil
}

func (s *FileServer) Messages() <-chan types.Message {
	return s.msgCh
}

func (s *FileServer) Endpoint() string {
	return "file:" + s.baseDir
}

func (s *FileServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	close(s.msgCh)
	return nil
}

func (s *FileServer) inboxDir() string {
	return filepath.Join(s.baseDir, inboxDirName)
}

func (s *FileServer) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainInbox(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainInbox consumes every complete message file currently in the inbox.
// Corrupted files are deleted and surfaced as synthetic error messages so the
// operator sees them instead of a silent drop.
func (s *FileServer) drainInbox(ctx context.Context) {
	entries, err := os.ReadDir(s.inboxDir())
	if err != nil {
		s.logger.Warn("Failed to scan transport inbox", "dir", s.inboxDir(), "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(s.inboxDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Failed to read message file", "path", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove consumed message file", "path", path, "error", err)
		}

		msg, err := types.DecodeMessage(data)
		if err != nil {
			metrics.RecordTransportError("decode")
			msg = types.NewErrorMessage(fmt.Sprintf("corrupted message file %s: %v", name, err))
		}
		select {
		case s.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// FileClient writes one JSON file per message into the server's inbox.
type FileClient struct {
	baseDir string
	logger  log.Logger
	rng     *rand.Rand

	mu sync.Mutex
}

var _ Client = (*FileClient)(nil)

// NewFileClient prepares a client for the directory-pair endpoint at baseDir.
// The inbox must already exist (the server creates it); requiring that gives
// file-based clients the same "endpoint not yet available" semantics as a
// socket dial.
func NewFileClient(baseDir string, logger log.Logger) (*FileClient, error) {
	inbox := filepath.Join(baseDir, inboxDirName)
	if _, err := os.Stat(inbox); err != nil {
		return nil, errors.Wrapf(err, "transport inbox %s not available", inbox)
	}
	return &FileClient{
		baseDir: baseDir,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid()))),
	}, nil
}

// Send writes the message under a collision-resistant name built from the
// current time, the sender pid and a random suffix. The write goes to a
// temporary name first so the poller never observes a half-written file.
func (c *FileClient) Send(msg types.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}

	c.mu.Lock()
	suffix := c.rng.Intn(1000)
	c.mu.Unlock()

	name := fmt.Sprintf("%.6f_%d_%03d.json", float64(time.Now().UnixNano())/1e9, os.Getpid(), suffix)
	inbox := filepath.Join(c.baseDir, inboxDirName)
	tmpPath := filepath.Join(inbox, tmpPrefix+name)
	finalPath := filepath.Join(inbox, name)

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing message file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "publishing message file %s", finalPath)
	}
	return nil
}

func (c *FileClient) Close() error {
	return nil
}
