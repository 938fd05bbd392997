package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// maxLineBytes bounds a single newline-delimited message. Backtraces inside
// failure messages can get long, so this is generous.
const maxLineBytes = 1 << 20

// messageBuffer is the capacity of the shared ingestion channel. Readers for
// each connection block when the consumer falls this far behind.
const messageBuffer = 256

// SocketServer accepts unix domain socket connections and parses
// newline-delimited JSON messages from each onto the shared channel. Ingestion
// is multi-goroutine (one reader per connection) but consumption stays
// single-threaded: only the coordinator's consume loop reads Messages().
type SocketServer struct {
	path   string
	logger log.Logger

	listener net.Listener
	msgCh    chan types.Message
	group    *errgroup.Group
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ Server = (*SocketServer)(nil)

// NewSocketServer creates an unstarted socket server bound to path.
func NewSocketServer(path string, logger log.Logger) *SocketServer {
	return &SocketServer{
		path:   path,
		logger: logger,
		msgCh:  make(chan types.Message, messageBuffer),
	}
}

// Start binds the listening socket and launches the acceptor loop.
func (s *SocketServer) Start(ctx context.Context) error {
	// A previous run that died uncleanly may have left the socket file behind.
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on unix socket %s: %w", s.path, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		return s.acceptLoop(ctx)
	})

	// Once the acceptor and every reader have returned, nothing can push to
	// the channel anymore and the consumer can observe the close.
	go func() {
		_ = s.group.Wait()
		close(s.msgCh)
	}()

	s.logger.Debug("Socket transport listening", "path", s.path)
	return nil
}

func (s *SocketServer) Messages() <-chan types.Message {
	return s.msgCh
}

func (s *SocketServer) Endpoint() string {
	return "unix:" + s.path
}

// Close stops accepting, tears down all connections and removes the socket
// file. The message channel is closed once in-flight readers drain.
func (s *SocketServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func (s *SocketServer) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			// Accept errors are fatal for the acceptor but existing
			// connections keep draining.
			s.logger.Error("Socket accept failed", "error", err)
			return err
		}

		s.group.Go(func() error {
			s.readConn(ctx, conn)
			return nil
		})
	}
}

// readConn parses one connection's stream until EOF, error or shutdown. A
// failure here tears down this connection only; decode problems become
// synthetic error messages rather than log-and-drop.
func (s *SocketServer) readConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := types.DecodeMessage(line)
		if err != nil {
			metrics.RecordTransportError("decode")
			msg = types.NewErrorMessage(fmt.Sprintf("undecodable socket message: %v", err))
		}
		select {
		case s.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-ctx.Done():
		default:
			metrics.RecordTransportError("read")
			s.logger.Warn("Worker connection read failed", "error", err)
		}
	}
}

// SocketClient sends newline-delimited JSON messages over a unix socket. It
// never reads responses.
type SocketClient struct {
	mu   sync.Mutex
	conn net.Conn
}

var _ Client = (*SocketClient)(nil)

// DialSocket connects with bounded retry: the attempt budget, the
// inter-attempt delay and the overall deadline are all honored, whichever
// runs out first.
func DialSocket(path string, dial DialConfig, logger log.Logger) (*SocketClient, error) {
	deadline := time.Now().Add(dial.Timeout)

	var lastErr error
	for attempt := 0; attempt < dial.Attempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		conn, err := net.DialTimeout("unix", path, time.Until(deadline))
		if err == nil {
			return &SocketClient{conn: conn}, nil
		}
		lastErr = err
		logger.Debug("Socket dial attempt failed", "path", path, "attempt", attempt+1, "error", err)
		time.Sleep(dial.Delay)
	}
	return nil, fmt.Errorf("connecting to coordinator socket %s: %w", path, lastErr)
}

// Send writes one message as a single JSON line.
func (c *SocketClient) Send(msg types.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (c *SocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
