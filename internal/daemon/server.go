package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/protocol"
)

const dispatchQueueSize = 64

// Server is the Primary's socket endpoint. Every Relay is one connection.
type Server struct {
	socketPath string
	dispatcher *Dispatcher
	logger     *zap.Logger

	listener net.Listener
	nextID   atomic.Uint64

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server that hands messages to handler.
func NewServer(socketPath string, handler MessageHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		dispatcher: NewDispatcher(handler, dispatchQueueSize, logger),
		logger:     logger,
		conns:      make(map[*Conn]struct{}),
	}
}

// Listen binds the socket. Only the lock owner calls this, so any file
// already at the path belongs to a dead Primary and is removed.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	// A pre-empted Primary must not unlink its successor's socket on close
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.listener = ln
	s.logger.Info("listening", zap.String("socket", s.socketPath))
	return nil
}

// Serve accepts connections until ctx is done. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatcher.Run(ctx, s)
	}()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	err := s.acceptLoop(ctx)

	cancel()
	s.closeConns()
	s.wg.Wait()
	<-dispatchDone
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			return fmt.Errorf("accept: %w", err)
		}

		c := &Conn{
			id:   strconv.FormatUint(s.nextID.Add(1), 10),
			conn: nc,
		}
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.readLoop(ctx, c)
		}()
	}
}

// readLoop decodes frames from one Relay. Bad frames are dropped and the
// connection stays open.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	logger := s.logger.With(zap.String("conn", c.id))
	logger.Debug("relay connected")

	for {
		payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if protocol.IsRecoverable(err) {
				logger.Warn("dropping bad frame", zap.Error(err), zap.String("payload", protocol.Compact(payload)))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("relay disconnected")
			} else {
				logger.Info("relay connection ended", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			logger.Warn("dropping undecodable message", zap.Error(err), zap.String("payload", protocol.Compact(payload)))
			continue
		}
		if !s.dispatcher.Submit(ctx, c, msg) {
			return
		}
	}
}

// Broadcast sends msg to every connected Relay.
func (s *Server) Broadcast(msg protocol.Message) {
	for _, c := range s.snapshot() {
		if err := c.Send(msg); err != nil {
			s.logger.Debug("broadcast failed", zap.String("conn", c.id), zap.Error(err))
		}
	}
}

// ConnCount returns the number of connected Relays.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) closeConns() {
	for _, c := range s.snapshot() {
		c.Close()
	}
}

// Conn is one Relay connection. Writes are serialized so replies and
// broadcasts never interleave.
type Conn struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string { return c.id }

// Send writes msg as one frame.
func (c *Conn) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
