package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/mitmrelay/idgenerator"
	"github.com/cyberinferno/mitmrelay/logger"
	"github.com/cyberinferno/mitmrelay/safemap"
)

// DefaultBacklog is used when TCPServer.Backlog is not positive.
const DefaultBacklog = 5

// NewSessionFunc creates the session for an accepted connection.
type NewSessionFunc func(id uint64, conn net.Conn) TCPServerSession

// TCPServer accepts connections and hands each one to a session created by
// NewSession, running it in its own goroutine without waiting for it. There is
// no limit on concurrent sessions. Stopping the server closes the listening
// socket only; sessions already running are left to finish on their own.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	Backlog     int
	Listener    net.Listener
	Sessions    *safemap.SafeMap[uint64, TCPServerSession]
	Running     atomic.Bool
	NewSession  NewSessionFunc
	IdGenerator *idgenerator.Generator

	// OnAcceptError, if set, is called for every failed Accept.
	OnAcceptError func(err error)

	wg   sync.WaitGroup
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New returns a TCPServer ready to Start.
//
// Parameters:
//   - name: Used in log messages
//   - addr: The "host:port" to listen on
//   - backlog: Pending-connection queue bound; DefaultBacklog if not positive
//   - newSession: Creates the session for each accepted connection
//   - log: Server logger
//
// Returns:
//   - The TCPServer
func New(name, addr string, backlog int, newSession NewSessionFunc, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger:      log,
		Name:        name,
		Addr:        addr,
		Backlog:     backlog,
		Sessions:    safemap.New[uint64, TCPServerSession](),
		NewSession:  newSession,
		IdGenerator: idgenerator.New(0),
	}
}

// Start binds Addr and starts accepting in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	backlog := s.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	ln, err := listen(s.Addr, backlog)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "backlog", Value: backlog})

	return s.Serve(ln)
}

// Serve runs AcceptLoop on an already bound listener in a goroutine. The
// server takes ownership of ln.
//
// Parameters:
//   - ln: The listening socket
//
// Returns:
//   - An error if the server is already running
func (s *TCPServer) Serve(ln net.Listener) error {
	if s.Sessions == nil {
		s.Sessions = safemap.New[uint64, TCPServerSession]()
	}

	if s.IdGenerator == nil {
		s.IdGenerator = idgenerator.New(0)
	}

	s.mu.Lock()
	if s.Running.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("server %s already running", s.Name)
	}

	s.Listener = ln
	s.done = make(chan struct{})
	s.err = nil
	s.Running.Store(true)
	s.mu.Unlock()

	go s.AcceptLoop()

	return nil
}

// Stop stops accepting and closes the listening socket. Running sessions are
// not closed; use Wait to let them drain or CloseSessions to end them. Safe to
// call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if ln := s.listener(); ln != nil {
		_ = ln.Close()
	}

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name),
		logger.Field{Key: "accepted", Value: s.IdGenerator.Last()},
		logger.Field{Key: "sessions", Value: s.Sessions.Len()})
}

// Wait blocks until every dispatched session's Handle has returned.
func (s *TCPServer) Wait() {
	s.wg.Wait()
}

// CloseSessions force-closes every live session.
func (s *TCPServer) CloseSessions() {
	for _, session := range s.Sessions.Values() {
		if err := session.Close(); err != nil {
			s.Logger.Warn("session close failed",
				logger.Field{Key: "session", Value: session.ID()},
				logger.Field{Key: "error", Value: err})
		}
	}
}

// SessionCount returns the number of sessions whose Handle is still running.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if ln := s.listener(); ln != nil {
		return ln.Addr()
	}

	return nil
}

// Done is closed when AcceptLoop exits, either after Stop or because the
// listening socket failed. It is nil before Start.
func (s *TCPServer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that ended AcceptLoop, or nil if it ended by Stop.
func (s *TCPServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *TCPServer) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Listener
}

// AcceptLoop accepts connections until the server is stopped. Accept errors
// are logged and skipped, except a closed listener while still running, which
// stops the loop and is reported through Err. Done is closed on return.
func (s *TCPServer) AcceptLoop() {
	s.mu.Lock()
	ln, done := s.Listener, s.done
	s.mu.Unlock()
	defer close(done)

	for s.Running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.Running.Load() {
				return
			}

			if s.OnAcceptError != nil {
				s.OnAcceptError(err)
			}

			if errors.Is(err, net.ErrClosed) {
				s.Running.Store(false)
				s.mu.Lock()
				s.err = fmt.Errorf("server %s listener failed: %w", s.Name, err)
				s.mu.Unlock()
				s.Logger.Error(fmt.Sprintf("%s server listener failed", s.Name), logger.Field{Key: "error", Value: err})
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		s.dispatch(conn)
	}
}

func (s *TCPServer) dispatch(conn net.Conn) {
	id := s.IdGenerator.Next()
	session := s.NewSession(id, conn)
	s.Sessions.Store(id, session)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.Sessions.Delete(id)
		session.Handle()
	}()
}
