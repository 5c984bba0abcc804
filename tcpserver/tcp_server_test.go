package tcpserver

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/mitmrelay/logger"
)

type echoSession struct {
	id        uint64
	conn      net.Conn
	closeOnce sync.Once
	closes    atomic.Int32
}

func (e *echoSession) ID() uint64 { return e.id }

func (e *echoSession) Handle() {
	defer e.Close()
	_, _ = io.Copy(e.conn, e.conn)
}

func (e *echoSession) Close() error {
	e.closeOnce.Do(func() {
		e.closes.Add(1)
		_ = e.conn.Close()
	})

	return nil
}

type sessionLog struct {
	mu       sync.Mutex
	sessions []*echoSession
}

func (l *sessionLog) newSession(id uint64, conn net.Conn) TCPServerSession {
	s := &echoSession{id: id, conn: conn}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s
}

func (l *sessionLog) all() []*echoSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*echoSession(nil), l.sessions...)
}

func startServer(t *testing.T) (*TCPServer, *sessionLog) {
	t.Helper()

	sl := &sessionLog{}
	s := New("test", "127.0.0.1:0", 0, sl.newSession, logger.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.Stop()
		s.CloseSessions()
		s.Wait()
	})

	return s, sl
}

func echo(t *testing.T, conn net.Conn, msg string) {
	t.Helper()

	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestTCPServer_Start(t *testing.T) {
	t.Run("binds and reports address", func(t *testing.T) {
		s, _ := startServer(t)

		require.NotNil(t, s.ListenAddr())
		assert.True(t, s.Running.Load())
		assert.NotNil(t, s.Done())
		assert.NoError(t, s.Err())
	})

	t.Run("second start fails", func(t *testing.T) {
		s, _ := startServer(t)
		assert.Error(t, s.Start())
	})

	t.Run("invalid address fails", func(t *testing.T) {
		s := New("bad", "127.0.0.1:99999", 5, nil, logger.Nop())
		assert.Error(t, s.Start())
		assert.False(t, s.Running.Load())
	})

	t.Run("busy port fails", func(t *testing.T) {
		first, _ := startServer(t)
		second := New("second", first.ListenAddr().String(), 5, nil, logger.Nop())
		assert.Error(t, second.Start())
	})
}

func TestTCPServer_Dispatch(t *testing.T) {
	s, sl := startServer(t)

	a, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)
	defer b.Close()

	// Both sessions run at once.
	echo(t, a, "first")
	echo(t, b, "second")
	echo(t, a, "again")

	sessions := sl.all()
	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0].ID(), sessions[1].ID())
	assert.Equal(t, 2, s.SessionCount())

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return s.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestTCPServer_Stop(t *testing.T) {
	t.Run("leaves running sessions alone", func(t *testing.T) {
		s, sl := startServer(t)

		conn, err := net.Dial("tcp", s.ListenAddr().String())
		require.NoError(t, err)
		defer conn.Close()
		echo(t, conn, "before")

		s.Stop()

		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("accept loop did not exit")
		}
		assert.NoError(t, s.Err())

		echo(t, conn, "after stop")
		assert.Equal(t, int32(0), sl.all()[0].closes.Load())

		_, err = net.DialTimeout("tcp", s.ListenAddr().String(), time.Second)
		assert.Error(t, err)

		waited := make(chan struct{})
		go func() { s.Wait(); close(waited) }()

		select {
		case <-waited:
			t.Fatal("Wait returned while a session was running")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, conn.Close())
		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			t.Fatal("Wait did not return after the session ended")
		}
	})

	t.Run("stop twice is safe", func(t *testing.T) {
		s, _ := startServer(t)
		s.Stop()
		s.Stop()
		assert.False(t, s.Running.Load())
	})
}

func TestTCPServer_CloseSessions(t *testing.T) {
	s, sl := startServer(t)

	conn, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	echo(t, conn, "hello")

	s.Stop()
	s.CloseSessions()
	s.Wait()

	assert.Equal(t, int32(1), sl.all()[0].closes.Load())
	assert.Equal(t, 0, s.SessionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTCPServer_ListenerFailure(t *testing.T) {
	var acceptErrors atomic.Int32
	s := New("fatal", "127.0.0.1:0", 5, (&sessionLog{}).newSession, logger.Nop())
	s.OnAcceptError = func(error) { acceptErrors.Add(1) }
	require.NoError(t, s.Start())

	// Closing the socket behind the server's back is fatal to the loop.
	require.NoError(t, s.Listener.Close())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit")
	}

	assert.ErrorIs(t, s.Err(), net.ErrClosed)
	assert.False(t, s.Running.Load())
	assert.Equal(t, int32(1), acceptErrors.Load())
}

// flakyListener fails its first Accept with a transient error, then hands
// out the queued connections, then reports itself closed.
type flakyListener struct {
	conns  chan net.Conn
	failed atomic.Bool
	closed chan struct{}
	once   sync.Once
}

type transientError struct{}

func (transientError) Error() string   { return "too many open files" }
func (transientError) Timeout() bool   { return false }
func (transientError) Temporary() bool { return true }

func (l *flakyListener) Accept() (net.Conn, error) {
	if !l.failed.Swap(true) {
		return nil, transientError{}
	}

	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestTCPServer_TransientAcceptError(t *testing.T) {
	ln := &flakyListener{conns: make(chan net.Conn, 1), closed: make(chan struct{})}
	local, remote := net.Pipe()
	defer remote.Close()
	ln.conns <- local

	var acceptErrors atomic.Int32
	sl := &sessionLog{}
	s := New("flaky", "", 0, sl.newSession, logger.Nop())
	s.OnAcceptError = func(err error) {
		assert.ErrorIs(t, err, transientError{})
		acceptErrors.Add(1)
	}
	require.NoError(t, s.Serve(ln))
	t.Cleanup(func() {
		s.Stop()
		s.CloseSessions()
		s.Wait()
	})

	echo(t, remote, "still accepting")

	assert.Equal(t, int32(1), acceptErrors.Load())
	require.Len(t, sl.all(), 1)
	assert.True(t, s.Running.Load())
	assert.NoError(t, s.Err())
}

func TestTCPServer_Serve(t *testing.T) {
	s, _ := startServer(t)

	ln := &flakyListener{conns: make(chan net.Conn), closed: make(chan struct{})}
	assert.Error(t, s.Serve(ln))

	select {
	case <-ln.closed:
	default:
		t.Fatal("rejected listener was not closed")
	}
}
