package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/mitmrelay/capture"
	"github.com/cyberinferno/mitmrelay/logger"
	"github.com/cyberinferno/mitmrelay/metrics"
)

// SinkFactory opens the record for a session started at now.
type SinkFactory func(now time.Time) (capture.Sink, error)

// FileSinkFactory returns a SinkFactory writing record files into dir.
func FileSinkFactory(dir string) SinkFactory {
	return func(now time.Time) (capture.Sink, error) {
		return capture.Open(dir, now)
	}
}

// Options is shared by all sessions of one relay.
type Options struct {
	// Target is the "host:port" each session connects to.
	Target string
	// ReadBufferSize is the maximum chunk size.
	ReadBufferSize int
	// DialTimeout bounds connecting to Target; 0 means no limit.
	DialTimeout time.Duration
	// Dialer opens target connections. Defaults to a net.Dialer.
	Dialer Dialer
	// OpenSink creates the session record. Defaults to files in the
	// working directory.
	OpenSink SinkFactory
	// Now names records. Defaults to time.Now.
	Now    func() time.Time
	Logger logger.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Dialer == nil {
		out.Dialer = &net.Dialer{}
	}

	if out.OpenSink == nil {
		out.OpenSink = FileSinkFactory(".")
	}

	if out.Now == nil {
		out.Now = time.Now
	}

	if out.Logger == nil {
		out.Logger = logger.Nop()
	}

	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = DefaultReadBufferSize
	}

	return &out
}

// Result describes a finished session.
type Result struct {
	// Err is the first failure of the session, or nil if both directions
	// reached end of stream.
	Err            error
	ClientToTarget Stats
	TargetToClient Stats
	RecordPath     string
	Duration       time.Duration

	// Recorded is what the sink accepted, when the sink reports it.
	Recorded capture.Stats
}

// Session relays one client connection to the target. It is created by the
// listener for each accepted connection and owns that connection from then on.
type Session struct {
	id     uint64
	client net.Conn
	opts   *Options
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	target     net.Conn
	closed     bool
	clientOnce sync.Once
	targetOnce sync.Once
	clientErr  error
	targetErr  error
	done       chan struct{}
	result     Result
}

// NewSession creates the Session for an accepted client connection.
//
// Parameters:
//   - id: Session identifier assigned by the listener
//   - client: The accepted connection
//   - opts: Relay-wide options
//
// Returns:
//   - The Session; call Handle to run it
func NewSession(id uint64, client net.Conn, opts *Options) *Session {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		client: client,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
		log: o.Logger.With(
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "client", Value: client.RemoteAddr().String()},
		),
		done: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() net.Addr {
	return s.client.RemoteAddr()
}

// Done is closed when Handle has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome of the session. It is only meaningful after Done
// is closed.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

// Handle connects to the target, opens the record and relays both directions
// until each has ended, then closes the target connection, the client
// connection and the record. If the target cannot be reached the client is
// closed and no record is created.
func (s *Session) Handle() {
	defer close(s.done)
	defer s.cancel()

	start := time.Now()
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.log.Info("incoming connection")

	target, err := s.dial()
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrDial).Inc()
		s.log.Error("target dial failed", logger.Field{Key: "target", Value: s.opts.Target}, logger.Field{Key: "error", Value: err})
		s.closeConns()
		s.finish(start, err)
		return
	}

	sink, err := s.opts.OpenSink(s.opts.Now())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrCapture).Inc()
		s.log.Error("capture open failed", logger.Field{Key: "error", Value: err})
		s.closeConns()
		s.finish(start, fmt.Errorf("%w: %w", ErrCapture, err))
		return
	}

	if p, ok := sink.(interface{ Path() string }); ok {
		s.result.RecordPath = p.Path()
	}

	s.log.Debug("relaying",
		logger.Field{Key: "target", Value: target.RemoteAddr().String()},
		logger.Field{Key: "record", Value: s.result.RecordPath})

	var g errgroup.Group
	g.Go(func() error {
		var err error
		s.result.ClientToTarget, err = s.pump(metrics.ClientToTarget, s.client, target, sink)
		return err
	})
	g.Go(func() error {
		var err error
		s.result.TargetToClient, err = s.pump(metrics.TargetToClient, target, s.client, sink)
		return err
	})
	err = g.Wait()

	s.closeConns()
	if st, ok := sink.(interface{ Stats() capture.Stats }); ok {
		s.result.Recorded = st.Stats()
	}

	if cerr := sink.Close(); cerr != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrCapture).Inc()
		s.log.Error("capture close failed", logger.Field{Key: "error", Value: cerr})
		if err == nil {
			err = fmt.Errorf("%w: %w", ErrCapture, cerr)
		}
	}

	s.finish(start, err)
}

func (s *Session) dial() (net.Conn, error) {
	ctx := s.ctx
	if s.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()
	}

	conn, err := s.opts.Dialer.DialContext(ctx, "tcp", s.opts.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: session closed", ErrDial)
	}

	s.target = conn
	return conn, nil
}

// pump runs one direction and reports it.
func (s *Session) pump(direction string, src, dst net.Conn, sink capture.Sink) (Stats, error) {
	stats, err := Forward(src, dst, sink, s.opts.ReadBufferSize)

	metrics.BytesTotal.WithLabelValues(direction).Add(float64(stats.Bytes))
	metrics.ChunksTotal.WithLabelValues(direction).Add(float64(stats.Chunks))

	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		s.log.Warn("direction failed",
			logger.Field{Key: "direction", Value: direction},
			logger.Field{Key: "bytes", Value: stats.Bytes},
			logger.Field{Key: "error", Value: err})
		return stats, fmt.Errorf("%s: %w", direction, err)
	}

	s.log.Debug("direction finished",
		logger.Field{Key: "direction", Value: direction},
		logger.Field{Key: "bytes", Value: stats.Bytes})
	return stats, nil
}

func (s *Session) finish(start time.Time, err error) {
	s.result.Err = err
	s.result.Duration = time.Since(start)
	metrics.SessionDuration.Observe(s.result.Duration.Seconds())

	fields := []logger.Field{
		{Key: "duration", Value: s.result.Duration.String()},
		{Key: "bytes_in", Value: s.result.ClientToTarget.Bytes},
		{Key: "bytes_out", Value: s.result.TargetToClient.Bytes},
	}
	if s.result.RecordPath != "" {
		fields = append(fields,
			logger.Field{Key: "record", Value: s.result.RecordPath},
			logger.Field{Key: "recorded_bytes", Value: s.result.Recorded.Bytes})
	}
	if err != nil {
		fields = append(fields, logger.Field{Key: "error", Value: err})
	}

	s.log.Info("connection closed", fields...)
}

// closeConns closes the target connection then the client connection, each
// at most once.
func (s *Session) closeConns() {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	if target != nil {
		s.targetOnce.Do(func() { s.targetErr = target.Close() })
	}

	s.clientOnce.Do(func() { s.clientErr = s.client.Close() })
}

// Close force-closes both connections and abandons a target dial still in
// progress; Handle then returns once both directions notice. Safe to call
// multiple times and before Handle.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	s.closeConns()
	return errors.Join(ignoreClosed(s.clientErr), ignoreClosed(s.targetErr))
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrCapture):
		return metrics.ErrCapture
	case errors.Is(err, ErrWrite):
		return metrics.ErrWrite
	case errors.Is(err, ErrDial):
		return metrics.ErrDial
	default:
		return metrics.ErrRead
	}
}
