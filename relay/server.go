package relay

import (
	"net"

	"github.com/cyberinferno/mitmrelay/config"
	"github.com/cyberinferno/mitmrelay/logger"
	"github.com/cyberinferno/mitmrelay/metrics"
	"github.com/cyberinferno/mitmrelay/tcpserver"
)

// OptionsFromConfig builds the session options described by cfg.
func OptionsFromConfig(cfg config.Config, log logger.Logger) *Options {
	var dialer Dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.ResolveCacheTTL > 0 {
		dialer = NewResolvingDialer(cfg.DialTimeout, cfg.ResolveCacheTTL)
	}

	return &Options{
		Target:         cfg.Target,
		ReadBufferSize: cfg.ReadBufferSize,
		DialTimeout:    cfg.DialTimeout,
		Dialer:         dialer,
		OpenSink:       FileSinkFactory(cfg.CaptureDir),
		Logger:         log,
	}
}

// NewServer returns a listener that starts a Session for every accepted
// connection. Call Start on it to begin accepting.
//
// Parameters:
//   - cfg: Relay configuration
//   - opts: Session options, usually from OptionsFromConfig
//   - log: Logger for the listener and its sessions
//
// Returns:
//   - The unstarted server
func NewServer(cfg config.Config, opts *Options, log logger.Logger) *tcpserver.TCPServer {
	srv := tcpserver.New("relay", cfg.Listen, cfg.Backlog, func(id uint64, conn net.Conn) tcpserver.TCPServerSession {
		return NewSession(id, conn, opts)
	}, log)

	srv.OnAcceptError = func(error) {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrAccept).Inc()
	}

	return srv
}
