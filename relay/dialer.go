package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/mitmrelay/cacher"
)

// Dialer opens target connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// ResolvingDialer resolves the target host through a shared cache and then
// dials the resulting addresses in order until one connects. Every call still
// opens its own connection; only the name lookup is shared.
type ResolvingDialer struct {
	Dialer Dialer
	Lookup LookupFunc
	Cache  cacher.Cacher[[]string]
	TTL    time.Duration
}

// NewResolvingDialer returns a ResolvingDialer using the system resolver.
//
// Parameters:
//   - timeout: Per-address connect timeout; 0 means none
//   - ttl: How long a lookup result is reused
//
// Returns:
//   - The ResolvingDialer
func NewResolvingDialer(timeout, ttl time.Duration) *ResolvingDialer {
	return &ResolvingDialer{
		Dialer: &net.Dialer{Timeout: timeout},
		Lookup: net.DefaultResolver.LookupHost,
		Cache:  cacher.NewMemoryCacher[[]string](ttl, 2*ttl),
		TTL:    ttl,
	}
}

// DialContext implements Dialer. IP literals are dialled directly. When every
// resolved address fails the cached lookup is dropped so the next session
// resolves again.
func (d *ResolvingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if net.ParseIP(host) != nil {
		return d.Dialer.DialContext(ctx, network, address)
	}

	addrs, err := d.Cache.GetOrFetch(ctx, host, d.TTL, func(ctx context.Context) ([]string, error) {
		addrs, err := d.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}

		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}

		return addrs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	var firstErr error
	for _, addr := range addrs {
		conn, err := d.Dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}

		if firstErr == nil {
			firstErr = err
		}
	}

	d.Cache.Delete(host)
	return nil, firstErr
}
