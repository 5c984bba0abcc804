//go:build !linux

package tcpserver

import "net"

// listen falls back to the standard listener, which uses the system backlog.
func listen(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
