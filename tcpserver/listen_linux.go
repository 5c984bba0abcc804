//go:build linux

package tcpserver

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener with an explicit accept backlog. The standard
// library always uses the system maximum, so the socket is built by hand and
// then handed to net.FileListener.
func listen(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	family, sa, err := sockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := setup(fd, sa, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp:%s", addr))
	defer f.Close()

	return net.FileListener(f)
}

func setup(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}

	return nil
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}

		return unix.AF_INET, sa, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		id, err := zoneID(addr.Zone)
		if err != nil {
			return 0, nil, err
		}
		sa.ZoneId = id
	}

	return unix.AF_INET6, sa, nil
}

// zoneID maps an IPv6 zone, either an interface name or a numeric index, to
// its scope id.
func zoneID(zone string) (uint32, error) {
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index), nil
	}

	id, err := strconv.ParseUint(zone, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown IPv6 zone %q", zone)
	}

	return uint32(id), nil
}
