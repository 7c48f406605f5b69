package netio

import (
	"fmt"
	"net"
	"os/signal"

	"golang.org/x/sys/unix"
)

// setNonBlock puts fd into O_NONBLOCK mode. Every fd this package hands to
// a reactor.Loop must go through this first; a blocking fd would stall the
// entire single-threaded loop on its first partial read or write.
func setNonBlock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// setReuseAddr sets SO_REUSEADDR so a restarted listener can rebind a port
// still in TIME_WAIT from a previous run.
func setReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetMaxOpenFiles raises RLIMIT_NOFILE to n, clamping to the hard limit and
// retrying at the hard limit if the kernel denies raising it (unprivileged
// processes cannot raise rlim_max past its current value).
func SetMaxOpenFiles(n uint64) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return err
	}

	max := limit.Max
	want := limit
	if n > max {
		want.Max = n
	}
	want.Cur = n

	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		if err != unix.EPERM {
			return err
		}
		fallback := unix.Rlimit{Max: max, Cur: n}
		if n > max {
			fallback.Cur = max
		}
		return unix.Setrlimit(unix.RLIMIT_NOFILE, &fallback)
	}
	return nil
}

// IgnoreSIGPIPE ignores SIGPIPE process-wide. A write to a peer that has
// reset the connection surfaces as an EPIPE return from the syscall
// instead of terminating the process; call this once at startup before
// any Acceptor or Connector is created.
func IgnoreSIGPIPE() {
	signal.Ignore(unix.SIGPIPE)
}

// sockaddrInet4 builds a raw IPv4 sockaddr from a dotted-quad string and
// port. DOMAIN-NAME targets are resolved to an address earlier in the
// pipeline (internal/resolver); this layer only ever deals in IPv4
// addresses once resolution is done.
func sockaddrInet4(ip string, port int) (*unix.SockaddrInet4, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("netio: invalid IPv4 address %q", ip)
	}
	v4 := addr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("netio: %q is not an IPv4 address", ip)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// sockaddrToString renders a raw sockaddr back to "ip:port" form. Only
// IPv4 is supported, matching the rest of this package.
func sockaddrToString(sa unix.Sockaddr) (ip string, port int, err error) {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", 0, fmt.Errorf("netio: unsupported sockaddr type %T", sa)
	}
	return net.IP(v4.Addr[:]).String(), v4.Port, nil
}
