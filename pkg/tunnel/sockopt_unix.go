//go:build !windows

package tunnel

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setNoDelay disables Nagle's algorithm on conn's underlying socket, so
// small control-link frames aren't held back waiting to coalesce. Failures
// are silently ignored: NoDelay is a throughput/latency tuning knob, not a
// correctness requirement, and conn may not even be backed by a TCP socket
// (tests use net.Pipe).
func setNoDelay(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
