package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a new session bind its ports right after the previous
// session released them.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return fmt.Errorf("setting SO_REUSEADDR on %s %s: %w", network, address, opErr)
	}
	return nil
}

// listen binds the HTTP listener and the DNS socket of one session.
func listen(ctx context.Context, bind string, httpPort, dnsPort int) (*net.TCPListener, *net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	httpAddr := net.JoinHostPort(bind, strconv.Itoa(httpPort))
	ln, err := lc.Listen(ctx, "tcp4", httpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}

	dnsAddr := net.JoinHostPort(bind, strconv.Itoa(dnsPort))
	pc, err := lc.ListenPacket(ctx, "udp4", dnsAddr)
	if err != nil {
		ln.Close()
		return nil, nil, fmt.Errorf("failed to listen on UDP %s: %w", dnsAddr, err)
	}

	return ln.(*net.TCPListener), pc.(*net.UDPConn), nil
}

// sysfd returns the descriptor behind c. The descriptor stays valid for as
// long as c is open.
func sysfd(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}
