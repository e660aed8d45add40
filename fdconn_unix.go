//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netconn

import (
	"net"
	"time"

	"github.com/bassosimone/netconn/internal/sockerr"
	"golang.org/x/sys/unix"
)

// wouldBlockError reports that a non-blocking descriptor is not ready.
//
// It claims to be temporary so that [*tls.Conn] does not latch it as a
// permanent error and the read can be resumed once the descriptor is ready.
type wouldBlockError struct {
	err error
}

func (e *wouldBlockError) Error() string   { return e.err.Error() }
func (e *wouldBlockError) Unwrap() error   { return e.err }
func (e *wouldBlockError) Timeout() bool   { return true }
func (e *wouldBlockError) Temporary() bool { return true }

// fdConn exposes a [*TCPSocket] as a [net.Conn] for the TLS engine.
//
// Closing the fdConn does not close the descriptor, which is owned by the socket.
type fdConn struct {
	sock *TCPSocket
}

var _ net.Conn = &fdConn{}

func newFDConn(sock *TCPSocket) *fdConn {
	return &fdConn{sock: sock}
}

func (c *fdConn) Read(p []byte) (int, error) {
	count, err := c.sock.Read(p)
	if err != nil && sockerr.IsWouldBlock(err) {
		return count, &wouldBlockError{err}
	}
	return count, err
}

func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		count, err := c.sock.Write(p[total:])
		total += count
		if err != nil {
			if sockerr.IsWouldBlock(err) {
				err = &wouldBlockError{err}
			}
			return total, err
		}
	}
	return total, nil
}

func (c *fdConn) Close() error {
	return nil
}

func (c *fdConn) LocalAddr() net.Addr {
	return c.sockAddr(unix.Getsockname)
}

func (c *fdConn) RemoteAddr() net.Addr {
	return c.sockAddr(unix.Getpeername)
}

func (c *fdConn) sockAddr(get func(int) (unix.Sockaddr, error)) net.Addr {
	if c.sock.FD() < 0 {
		return nil
	}
	sa, err := get(c.sock.FD())
	if err != nil {
		return nil
	}
	addr, ok := addrPortOf(sa)
	if !ok {
		return nil
	}
	return net.TCPAddrFromAddrPort(addr)
}

func (c *fdConn) SetDeadline(t time.Time) error {
	return c.setTimeout(t, unix.SO_RCVTIMEO, unix.SO_SNDTIMEO)
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	return c.setTimeout(t, unix.SO_RCVTIMEO)
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	return c.setTimeout(t, unix.SO_SNDTIMEO)
}

// setTimeout emulates a deadline using the socket timeouts, where the
// zero time restores the configured I/O timeout.
func (c *fdConn) setTimeout(t time.Time, opts ...int) error {
	if c.sock.FD() < 0 {
		return net.ErrClosed
	}
	timeout := c.sock.Info.IOTimeout()
	if !t.IsZero() {
		timeout = max(t.Sub(c.sock.TimeNow()), time.Microsecond)
	}
	var tv unix.Timeval
	if timeout > 0 {
		tv = unix.NsecToTimeval(timeout.Nanoseconds())
	}
	for _, opt := range opts {
		if err := unix.SetsockoptTimeval(c.sock.FD(), unix.SOL_SOCKET, opt, &tv); err != nil {
			return err
		}
	}
	return nil
}
