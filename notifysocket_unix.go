//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netconn

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bassosimone/netconn/internal/sockerr"
	"golang.org/x/sys/unix"
)

// NewNotifySocket returns a new [*NotifySocket].
//
// The descriptor pair is a Unix socketpair or, where that is not available,
// a connected pair of loopback TCP sockets.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewNotifySocket(logger SLogger) (*NotifySocket, error) {
	rfd, wfd, err := socketPair()
	if err != nil {
		rfd, wfd, err = loopbackPair()
	}
	if err != nil {
		return nil, newError(KindNotifySocket, "notifySocket", err)
	}
	if err := unix.SetNonblock(wfd, true); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		return nil, newError(KindNotifySocket, "notifySocket", os.NewSyscallError("fcntl", err))
	}
	return &NotifySocket{Logger: logger, rfd: rfd, wfd: wfd}, nil
}

// NotifySocket is a wakeup channel whose read end can be waited on
// alongside sockets. [*NotifySocket.Notify] may be called from any
// goroutine. [*NotifySocket.Clear] must be called by the goroutine
// that waits on the read end.
type NotifySocket struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewNotifySocket] to the user-provided logger.
	Logger SLogger

	mu      sync.Mutex
	pending int
	rfd     int
	wfd     int
}

var _ FDSocket = &NotifySocket{}

// Kind returns [SocketNotify].
func (ns *NotifySocket) Kind() SocketKind {
	return SocketNotify
}

// FD implements [FDSocket] returning the read end.
func (ns *NotifySocket) FD() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.rfd
}

// SetNonBlocking implements [FDSocket] for the read end.
func (ns *NotifySocket) SetNonBlocking(on bool) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.rfd < 0 {
		return newError(KindNotifySocket, "setNonBlocking", errSocketClosed)
	}
	if err := unix.SetNonblock(ns.rfd, on); err != nil {
		return newError(KindNotifySocket, "setNonBlocking", os.NewSyscallError("fcntl", err))
	}
	return nil
}

// Notify makes the read end readable by writing one byte.
//
// The write end is non-blocking. When its buffer is full, the read end is
// already readable and the notification is coalesced with the pending ones.
func (ns *NotifySocket) Notify() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.wfd < 0 {
		return newError(KindNotifySocket, "notify", errSocketClosed)
	}
	_, err := writeRetry(ns.wfd, []byte{1})
	switch {
	case err != nil && sockerr.IsWouldBlock(err):
		ns.Logger.Debug("notify", slog.Int("pending", ns.pending), slog.Bool("coalesced", true))
		return nil
	case err != nil:
		return newError(KindNotifySocket, "notify", os.NewSyscallError("write", err))
	}
	ns.pending++
	ns.Logger.Debug("notify", slog.Int("pending", ns.pending))
	return nil
}

// Clear drains exactly the bytes written by [*NotifySocket.Notify] since
// the previous call and resets the pending count.
func (ns *NotifySocket) Clear() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.rfd < 0 {
		return newError(KindNotifySocket, "clear", errSocketClosed)
	}
	buf := make([]byte, min(max(ns.pending, 1), 512))
	for ns.pending > 0 {
		count, err := unix.Read(ns.rfd, buf[:min(ns.pending, len(buf))])
		switch {
		case sockerr.IsInterrupted(err):
			continue
		case err != nil:
			return newError(KindNotifySocket, "clear", os.NewSyscallError("read", err))
		case count <= 0:
			return newError(KindNotifySocket, "clear", io.ErrUnexpectedEOF)
		}
		ns.pending -= count
	}
	return nil
}

// Pending returns the number of notifications not yet cleared.
func (ns *NotifySocket) Pending() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.pending
}

// Close closes both ends. Subsequent calls are no-ops.
func (ns *NotifySocket) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	var errs []error
	for _, fd := range []*int{&ns.rfd, &ns.wfd} {
		if *fd < 0 {
			continue
		}
		if err := unix.Close(*fd); err != nil {
			errs = append(errs, os.NewSyscallError("close", err))
		}
		*fd = -1
	}
	return errors.Join(errs...)
}

func writeRetry(fd int, p []byte) (int, error) {
	for {
		count, err := unix.Write(fd, p)
		if sockerr.IsInterrupted(err) {
			continue
		}
		return count, err
	}
}

func socketPair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, os.NewSyscallError("socketpair", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}

// loopbackPair returns a connected pair of TCP sockets over 127.0.0.1,
// checking that the accepted peer is the socket we connected.
func loopbackPair() (rfd, wfd int, err error) {
	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, -1, os.NewSyscallError("socket", err)
	}
	defer unix.Close(lfd)
	lsa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(lfd, lsa); err != nil {
		return -1, -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		return -1, -1, os.NewSyscallError("listen", err)
	}
	bound, err := unix.Getsockname(lfd)
	if err != nil {
		return -1, -1, os.NewSyscallError("getsockname", err)
	}

	wfd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, -1, os.NewSyscallError("socket", err)
	}
	if err := unix.Connect(wfd, bound); err != nil {
		unix.Close(wfd)
		return -1, -1, os.NewSyscallError("connect", err)
	}
	rfd, peer, err := unix.Accept(lfd)
	if err != nil {
		unix.Close(wfd)
		return -1, -1, os.NewSyscallError("accept", err)
	}

	local, err := unix.Getsockname(wfd)
	want, ok1 := addrPortOf(local)
	got, ok2 := addrPortOf(peer)
	if err != nil || !ok1 || !ok2 || want != got {
		unix.Close(rfd)
		unix.Close(wfd)
		return -1, -1, errors.New("loopback pair: unexpected peer")
	}

	_ = unix.SetsockoptInt(wfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	unix.CloseOnExec(rfd)
	unix.CloseOnExec(wfd)
	return rfd, wfd, nil
}
