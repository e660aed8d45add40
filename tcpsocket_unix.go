//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package netconn

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/bassosimone/netconn/internal/sockerr"
	"golang.org/x/sys/unix"
)

// errSocketClosed is the cause of operations on a closed [*TCPSocket].
var errSocketClosed = errors.New("socket is closed")

// NewTCPSocket returns a new, unconnected [*TCPSocket].
//
// The cfg argument contains the common configuration.
//
// The info argument contains the timeouts to apply.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTCPSocket(cfg *Config, info ConnectionInfo, logger SLogger) *TCPSocket {
	return &TCPSocket{
		ErrClassifier: cfg.ErrClassifier,
		Info:          info,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		Wait:          NewSocketWait(cfg, logger),
		fd:            -1,
	}
}

// TCPSocket is a plain TCP [Socket] over a native descriptor.
//
// The descriptor is in blocking mode except while connecting and while a
// caller scopes it into non-blocking mode using SetNonBlocking.
//
// All fields are safe to modify after construction but before first use.
type TCPSocket struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTCPSocket] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Info contains the connect and I/O timeouts.
	//
	// Set by [NewTCPSocket] to the user-provided value.
	Info ConnectionInfo

	// Logger is the [SLogger] to use.
	//
	// Set by [NewTCPSocket] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewTCPSocket] from [Config.TimeNow].
	TimeNow func() time.Time

	// Wait is the [*SocketWait] used while connecting.
	//
	// Set by [NewTCPSocket] using [NewSocketWait].
	Wait *SocketWait

	fd            int
	protocol      IPProtocol
	raddr         netip.AddrPort
	connectActive bool
	timerRunning  bool
	timerStart    time.Time
	connectT0     time.Time
}

var (
	_ Socket   = &TCPSocket{}
	_ FDSocket = &TCPSocket{}
)

// Kind implements [Socket].
func (s *TCPSocket) Kind() SocketKind {
	return SocketPlain
}

// FD implements [FDSocket].
func (s *TCPSocket) FD() int {
	return s.fd
}

// SetNonBlocking implements [FDSocket].
func (s *TCPSocket) SetNonBlocking(on bool) error {
	if s.fd < 0 {
		return newError(KindSocket, "setNonBlocking", errSocketClosed)
	}
	if err := unix.SetNonblock(s.fd, on); err != nil {
		return newError(KindOS, "setNonBlocking", os.NewSyscallError("fcntl", err))
	}
	return nil
}

// Protocol implements [Socket].
func (s *TCPSocket) Protocol() IPProtocol {
	return s.protocol
}

// Connect implements [Socket].
//
// The descriptor is temporarily made non-blocking so that connecting is
// bounded by the connect timeout rather than by the kernel defaults.
func (s *TCPSocket) Connect(addr netip.AddrPort) error {
	t0 := s.TimeNow()
	s.logConnectStart(addr, t0, true)
	err := s.connect(addr)
	s.logConnectDone(addr, t0, true, err)
	return err
}

func (s *TCPSocket) connect(addr netip.AddrPort) error {
	if err := s.open(addr); err != nil {
		return err
	}
	err := s.startNativeConnect(addr)
	switch {
	case err == nil:
	case sockerr.IsConnectDeferred(err):
		err = s.waitConnected(s.Info.ConnectTimeout())
	default:
		err = newError(KindOS, "connect", os.NewSyscallError("connect", err))
	}
	if err != nil {
		s.closeFD()
		return err
	}
	s.protocol = protocolOf(addr)
	return nil
}

// ConnectNonBlocking implements [Socket].
//
// The first call issues the native connect. While the connection is in
// progress, each call polls it without blocking and returns [ErrWaitEvent]
// until it completes. Once the connect timeout (if any) elapses, the next
// call polls one last time and any still-pending outcome is a timeout.
func (s *TCPSocket) ConnectNonBlocking(addr netip.AddrPort) error {
	switch {
	case !s.connectActive:
		return s.startConnectNonBlocking(addr)
	case !s.timerRunning || s.TimeNow().Sub(s.timerStart) < s.Info.ConnectTimeout():
		return s.continueConnectNonBlocking()
	default:
		return s.timeoutConnectNonBlocking()
	}
}

func (s *TCPSocket) startConnectNonBlocking(addr netip.AddrPort) error {
	s.connectT0 = s.TimeNow()
	s.logConnectStart(addr, s.connectT0, false)
	if err := s.open(addr); err != nil {
		return s.finishConnectNonBlocking(err)
	}
	err := s.startNativeConnect(addr)
	switch {
	case err == nil:
		return s.finishConnectNonBlocking(nil)
	case sockerr.IsConnectDeferred(err):
		s.connectActive = true
		if s.Info.TimeoutConnect > 0 {
			s.timerRunning = true
			s.timerStart = s.TimeNow()
		}
		return ErrWaitEvent
	default:
		return s.finishConnectNonBlocking(newError(KindOS, "connect", os.NewSyscallError("connect", err)))
	}
}

func (s *TCPSocket) continueConnectNonBlocking() error {
	err := s.waitConnected(0)
	if errors.Is(err, ErrTimeout) {
		return ErrWaitEvent
	}
	return s.finishConnectNonBlocking(err)
}

func (s *TCPSocket) timeoutConnectNonBlocking() error {
	err := s.waitConnected(0)
	if errors.Is(err, ErrTimeout) {
		err = newError(KindTimeout, "connect", errors.New("connect timeout elapsed"))
	}
	return s.finishConnectNonBlocking(err)
}

func (s *TCPSocket) finishConnectNonBlocking(err error) error {
	s.connectActive = false
	s.timerRunning = false
	if err != nil {
		s.closeFD()
	} else {
		s.protocol = protocolOf(s.raddr)
	}
	s.logConnectDone(s.raddr, s.connectT0, false, err)
	return err
}

// open creates a fresh descriptor matching the address family.
func (s *TCPSocket) open(addr netip.AddrPort) error {
	s.closeFD()
	s.raddr = addr
	s.protocol = ProtocolUnset
	family := unix.AF_INET6
	if protocolOf(addr) == ProtocolIPv4 {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return newError(KindSocket, "socket", os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)
	s.fd = fd
	if err := setIOTimeout(fd, s.Info.IOTimeout()); err != nil {
		s.closeFD()
		return err
	}
	return nil
}

// startNativeConnect issues connect(2) with the descriptor temporarily
// in non-blocking mode and returns the raw native error.
func (s *TCPSocket) startNativeConnect(addr netip.AddrPort) error {
	if err := s.SetNonBlocking(true); err != nil {
		return err
	}
	err := unix.Connect(s.fd, sockaddrOf(addr))
	if rerr := s.SetNonBlocking(false); rerr != nil && err == nil {
		return rerr
	}
	return err
}

// waitConnected waits for the in-progress connect to complete.
func (s *TCPSocket) waitConnected(timeout time.Duration) error {
	entry := WaitEntry{FD: s.fd, Requested: EventWriteable | EventExcept}
	if err := s.Wait.WaitOne(&entry, timeout); err != nil {
		return err
	}
	if entry.Observed.Has(EventExcept) {
		return newError(KindConnection, "connect", errors.New("socket in exceptional state"))
	}
	code, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return newError(KindOS, "getsockopt", os.NewSyscallError("getsockopt", err))
	}
	if code != 0 {
		return newError(KindOS, "connect", os.NewSyscallError("connect", syscall.Errno(code)))
	}
	return nil
}

// Read implements [Socket].
func (s *TCPSocket) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, newError(KindSocket, "read", errSocketClosed)
	}
	for {
		count, err := unix.Read(s.fd, p)
		switch {
		case sockerr.IsInterrupted(err):
			continue
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case count == 0 && len(p) > 0:
			return 0, io.EOF
		default:
			return count, nil
		}
	}
}

// Write implements [Socket].
func (s *TCPSocket) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, newError(KindSocket, "write", errSocketClosed)
	}
	for {
		count, err := unix.Write(s.fd, p)
		switch {
		case sockerr.IsInterrupted(err):
			continue
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		default:
			return count, nil
		}
	}
}

// Close implements [Socket].
//
// Shuts down both directions before closing the descriptor. Subsequent
// calls are no-ops.
func (s *TCPSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	laddr, raddr := s.localAddr(), s.raddr.String()
	t0 := s.TimeNow()
	s.Logger.Info(
		"closeStart",
		slog.String("localAddr", laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", raddr),
		slog.Time("t", t0),
	)

	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	err := unix.Close(s.fd)
	s.fd = -1
	s.connectActive = false
	s.timerRunning = false
	if err != nil {
		err = os.NewSyscallError("close", err)
	}

	s.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", raddr),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
	return err
}

// closeFD closes the descriptor without logging.
func (s *TCPSocket) closeFD() {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

func (s *TCPSocket) localAddr() string {
	if s.fd < 0 {
		return ""
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return ""
	}
	if addr, ok := addrPortOf(sa); ok {
		return addr.String()
	}
	return ""
}

func (s *TCPSocket) logConnectStart(addr netip.AddrPort, t0 time.Time, blocking bool) {
	s.Logger.Info(
		"connectStart",
		slog.Bool("blocking", blocking),
		slog.Duration("connectTimeout", s.Info.ConnectTimeout()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addr.String()),
		slog.Time("t", t0),
	)
}

func (s *TCPSocket) logConnectDone(addr netip.AddrPort, t0 time.Time, blocking bool, err error) {
	s.Logger.Info(
		"connectDone",
		slog.Bool("blocking", blocking),
		slog.Duration("connectTimeout", s.Info.ConnectTimeout()),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.localAddr()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addr.String()),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}

// setIOTimeout applies the per-read and per-write timeouts, where a
// negative timeout means no timeout.
func setIOTimeout(fd int, timeout time.Duration) error {
	var tv unix.Timeval
	if timeout > 0 {
		tv = unix.NsecToTimeval(max(timeout, time.Microsecond).Nanoseconds())
	}
	for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
			return newError(KindOS, "setsockopt", os.NewSyscallError("setsockopt", err))
		}
	}
	return nil
}

func sockaddrOf(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}
