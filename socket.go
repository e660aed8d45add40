// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import "net/netip"

// SocketKind tags the concrete socket variant.
type SocketKind int

const (
	// SocketPlain is a plain TCP socket ([*TCPSocket]).
	SocketPlain SocketKind = iota + 1

	// SocketTLS is a TLS-over-TCP socket ([*SSLSocket]).
	SocketTLS

	// SocketNotify is a cross-goroutine wakeup channel ([*NotifySocket]).
	SocketNotify
)

// String implements [fmt.Stringer].
func (k SocketKind) String() string {
	switch k {
	case SocketPlain:
		return "tcp"
	case SocketTLS:
		return "tls"
	case SocketNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// IPProtocol is the IP version negotiated by a connected socket.
type IPProtocol int

const (
	// ProtocolUnset means the socket is not connected.
	ProtocolUnset IPProtocol = iota

	// ProtocolIPv4 means the socket is connected over IPv4.
	ProtocolIPv4

	// ProtocolIPv6 means the socket is connected over IPv6.
	ProtocolIPv6
)

// String implements [fmt.Stringer].
func (p IPProtocol) String() string {
	switch p {
	case ProtocolIPv4:
		return "ipv4"
	case ProtocolIPv6:
		return "ipv6"
	default:
		return "unset"
	}
}

func protocolOf(addr netip.AddrPort) IPProtocol {
	if addr.Addr().Unmap().Is4() {
		return ProtocolIPv4
	}
	return ProtocolIPv6
}

// Socket is the capability set a [*Connection] drives.
//
// A Socket is owned by a single [*Connection] and is not safe for
// concurrent use.
type Socket interface {
	// Kind returns the socket variant.
	Kind() SocketKind

	// Connect connects to addr, blocking until done or the connect timeout.
	Connect(addr netip.AddrPort) error

	// ConnectNonBlocking drives the non-blocking connect state machine,
	// returning nil, [ErrWaitEvent], or an error.
	ConnectNonBlocking(addr netip.AddrPort) error

	// Protocol returns the IP version of the connected socket.
	Protocol() IPProtocol

	// Read reads into p returning the number of bytes read, or an
	// error; [io.EOF] when the peer closed the connection.
	Read(p []byte) (int, error)

	// Write writes p returning the number of bytes written.
	Write(p []byte) (int, error)

	// Close shuts down and closes the socket.
	Close() error
}

// FDSocket is the capability of sockets backed by a native descriptor.
type FDSocket interface {
	// FD returns the native descriptor, or a negative value when closed.
	FD() int

	// SetNonBlocking toggles the descriptor non-blocking mode.
	SetNonBlocking(on bool) error
}

// ConnectEventer is implemented by sockets whose descriptor signals the
// progress of a non-blocking connect with events other than the default
// writeability and exceptional state.
type ConnectEventer interface {
	// ConnectEvents returns the events to wait for on the FD descriptor
	// before calling ConnectNonBlocking again.
	ConnectEvents() Events
}

// connectEvents returns the events signalling connect progress for s.
func connectEvents(s Socket) Events {
	if ce, ok := s.(ConnectEventer); ok {
		return ce.ConnectEvents()
	}
	return EventWriteable | EventExcept
}

// SocketFD returns the [FDSocket] capability of s, if s has an open descriptor.
func SocketFD(s Socket) (FDSocket, bool) {
	if s == nil {
		return nil, false
	}
	fs, ok := s.(FDSocket)
	if !ok || fs.FD() < 0 {
		return nil, false
	}
	return fs, true
}

// SocketFactory creates the socket for a connect attempt.
type SocketFactory interface {
	NewSocket(info ConnectionInfo) Socket
}

// SocketFactoryFunc adapts a function to the [SocketFactory] interface.
type SocketFactoryFunc func(info ConnectionInfo) Socket

var _ SocketFactory = SocketFactoryFunc(nil)

// NewSocket implements [SocketFactory].
func (f SocketFactoryFunc) NewSocket(info ConnectionInfo) Socket {
	return f(info)
}
