//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
//

package netconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"golang.org/x/sys/unix"
)

// errNotConnected is the cause of I/O on a socket without a TLS session.
var errNotConnected = errors.New("socket is not connected")

// errKeyDenied is the verification failure when the [*CertStore] rejects the key.
var errKeyDenied = errors.New("peer public key rejected by the certificate store")

// NewSSLSocket returns a new, unconnected [*SSLSocket].
//
// The cfg argument contains the common configuration.
//
// The info argument contains the host, the verification settings, and the
// timeouts. The host is also the session cache key.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSSLSocket(cfg *Config, info ConnectionInfo, logger SLogger) *SSLSocket {
	runtimex.Assert(cfg.SSLContext != nil)
	return &SSLSocket{
		TCPSocket: NewTCPSocket(cfg, info, logger),
		Context:   cfg.SSLContext,
		Engine:    cfg.TLSEngine,
		Metrics:   cfg.Metrics,
	}
}

// SSLSocket is a TLS-over-TCP [Socket].
//
// Connect connects the underlying [*TCPSocket] and then performs a blocking
// TLS handshake bounded by the connect timeout. ConnectNonBlocking runs the
// handshake in a background goroutine once the TCP connect completes and
// reports [ErrWaitEvent] until it finishes. Reads may be scoped into
// non-blocking mode once connected.
//
// All fields are safe to modify after construction but before first use.
type SSLSocket struct {
	*TCPSocket

	// Context provides the trust anchors and the session cache.
	//
	// Set by [NewSSLSocket] from [Config.SSLContext].
	Context *SSLContext

	// Engine is the [TLSEngine] to use to handshake.
	//
	// Set by [NewSSLSocket] from [Config.TLSEngine].
	Engine TLSEngine

	// Metrics is the optional [*Metrics] to update.
	//
	// Set by [NewSSLSocket] from [Config.Metrics].
	Metrics *Metrics

	conn      TLSConn
	pending   *pendingHandshake
	session   *tls.ClientSessionState
	verifyErr error
}

// pendingHandshake is a handshake running in the background. The notify
// read end becomes readable just before the result is sent on done.
type pendingHandshake struct {
	done   chan handshakeResult
	notify *NotifySocket
}

type handshakeResult struct {
	conn TLSConn
	err  error
}

var (
	_ Socket         = &SSLSocket{}
	_ FDSocket       = &SSLSocket{}
	_ ConnectEventer = &SSLSocket{}
)

// Kind implements [Socket].
func (s *SSLSocket) Kind() SocketKind {
	return SocketTLS
}

// FD implements [FDSocket].
//
// While a background handshake runs, it returns a descriptor that becomes
// readable when the handshake completes.
func (s *SSLSocket) FD() int {
	if s.pending != nil {
		return s.pending.notify.FD()
	}
	return s.TCPSocket.FD()
}

// ConnectEvents implements [ConnectEventer].
func (s *SSLSocket) ConnectEvents() Events {
	if s.pending != nil {
		return EventReadable
	}
	return EventWriteable | EventExcept
}

// Connect implements [Socket].
func (s *SSLSocket) Connect(addr netip.AddrPort) error {
	if err := s.TCPSocket.Connect(addr); err != nil {
		return err
	}
	return s.finishHandshake(s.handshake())
}

// ConnectNonBlocking implements [Socket].
//
// Once the TCP connection is established, the call starts the handshake in
// the background and returns [ErrWaitEvent]. Later calls return
// [ErrWaitEvent] until the handshake completes, then its result.
func (s *SSLSocket) ConnectNonBlocking(addr netip.AddrPort) error {
	if s.pending != nil {
		return s.pollHandshake()
	}
	if err := s.TCPSocket.ConnectNonBlocking(addr); err != nil {
		return err
	}
	return s.startHandshake()
}

func (s *SSLSocket) startHandshake() error {
	notify, err := NewNotifySocket(s.Logger)
	if err != nil {
		s.closeFD()
		return err
	}
	s.conn = nil
	hs := &pendingHandshake{done: make(chan handshakeResult, 1), notify: notify}
	s.pending = hs
	go func() {
		conn, err := s.handshake()
		_ = hs.notify.Notify()
		hs.done <- handshakeResult{conn: conn, err: err}
	}()
	return ErrWaitEvent
}

func (s *SSLSocket) pollHandshake() error {
	select {
	case result := <-s.pending.done:
		s.stopHandshake()
		return s.finishHandshake(result.conn, result.err)
	default:
		return ErrWaitEvent
	}
}

// cancelHandshake unblocks a background handshake and waits for it.
func (s *SSLSocket) cancelHandshake() {
	_ = unix.Shutdown(s.TCPSocket.FD(), unix.SHUT_RDWR)
	<-s.pending.done
	s.stopHandshake()
}

func (s *SSLSocket) stopHandshake() {
	_ = s.pending.notify.Close()
	s.pending = nil
}

func (s *SSLSocket) finishHandshake(conn TLSConn, err error) error {
	if err != nil {
		s.closeFD()
		return err
	}
	s.conn = conn
	return nil
}

// ConnectionState returns the TLS state of the connected socket.
func (s *SSLSocket) ConnectionState() tls.ConnectionState {
	if s.conn == nil {
		return tls.ConnectionState{}
	}
	return s.conn.ConnectionState()
}

// handshake runs the TLS handshake over the connected descriptor. It does
// not close the descriptor, so it may run in a background goroutine.
func (s *SSLSocket) handshake() (TLSConn, error) {
	s.session, s.verifyErr = nil, nil

	roots, err := s.Context.Load(s.Info.CertPath)
	if err != nil {
		return nil, newError(KindSSL, "loadCerts", err)
	}

	raw := newFDConn(s.TCPSocket)
	config := s.tlsConfig(roots)
	tconn := s.Engine.Client(newObservedConn(raw, s.ErrClassifier, s.Logger, s.TimeNow), config)

	t0 := s.TimeNow()
	var deadline time.Time
	if timeout := s.Info.ConnectTimeout(); timeout > 0 {
		deadline = t0.Add(timeout)
		_ = raw.SetDeadline(deadline)
	}
	s.logHandshakeStart(raw, t0, deadline, config)
	err = tconn.HandshakeContext(context.Background())
	_ = raw.SetDeadline(time.Time{})
	state := tconn.ConnectionState()
	err = s.handshakeError(err)
	s.logHandshakeDone(raw, t0, deadline, config, err, state)
	s.Metrics.observeHandshake(err, state.DidResume)
	if err != nil {
		return nil, err
	}

	// A TLS 1.3 ticket is single use.
	if state.Version == tls.VersionTLS13 && s.session != nil {
		s.Context.RemoveSession(s.Info, s.session)
	}
	return tconn, nil
}

func (s *SSLSocket) handshakeError(err error) error {
	switch {
	case err == nil:
		return nil
	case s.verifyErr != nil:
		return newError(KindSSLVerification, "tlsHandshake", err)
	default:
		return newError(KindSSL, "tlsHandshake", err)
	}
}

func (s *SSLSocket) tlsConfig(roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ClientSessionCache: &sessionCache{s},
		// chain verification happens in verifyConnection so that the
		// certificate store can override its outcome
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            roots,
		ServerName:         tlsServerName(s.Info.Host),
		Time:               s.TimeNow,
		VerifyConnection: func(state tls.ConnectionState) error {
			s.verifyErr = s.verifyConnection(state, roots)
			return s.verifyErr
		},
	}
}

// verifyConnection combines the chain verification outcome with the
// [*CertStore] decision about the leaf public key.
func (s *SSLSocket) verifyConnection(state tls.ConnectionState, roots *x509.CertPool) error {
	if len(state.PeerCertificates) <= 0 {
		return errors.New("server presented no certificates")
	}
	leaf := state.PeerCertificates[0]
	chainErr := s.verifyChain(leaf, state.PeerCertificates[1:], roots)
	ok := chainErr == nil
	if store := s.Info.CertStore; store != nil {
		ok = store.Verify(ok, leaf.PublicKey)
	}
	switch {
	case ok:
		return nil
	case chainErr != nil:
		return chainErr
	default:
		return errKeyDenied
	}
}

func (s *SSLSocket) verifyChain(leaf *x509.Certificate, rest []*x509.Certificate, roots *x509.CertPool) error {
	if !s.Info.SSLVerify {
		return nil
	}
	intermediates := x509.NewCertPool()
	for _, cert := range rest {
		intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		CurrentTime:   s.TimeNow(),
		DNSName:       s.Info.Host,
		Intermediates: intermediates,
		Roots:         roots,
	})
	return err
}

// Read implements [Socket].
func (s *SSLSocket) Read(p []byte) (int, error) {
	if s.conn == nil {
		return 0, newError(KindSocket, "read", errNotConnected)
	}
	return s.conn.Read(p)
}

// Write implements [Socket].
func (s *SSLSocket) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, newError(KindSocket, "write", errNotConnected)
	}
	return s.conn.Write(p)
}

// Close implements [Socket].
//
// A background handshake is interrupted and waited for. When the peer
// already sent close_notify, a non-blocking read consumes it so that the
// shutdown completes in both directions. Then close_notify is sent and
// the descriptor is closed.
func (s *SSLSocket) Close() error {
	if s.pending != nil {
		s.cancelHandshake()
	}
	if s.conn != nil {
		if s.SetNonBlocking(true) == nil {
			var buf [1]byte
			_, _ = s.conn.Read(buf[:])
			_ = s.SetNonBlocking(false)
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	return s.TCPSocket.Close()
}

func (s *SSLSocket) logHandshakeStart(conn *fdConn, t0 time.Time, deadline time.Time, config *tls.Config) {
	s.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", s.Engine.Name()),
		slog.String("tlsParrot", s.Engine.Parrot()),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsVerify", s.Info.SSLVerify),
	)
}

func (s *SSLSocket) logHandshakeDone(conn *fdConn, t0 time.Time,
	deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	s.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.Bool("tlsDidResume", state.DidResume),
		slog.String("tlsEngineName", s.Engine.Name()),
		slog.String("tlsParrot", s.Engine.Parrot()),
		slog.Any("tlsPeerCerts", tlsPeerCerts(state, err)),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsVerify", s.Info.SSLVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

// sessionCache adapts the [*SSLContext] multimap to [tls.ClientSessionCache]
// for a single handshake, remembering which session was offered.
type sessionCache struct {
	sock *SSLSocket
}

var _ tls.ClientSessionCache = &sessionCache{}

func (c *sessionCache) Get(string) (*tls.ClientSessionState, bool) {
	session := c.sock.Context.GetSession(c.sock.Info)
	if session == nil {
		return nil, false
	}
	c.sock.session = session
	return session, true
}

func (c *sessionCache) Put(_ string, session *tls.ClientSessionState) {
	if session == nil {
		if c.sock.session != nil {
			c.sock.Context.RemoveSession(c.sock.Info, c.sock.session)
		}
		return
	}
	c.sock.Context.SaveSession(c.sock.Info, session)
}
