//go:build linux || darwin

// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTLSTestConfig returns a [*Config] whose system roots are empty.
func newTLSTestConfig() *Config {
	cfg := NewConfig()
	cfg.SSLContext.SystemCertPool = func() (*x509.CertPool, error) {
		return x509.NewCertPool(), nil
	}
	return cfg
}

// newTLSInfo returns the [ConnectionInfo] to reach srv over TLS.
func newTLSInfo(srv *testServer) ConnectionInfo {
	return ConnectionInfo{
		Host:           "127.0.0.1",
		Port:           srv.Addr.Port(),
		SSL:            true,
		TimeoutConnect: 5000,
		TimeoutIO:      5000,
	}
}

// writeCertFile writes the PEM certificate to a temporary file.
func writeCertFile(t *testing.T, cert *testCert) string {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, cert.CertPEM, 0600))
	return path
}

// NewSSLSocket populates all fields from Config and the provided logger.
func TestNewSSLSocket(t *testing.T) {
	cfg := NewConfig()
	sock := NewSSLSocket(cfg, ConnectionInfo{Host: "example.com", Port: 443}, DefaultSLogger())

	require.NotNil(t, sock)
	assert.Equal(t, cfg.SSLContext, sock.Context)
	assert.Equal(t, "stdlib", sock.Engine.Name())
	assert.Nil(t, sock.Metrics)
	assert.Equal(t, SocketTLS, sock.Kind())
	assert.Equal(t, -1, sock.FD())
	assert.Equal(t, tls.ConnectionState{}, sock.ConnectionState())
}

// A certificate chaining to the configured roots is accepted.
func TestSSLSocketVerifiedHandshake(t *testing.T) {
	cert := newTestCert(t)
	srv := newTLSTestServer(t, cert, "hello")
	info := newTLSInfo(srv)
	info.SSLVerify = true
	info.CertPath = writeCertFile(t, cert)
	logger, records := newCapturingLogger()
	sock := NewSSLSocket(newTLSTestConfig(), info, logger)

	require.NoError(t, sock.Connect(srv.Addr))
	defer sock.Close()

	buf := make([]byte, 5)
	_, err := io.ReadFull(sock, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, uint16(tls.VersionTLS13), sock.ConnectionState().Version)

	_, err = sock.Write([]byte("echo"))
	require.NoError(t, err)
	buf = make([]byte, 4)
	_, err = io.ReadFull(sock, buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf))

	messages := recordMessages(*records)
	assert.Contains(t, messages, "tlsHandshakeStart")
	assert.Contains(t, messages, "tlsHandshakeDone")
}

// The trust decision combines chain verification and the certificate store.
func TestSSLSocketTrustDecision(t *testing.T) {
	type testCase struct {
		name    string
		verify  bool
		mode    KeyMode
		useKey  bool
		wantErr error
	}

	cases := []testCase{
		{name: "unknown authority", verify: true, wantErr: ErrSSLVerification},
		{name: "no verification", verify: false},
		{name: "allow overrides chain failure", verify: true, useKey: true, mode: KeyAllow},
		{name: "deny overrides disabled verification", verify: false, useKey: true, mode: KeyDeny, wantErr: ErrSSLVerification},
		{name: "undecided keeps chain failure", verify: true, useKey: true, mode: KeyUndecided, wantErr: ErrSSLVerification},
		{name: "undecided keeps success", verify: false, useKey: true, mode: KeyUndecided},
	}

	cert := newTestCert(t)
	srv := newTLSTestServer(t, cert, "hello")

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := newTLSInfo(srv)
			info.SSLVerify = tc.verify
			if tc.useKey {
				info.CertStore = NewCertStore()
				_, err := info.CertStore.AddKey(cert.PublicPEM, tc.mode)
				require.NoError(t, err)
			}
			sock := NewSSLSocket(newTLSTestConfig(), info, DefaultSLogger())

			err := sock.Connect(srv.Addr)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, -1, sock.FD())
				return
			}
			require.NoError(t, err)
			require.NoError(t, sock.Close())
		})
	}
}

// TLS 1.3 sessions are saved, offered once, and evicted after use.
func TestSSLSocketSessionResumption(t *testing.T) {
	cert := newTestCert(t)
	srv := newTLSTestServer(t, cert, "hello")
	cfg := newTLSTestConfig()
	info := newTLSInfo(srv)

	first := NewSSLSocket(cfg, info, DefaultSLogger())
	require.NoError(t, first.Connect(srv.Addr))
	_, err := io.ReadFull(first, make([]byte, 5))
	require.NoError(t, err)
	assert.False(t, first.ConnectionState().DidResume)
	require.NoError(t, first.Close())
	saved := cfg.SSLContext.Len(info)
	require.GreaterOrEqual(t, saved, 1)

	second := NewSSLSocket(cfg, info, DefaultSLogger())
	require.NoError(t, second.Connect(srv.Addr))
	defer second.Close()
	assert.True(t, second.ConnectionState().DidResume)
	assert.Equal(t, saved-1, cfg.SSLContext.Len(info))
}

// Handshake failures that are not verification failures are SSL errors.
func TestSSLSocketHandshakeError(t *testing.T) {
	srv := newTestServer(t, nil)
	wantErr := errors.New("handshake failed")
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	cfg := NewConfig()
	cfg.TLSEngine = newMockTLSEngine(mockTLSConn)
	logger, records := newCapturingLogger()
	sock := NewSSLSocket(cfg, newTLSInfo(srv), logger)

	err := sock.Connect(srv.Addr)

	require.ErrorIs(t, err, ErrSSL)
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, -1, sock.FD())
	messages := recordMessages(*records)
	assert.Contains(t, messages, "tlsHandshakeDone")
}

// Close reads any pending close_notify and then closes the TLS connection.
func TestSSLSocketClose(t *testing.T) {
	srv := newTestServer(t, nil)
	var readCalled, closeCalled bool
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{Version: tls.VersionTLS12}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}
	mockTLSConn.FuncConn.ReadFunc = func(b []byte) (int, error) {
		readCalled = true
		return 0, io.EOF
	}
	mockTLSConn.FuncConn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}
	cfg := NewConfig()
	cfg.TLSEngine = newMockTLSEngine(mockTLSConn)
	sock := NewSSLSocket(cfg, newTLSInfo(srv), DefaultSLogger())
	require.NoError(t, sock.Connect(srv.Addr))

	require.NoError(t, sock.Close())

	assert.True(t, readCalled)
	assert.True(t, closeCalled)
	assert.Equal(t, -1, sock.FD())
}

// I/O before the handshake fails with a socket error.
func TestSSLSocketNotConnected(t *testing.T) {
	sock := NewSSLSocket(NewConfig(), ConnectionInfo{}, DefaultSLogger())

	_, err := sock.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrSocket)
	_, err = sock.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSocket)
	require.NoError(t, sock.Close())
}

// A missing certificate file is an SSL error.
func TestSSLSocketBadCertPath(t *testing.T) {
	srv := newTestServer(t, nil)
	info := newTLSInfo(srv)
	info.CertPath = filepath.Join(t.TempDir(), "missing.pem")
	sock := NewSSLSocket(NewConfig(), info, DefaultSLogger())

	err := sock.Connect(srv.Addr)

	require.ErrorIs(t, err, ErrSSL)
	assert.Equal(t, -1, sock.FD())
}

// The peer certificates are taken from verification errors when available.
func TestTLSPeerCerts(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("leaf")}
	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Raw: []byte("a")}, {Raw: []byte("b")}}}

	assert.Equal(t, [][]byte{[]byte("leaf")}, tlsPeerCerts(state, x509.HostnameError{Certificate: cert}))
	assert.Equal(t, [][]byte{[]byte("leaf")}, tlsPeerCerts(state, x509.UnknownAuthorityError{Cert: cert}))
	assert.Equal(t, [][]byte{[]byte("leaf")}, tlsPeerCerts(state, x509.CertificateInvalidError{Cert: cert}))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, tlsPeerCerts(state, nil))
	assert.Equal(t, [][]byte{}, tlsPeerCerts(tls.ConnectionState{}, nil))
}

// SNI is omitted for IP literals.
func TestTLSServerName(t *testing.T) {
	assert.Equal(t, "example.com", tlsServerName("example.com"))
	assert.Equal(t, "", tlsServerName("127.0.0.1"))
	assert.Equal(t, "", tlsServerName("::1"))
}

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and a *tls.Conn from Client.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}
	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())
	_, ok := engine.Client(newMinimalConn(), &tls.Config{}).(*tls.Conn)
	assert.True(t, ok)
}

// ConnectNonBlocking completes the handshake in the background.
func TestSSLSocketConnectNonBlocking(t *testing.T) {
	cert := newTestCert(t)
	srv := newTLSTestServer(t, cert, "hello")
	cfg := newTLSTestConfig()
	logger, records := newCapturingLogger()
	sock := NewSSLSocket(cfg, newTLSInfo(srv), logger)
	wait := NewSocketWait(cfg, DefaultSLogger())

	err := sock.ConnectNonBlocking(srv.Addr)
	for steps := 0; errors.Is(err, ErrWaitEvent); steps++ {
		require.Less(t, steps, 100)
		entry := WaitEntry{FD: sock.FD(), Requested: sock.ConnectEvents()}
		require.NoError(t, wait.WaitOne(&entry, 5*time.Second))
		err = sock.ConnectNonBlocking(srv.Addr)
	}
	require.NoError(t, err)
	defer sock.Close()

	assert.Equal(t, EventWriteable|EventExcept, sock.ConnectEvents())
	buf := make([]byte, 5)
	_, err = io.ReadFull(sock, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	assert.Contains(t, recordMessages(*records), "tlsHandshakeDone")
}

// A peer that never answers the handshake does not block ConnectNonBlocking.
func TestSSLSocketConnectNonBlockingSilentPeer(t *testing.T) {
	srv := newTestServer(t, nil)
	info := newTLSInfo(srv)
	info.TimeoutConnect = 0
	sock := NewSSLSocket(newTLSTestConfig(), info, DefaultSLogger())

	for range 20 {
		t0 := time.Now()
		err := sock.ConnectNonBlocking(srv.Addr)
		assert.Less(t, time.Since(t0), 50*time.Millisecond)
		require.ErrorIs(t, err, ErrWaitEvent)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, EventReadable, sock.ConnectEvents())
	assert.NotEqual(t, sock.TCPSocket.FD(), sock.FD())

	t0 := time.Now()
	require.NoError(t, sock.Close())
	assert.Less(t, time.Since(t0), time.Second)
	assert.Equal(t, -1, sock.FD())
}

// A failed background handshake is reported by the next call.
func TestSSLSocketConnectNonBlockingError(t *testing.T) {
	cert := newTestCert(t)
	srv := newTLSTestServer(t, cert, "hello")
	info := newTLSInfo(srv)
	info.SSLVerify = true
	sock := NewSSLSocket(newTLSTestConfig(), info, DefaultSLogger())

	err := sock.ConnectNonBlocking(srv.Addr)
	for steps := 0; errors.Is(err, ErrWaitEvent); steps++ {
		require.Less(t, steps, 1000)
		time.Sleep(5 * time.Millisecond)
		err = sock.ConnectNonBlocking(srv.Addr)
	}

	require.ErrorIs(t, err, ErrSSLVerification)
	assert.Equal(t, -1, sock.FD())
	require.NoError(t, sock.Close())
}
