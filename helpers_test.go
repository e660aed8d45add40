// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records.
func recordMessages(records []slog.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.Message)
	}
	return out
}

// recordAttr returns the value of the attribute with the given key.
func recordAttr(record slog.Record, key string) (slog.Value, bool) {
	var (
		value slog.Value
		found bool
	)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return value, found
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network].
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// staticLookup returns a [LookupFunc] returning the given addresses.
func staticLookup(addrs ...string) LookupFunc {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, netip.MustParseAddr(addr))
		}
		return out, nil
	}
}

// testServer is a loopback TCP server accepting connections in the background.
type testServer struct {
	Addr     netip.AddrPort
	Accepted chan net.Conn
	listener net.Listener
	wg       sync.WaitGroup
}

// newTestServer starts a loopback server and invokes handle, if not nil,
// in a new goroutine for each accepted connection. Without handle, the
// accepted connections are delivered to the Accepted channel.
func newTestServer(t *testing.T, handle func(conn net.Conn)) *testServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &testServer{
		Addr:     listener.Addr().(*net.TCPAddr).AddrPort(),
		Accepted: make(chan net.Conn, 16),
		listener: listener,
	}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if handle == nil {
				srv.Accepted <- conn
				continue
			}
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		srv.wg.Wait()
		close(srv.Accepted)
		for conn := range srv.Accepted {
			conn.Close()
		}
	})
	return srv
}

// refusedAddr returns a loopback address where nobody is listening.
func refusedAddr(t *testing.T) netip.AddrPort {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr).AddrPort()
	require.NoError(t, listener.Close())
	return addr
}

// testCert is a self-signed certificate for TLS tests.
type testCert struct {
	TLS       tls.Certificate
	Leaf      *x509.Certificate
	CertPEM   []byte
	PublicPEM []byte
}

// newTestCert creates a self-signed certificate valid for 127.0.0.1 and localhost.
func newTestCert(t *testing.T) *testCert {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return &testCert{
		TLS:       tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		Leaf:      leaf,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PublicPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}),
	}
}

// newTLSTestServer starts a loopback TLS 1.3 server that writes greeting
// after each handshake and then echoes what it reads.
func newTLSTestServer(t *testing.T, cert *testCert, greeting string) *testServer {
	config := &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		MinVersion:   tls.VersionTLS13,
	}
	return newTestServer(t, func(conn net.Conn) {
		tconn := tls.Server(conn, config)
		if err := tconn.Handshake(); err != nil {
			return
		}
		if _, err := tconn.Write([]byte(greeting)); err != nil {
			return
		}
		buf := make([]byte, 1024)
		for {
			count, err := tconn.Read(buf)
			if err != nil {
				return
			}
			if _, err := tconn.Write(buf[:count]); err != nil {
				return
			}
		}
	})
}
