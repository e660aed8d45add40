// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*DNSLookup] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDNSLookup returns a new [*DNSLookup] querying server.
//
// The cfg argument contains the common configuration.
//
// The network argument must be "udp", "tcp", "tls" for DNS over TLS, or
// "https" for DNS over HTTPS.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Use the Lookup method as [Config.Lookup] to bypass the system resolver.
func NewDNSLookup(cfg *Config, network string, server netip.AddrPort, logger SLogger) *DNSLookup {
	runtimex.Assert(network == "udp" || network == "tcp" || network == "tls" || network == "https")
	nextProtos := []string{"dot"}
	if network == "https" {
		nextProtos = []string{"h2", "http/1.1"}
	}
	return &DNSLookup{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Network:       network,
		Server:        server,
		TLSConfig: &tls.Config{
			NextProtos: nextProtos,
			ServerName: server.Addr().String(),
		},
		TLSEngine: cfg.TLSEngine,
		TimeNow:   cfg.TimeNow,
		URL:       "https://" + server.String() + "/dns-query",
	}
}

// DNSLookup resolves hostnames by sending A and AAAA queries to a
// specific DNS server over UDP, TCP, TLS, or HTTPS.
//
// All fields are safe to modify after construction but before first use.
type DNSLookup struct {
	// Dialer is the [Dialer] to reach the server.
	//
	// Set by [NewDNSLookup] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSLookup] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSLookup] to the user-provided logger.
	Logger SLogger

	// Network is "udp", "tcp", "tls", or "https".
	//
	// Set by [NewDNSLookup] to the user-provided value.
	Network string

	// Server is the DNS server address.
	//
	// Set by [NewDNSLookup] to the user-provided value.
	Server netip.AddrPort

	// TLSConfig is the configuration cloned for each TLS handshake.
	//
	// Set by [NewDNSLookup] to verify the server IP address, with ALPN
	// "dot" for DNS over TLS and "h2" or "http/1.1" for DNS over HTTPS.
	TLSConfig *tls.Config

	// TLSEngine is the [TLSEngine] for DNS over TLS and HTTPS.
	//
	// Set by [NewDNSLookup] from [Config.TLSEngine].
	TLSEngine TLSEngine

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSLookup] from [Config.TimeNow].
	TimeNow func() time.Time

	// URL is the DNS-over-HTTPS endpoint.
	//
	// Set by [NewDNSLookup] to the /dns-query path of the server.
	URL string
}

var _ LookupFunc = (&DNSLookup{}).Lookup

// Lookup implements [LookupFunc].
//
// IPv4 addresses come first. The lookup fails only when both queries fail.
func (l *DNSLookup) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := l.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(errs) >= 2 {
		return nil, errors.Join(errs...)
	}
	return addrs, nil
}

func (l *DNSLookup) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	x := l.newExchange(ctx, conn, dnscodec.NewQuery(host, qtype))
	x.logStart()
	resp, err := l.exchange(ctx, x)
	x.logDone(err)
	if err != nil {
		return nil, err
	}

	var records []string
	if qtype == dns.TypeA {
		records, err = resp.RecordsA()
	} else {
		records, err = resp.RecordsAAAA()
	}
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(records))
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func (l *DNSLookup) dial(ctx context.Context) (net.Conn, error) {
	switch l.Network {
	case "tls", "https":
	default:
		return l.Dialer.DialContext(ctx, l.Network, l.Server.String())
	}
	conn, err := l.Dialer.DialContext(ctx, "tcp", l.Server.String())
	if err != nil {
		return nil, err
	}
	tconn := l.TLSEngine.Client(conn, l.TLSConfig.Clone())
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tconn, nil
}

func (l *DNSLookup) exchange(ctx context.Context, x *dnsExchange) (*dnscodec.Response, error) {
	switch l.Network {
	case "udp":
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, l.Server)
		txp.ObserveRawQuery = x.observeQuery
		txp.ObserveRawResponse = x.observeResponse
		return txp.ExchangeWithConn(ctx, x.conn, x.query)

	case "https":
		return l.exchangeHTTPS(ctx, x)

	default:
		streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
		txp := dnsoverstream.NewTransport(streamDialer, l.Server)
		txp.ObserveRawQuery = x.observeQuery
		txp.ObserveRawResponse = x.observeResponse
		if tconn, ok := x.conn.(TLSConn); ok {
			// the TLS opener turns on padding and DNSSEC
			return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(tconn), x.query)
		}
		return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(x.conn), x.query)
	}
}

// exchangeHTTPS sends the query as a DNS-over-HTTPS request over the
// already established TLS connection.
func (l *DNSLookup) exchangeHTTPS(ctx context.Context, x *dnsExchange) (*dnscodec.Response, error) {
	tconn, ok := x.conn.(TLSConn)
	runtimex.Assert(ok)
	txp, closeIdle := newSingleUseTransport(tconn)
	defer closeIdle()

	req, msg, err := dnsoverhttps.NewRequestWithHook(ctx, x.query, l.URL, x.observeQuery)
	if err != nil {
		return nil, err
	}
	resp, err := txp.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return dnsoverhttps.ReadResponseWithHook(ctx, resp, msg, x.observeResponse)
}

// newSingleUseTransport returns an HTTP transport that performs its round
// trips over conn, speaking HTTP/2 when negotiated with ALPN.
func newSingleUseTransport(conn TLSConn) (http.RoundTripper, func()) {
	dialer := sud.NewSingleUseDialer(conn)
	if conn.ConnectionState().NegotiatedProtocol == "h2" {
		txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		return txp, txp.CloseIdleConnections
	}
	txp := &http.Transport{
		DialContext:       dialer.DialContext,
		DialTLSContext:    dialer.DialContext,
		DisableKeepAlives: true,
	}
	return txp, txp.CloseIdleConnections
}

// serverProtocol returns the DNS protocol name logged for network.
func serverProtocol(network string) string {
	switch network {
	case "tls":
		return "dot"
	case "https":
		return "doh"
	default:
		return network
	}
}

// dnsExchange is a single query sent by a [*DNSLookup] and the state
// needed to log it.
type dnsExchange struct {
	conn     net.Conn
	deadline time.Time
	lookup   *DNSLookup
	query    *dnscodec.Query
	rawQuery []byte
	t0       time.Time
}

func (l *DNSLookup) newExchange(ctx context.Context, conn net.Conn, query *dnscodec.Query) *dnsExchange {
	deadline, _ := ctx.Deadline()
	return &dnsExchange{
		conn:     conn,
		deadline: deadline,
		lookup:   l,
		query:    query,
		t0:       l.TimeNow(),
	}
}

// endpointAttrs returns the attributes shared by all the events.
func (x *dnsExchange) endpointAttrs() []any {
	return []any{
		slog.String("dnsQueryName", x.query.Name),
		slog.String("dnsQueryType", dns.TypeToString[x.query.Type]),
		slog.String("localAddr", safeconn.LocalAddr(x.conn)),
		slog.String("protocol", safeconn.Network(x.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(x.conn)),
		slog.String("serverProtocol", serverProtocol(x.lookup.Network)),
	}
}

func (x *dnsExchange) logStart() {
	x.lookup.Logger.Info(
		"dnsExchangeStart",
		append(x.endpointAttrs(),
			slog.Time("deadline", x.deadline),
			slog.Time("t", x.t0),
		)...,
	)
}

func (x *dnsExchange) logDone(err error) {
	x.lookup.Logger.Info(
		"dnsExchangeDone",
		append(x.endpointAttrs(),
			slog.Time("deadline", x.deadline),
			slog.Any("err", err),
			slog.String("errClass", x.lookup.ErrClassifier.Classify(err)),
			slog.Time("t0", x.t0),
			slog.Time("t", x.lookup.TimeNow()),
		)...,
	)
}

// observeQuery logs the raw query and keeps it for the response event.
func (x *dnsExchange) observeQuery(rawQuery []byte) {
	x.rawQuery = rawQuery
	x.lookup.Logger.Debug(
		"dnsQuery",
		append(x.endpointAttrs(),
			slog.Any("dnsRawQuery", rawQuery),
			slog.Time("t", x.lookup.TimeNow()),
		)...,
	)
}

func (x *dnsExchange) observeResponse(rawResp []byte) {
	x.lookup.Logger.Debug(
		"dnsResponse",
		append(x.endpointAttrs(),
			slog.Any("dnsRawQuery", x.rawQuery),
			slog.Any("dnsRawResponse", rawResp),
			slog.Time("t0", x.t0),
			slog.Time("t", x.lookup.TimeNow()),
		)...,
	)
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// The transports exchange over the connection [*DNSLookup] dialed.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("netconn: DNS transport must not dial; this is a programming error")
}
