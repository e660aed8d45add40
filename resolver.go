// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/idna"
)

// LookupFunc resolves host into IPv4 and IPv6 addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// SystemLookup is the [LookupFunc] using [net.DefaultResolver].
func SystemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// errNoAddresses is the cause of a lookup returning an empty list.
var errNoAddresses = errors.New("no addresses for host")

// NewResolver returns a new [*Resolver].
//
// The cfg argument contains the common configuration.
//
// The timeout argument bounds each lookup ([WaitForever] for no bound).
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolver(cfg *Config, timeout time.Duration, logger SLogger) *Resolver {
	return &Resolver{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Lookup:        cfg.Lookup,
		TimeNow:       cfg.TimeNow,
		Timeout:       timeout,
	}
}

// Resolver resolves a (host, port) pair once and then iterates over the
// resulting addresses in the order the lookup returned them.
//
// All fields are safe to modify after construction but before first use.
type Resolver struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewResolver] to the user-provided logger.
	Logger SLogger

	// Lookup is the [LookupFunc] to use.
	//
	// Set by [NewResolver] from [Config.Lookup].
	Lookup LookupFunc

	// TimeNow is the function to get the current time.
	//
	// Set by [NewResolver] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout bounds each lookup, where a negative value means no bound.
	//
	// Set by [NewResolver] to the user-provided value.
	Timeout time.Duration

	addrs  []netip.AddrPort
	cursor int
	loaded bool
}

// Resolve looks up host and stores the candidates, each with port.
//
// After a successful lookup further calls are no-ops until [*Resolver.Reset].
// Returns a [KindResolve] error when the lookup fails and a [KindNotConnectable]
// error when it yields no addresses.
func (r *Resolver) Resolve(host string, port uint16) error {
	if r.loaded {
		return nil
	}

	t0 := r.TimeNow()
	r.Logger.Info(
		"resolveStart",
		slog.String("host", host),
		slog.Time("t", t0),
	)
	addrs, err := r.resolve(host)
	r.Logger.Info(
		"resolveDone",
		slog.Any("addrs", addrs),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("host", host),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	if err != nil {
		return err
	}

	r.addrs = make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		r.addrs = append(r.addrs, netip.AddrPortFrom(addr, port))
	}
	r.cursor = 0
	r.loaded = true
	return nil
}

func (r *Resolver) resolve(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, newError(KindResolve, "resolve", err)
	}

	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	addrs, err := r.Lookup(ctx, name)
	switch {
	case err != nil:
		return nil, newError(KindResolve, "resolve", err)
	case len(addrs) <= 0:
		return nil, newError(KindNotConnectable, "resolve", errNoAddresses)
	default:
		return addrs, nil
	}
}

// Current returns the address under the cursor, if any.
func (r *Resolver) Current() (netip.AddrPort, bool) {
	if !r.loaded || r.cursor >= len(r.addrs) {
		return netip.AddrPort{}, false
	}
	return r.addrs[r.cursor], true
}

// Advance moves the cursor to the next address. Once past the last
// address, [*Resolver.Current] reports no address.
func (r *Resolver) Advance() {
	if r.cursor < len(r.addrs) {
		r.cursor++
	}
}

// Addrs returns a copy of the resolved addresses.
func (r *Resolver) Addrs() []netip.AddrPort {
	return append([]netip.AddrPort{}, r.addrs...)
}

// Reset discards the addresses so that the next [*Resolver.Resolve] looks up again.
func (r *Resolver) Reset() {
	r.addrs = nil
	r.cursor = 0
	r.loaded = false
}
