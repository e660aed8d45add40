// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"net"
	"time"
)

// Config holds common configuration for netconn operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*DNSLookup] to reach the DNS server.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Lookup resolves hostnames for [*Resolver].
	//
	// Set by [NewConfig] to [SystemLookup].
	Lookup LookupFunc

	// Metrics is the optional [*Metrics] to update.
	//
	// Set by [NewConfig] to nil.
	Metrics *Metrics

	// SSLContext holds the trust anchors and the session cache.
	//
	// Set by [NewConfig] using [NewSSLContext].
	SSLContext *SSLContext

	// TLSEngine is the [TLSEngine] used by [*SSLSocket] and [*DNSLookup].
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// WaitBackend is the readiness primitive used by [*SocketWait].
	//
	// Set by [NewConfig] to [SelectBackend].
	WaitBackend WaitBackend
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Lookup:        SystemLookup,
		Metrics:       nil,
		SSLContext:    NewSSLContext(),
		TLSEngine:     TLSEngineStdlib{},
		TimeNow:       time.Now,
		WaitBackend:   SelectBackend{},
	}
}
