// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying a span.
//
// Every [*Connection] gets its own span ID at construction, attached to its
// log events as the "spanID" attribute, so that the resolve, connect, TLS
// handshake, and close events of the same connection can be correlated.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
