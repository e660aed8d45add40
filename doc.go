// SPDX-License-Identifier: GPL-3.0-or-later

// Package netconn provides client TCP and TLS connections to a (host, port)
// pair with blocking and non-blocking connect, address fallback, public key
// pinning, and readiness multiplexing.
//
// # Connections
//
// A [*Connection] resolves its target with a [*Resolver] and tries the
// candidate addresses in order. [*Connection.Connect] blocks until one
// address connects or all fail. [*Connection.ConnectNonBlocking] advances the
// connect by one step and returns nil, [ErrWaitEvent] while the socket is
// waiting for the connect to complete, or [ErrRetry] when it moved to the
// next address. [*Connection.ConnectRetry] repeats blocking connects with a
// backoff policy.
//
// Once connected, [*Connection.Read] reads exactly the requested number of
// bytes and [*Connection.ReadNonBlocking] does the same without blocking.
// [WriteSerializable] and [ReadSerializable] exchange [Serializable] messages
// such as the length-prefixed CBOR [*CBORFrame].
//
// # Sockets
//
// The [Socket] variants are [*TCPSocket], [*SSLSocket], and [*NotifySocket].
// An [*SSLSocket] connects like a [*TCPSocket] and then performs a TLS
// handshake using the trust anchors and the session cache of an [*SSLContext].
// Sessions are cached per host and port and resumed by later connections.
//
// When [ConnectionInfo.CertStore] is set, the [*CertStore] decides whether to
// trust the server public key, overriding the chain verification outcome.
//
// # Readiness
//
// [*SocketWait] waits for readiness of explicit descriptor sets using a
// [WaitBackend] such as [SelectBackend] or [PollBackend]. [*ConnectionWait]
// builds on it to watch registered connections plus a wakeup channel that
// other goroutines trigger with [*ConnectionWait.Notify].
//
// # Errors
//
// Failures are [*Error] values. Use [errors.Is] with the kind sentinels
// (e.g., [ErrConnection], [ErrSSLVerification]) to test the category.
//
// # Observability
//
// All types support structured logging via [SLogger] (compatible with [log/slog]).
// By default, logging is disabled.
//
// Operations emit span events (*Start/*Done pairs) with timing and errors,
// and debug events for I/O and DNS messages. All events of a [*Connection]
// carry its spanID, generated with [NewSpanID]. Completion events include
// t0 (start time), err, and errClass, as classified by [ErrClassifier].
//
// Set [Config.Metrics] to a [*Metrics] to count connects, retries,
// handshakes, and wakeups with Prometheus.
//
// # Concurrency
//
// A [*Connection] and its sockets belong to a single goroutine. The
// [*SSLContext], [*CertStore], and the Notify method of [*ConnectionWait]
// are safe for concurrent use.
package netconn
