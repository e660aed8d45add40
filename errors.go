// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"errors"
	"fmt"

	"github.com/bassosimone/netconn/internal/sockerr"
)

// ErrWaitEvent is the deferred outcome telling the caller to wait for
// readiness (e.g., using [*ConnectionWait]) before calling again.
var ErrWaitEvent = errors.New("netconn: wait for event")

// ErrRetry is the deferred outcome telling the caller to call again
// immediately, e.g., because the next candidate address is ready to try.
var ErrRetry = errors.New("netconn: retry")

// ErrWaitAborted is returned by [*ConnectionWait.Wait] when a callback
// returned false.
var ErrWaitAborted = errors.New("netconn: wait aborted by callback")

// ErrMalformedPayload is returned by the [Serializable] helpers when
// deserialization fails without reporting any missing bytes.
var ErrMalformedPayload = errors.New("netconn: malformed payload")

// IsDeferred returns whether err is either [ErrWaitEvent] or [ErrRetry].
func IsDeferred(err error) bool {
	return errors.Is(err, ErrWaitEvent) || errors.Is(err, ErrRetry)
}

// ErrorKind is the category of an [*Error].
type ErrorKind int

const (
	// KindResolve is a hostname lookup failure.
	KindResolve ErrorKind = iota + 1

	// KindSocket is a descriptor creation failure or a bad socket.
	KindSocket

	// KindConnection means no address could be connected.
	KindConnection

	// KindNotConnectable means the target yielded no usable address.
	KindNotConnectable

	// KindTimeout means a bounded wait elapsed.
	KindTimeout

	// KindOS wraps a native errno from a system call.
	KindOS

	// KindSSL is a TLS handshake failure.
	KindSSL

	// KindSSLVerification is a TLS handshake rejected by certificate verification.
	KindSSLVerification

	// KindCert is a [*CertStore] failure.
	KindCert

	// KindNotifySocket is a [*NotifySocket] failure.
	KindNotifySocket

	// KindBounds means a descriptor exceeds the readiness backend capacity.
	KindBounds
)

var kindNames = map[ErrorKind]string{
	KindResolve:         "resolve",
	KindSocket:          "socket",
	KindConnection:      "connection",
	KindNotConnectable:  "not connectable",
	KindTimeout:         "timeout",
	KindOS:              "os",
	KindSSL:             "ssl",
	KindSSLVerification: "ssl verification",
	KindCert:            "cert",
	KindNotifySocket:    "notify socket",
	KindBounds:          "bounds",
}

// String implements [fmt.Stringer].
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure returned by this package.
//
// Use [errors.Is] with the Err* kind sentinels (e.g., [ErrResolve]) to
// test the category, and [errors.As] to access the fields.
type Error struct {
	// Kind is the error category.
	Kind ErrorKind

	// Op is the operation that failed (e.g., "connect").
	Op string

	// Code is the native error code, or zero.
	Code int

	// Err is the underlying cause, if any.
	Err error
}

// Kind sentinels for use with [errors.Is].
var (
	ErrResolve         = &Error{Kind: KindResolve}
	ErrSocket          = &Error{Kind: KindSocket}
	ErrConnection      = &Error{Kind: KindConnection}
	ErrNotConnectable  = &Error{Kind: KindNotConnectable}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrOS              = &Error{Kind: KindOS}
	ErrSSL             = &Error{Kind: KindSSL}
	ErrSSLVerification = &Error{Kind: KindSSLVerification}
	ErrCert            = &Error{Kind: KindCert}
	ErrNotifySocket    = &Error{Kind: KindNotifySocket}
	ErrBounds          = &Error{Kind: KindBounds}
)

// newError builds an [*Error] extracting the native code from err.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: sockerr.Code(err), Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	msg := "netconn: " + e.Kind.String()
	if e.Op != "" {
		msg = "netconn: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare kind sentinel with the same [ErrorKind].
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil || t.Code != 0 {
		return false
	}
	return t.Kind == e.Kind
}

// Timeout returns whether this is a [KindTimeout] error.
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}
