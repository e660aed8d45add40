//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bassosimone/netconn/internal/sockerr"
	"github.com/cenkalti/backoff/v5"
)

// NewSocketFactory returns the [SocketFactory] creating an [*SSLSocket]
// when [ConnectionInfo.SSL] is set and a [*TCPSocket] otherwise.
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSocketFactory(cfg *Config, logger SLogger) SocketFactory {
	return SocketFactoryFunc(func(info ConnectionInfo) Socket {
		if info.SSL {
			return NewSSLSocket(cfg, info, logger)
		}
		return NewTCPSocket(cfg, info, logger)
	})
}

// NewConnection returns a new, disconnected [*Connection].
//
// The cfg argument contains the common configuration.
//
// The info argument identifies the target and its settings.
//
// The logger argument is the [SLogger] to use for structured logging. Every
// event logged by the connection and its sockets carries the spanID attribute.
func NewConnection(cfg *Config, info ConnectionInfo, logger SLogger) *Connection {
	spanID := NewSpanID()
	logger = spanSLogger{logger: logger, spanID: spanID}
	return &Connection{
		ErrClassifier: cfg.ErrClassifier,
		Factory:       NewSocketFactory(cfg, logger),
		Info:          info,
		Logger:        logger,
		Metrics:       cfg.Metrics,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		NewResolver: func() *Resolver {
			return NewResolver(cfg, info.ConnectTimeout(), logger)
		},
		TimeNow: cfg.TimeNow,
		spanID:  spanID,
	}
}

// errConnectionClosed is the cause of operations on a closed [*Connection].
var errConnectionClosed = errors.New("connection is closed")

// Connection is the client connection to a (host, port) pair.
//
// It owns at most one [Socket] and, while a non-blocking connect is in
// progress, the [*Resolver] iterating the candidate addresses.
//
// A Connection is not safe for concurrent use.
//
// All fields are safe to modify after construction but before first use.
type Connection struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnection] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Factory creates the socket for each connect attempt.
	//
	// Set by [NewConnection] using [NewSocketFactory].
	Factory SocketFactory

	// Info identifies the target and its settings.
	//
	// Set by [NewConnection] to the user-provided value.
	Info ConnectionInfo

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnection] to the user-provided logger.
	Logger SLogger

	// Metrics is the optional [*Metrics] to update.
	//
	// Set by [NewConnection] from [Config.Metrics].
	Metrics *Metrics

	// NewBackOff returns the policy used by [*Connection.ConnectRetry].
	//
	// Set by [NewConnection] to return a [*backoff.ExponentialBackOff].
	NewBackOff func() backoff.BackOff

	// NewResolver returns a fresh [*Resolver] for the target.
	//
	// Set by [NewConnection] using [NewResolver] and the connect timeout.
	NewResolver func() *Resolver

	// TimeNow is the function to get the current time.
	//
	// Set by [NewConnection] from [Config.TimeNow].
	TimeNow func() time.Time

	closed    bool
	connected bool
	resolver  *Resolver
	socket    Socket
	spanID    string
}

// SpanID returns the identifier attached to the events of this connection.
func (c *Connection) SpanID() string {
	return c.spanID
}

// IsConnected returns whether the last connect completed successfully.
func (c *Connection) IsConnected() bool {
	return c.connected
}

// IsClosed returns whether [*Connection.Close] was called.
func (c *Connection) IsClosed() bool {
	return c.closed
}

// Protocol returns the IP version of the connected socket.
func (c *Connection) Protocol() IPProtocol {
	if c.socket == nil || !c.connected {
		return ProtocolUnset
	}
	return c.socket.Protocol()
}

// Socket returns the current socket, or nil.
func (c *Connection) Socket() Socket {
	return c.socket
}

// Connect resolves the target and tries each address in order with a
// blocking connect, keeping the first socket that connects.
//
// Returns a [KindResolve] or [KindNotConnectable] error when resolution
// fails, and a [KindConnection] error joining each attempt's failure when
// no address could be connected.
func (c *Connection) Connect() error {
	if c.closed {
		return newError(KindSocket, "connect", errConnectionClosed)
	}
	c.Disconnect()

	resolver := c.NewResolver()
	if err := resolver.Resolve(c.Info.Host, c.Info.Port); err != nil {
		return err
	}

	var errs []error
	for addr, ok := resolver.Current(); ok; addr, ok = resolver.Current() {
		sock := c.Factory.NewSocket(c.Info)
		err := sock.Connect(addr)
		c.Metrics.observeConnect(err)
		if err == nil {
			c.socket, c.connected = sock, true
			return nil
		}
		errs = append(errs, err)
		_ = sock.Close()
		resolver.Advance()
	}
	return newError(KindConnection, "connect", errors.Join(errs...))
}

// TryConnect is like [*Connection.Connect] but reports failure as false,
// logging the error.
func (c *Connection) TryConnect() bool {
	err := c.Connect()
	if err != nil {
		c.Logger.Debug(
			"tryConnect",
			slog.Any("err", err),
			slog.String("errClass", c.ErrClassifier.Classify(err)),
		)
		return false
	}
	return true
}

// ConnectNonBlocking advances a non-blocking connect by one step.
//
// The first call resolves the target. Each call then drives the socket
// connecting to the current candidate and returns:
//
//   - nil when connected;
//
//   - [ErrWaitEvent] when the socket is waiting for the connect to complete;
//
//   - [ErrRetry] when the attempt failed and another candidate remains;
//
//   - a [KindConnection] error when the last candidate failed;
//
//   - a [KindResolve] or [KindNotConnectable] error when resolution failed.
//
// Calling it when already connected returns nil.
func (c *Connection) ConnectNonBlocking() error {
	if c.closed {
		return newError(KindSocket, "connect", errConnectionClosed)
	}
	if c.connected {
		return nil
	}
	if c.resolver == nil {
		c.resolver = c.NewResolver()
	}
	if err := c.resolver.Resolve(c.Info.Host, c.Info.Port); err != nil {
		return err
	}

	addr, ok := c.resolver.Current()
	if !ok {
		c.resolver = nil
		return newError(KindNotConnectable, "connect", errNoAddresses)
	}
	if c.socket == nil {
		c.socket = c.Factory.NewSocket(c.Info)
	}

	err := c.socket.ConnectNonBlocking(addr)
	switch {
	case err == nil:
		c.Metrics.observeConnect(nil)
		c.connected, c.resolver = true, nil
		return nil

	case IsDeferred(err):
		return err

	default:
		c.Metrics.observeConnect(err)
		_ = c.socket.Close()
		c.socket = nil
		c.resolver.Advance()
		if _, ok := c.resolver.Current(); ok {
			c.Metrics.observeRetry()
			return ErrRetry
		}
		c.resolver = nil
		return newError(KindConnection, "connect", err)
	}
}

// ConnectRetry calls [*Connection.Connect] up to maxTries times, sleeping
// between attempts according to NewBackOff. Zero maxTries means no limit.
//
// Resolution failures that yielded no addresses are not retried.
func (c *Connection) ConnectRetry(ctx context.Context, maxTries uint) error {
	operation := func() (struct{}, error) {
		err := c.Connect()
		if errors.Is(err, ErrNotConnectable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.NewBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	return err
}

// Disconnect destroys the socket and forgets any in-progress connect.
func (c *Connection) Disconnect() {
	c.connected = false
	c.resolver = nil
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
}

// Close disconnects and marks the connection as closed, which causes
// [*ConnectionWait] to stop watching it.
func (c *Connection) Close() error {
	c.Disconnect()
	c.closed = true
	return nil
}

// Read blocks until exactly size bytes are read and appended to buf.
//
// Returns [io.ErrUnexpectedEOF] if the peer closes the connection first
// and a [KindTimeout] error if the I/O timeout elapses. The bytes read
// before a failure are still appended to buf.
func (c *Connection) Read(buf *bytes.Buffer, size int) error {
	if c.socket == nil {
		return newError(KindSocket, "read", errNotConnected)
	}
	total, err := c.readInto(buf, size)
	c.logIO("read", size, total, err)
	if err == nil {
		return nil
	}
	if sockerr.IsWouldBlock(err) {
		return newError(KindTimeout, "read", err)
	}
	return c.ioError("read", err)
}

// ReadNonBlocking is like [*Connection.Read] with the socket scoped into
// non-blocking mode for the duration of the call.
//
// Returns [ErrWaitEvent] when no data is available. Running out of data
// after reading some but not all of the size bytes is a [KindOS] error.
// Failing to restore blocking mode after a successful read is an error.
func (c *Connection) ReadNonBlocking(buf *bytes.Buffer, size int) (err error) {
	fs, ok := SocketFD(c.socket)
	if !ok {
		return newError(KindSocket, "read", errNotConnected)
	}
	if err := fs.SetNonBlocking(true); err != nil {
		return err
	}
	defer func() {
		if rerr := fs.SetNonBlocking(false); rerr != nil && err == nil {
			err = rerr
		}
	}()

	total, err := c.readInto(buf, size)
	c.logIO("readNonBlocking", size, total, err)
	switch {
	case err == nil:
		return nil
	case sockerr.IsWouldBlock(err) && total <= 0:
		return ErrWaitEvent
	default:
		return c.ioError("read", err)
	}
}

func (c *Connection) readInto(buf *bytes.Buffer, size int) (int, error) {
	chunk := make([]byte, size)
	total := 0
	var err error
	for total < size {
		var count int
		count, err = c.socket.Read(chunk[total:])
		total += max(count, 0)
		if err != nil {
			break
		}
		if count <= 0 {
			err = io.ErrNoProgress
			break
		}
	}
	buf.Write(chunk[:total])
	return total, err
}

// Write writes data using a single socket write.
//
// Returns [io.ErrShortWrite] when the socket accepted only part of data.
func (c *Connection) Write(data []byte) error {
	if c.socket == nil {
		return newError(KindSocket, "write", errNotConnected)
	}
	count, err := c.socket.Write(data)
	c.logIO("write", len(data), count, err)
	switch {
	case err != nil && sockerr.IsWouldBlock(err):
		return newError(KindTimeout, "write", err)
	case err != nil:
		return c.ioError("write", err)
	case count != len(data):
		return io.ErrShortWrite
	default:
		return nil
	}
}

func (c *Connection) ioError(op string, err error) error {
	var nerr *Error
	switch {
	case errors.Is(err, io.EOF):
		return io.ErrUnexpectedEOF
	case errors.As(err, &nerr):
		return nerr
	default:
		return newError(KindOS, op, err)
	}
}

func (c *Connection) logIO(op string, size, count int, err error) {
	c.Logger.Debug(
		op,
		slog.Int("count", count),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", c.Info.Address()),
		slog.Int("size", size),
		slog.Time("t", c.TimeNow()),
	)
}
