//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netconn

import (
	"log/slog"
	"sync"
	"weak"
)

// ConnectionState is the readiness reported by [*ConnectionWait.Wait].
type ConnectionState int

const (
	// StateReadable means the connection has data to read.
	StateReadable ConnectionState = iota + 1

	// StateConnected means a pending connect completed, either way.
	StateConnected

	// StateException means the socket is in an exceptional state.
	StateException
)

// String implements [fmt.Stringer].
func (s ConnectionState) String() string {
	switch s {
	case StateReadable:
		return "readable"
	case StateConnected:
		return "connected"
	case StateException:
		return "exception"
	default:
		return "unknown"
	}
}

// ConnectionHandle identifies a registration with [*ConnectionWait].
type ConnectionHandle uint64

// NewConnectionWait returns a new [*ConnectionWait] owning a [*NotifySocket].
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectionWait(cfg *Config, logger SLogger) (*ConnectionWait, error) {
	notify, err := NewNotifySocket(logger)
	if err != nil {
		return nil, err
	}
	return &ConnectionWait{
		Logger:     logger,
		Metrics:    cfg.Metrics,
		SocketWait: NewSocketWait(cfg, logger),
		notify:     notify,
	}, nil
}

// ConnectionWait multiplexes readiness over a set of connections plus a
// wakeup channel that other goroutines can trigger with Notify.
//
// The registry holds weak references: a connection that is garbage
// collected or closed is dropped at the next Wait without unregistering.
//
// Register, Unregister, Len, and Notify are safe for concurrent use. Wait
// must be called by a single goroutine, the one owning the connections.
type ConnectionWait struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnectionWait] to the user-provided logger.
	Logger SLogger

	// Metrics is the optional [*Metrics] to update.
	//
	// Set by [NewConnectionWait] from [Config.Metrics].
	Metrics *Metrics

	// SocketWait is the [*SocketWait] performing the readiness wait.
	//
	// Set by [NewConnectionWait] using [NewSocketWait].
	SocketWait *SocketWait

	mu      sync.Mutex
	entries []connectionWaitEntry
	next    ConnectionHandle
	notify  *NotifySocket
}

type connectionWaitEntry struct {
	handle ConnectionHandle
	conn   weak.Pointer[Connection]
}

// Register adds conn to the watched set and returns its handle.
func (cw *ConnectionWait) Register(conn *Connection) ConnectionHandle {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.next++
	cw.entries = append(cw.entries, connectionWaitEntry{handle: cw.next, conn: weak.Make(conn)})
	return cw.next
}

// Unregister removes the registration and returns whether it existed.
func (cw *ConnectionWait) Unregister(handle ConnectionHandle) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	for idx, entry := range cw.entries {
		if entry.handle == handle {
			cw.entries = append(cw.entries[:idx], cw.entries[idx+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered connections that are still alive.
func (cw *ConnectionWait) Len() int {
	return len(cw.live())
}

// live prunes dead registrations and returns the live connections.
func (cw *ConnectionWait) live() []*Connection {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	var conns []*Connection
	kept := cw.entries[:0]
	for _, entry := range cw.entries {
		conn := entry.conn.Value()
		if conn == nil || conn.IsClosed() {
			continue
		}
		kept = append(kept, entry)
		conns = append(conns, conn)
	}
	clear(cw.entries[len(kept):])
	cw.entries = kept
	return conns
}

// Notify wakes up the goroutine blocked in [*ConnectionWait.Wait].
func (cw *ConnectionWait) Notify() error {
	if err := cw.notify.Notify(); err != nil {
		return err
	}
	cw.Metrics.observeNotify()
	return nil
}

// Close closes the wakeup channel.
func (cw *ConnectionWait) Close() error {
	return cw.notify.Close()
}

// Wait blocks until the wakeup channel fires or a registered connection
// becomes ready, then invokes the callbacks.
//
// Connected connections are watched for readability and connecting ones
// for connect progress, using the events given by [ConnectEventer] when
// the socket implements it. Connections without a descriptor are skipped.
//
// When the wakeup channel fired, it is cleared and onNotify is called
// first. Then onConnection is called, in registration order, for each
// ready connection with [StateException], [StateConnected], or
// [StateReadable], in this order of precedence. A nil callback behaves
// as one returning true.
//
// Returns [ErrWaitAborted] as soon as a callback returns false, or the
// error of the readiness wait.
func (cw *ConnectionWait) Wait(onNotify func() bool, onConnection func(conn *Connection, state ConnectionState) bool) error {
	conns := cw.live()
	entries := make([]WaitEntry, 1+len(conns))
	connecting := make([]bool, len(conns))
	entries[0] = WaitEntry{FD: cw.notify.FD(), Requested: EventReadable}
	for idx, conn := range conns {
		entries[idx+1] = watchEntry(conn)
		connecting[idx] = !conn.IsConnected()
	}

	if err := cw.SocketWait.Wait(entries, WaitForever); err != nil {
		return err
	}

	if entries[0].Observed != 0 {
		if err := cw.notify.Clear(); err != nil {
			return err
		}
		if onNotify != nil && !onNotify() {
			return ErrWaitAborted
		}
	}

	for idx, conn := range conns {
		observed := entries[idx+1].Observed
		if observed == 0 {
			continue
		}
		state := stateOf(observed, connecting[idx])
		cw.Logger.Debug(
			"connectionReady",
			slog.String("spanID", conn.SpanID()),
			slog.String("state", state.String()),
		)
		if onConnection != nil && !onConnection(conn, state) {
			return ErrWaitAborted
		}
	}
	return nil
}

func watchEntry(conn *Connection) WaitEntry {
	fs, ok := SocketFD(conn.Socket())
	if !ok {
		return WaitEntry{FD: -1}
	}
	if conn.IsConnected() {
		return WaitEntry{FD: fs.FD(), Requested: EventReadable}
	}
	return WaitEntry{FD: fs.FD(), Requested: connectEvents(conn.Socket())}
}

// stateOf maps the observed events to a state. While connecting, any
// non-exceptional event reports connect progress.
func stateOf(observed Events, connecting bool) ConnectionState {
	switch {
	case observed.Has(EventExcept):
		return StateException
	case observed.Has(EventWriteable), connecting:
		return StateConnected
	default:
		return StateReadable
	}
}
