//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package netconn

import (
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// newObservedConn wraps the [net.Conn] a TLS session runs over so that the
// encrypted I/O it performs is logged at debug level.
//
// Deadline changes and Close are delegated without logging: the socket
// owning the descriptor already logs its lifecycle.
func newObservedConn(conn net.Conn, classifier ErrClassifier, logger SLogger, timeNow func() time.Time) *observedConn {
	return &observedConn{
		Conn:       conn,
		classifier: classifier,
		laddr:      safeconn.LocalAddr(conn),
		logger:     logger,
		protocol:   safeconn.Network(conn),
		raddr:      safeconn.RemoteAddr(conn),
		timeNow:    timeNow,
	}
}

// observedConn observes the encrypted side of a TLS session.
type observedConn struct {
	net.Conn
	classifier ErrClassifier
	laddr      string
	logger     SLogger
	protocol   string
	raddr      string
	timeNow    func() time.Time
}

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.timeNow()
	count, err := c.Conn.Read(buf)
	c.logIO("tlsRecordRead", t0, len(buf), count, err)
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	t0 := c.timeNow()
	count, err := c.Conn.Write(data)
	c.logIO("tlsRecordWrite", t0, len(data), count, err)
	return count, err
}

func (c *observedConn) logIO(msg string, t0 time.Time, size, count int, err error) {
	c.logger.Debug(
		msg,
		slog.Int("ioBufferSize", size),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.classifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)
}
