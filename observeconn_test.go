// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Read delegates to the underlying connection and logs the outcome.
func TestObservedConnRead(t *testing.T) {
	readData := []byte("hello world")
	mockConn := newMinimalConn()
	mockConn.ReadFunc = func(b []byte) (int, error) {
		return copy(b, readData), nil
	}
	logger, records := newCapturingLogger()
	observed := newObservedConn(mockConn, DefaultErrClassifier, logger, time.Now)

	buf := make([]byte, 100)
	count, err := observed.Read(buf)

	require.NoError(t, err)
	assert.Equal(t, readData, buf[:count])
	require.Equal(t, []string{"tlsRecordRead"}, recordMessages(*records))
	value, ok := recordAttr((*records)[0], "ioBytesCount")
	require.True(t, ok)
	assert.Equal(t, int64(len(readData)), value.Int64())
	value, ok = recordAttr((*records)[0], "ioBufferSize")
	require.True(t, ok)
	assert.Equal(t, int64(100), value.Int64())
}

// Write errors are returned unchanged and logged.
func TestObservedConnWriteError(t *testing.T) {
	wantErr := errors.New("write error")
	mockConn := newMinimalConn()
	mockConn.WriteFunc = func(b []byte) (int, error) {
		return 0, wantErr
	}
	logger, records := newCapturingLogger()
	observed := newObservedConn(mockConn, DefaultErrClassifier, logger, time.Now)

	count, err := observed.Write([]byte("data"))

	assert.Equal(t, 0, count)
	assert.ErrorIs(t, err, wantErr)
	require.Equal(t, []string{"tlsRecordWrite"}, recordMessages(*records))
	value, ok := recordAttr((*records)[0], "err")
	require.True(t, ok)
	assert.Equal(t, wantErr, value.Any())
}

// Close is delegated without logging.
func TestObservedConnClose(t *testing.T) {
	var closed bool
	mockConn := newMinimalConn()
	mockConn.CloseFunc = func() error {
		closed = true
		return nil
	}
	logger, records := newCapturingLogger()
	observed := newObservedConn(mockConn, DefaultErrClassifier, logger, time.Now)

	require.NoError(t, observed.Close())
	assert.True(t, closed)
	assert.Empty(t, *records)
}
