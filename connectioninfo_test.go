// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Key and Equal only consider host and port.
func TestConnectionInfoKeyIgnoresSettings(t *testing.T) {
	a := ConnectionInfo{Host: "example.com", Port: 443, SSL: true, SSLVerify: true, TimeoutIO: 10}
	b := ConnectionInfo{Host: "example.com", Port: 443, SSL: false, SSLVerify: false, TimeoutConnect: 99}
	c := ConnectionInfo{Host: "example.com", Port: 8443}

	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

// Address joins host and port, bracketing IPv6 literals.
func TestConnectionInfoAddress(t *testing.T) {
	assert.Equal(t, "example.com:80", ConnectionInfo{Host: "example.com", Port: 80}.Address())
	assert.Equal(t, "[::1]:443", ConnectionInfo{Host: "::1", Port: 443}.Address())
}

// Zero timeouts map to WaitForever.
func TestConnectionInfoTimeouts(t *testing.T) {
	ci := ConnectionInfo{TimeoutConnect: 1500}
	assert.Equal(t, 1500*time.Millisecond, ci.ConnectTimeout())
	assert.Equal(t, WaitForever, ci.IOTimeout())
}

// ParseConnectionInfo reads all the YAML keys.
func TestParseConnectionInfo(t *testing.T) {
	data := []byte(`
host: example.com
port: 443
ssl: true
ssl_verify: true
cert_path: /etc/ssl/certs
timeout_connect_ms: 5000
timeout_io_ms: 1000
`)
	ci, err := ParseConnectionInfo(data)
	require.NoError(t, err)
	assert.Equal(t, ConnectionInfo{
		Host:           "example.com",
		Port:           443,
		SSL:            true,
		SSLVerify:      true,
		CertPath:       "/etc/ssl/certs",
		TimeoutConnect: 5000,
		TimeoutIO:      1000,
	}, ci)
}

// ParseConnectionInfo rejects documents without host or port.
func TestParseConnectionInfoErrors(t *testing.T) {
	_, err := ParseConnectionInfo([]byte("port: 80\n"))
	require.Error(t, err)

	_, err = ParseConnectionInfo([]byte("host: example.com\n"))
	require.Error(t, err)

	_, err = ParseConnectionInfo([]byte("host: [unterminated\n"))
	require.Error(t, err)
}

// LoadConnectionInfo reads the file from disk.
func TestLoadConnectionInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 127.0.0.1\nport: 8080\n"), 0600))

	ci, err := LoadConnectionInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ci.Host)
	assert.Equal(t, uint16(8080), ci.Port)

	_, err = LoadConnectionInfo(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
