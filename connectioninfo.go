// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionInfo describes the endpoint a [*Connection] talks to.
//
// Equality for caching purposes only considers Host and Port: see [ConnectionInfo.Key].
type ConnectionInfo struct {
	// Host is the hostname or IP literal to connect to.
	Host string `yaml:"host"`

	// Port is the TCP port.
	Port uint16 `yaml:"port"`

	// SSL enables TLS on top of TCP.
	SSL bool `yaml:"ssl"`

	// SSLVerify enables certificate chain and hostname verification.
	SSLVerify bool `yaml:"ssl_verify"`

	// CertPath is a PEM bundle file or a directory of PEM files with the
	// trust anchors. When empty, the system roots are used.
	CertPath string `yaml:"cert_path"`

	// CertStore is the optional programmable trust override.
	CertStore *CertStore `yaml:"-"`

	// TimeoutConnect is the connect timeout in milliseconds (0 = indefinite).
	TimeoutConnect uint32 `yaml:"timeout_connect_ms"`

	// TimeoutIO is the per-read/per-write timeout in milliseconds (0 = indefinite).
	TimeoutIO uint32 `yaml:"timeout_io_ms"`
}

// ConnectionKey is the comparable identity of a [ConnectionInfo].
type ConnectionKey struct {
	Host string
	Port uint16
}

// Key returns the (host, port) identity used as the TLS session cache key.
func (ci ConnectionInfo) Key() ConnectionKey {
	return ConnectionKey{Host: ci.Host, Port: ci.Port}
}

// Equal returns whether two infos have the same host and port.
func (ci ConnectionInfo) Equal(other ConnectionInfo) bool {
	return ci.Key() == other.Key()
}

// Address returns the host:port string.
func (ci ConnectionInfo) Address() string {
	return net.JoinHostPort(ci.Host, strconv.Itoa(int(ci.Port)))
}

// ConnectTimeout returns TimeoutConnect as a [time.Duration], or [WaitForever].
func (ci ConnectionInfo) ConnectTimeout() time.Duration {
	return millisToDuration(ci.TimeoutConnect)
}

// IOTimeout returns TimeoutIO as a [time.Duration], or [WaitForever].
func (ci ConnectionInfo) IOTimeout() time.Duration {
	return millisToDuration(ci.TimeoutIO)
}

func millisToDuration(ms uint32) time.Duration {
	if ms == 0 {
		return WaitForever
	}
	return time.Duration(ms) * time.Millisecond
}

// ParseConnectionInfo parses a YAML document into a [ConnectionInfo].
func ParseConnectionInfo(data []byte) (ConnectionInfo, error) {
	var ci ConnectionInfo
	if err := yaml.Unmarshal(data, &ci); err != nil {
		return ConnectionInfo{}, fmt.Errorf("netconn: parse connection info: %w", err)
	}
	if ci.Host == "" {
		return ConnectionInfo{}, fmt.Errorf("netconn: parse connection info: missing host")
	}
	if ci.Port == 0 {
		return ConnectionInfo{}, fmt.Errorf("netconn: parse connection info: missing port")
	}
	return ci, nil
}

// LoadConnectionInfo reads and parses a YAML file into a [ConnectionInfo].
func LoadConnectionInfo(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ParseConnectionInfo(data)
}
