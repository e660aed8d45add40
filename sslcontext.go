// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NewSSLContext returns an empty [*SSLContext] using the system roots by default.
func NewSSLContext() *SSLContext {
	return &SSLContext{
		SystemCertPool: x509.SystemCertPool,
		pools:          map[string]*x509.CertPool{},
		sessions:       map[ConnectionKey][]*tls.ClientSessionState{},
	}
}

// SSLContext holds the trust anchors and the TLS session cache shared by
// the [*SSLSocket] instances created from the same [*Config].
//
// Sessions are kept in a multimap keyed by the (host, port) pair so that
// several sessions for the same endpoint may coexist.
//
// An SSLContext is safe for concurrent use.
type SSLContext struct {
	// SystemCertPool returns the default trust anchors.
	//
	// Set by [NewSSLContext] to [x509.SystemCertPool].
	SystemCertPool func() (*x509.CertPool, error)

	mu       sync.Mutex
	pools    map[string]*x509.CertPool
	sessions map[ConnectionKey][]*tls.ClientSessionState
}

// Load returns the trust anchors for certPath.
//
// An empty certPath selects the system roots. Otherwise, certPath is either
// a PEM bundle or a directory whose regular files are PEM bundles. Pools
// are cached by certPath.
func (c *SSLContext) Load(certPath string) (*x509.CertPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool, ok := c.pools[certPath]; ok {
		return pool, nil
	}
	pool, err := c.load(certPath)
	if err != nil {
		return nil, err
	}
	c.pools[certPath] = pool
	return pool, nil
}

func (c *SSLContext) load(certPath string) (*x509.CertPool, error) {
	if certPath == "" {
		return c.SystemCertPool()
	}
	finfo, err := os.Stat(certPath)
	if err != nil {
		return nil, err
	}
	if !finfo.IsDir() {
		return loadCertFile(x509.NewCertPool(), certPath)
	}

	entries, err := os.ReadDir(certPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	loaded := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, err := loadCertFile(pool, filepath.Join(certPath, entry.Name())); err == nil {
			loaded++
		}
	}
	if loaded <= 0 {
		return nil, fmt.Errorf("no certificates found in %s", certPath)
	}
	return pool, nil
}

func loadCertFile(pool *x509.CertPool, path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in " + path)
	}
	return pool, nil
}

// SaveSession adds session to the sessions of info's (host, port) pair.
func (c *SSLContext) SaveSession(info ConnectionInfo, session *tls.ClientSessionState) {
	if session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := info.Key()
	c.sessions[key] = append(c.sessions[key], session)
}

// GetSession returns a session for info's (host, port) pair, or nil.
//
// The most recently saved session is returned.
func (c *SSLContext) GetSession(info ConnectionInfo) *tls.ClientSessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sessions[info.Key()]
	if len(list) <= 0 {
		return nil
	}
	return list[len(list)-1]
}

// RemoveSession removes the entry of info's (host, port) pair holding
// exactly session and returns whether it was found.
func (c *SSLContext) RemoveSession(info ConnectionInfo, session *tls.ClientSessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := info.Key()
	list := c.sessions[key]
	for idx, entry := range list {
		if entry != session {
			continue
		}
		list = append(list[:idx], list[idx+1:]...)
		if len(list) <= 0 {
			delete(c.sessions, key)
		} else {
			c.sessions[key] = list
		}
		return true
	}
	return false
}

// Len returns the number of sessions saved for info's (host, port) pair.
func (c *SSLContext) Len(info ConnectionInfo) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[info.Key()])
}
