// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
)

// KeyMode is the trust decision attached to a public key.
type KeyMode int

const (
	// KeyDeny rejects connections presenting the key.
	KeyDeny KeyMode = iota

	// KeyAllow accepts connections presenting the key.
	KeyAllow

	// KeyUndecided defers to the chain verification outcome.
	KeyUndecided
)

// String implements [fmt.Stringer].
func (m KeyMode) String() string {
	switch m {
	case KeyDeny:
		return "deny"
	case KeyAllow:
		return "allow"
	case KeyUndecided:
		return "undecided"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// NewCertStore returns an empty [*CertStore].
func NewCertStore() *CertStore {
	return &CertStore{}
}

// CertStore is a list of public keys with an allow/deny decision each,
// consulted after chain verification to override its outcome.
//
// Keys are compared by their PKIX DER encoding. Ids are assigned in
// increasing order and are never reused.
//
// A CertStore is safe for concurrent use.
type CertStore struct {
	mu     sync.Mutex
	keys   []*storedKey
	nextID int
}

type storedKey struct {
	id   uint16
	mode KeyMode
	der  []byte
}

// AddKey adds the public key contained in the PEM data and returns its id.
//
// The PEM block may be a PUBLIC KEY, an RSA PUBLIC KEY, or a CERTIFICATE
// whose public key is used.
func (cs *CertStore) AddKey(data []byte, mode KeyMode) (uint16, error) {
	_, der, err := ParsePublicKeyPEM(data)
	if err != nil {
		return 0, newError(KindCert, "addKey", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.nextID > math.MaxUint16 {
		return 0, newError(KindCert, "addKey", errors.New("key ids exhausted"))
	}
	id := uint16(cs.nextID)
	cs.nextID++
	cs.keys = append(cs.keys, &storedKey{id: id, mode: mode, der: der})
	return id, nil
}

// AddKeyFile is like [*CertStore.AddKey] but reads the PEM data from path.
func (cs *CertStore) AddKeyFile(path string, mode KeyMode) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, newError(KindCert, "addKey", err)
	}
	return cs.AddKey(data, mode)
}

// SetMode changes the mode of the key with the given id.
func (cs *CertStore) SetMode(id uint16, mode KeyMode) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	key, _ := cs.find(id)
	if key == nil {
		return newError(KindCert, "setMode", errUnknownKeyID(id))
	}
	key.mode = mode
	return nil
}

// Mode returns the mode of the key with the given id.
func (cs *CertStore) Mode(id uint16) (KeyMode, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	key, _ := cs.find(id)
	if key == nil {
		return KeyUndecided, newError(KindCert, "getMode", errUnknownKeyID(id))
	}
	return key.mode, nil
}

// RemoveKey removes the key with the given id.
func (cs *CertStore) RemoveKey(id uint16) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	key, idx := cs.find(id)
	if key == nil {
		return newError(KindCert, "removeKey", errUnknownKeyID(id))
	}
	cs.keys = append(cs.keys[:idx], cs.keys[idx+1:]...)
	return nil
}

// Len returns the number of stored keys.
func (cs *CertStore) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.keys)
}

// Verify returns the trust decision for a peer public key given the
// outcome of chain verification.
//
// The first stored key equal to candidate decides: [KeyAllow] accepts,
// [KeyDeny] rejects, and [KeyUndecided] returns preVerifyOK. Without
// a match, the result is preVerifyOK.
func (cs *CertStore) Verify(preVerifyOK bool, candidate crypto.PublicKey) bool {
	der, err := x509.MarshalPKIXPublicKey(candidate)
	if err != nil {
		return preVerifyOK
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, key := range cs.keys {
		if !bytes.Equal(key.der, der) {
			continue
		}
		switch key.mode {
		case KeyAllow:
			return true
		case KeyDeny:
			return false
		default:
			return preVerifyOK
		}
	}
	return preVerifyOK
}

func (cs *CertStore) find(id uint16) (*storedKey, int) {
	for idx, key := range cs.keys {
		if key.id == id {
			return key, idx
		}
	}
	return nil, -1
}

func errUnknownKeyID(id uint16) error {
	return fmt.Errorf("no key with id %d", id)
}

// ParsePublicKeyPEM parses the first PEM block of data and returns the
// public key along with its PKIX DER encoding.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, []byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, errors.New("no PEM block found")
	}

	var (
		key crypto.PublicKey
		err error
	)
	switch block.Type {
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			key = cert.PublicKey
		}
	default:
		err = fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}
