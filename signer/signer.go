// Package signer computes keyed HMAC-SHA-256 signatures over token payloads.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// MACSize is the length of every signature produced by Sign.
const MACSize = sha256.Size

// Signer holds the process-wide MAC key. It is not safe for concurrent use;
// the batching loop is the only caller and runs single-threaded.
type Signer struct {
	key []byte
	mac hash.Hash
}

// New installs the key and prepares the HMAC state. The key slice is copied;
// the caller may discard its own copy.
func New(key []byte) (*Signer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("signer: key must be %d bytes, got %d", KeySize, len(key))
	}

	k := make([]byte, KeySize)
	copy(k, key)

	return &Signer{
		key: k,
		mac: hmac.New(sha256.New, k),
	}, nil
}

// Sign returns the HMAC-SHA-256 of data under the installed key. Internal
// state is reset on every call so signatures are independent.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	if s.mac == nil {
		return nil, fmt.Errorf("signer: signer is closed")
	}

	s.mac.Reset()
	if _, err := s.mac.Write(data); err != nil {
		return nil, fmt.Errorf("signer: write payload: %w", err)
	}

	return s.mac.Sum(nil), nil
}

// Close overwrites the key copy and drops the HMAC state. The signer is
// unusable afterwards.
func (s *Signer) Close() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	s.mac = nil
}
