// Package signer implements HMAC-SHA-256 signing over canonicalized field
// sets, with dual-secret rotation so in-flight signatures survive a secret
// swap.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
)

// SignatureField is the reserved field name excluded from canonicalization.
const SignatureField = "hmac"

// hexDigestLen is the length of a lowercase hex SHA-256 digest.
const hexDigestLen = sha256.Size * 2

// ErrEmptySecret is returned when constructing a signer without a secret.
var ErrEmptySecret = errors.New("signer: empty secret")

// Signer holds the current and previous HMAC secrets. Verification accepts
// both until the previous secret is displaced by the next rotation.
type Signer struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

// New creates a Signer with the given secret and no previous secret.
func New(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{current: []byte(secret)}, nil
}

// NewWithPrevious creates a Signer mid-rotation, accepting signatures made
// under prev until the next Rotate.
func NewWithPrevious(secret, prev string) (*Signer, error) {
	s, err := New(secret)
	if err != nil {
		return nil, err
	}
	if prev != "" {
		s.previous = []byte(prev)
	}
	return s, nil
}

// Rotate installs next as the current secret; the old current secret
// remains valid for verification until the rotation after this one.
func (s *Signer) Rotate(next string) error {
	if next == "" {
		return ErrEmptySecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = []byte(next)
	return nil
}

// Canonical renders fields as pipe-joined values in lexicographic order of
// field name. The signature field itself is excluded. Callers are
// responsible for rendering numbers as base-10 strings and lowercasing
// addresses before signing.
func Canonical(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = fields[k]
	}
	return strings.Join(values, "|")
}

// Sign computes the lowercase hex HMAC-SHA-256 of the canonical form of
// fields under the current secret.
func (s *Signer) Sign(fields map[string]string) string {
	s.mu.RLock()
	secret := s.current
	s.mu.RUnlock()
	return digest(secret, Canonical(fields))
}

// Verify checks a presented signature against fields, trying the current
// secret and then the previous one. Rejection is silent: the only
// short-circuits are format guards whose timing is independent of the
// secret and message contents.
func (s *Signer) Verify(fields map[string]string, signature string) bool {
	if len(signature) != hexDigestLen {
		return false
	}
	presented, err := hex.DecodeString(signature)
	if err != nil || len(presented) != sha256.Size {
		return false
	}

	s.mu.RLock()
	current, previous := s.current, s.previous
	s.mu.RUnlock()

	canonical := Canonical(fields)
	if checkMAC(current, canonical, presented) {
		return true
	}
	if previous != nil && checkMAC(previous, canonical, presented) {
		return true
	}
	return false
}

func digest(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func checkMAC(secret []byte, canonical string, presented []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hmac.Equal(mac.Sum(nil), presented)
}
