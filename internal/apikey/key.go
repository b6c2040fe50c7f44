// Package apikey issues and validates gateway API keys. A key presents as
// dk_{key_id}.{secret}: the id half is public and indexable, the secret
// half is stored only as an argon2id hash. Lookups go through an HMAC of
// the id under a process-wide pepper, so a leaked database maps to neither
// ids nor secrets.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Prefix marks every gateway API key.
const Prefix = "dk_"

// ErrMalformedKey reports a token that is not dk_{key_id}.{secret}.
var ErrMalformedKey = errors.New("apikey: malformed key")

// argon2id parameters. Interactive-login grade: validation happens on the
// hot path, but only on cache misses.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Plaintext is a freshly generated key before it is handed to the client.
// It exists only in the issuance response; nothing persists it.
type Plaintext struct {
	KeyID  string
	Secret string
}

// Token renders the client-facing form.
func (p Plaintext) Token() string {
	return Prefix + p.KeyID + "." + p.Secret
}

// Generate mints a new key pair: 16 hex chars of id, 43 base64url chars of
// secret (256 bits).
func Generate() (Plaintext, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return Plaintext{}, fmt.Errorf("apikey: generate id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return Plaintext{}, fmt.Errorf("apikey: generate secret: %w", err)
	}
	return Plaintext{
		KeyID:  hex.EncodeToString(idBytes),
		Secret: base64.RawURLEncoding.EncodeToString(secretBytes),
	}, nil
}

// Parse splits a presented token into its id and secret halves.
func Parse(token string) (keyID, secret string, err error) {
	if !strings.HasPrefix(token, Prefix) {
		return "", "", ErrMalformedKey
	}
	rest := token[len(Prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return "", "", ErrMalformedKey
	}
	return rest[:dot], rest[dot+1:], nil
}

// IsKey reports whether a bearer credential looks like a gateway API key,
// without validating it.
func IsKey(token string) bool {
	return strings.HasPrefix(token, Prefix)
}

// LookupHash derives the index value for a key id under the pepper.
func LookupHash(pepper []byte, keyID string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(Prefix + keyID))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashSecret derives the stored argon2id hash of a key secret, in the
// standard $argon2id$ encoding.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("apikey: generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifySecret compares a presented secret against a stored hash in
// constant time.
func VerifySecret(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("apikey: unsupported hash format")
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("apikey: parse hash params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("apikey: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("apikey: decode digest: %w", err)
	}
	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
