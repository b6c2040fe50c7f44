// Package auth implements wallet login. A wallet proves control of its
// address by signing a one-shot nonce message with personal_sign; the
// reward is a short-lived EdDSA session token. Session verification is
// offline: the Ed25519 public key is published as a JWKS document, so any
// replica (or external service) can validate tokens without shared state.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/kv"
)

var (
	// ErrNonceUnknown means no login was started for the wallet, or the
	// nonce expired or was already used.
	ErrNonceUnknown = errors.New("auth: unknown or expired nonce")

	// ErrBadSignature means the signature does not recover to the wallet.
	ErrBadSignature = errors.New("auth: signature verification failed")

	// ErrSessionInvalid means the session token failed validation.
	ErrSessionInvalid = errors.New("auth: invalid session token")
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultNonceTTL   = 5 * time.Minute
)

func nonceKey(wallet string) string {
	return "auth_nonce:" + strings.ToLower(wallet)
}

// Service issues login nonces and session tokens.
type Service struct {
	kv         kv.Store
	clock      clock.Clock
	ids        *clock.IDGenerator
	signKey    ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyID      string
	issuer     string
	sessionTTL time.Duration
	nonceTTL   time.Duration
	logger     zerolog.Logger
}

// NewService creates a Service from the hex Ed25519 seed in secrets.
func NewService(cfg config.AuthConfig, secrets config.SecretsConfig, kvStore kv.Store, clk clock.Clock, ids *clock.IDGenerator, log zerolog.Logger) (*Service, error) {
	seed, err := hex.DecodeString(secrets.SessionSeed)
	if err != nil {
		return nil, fmt.Errorf("auth: decode session seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: session seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if clk == nil {
		clk = clock.System{}
	}
	if ids == nil {
		ids = clock.NewIDGenerator(clk)
	}
	// jwt/v4 validates exp/iat against this package-level time source; bind
	// it to the injected clock so session validation follows the same time
	// as issuance.
	jwt.TimeFunc = clk.Now
	sessionTTL := cfg.SessionTTL.Duration
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	nonceTTL := cfg.NonceTTL.Duration
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "dekapay"
	}

	signKey := ed25519.NewKeyFromSeed(seed)
	publicKey := signKey.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(publicKey)
	return &Service{
		kv:         kvStore,
		clock:      clk,
		ids:        ids,
		signKey:    signKey,
		publicKey:  publicKey,
		keyID:      hex.EncodeToString(sum[:8]),
		issuer:     issuer,
		sessionTTL: sessionTTL,
		nonceTTL:   nonceTTL,
		logger:     log.With().Str("component", "auth").Logger(),
	}, nil
}

// Nonce starts a login: it stores a fresh one-shot message for the wallet
// and returns it for signing.
func (s *Service) Nonce(ctx context.Context, wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("auth: %q is not a wallet address", wallet)
	}
	message := fmt.Sprintf(
		"DekaPay login\nWallet: %s\nNonce: %s\nIssued: %s",
		strings.ToLower(wallet),
		s.ids.Nonce(),
		s.clock.Now().UTC().Format(time.RFC3339),
	)
	if err := s.kv.Set(ctx, nonceKey(wallet), message, s.nonceTTL); err != nil {
		return "", fmt.Errorf("auth: store nonce: %w", err)
	}
	return message, nil
}

// Session is a successful login.
type Session struct {
	Token     string
	ExpiresIn int64 // seconds
	Wallet    string
}

// Verify checks a personal_sign signature over the wallet's outstanding
// nonce message and issues a session. The nonce is consumed regardless of
// casing games; a second verify needs a fresh nonce.
func (s *Service) Verify(ctx context.Context, wallet, signatureHex string) (Session, error) {
	message, found, err := s.kv.Get(ctx, nonceKey(wallet))
	if err != nil {
		return Session{}, fmt.Errorf("auth: load nonce: %w", err)
	}
	if !found {
		return Session{}, ErrNonceUnknown
	}
	// One shot: burn it before verification so a failed attempt cannot be
	// retried against the same message.
	if err := s.kv.Del(ctx, nonceKey(wallet)); err != nil {
		return Session{}, fmt.Errorf("auth: consume nonce: %w", err)
	}

	recovered, err := recoverPersonalSign(message, signatureHex)
	if err != nil {
		return Session{}, err
	}
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return Session{}, ErrBadSignature
	}

	return s.issueSession(strings.ToLower(wallet))
}

// recoverPersonalSign recovers the signer of an EIP-191 personal_sign
// signature. Wallets emit V as 27/28; go-ethereum wants 0/1.
func recoverPersonalSign(message, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	digest := ethcrypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)),
	)
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func (s *Service) issueSession(wallet string) (Session, error) {
	now := s.clock.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
			ID:        s.ids.Nonce(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign session: %w", err)
	}
	s.logger.Info().Str("wallet", wallet).Msg("session issued")
	return Session{
		Token:     signed,
		ExpiresIn: int64(s.sessionTTL.Seconds()),
		Wallet:    wallet,
	}, nil
}

// ParseSession validates a session token and returns the wallet it names.
func (s *Service) ParseSession(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil || !token.Valid {
		return "", ErrSessionInvalid
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" || claims.Issuer != s.issuer {
		return "", ErrSessionInvalid
	}
	return claims.Subject, nil
}
