package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/storage"
)

// Validation failures. The decision layer maps all of them onto a single
// 401 so callers cannot probe which half was wrong.
var (
	ErrUnknownKey = errors.New("apikey: unknown key")
	ErrBadSecret  = errors.New("apikey: secret mismatch")
	ErrRevoked    = errors.New("apikey: key revoked")
)

// ValidatedApiKey is the cached outcome of a successful validation. It
// carries everything the decision path needs without another store read.
type ValidatedApiKey struct {
	KeyID    string
	TenantID string
	Wallet   string
	Name     string
}

// AccountKey is the ledger account holding this key's balance.
func (v ValidatedApiKey) AccountKey() string {
	return "key:" + v.KeyID
}

// Validator authenticates presented keys against the store, caching
// positive results and revocations. Cache entries key on the full
// presented token, so a wrong secret never hits the positive cache.
type Validator struct {
	store    storage.Store
	pepper   []byte
	cache    *lru.Cache // token -> ValidatedApiKey
	revoked  *lru.Cache // keyID -> struct{}
	logger   zerolog.Logger
}

// NewValidator creates a Validator with the given cache capacity
// (default 10k).
func NewValidator(store storage.Store, pepper []byte, cacheSize int, logger zerolog.Logger) (*Validator, error) {
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("apikey: validation cache: %w", err)
	}
	revoked, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("apikey: revocation cache: %w", err)
	}
	return &Validator{
		store:   store,
		pepper:  pepper,
		cache:   cache,
		revoked: revoked,
		logger:  logger.With().Str("component", "apikey_validator").Logger(),
	}, nil
}

// Validate authenticates a presented token.
func (v *Validator) Validate(ctx context.Context, token string) (ValidatedApiKey, error) {
	keyID, secret, err := Parse(token)
	if err != nil {
		return ValidatedApiKey{}, err
	}
	if _, hit := v.revoked.Get(keyID); hit {
		return ValidatedApiKey{}, ErrRevoked
	}
	if cached, hit := v.cache.Get(token); hit {
		return cached.(ValidatedApiKey), nil
	}

	record, err := v.store.GetAPIKeyByLookupHash(ctx, LookupHash(v.pepper, keyID))
	if errors.Is(err, storage.ErrNotFound) {
		return ValidatedApiKey{}, ErrUnknownKey
	}
	if err != nil {
		return ValidatedApiKey{}, fmt.Errorf("apikey: lookup: %w", err)
	}
	if record.Revoked {
		v.revoked.Add(record.KeyID, struct{}{})
		return ValidatedApiKey{}, ErrRevoked
	}

	ok, err := VerifySecret(secret, record.SecretHash)
	if err != nil {
		return ValidatedApiKey{}, err
	}
	if !ok {
		return ValidatedApiKey{}, ErrBadSecret
	}

	validated := ValidatedApiKey{
		KeyID:    record.KeyID,
		TenantID: record.TenantID,
		Wallet:   record.Wallet,
		Name:     record.Name,
	}
	v.cache.Add(token, validated)
	return validated, nil
}

// Revoke flips the stored record and poisons both caches so in-flight
// copies of the key stop working immediately on this replica.
func (v *Validator) Revoke(ctx context.Context, keyID string) error {
	if err := v.store.RevokeAPIKey(ctx, keyID); err != nil {
		return err
	}
	v.revoked.Add(keyID, struct{}{})
	// Positive cache entries key on full tokens; walk and drop this key's.
	for _, tokenKey := range v.cache.Keys() {
		if cached, hit := v.cache.Peek(tokenKey); hit {
			if cached.(ValidatedApiKey).KeyID == keyID {
				v.cache.Remove(tokenKey)
			}
		}
	}
	return nil
}

// Issue creates and persists a new key owned by wallet, returning the
// plaintext exactly once.
func (v *Validator) Issue(ctx context.Context, wallet, tenantID, name string) (Plaintext, storage.APIKey, error) {
	plain, err := Generate()
	if err != nil {
		return Plaintext{}, storage.APIKey{}, err
	}
	secretHash, err := HashSecret(plain.Secret)
	if err != nil {
		return Plaintext{}, storage.APIKey{}, err
	}
	record := storage.APIKey{
		KeyID:      plain.KeyID,
		TenantID:   tenantID,
		Wallet:     wallet,
		LookupHash: LookupHash(v.pepper, plain.KeyID),
		SecretHash: secretHash,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	if err := v.store.SaveAPIKey(ctx, record); err != nil {
		return Plaintext{}, storage.APIKey{}, fmt.Errorf("apikey: save: %w", err)
	}
	return plain, record, nil
}
