package dpop

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// Storage is the key-pair persistence trait, per spec §4.7. The in-memory
// implementation below is the development-only reference.
type Storage interface {
	StoreKeyPair(ctx context.Context, kp *KeyPair) error
	GetKeyPair(ctx context.Context, id string) (*KeyPair, error)
	DeleteKeyPair(ctx context.Context, id string) error
	ListKeyPairs(ctx context.Context) ([]*KeyPair, error)
	HealthCheck(ctx context.Context) error
}

// InMemoryStorage is a development-only Storage backed by a map under a
// reader-writer lock, per spec §4.7's "in-memory reference implementation".
type InMemoryStorage struct {
	mu   sync.RWMutex
	keys map[string]*KeyPair
}

// NewInMemoryStorage builds an empty in-memory Storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{keys: make(map[string]*KeyPair)}
}

func (s *InMemoryStorage) StoreKeyPair(ctx context.Context, kp *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kp.ID] = kp
	return nil
}

func (s *InMemoryStorage) GetKeyPair(ctx context.Context, id string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("dpop: key pair %q not found", id)
	}
	return kp, nil
}

func (s *InMemoryStorage) DeleteKeyPair(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kp, ok := s.keys[id]; ok {
		kp.Destroy()
		delete(s.keys, id)
	}
	return nil
}

func (s *InMemoryStorage) ListKeyPairs(ctx context.Context) ([]*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KeyPair, 0, len(s.keys))
	for _, kp := range s.keys {
		out = append(out, kp)
	}
	return out, nil
}

func (s *InMemoryStorage) HealthCheck(ctx context.Context) error { return nil }

// cacheEntry bounds how long a KeyManager trusts a cached lookup before
// falling back to storage, per spec §4.7 ("caches for up to 5 min").
type cacheEntry struct {
	kp        *KeyPair
	expiresAt time.Time
}

// KeyManager generates, stores, rotates, and looks up DPoP key pairs,
// fronting Storage with a bounded cache. Grounded on spec §4.7 end to end;
// the cache/lookup shape mirrors registry.Registry's read-mostly RWMutex
// pattern.
type KeyManager struct {
	storage  Storage
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewKeyManager builds a KeyManager over storage with the default 5-minute
// cache TTL.
func NewKeyManager(storage Storage) *KeyManager {
	return &KeyManager{
		storage:  storage,
		cacheTTL: 5 * time.Minute,
		cache:    make(map[string]cacheEntry),
	}
}

// GenerateKeyPair creates a new key pair of alg, stores it, and caches it.
func (m *KeyManager) GenerateKeyPair(ctx context.Context, alg Algorithm, meta Metadata) (*KeyPair, error) {
	kp, err := generateKeyPair(alg, meta)
	if err != nil {
		return nil, err
	}
	if err := m.storage.StoreKeyPair(ctx, kp); err != nil {
		kp.Destroy()
		return nil, fmt.Errorf("dpop: store generated key pair: %w", err)
	}
	m.put(kp)
	return kp, nil
}

func generateKeyPair(alg Algorithm, meta Metadata) (*KeyPair, error) {
	var (
		der []byte
		pub PublicKey
		jwk jose.JSONWebKey
	)

	switch alg {
	case ES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("dpop: generate ES256 key: %w", err)
		}
		der, err = x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("dpop: marshal ES256 private key: %w", err)
		}
		size := (priv.PublicKey.Curve.Params().BitSize + 7) / 8
		pub = PublicKey{
			Curve: "P-256",
			X:     priv.PublicKey.X.FillBytes(make([]byte, size)),
			Y:     priv.PublicKey.Y.FillBytes(make([]byte, size)),
		}
		jwk = jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: string(ES256), Use: "sig"}

	case RS256, PS256:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("dpop: generate %s key: %w", alg, err)
		}
		der, err = x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("dpop: marshal %s private key: %w", alg, err)
		}
		pub = PublicKey{
			N: priv.PublicKey.N.Bytes(),
			E: big.NewInt(int64(priv.PublicKey.E)).Bytes(),
		}
		jwk = jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: string(alg), Use: "sig"}

	default:
		return nil, fmt.Errorf("dpop: unsupported algorithm %q", alg)
	}

	thumbprint, err := computeThumbprint(jwk)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		ID:         uuid.NewString(),
		Algorithm:  alg,
		PublicKey:  pub,
		Thumbprint: thumbprint,
		CreatedAt:  time.Now(),
		Metadata:   meta,
		privateDER: memguard.NewBufferFromBytes(der),
	}, nil
}

// computeThumbprint implements spec §4.7's RFC 7638 canonicalization via
// go-jose's built-in Thumbprint, which serializes the same sorted-field
// canonical JWK (EC: crv/kty/x/y; RSA: e/kty/n) before hashing.
func computeThumbprint(jwk jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("dpop: compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Signer parses kp's private key for use by the proof engine. The parsed
// crypto.Signer is not retained by KeyManager; only privateDER's locked
// buffer is long-lived.
func (kp *KeyPair) Signer() (crypto.Signer, error) {
	if kp.privateDER == nil {
		return nil, fmt.Errorf("dpop: key pair %s has no private key material", kp.ID)
	}
	key, err := x509.ParsePKCS8PrivateKey(kp.privateDER.Bytes())
	if err != nil {
		return nil, fmt.Errorf("dpop: parse private key for %s: %w", kp.ID, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("dpop: key pair %s private key is not a crypto.Signer", kp.ID)
	}
	return signer, nil
}

func (m *KeyManager) put(kp *KeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[kp.ID] = cacheEntry{kp: kp, expiresAt: time.Now().Add(m.cacheTTL)}
}

// GetKeyPair returns kp by id, consulting the cache before falling through
// to storage on a miss or stale entry.
func (m *KeyManager) GetKeyPair(ctx context.Context, id string) (*KeyPair, error) {
	m.mu.RLock()
	entry, ok := m.cache[id]
	m.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.kp, nil
	}

	kp, err := m.storage.GetKeyPair(ctx, id)
	if err != nil {
		return nil, err
	}
	m.put(kp)
	return kp, nil
}

// RotateKeyPair generates a replacement key of the same algorithm, carrying
// rotation_generation forward and expiring the old key per spec §4.7.
func (m *KeyManager) RotateKeyPair(ctx context.Context, id string) (*KeyPair, error) {
	old, err := m.GetKeyPair(ctx, id)
	if err != nil {
		return nil, err
	}

	meta := old.Metadata
	meta.RotationGeneration = old.Metadata.RotationGeneration + 1
	next, err := generateKeyPair(old.Algorithm, meta)
	if err != nil {
		return nil, err
	}
	if err := m.storage.StoreKeyPair(ctx, next); err != nil {
		next.Destroy()
		return nil, fmt.Errorf("dpop: store rotated key pair: %w", err)
	}

	expired := time.Now().Add(-time.Millisecond)
	old.ExpiresAt = &expired
	if err := m.storage.StoreKeyPair(ctx, old); err != nil {
		return nil, fmt.Errorf("dpop: persist expired old key pair: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, old.ID)
	m.cache[next.ID] = cacheEntry{kp: next, expiresAt: time.Now().Add(m.cacheTTL)}
	m.mu.Unlock()

	return next, nil
}

// CleanupExpiredKeys deletes every key pair whose ExpiresAt has passed,
// returning the count removed. Safe to run concurrently with lookups:
// storage is the source of truth, per spec §4.7.
func (m *KeyManager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	all, err := m.storage.ListKeyPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("dpop: list key pairs for cleanup: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, kp := range all {
		if kp.Expired(now) {
			if err := m.storage.DeleteKeyPair(ctx, kp.ID); err != nil {
				return removed, fmt.Errorf("dpop: delete expired key pair %s: %w", kp.ID, err)
			}
			m.mu.Lock()
			delete(m.cache, kp.ID)
			m.mu.Unlock()
			removed++
		}
	}
	return removed, nil
}

// DeleteKeyPair removes a key pair and evicts its cache entry.
func (m *KeyManager) DeleteKeyPair(ctx context.Context, id string) error {
	if err := m.storage.DeleteKeyPair(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
	return nil
}

// ListKeyPairs delegates to storage; the cache is a lookup accelerator only,
// never the source of truth for enumeration.
func (m *KeyManager) ListKeyPairs(ctx context.Context) ([]*KeyPair, error) {
	return m.storage.ListKeyPairs(ctx)
}

// HealthCheck delegates to storage.
func (m *KeyManager) HealthCheck(ctx context.Context) error {
	return m.storage.HealthCheck(ctx)
}
