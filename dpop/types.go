// Package dpop implements the DPoP key manager (C7) and proof engine (C8):
// RFC 9449 sender-constrained proof-of-possession on top of per-request JWS,
// grounded on go-jose/go-jose/v4 for JWK/JWS handling and github.com/
// awnumar/memguard for private-key zeroization, the way jinterlante1206-
// AleutianLocal's secure_accumulator.go wipes sensitive buffers on drop.
package dpop

import (
	"time"

	"github.com/awnumar/memguard"
)

// Algorithm is a supported DPoP signing algorithm, per spec §4.7.
type Algorithm string

const (
	ES256 Algorithm = "ES256"
	RS256 Algorithm = "RS256"
	PS256 Algorithm = "PS256"
)

// PublicKey is the algorithm-specific public key material kept alongside a
// KeyPair, in the coordinate representation spec §4.7 fixes.
type PublicKey struct {
	// EC (ES256)
	Curve string // "P-256"
	X, Y  []byte // 32-byte big-endian coordinates

	// RSA (RS256/PS256)
	N []byte // big-endian modulus
	E []byte // big-endian public exponent
}

// Metadata carries the caller-supplied binding context for a key pair.
type Metadata struct {
	ClientID           string
	SessionID          string
	RotationGeneration int
}

// KeyPair is a DPoP signing key pair. The private key lives only inside a
// memguard.LockedBuffer holding its PKCS#8 DER encoding; KeyPair never holds
// a bare crypto.PrivateKey, so zeroization on Destroy has exactly one owner.
type KeyPair struct {
	ID         string
	Algorithm  Algorithm
	PublicKey  PublicKey
	Thumbprint string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Metadata   Metadata

	privateDER *memguard.LockedBuffer
}

// Expired reports whether the key pair is expired as of now.
func (kp *KeyPair) Expired(now time.Time) bool {
	return kp.ExpiresAt != nil && kp.ExpiresAt.Before(now)
}

// Destroy wipes the key pair's private key material. Safe to call more than
// once; subsequent calls are no-ops (memguard.LockedBuffer.Destroy is
// idempotent).
func (kp *KeyPair) Destroy() {
	if kp.privateDER != nil {
		kp.privateDER.Destroy()
	}
}
