// Package oauth implements the OAuth 2.0 engine (C9): PKCE-protected
// authorization code, client credentials, and device code flows, plus
// multi-provider failover, on top of golang.org/x/oauth2. Grounded on spec
// §4.9; token persistence is an external collaborator (TokenStorage),
// mirroring the Storage trait split already used by dpop.KeyManager.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceUnreserved is the RFC 3986 "unreserved" character set RFC 7636
// restricts code verifiers to.
const pkceUnreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// verifierLength is fixed at the RFC 7636 maximum (128 chars), per spec
// §4.9 ("128-char verifier from the unreserved URL set").
const verifierLength = 128

// GenerateVerifier returns a fresh 128-character PKCE code verifier.
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate pkce verifier: %w", err)
	}
	out := make([]byte, verifierLength)
	for i, b := range buf {
		out[i] = pkceUnreserved[int(b)%len(pkceUnreserved)]
	}
	return string(out), nil
}

// Challenge computes the S256 PKCE code challenge for verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a fresh random state parameter of at least 16
// characters (spec §8 scenario S4: "state=<≥16 chars>").
func GenerateState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
