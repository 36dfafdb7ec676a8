package dpop

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/kbrennan/mcpcore/mcperrors"
)

const dpopTyp = "dpop+jwt"

// NonceTracker owns the set of seen jti values for one scope (per spec §5,
// "explicitly scoped per-session"), ageing entries out by iat+maxAge.
// Grounded on the concurrent-map-under-lock shape used throughout this
// module (registry.Registry, session.Lifecycle).
type NonceTracker struct {
	mu     sync.Mutex
	seen   map[string]time.Time // jti -> iat
	maxAge time.Duration
}

// NewNonceTracker builds a tracker that ages entries out after maxAge.
func NewNonceTracker(maxAge time.Duration) *NonceTracker {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &NonceTracker{seen: make(map[string]time.Time), maxAge: maxAge}
}

// CheckAndInsert reports whether jti has been seen (within its age window)
// and, if not, records it with iat. A true return means replay.
func (t *NonceTracker) CheckAndInsert(jti string, iat time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked()
	if _, ok := t.seen[jti]; ok {
		return true
	}
	t.seen[jti] = iat
	return false
}

func (t *NonceTracker) reapLocked() {
	cutoff := time.Now().Add(-t.maxAge)
	for jti, iat := range t.seen {
		if iat.Before(cutoff) {
			delete(t.seen, jti)
		}
	}
}

// Len reports the current number of tracked jtis, for tests/metrics.
func (t *NonceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// ProofEngine constructs and validates DPoP proofs per spec §4.8.
type ProofEngine struct {
	MaxAge     time.Duration // default 60s
	ClockSkew  time.Duration // default 30s
	Nonces     *NonceTracker
}

// NewProofEngine builds a ProofEngine with spec-default timing and a fresh
// nonce tracker.
func NewProofEngine() *ProofEngine {
	return &ProofEngine{
		MaxAge:    60 * time.Second,
		ClockSkew: 30 * time.Second,
		Nonces:    NewNonceTracker(2 * time.Minute),
	}
}

// proofClaims is the DPoP proof JWT payload, per spec §4.8.
type proofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

func joseAlg(alg Algorithm) jose.SignatureAlgorithm {
	switch alg {
	case ES256:
		return jose.ES256
	case RS256:
		return jose.RS256
	case PS256:
		return jose.PS256
	default:
		return ""
	}
}

// stripQueryFragment implements spec §4.8's "URI without query/fragment".
func stripQueryFragment(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("dpop: parse uri: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func accessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Construct builds a compact DPoP proof JWS for an outbound request.
func (e *ProofEngine) Construct(kp *KeyPair, method, uri string, accessToken, nonce string) (string, error) {
	htu, err := stripQueryFragment(uri)
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "strip query/fragment from htu")
	}

	signer, err := kp.Signer()
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "load dpop signer")
	}

	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(dpopTyp)
	joseSigner, err := jose.NewSigner(jose.SigningKey{Algorithm: joseAlg(kp.Algorithm), Key: signer}, opts)
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "build dpop signer")
	}

	claims := proofClaims{
		JTI:   uuid.NewString(),
		HTM:   strings.ToUpper(method),
		HTU:   htu,
		IAT:   time.Now().Unix(),
		Nonce: nonce,
	}
	if accessToken != "" {
		claims.ATH = accessTokenHash(accessToken)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "marshal dpop claims")
	}

	jws, err := joseSigner.Sign(payload)
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "sign dpop proof")
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.DpopCryptographic, err, "serialize dpop proof")
	}
	return compact, nil
}

// ValidateExpectation carries what a validated proof must match.
type ValidateExpectation struct {
	Method         string
	URI            string
	AccessToken    string // "" if none expected
	ExpectedThumbprint string // "" to skip the binding check
}

// Validate checks a compact DPoP proof against expectations, per the
// eight-step algorithm in spec §4.8.
func (e *ProofEngine) Validate(proof string, exp ValidateExpectation) error {
	supported := []jose.SignatureAlgorithm{jose.ES256, jose.RS256, jose.PS256}
	jws, err := jose.ParseSigned(proof, supported)
	if err != nil {
		return mcperrors.Wrap(mcperrors.DpopCryptographic, err, "parse dpop proof").
			WithContext(mcperrors.Context{Component: "dpop", Operation: "validate"})
	}
	if len(jws.Signatures) != 1 {
		return mcperrors.New(mcperrors.DpopCryptographic, "dpop proof must carry exactly one signature")
	}
	header := jws.Signatures[0].Header

	typ, _ := header.ExtraHeaders[jose.HeaderKey("typ")].(string)
	if typ != dpopTyp {
		return mcperrors.Newf(mcperrors.DpopCryptographic, "dpop proof typ must be %q, got %q", dpopTyp, typ)
	}
	if header.JSONWebKey == nil {
		return mcperrors.New(mcperrors.DpopCryptographic, "dpop proof missing embedded jwk")
	}

	if exp.ExpectedThumbprint != "" {
		sum, err := header.JSONWebKey.Thumbprint(crypto.SHA256)
		if err != nil {
			return mcperrors.Wrap(mcperrors.DpopCryptographic, err, "compute proof jwk thumbprint")
		}
		if base64.RawURLEncoding.EncodeToString(sum) != exp.ExpectedThumbprint {
			return mcperrors.New(mcperrors.DpopPinningFailed, "dpop proof key does not match expected binding")
		}
	}

	payload, err := jws.Verify(header.JSONWebKey)
	if err != nil {
		return mcperrors.Wrap(mcperrors.DpopCryptographic, err, "verify dpop proof signature")
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return mcperrors.Wrap(mcperrors.DpopCryptographic, err, "decode dpop proof claims")
	}

	if claims.HTM != strings.ToUpper(exp.Method) {
		return mcperrors.New(mcperrors.DpopHTTPBindingFailed, "dpop proof htm does not match request method")
	}
	expectedHTU, err := stripQueryFragment(exp.URI)
	if err != nil {
		return mcperrors.Wrap(mcperrors.DpopHTTPBindingFailed, err, "strip expected uri")
	}
	if claims.HTU != expectedHTU {
		return mcperrors.New(mcperrors.DpopHTTPBindingFailed, "dpop proof htu does not match request uri")
	}

	now := time.Now()
	iat := time.Unix(claims.IAT, 0)
	skew := now.Sub(iat)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.MaxAge+e.ClockSkew {
		if now.Sub(iat) > 0 {
			return mcperrors.New(mcperrors.DpopClockSkew, "dpop proof expired").WithContext(mcperrors.Context{Operation: "proof_expired"})
		}
		return mcperrors.New(mcperrors.DpopClockSkew, "dpop proof iat too far in the future")
	}

	if exp.AccessToken != "" {
		want := accessTokenHash(exp.AccessToken)
		if claims.ATH != want {
			return mcperrors.New(mcperrors.DpopAccessTokenHash, "dpop proof ath does not match access token")
		}
	} else if claims.ATH != "" {
		// Optional-binds-to-any-token per spec §4.8 step 7; nothing to check.
	}

	if e.Nonces.CheckAndInsert(claims.JTI, iat) {
		return mcperrors.New(mcperrors.DpopReplay, "dpop proof jti already seen").
			WithContext(mcperrors.Context{Operation: "replay_detected"})
	}

	return nil
}
