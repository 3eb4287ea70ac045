// Package attestation validates TEE attestation tokens presented at
// job submission. Tokens are JWTs signed by the platform's attestation
// service; debug-mode enclaves and expired tokens are rejected.
package attestation

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrDebugEnclave is returned for attestations of debug-mode
	// enclaves, which offer no confidentiality.
	ErrDebugEnclave = errors.New("attestation: debug enclave rejected")
	// ErrUnknownPlatform is returned when the tee_platform claim is not
	// in the verifier's allow list.
	ErrUnknownPlatform = errors.New("attestation: unknown TEE platform")
	// ErrMissingMeasurement is returned when the token carries no
	// enclave measurement.
	ErrMissingMeasurement = errors.New("attestation: missing measurement")
)

// Claims extends registered JWT claims with TEE attestation fields.
type Claims struct {
	jwt.RegisteredClaims
	Platform    string `json:"tee_platform"` // e.g. "sgx", "sev-snp", "tdx"
	Measurement string `json:"measurement"`  // hex enclave measurement
	Debug       bool   `json:"debug"`
}

// Verifier validates attestation tokens against a signing key and a
// platform allow list.
type Verifier struct {
	keyFunc   jwt.Keyfunc
	platforms map[string]bool
	clock     func() time.Time
}

// NewVerifier builds a verifier. keyFunc resolves the attestation
// service's verification key; platforms lists accepted tee_platform
// values.
func NewVerifier(keyFunc jwt.Keyfunc, platforms []string) *Verifier {
	allowed := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		allowed[p] = true
	}
	return &Verifier{keyFunc: keyFunc, platforms: allowed, clock: time.Now}
}

// HS256Keyfunc returns a Keyfunc for a shared-secret attestation
// service. It rejects tokens signed with any other algorithm.
func HS256Keyfunc(secret []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("attestation: unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}
}

// WithClock overrides the time source used for expiry checks. Test hook.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify parses and validates tokenString, returning the attestation
// claims on success.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("attestation: parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	if claims.Debug {
		return nil, ErrDebugEnclave
	}
	if !v.platforms[claims.Platform] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, claims.Platform)
	}
	if claims.Measurement == "" {
		return nil, ErrMissingMeasurement
	}
	return claims, nil
}
