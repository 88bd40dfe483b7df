// package approval issues and verifies approval tokens: short-lived
// EdDSA-signed JWTs binding an approver identity to one environment and one
// contract. The ledger checks them when policy demands human sign-off.
package approval

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, expired, or wrongly-signed tokens.
var ErrInvalidToken = errors.New("invalid approval token")

// ErrWrongScope means a structurally valid token approves a different
// environment or contract than the one being promoted.
var ErrWrongScope = errors.New("approval token scope mismatch")

// Claims is the approval token payload. Subject is the approver identity.
type Claims struct {
	Environment  string `json:"env"`
	ContractHash string `json:"contractHash"`
	jwt.RegisteredClaims
}

// Approval is the verified content of an approval token.
type Approval struct {
	Approver     string
	Environment  string
	ContractHash string
	IssuedAt     time.Time
}

// Issuer mints approval tokens. The approval UI holds one of these.
type Issuer struct {
	key    ed25519.PrivateKey
	issuer string
	ttl    time.Duration
}

func NewIssuer(key ed25519.PrivateKey, issuerName string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{key: key, issuer: issuerName, ttl: ttl}
}

// Issue signs a token asserting that approver approves promoting
// contractHash into environment.
func (i *Issuer) Issue(approver, environment, contractHash string) (string, error) {
	if approver == "" || environment == "" || contractHash == "" {
		return "", fmt.Errorf("approver, environment, and contractHash required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Environment:  environment,
		ContractHash: contractHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign approval token: %w", err)
	}
	return signed, nil
}

// Verifier validates approval tokens against the issuer's public key.
type Verifier struct {
	pub    ed25519.PublicKey
	issuer string
}

func NewVerifier(pub ed25519.PublicKey, issuerName string) *Verifier {
	return &Verifier{pub: pub, issuer: issuerName}
}

// Verify checks signature, expiry, issuer, and that the token's scope matches
// the environment and contract being promoted.
func (v *Verifier) Verify(tokenStr, environment, contractHash string) (Approval, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.pub, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Approval{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Approval{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Approval{}, fmt.Errorf("%w: missing approver subject", ErrInvalidToken)
	}
	if claims.Environment != environment {
		return Approval{}, fmt.Errorf("%w: token approves env %q, promotion targets %q",
			ErrWrongScope, claims.Environment, environment)
	}
	if claims.ContractHash != contractHash {
		return Approval{}, fmt.Errorf("%w: token approves contract %s, promotion is for %s",
			ErrWrongScope, claims.ContractHash, contractHash)
	}

	a := Approval{
		Approver:     claims.Subject,
		Environment:  claims.Environment,
		ContractHash: claims.ContractHash,
	}
	if claims.IssuedAt != nil {
		a.IssuedAt = claims.IssuedAt.Time
	}
	return a, nil
}
