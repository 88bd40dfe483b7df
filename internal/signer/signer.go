package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Signer is the minimal signing abstraction used to attest ledger entries.
type Signer interface {
	// Sign signs the provided hash bytes and returns (signature, signerId, error).
	Sign(hash []byte) (sig []byte, signerId string, err error)

	// PublicKey returns the public key bytes for verification (nil if not supported).
	PublicKey() []byte
}

// Ed25519Signer signs with an in-process Ed25519 key. Keys may be generated
// ephemerally (dev/testing) or loaded from configuration.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerId string
}

// NewEd25519Signer generates a fresh keypair. Dev and testing only; a
// production deployment loads its key via NewEd25519SignerFromB64.
func NewEd25519Signer(signerId string) *Ed25519Signer {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// Key generation failing means the platform RNG is broken; surface early.
		panic(err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, signerId: signerId}
}

// NewEd25519SignerFromB64 builds a signer from a base64-encoded Ed25519
// private key (seed or full key form).
func NewEd25519SignerFromB64(keyB64, signerId string) (*Ed25519Signer, error) {
	if keyB64 == "" {
		return nil, errors.New("signer key required")
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("signer key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Ed25519Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		signerId: signerId,
	}, nil
}

func (s *Ed25519Signer) Sign(hash []byte) ([]byte, string, error) {
	if s.priv == nil {
		return nil, "", errors.New("ed25519 signer: private key not initialized")
	}
	return ed25519.Sign(s.priv, hash), s.signerId, nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.pub
}

// PrivateKey exposes the underlying key so the approval token issuer can
// share the service identity key.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}
