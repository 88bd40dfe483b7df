package approval_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/relvault/relvault/internal/approval"
)

func newPair(t *testing.T) (*approval.Issuer, *approval.Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return approval.NewIssuer(priv, "relvault-approvals", time.Minute),
		approval.NewVerifier(pub, "relvault-approvals")
}

func TestIssueAndVerify(t *testing.T) {
	issuer, verifier := newPair(t)

	token, err := issuer.Issue("alice", "prod", "hash-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	a, err := verifier.Verify(token, "prod", "hash-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if a.Approver != "alice" {
		t.Fatalf("approver: got %s", a.Approver)
	}
}

func TestVerifyWrongEnvironment(t *testing.T) {
	issuer, verifier := newPair(t)
	token, _ := issuer.Issue("alice", "stage", "hash-1")

	_, err := verifier.Verify(token, "prod", "hash-1")
	if !errors.Is(err, approval.ErrWrongScope) {
		t.Fatalf("expected ErrWrongScope, got %v", err)
	}
}

func TestVerifyWrongContract(t *testing.T) {
	issuer, verifier := newPair(t)
	token, _ := issuer.Issue("alice", "prod", "hash-1")

	_, err := verifier.Verify(token, "prod", "hash-2")
	if !errors.Is(err, approval.ErrWrongScope) {
		t.Fatalf("expected ErrWrongScope, got %v", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	issuer, _ := newPair(t)
	_, verifier := newPair(t)
	token, _ := issuer.Issue("alice", "prod", "hash-1")

	_, err := verifier.Verify(token, "prod", "hash-1")
	if !errors.Is(err, approval.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := approval.NewIssuer(priv, "relvault-approvals", time.Nanosecond)
	verifier := approval.NewVerifier(pub, "relvault-approvals")

	token, err := issuer.Issue("alice", "prod", "hash-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = verifier.Verify(token, "prod", "hash-1")
	if !errors.Is(err, approval.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	_, verifier := newPair(t)
	_, err := verifier.Verify("not-a-token", "prod", "hash-1")
	if !errors.Is(err, approval.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
