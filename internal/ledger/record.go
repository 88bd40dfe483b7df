// package ledger is the append-only promotion log. Every environment
// transition — rollbacks included — is a new record; nothing is ever edited
// or deleted. Records are totally ordered by a process-allocated logical
// index, hash-chained, and signed.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relvault/relvault/internal/canonical"
)

// ErrNotFound is returned when a requested ledger record cannot be located.
var ErrNotFound = errors.New("ledger record not found")

// PromotionRecord is one environment transition. Ts is audit-only and does
// not participate in any hash; ordering comes from LogicalIndex, never from
// wall clocks.
type PromotionRecord struct {
	ID           string `json:"id"`
	ContractHash string `json:"contractHash"`
	Environment  string `json:"environment"`
	LogicalIndex uint64 `json:"logicalIndex"`

	// PromotionHash is deterministically derived from
	// (contractHash, environment, logicalIndex) and identifies this
	// transition to external consumers.
	PromotionHash string `json:"promotionHash"`

	// RollbackOf carries the PromotionHash of the record this entry
	// reverses, when the entry represents a rollback.
	RollbackOf string `json:"rollbackOf,omitempty"`

	RequestedBy string `json:"requestedBy,omitempty"`
	ApprovedBy  string `json:"approvedBy,omitempty"`

	// Chain fields: Hash = SHA256(canonical(body) || prevHashBytes),
	// signed by the ledger's signer.
	PrevHash  string `json:"prevHash,omitempty"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
	SignerId  string `json:"signerId,omitempty"`

	Ts time.Time `json:"ts"`
}

// NewRecordID returns a freshly-generated record ID.
func NewRecordID() string {
	return uuid.New().String()
}

// DerivePromotionHash computes the external transition identifier.
func DerivePromotionHash(contractHash, environment string, logicalIndex uint64) (string, error) {
	h, err := canonical.HashHex(map[string]interface{}{
		"contractHash": contractHash,
		"environment":  environment,
		"logicalIndex": logicalIndex,
	})
	if err != nil {
		return "", fmt.Errorf("derive promotion hash: %w", err)
	}
	return h, nil
}

// chainBody is the hashed portion of a record. Ts and ID are excluded on
// purpose: the chain covers what was decided, not when or under which row id.
func (r *PromotionRecord) chainBody() map[string]interface{} {
	body := map[string]interface{}{
		"contractHash":  r.ContractHash,
		"environment":   r.Environment,
		"logicalIndex":  r.LogicalIndex,
		"promotionHash": r.PromotionHash,
	}
	if r.RollbackOf != "" {
		body["rollbackOf"] = r.RollbackOf
	}
	if r.RequestedBy != "" {
		body["requestedBy"] = r.RequestedBy
	}
	if r.ApprovedBy != "" {
		body["approvedBy"] = r.ApprovedBy
	}
	return body
}

// ComputeChainHash returns SHA256(canonical(body) || prevHashBytes).
func (r *PromotionRecord) ComputeChainHash(prevHash string) (string, error) {
	canon, err := canonical.Marshal(r.chainBody())
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	concat := append([]byte(nil), canon...)
	if prevHash != "" {
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", fmt.Errorf("decode prevHash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}
