package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// VerifyChain walks the full promotion log in logical-index order and checks:
//   - index monotonicity: strictly increasing, no duplicates
//   - hash correctness: hash == SHA256(canonical(body) || prevHashBytes)
//   - chain linkage: each record's prevHash equals the previous record's hash
//   - promotion hash derivation from (contractHash, environment, logicalIndex)
//   - signature correctness against the signer public keys provided; an
//     empty key map skips signature checks (structure-only audit)
//
// Returns nil on success or an error describing the first problem found.
func VerifyChain(ctx context.Context, store Store, signerKeys map[string]ed25519.PublicKey) error {
	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list promotion records: %w", err)
	}

	prevHash := ""
	var prevIndex uint64
	for i := range records {
		rec := &records[i]

		if i > 0 && rec.LogicalIndex <= prevIndex {
			return fmt.Errorf("record %s: logical index %d not greater than predecessor %d",
				rec.ID, rec.LogicalIndex, prevIndex)
		}
		if rec.PrevHash != prevHash {
			return fmt.Errorf("record %s: prevHash %s does not match chain head %s",
				rec.ID, rec.PrevHash, prevHash)
		}

		computed, err := rec.ComputeChainHash(prevHash)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if computed != rec.Hash {
			return fmt.Errorf("record %s: hash mismatch: computed=%s stored=%s",
				rec.ID, computed, rec.Hash)
		}

		derived, err := DerivePromotionHash(rec.ContractHash, rec.Environment, rec.LogicalIndex)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if derived != rec.PromotionHash {
			return fmt.Errorf("record %s: promotion hash mismatch: derived=%s stored=%s",
				rec.ID, derived, rec.PromotionHash)
		}

		if rec.Signature != "" && len(signerKeys) > 0 {
			pub, ok := signerKeys[rec.SignerId]
			if !ok {
				return fmt.Errorf("record %s: unknown signer %q", rec.ID, rec.SignerId)
			}
			hashBytes, err := hex.DecodeString(rec.Hash)
			if err != nil {
				return fmt.Errorf("record %s: decode hash: %w", rec.ID, err)
			}
			sigBytes, err := hex.DecodeString(rec.Signature)
			if err != nil {
				return fmt.Errorf("record %s: decode signature: %w", rec.ID, err)
			}
			if !ed25519.Verify(pub, hashBytes, sigBytes) {
				return fmt.Errorf("record %s: signature verification failed for signer %q",
					rec.ID, rec.SignerId)
			}
		}

		prevHash = rec.Hash
		prevIndex = rec.LogicalIndex
	}
	return nil
}
