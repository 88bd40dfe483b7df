// package contract seals and verifies Release Contracts: the immutable,
// content-addressed description of a build that promotion decisions attach
// to. A contract is created exactly once, after the gate allows, and is never
// mutated; corrections require a new contract for a new commit.
package contract

import (
	"errors"
	"fmt"

	"github.com/relvault/relvault/internal/canonical"
)

// ErrContractTampered is a fatal integrity violation: the stored contract
// hash does not match the recomputed hash of the contract body.
var ErrContractTampered = errors.New("contract hash mismatch")

// ErrIncompleteArtifactSet means the build metadata declares an artifact the
// supplied byte set does not contain. No partial contract is ever emitted.
var ErrIncompleteArtifactSet = errors.New("incomplete artifact set")

// ErrGateBlocked means sealing was attempted without an ALLOW decision.
var ErrGateBlocked = errors.New("gate decision is not ALLOW")

// ErrNotFound is returned when a contract cannot be located by hash.
var ErrNotFound = errors.New("contract not found")

// LedgerEntry is one artifact's row in the hash ledger.
type LedgerEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// SBOMReference carries the software bill of materials by reference. The
// document itself is opaque to relvault and is never reinterpreted.
type SBOMReference struct {
	URI    string `json:"uri,omitempty"`
	SHA256 string `json:"sha256"`
}

// ReleaseContract is the sealed unit of promotion. Every field except
// ContractHash participates in the canonical serialization the hash is
// computed over; wall-clock timestamps are deliberately absent so that
// byte-identical inputs always seal to byte-identical hashes.
type ReleaseContract struct {
	SubjectCommit       string         `json:"subjectCommit"`
	Tag                 string         `json:"tag"`
	Builder             string         `json:"builder,omitempty"`
	HashLedger          []LedgerEntry  `json:"hashLedger"`
	SBOMReference       *SBOMReference `json:"sbomReference,omitempty"`
	AllowedEnvironments []string       `json:"allowedEnvironments"`
	ContractHash        string         `json:"contractHash"`
}

// body returns the hashed portion of the contract as a canonical-friendly
// value. Key set and ordering here define the contract wire format; changing
// either invalidates every previously sealed hash.
func (c *ReleaseContract) body() map[string]interface{} {
	ledger := make([]interface{}, 0, len(c.HashLedger))
	for _, entry := range c.HashLedger {
		ledger = append(ledger, map[string]interface{}{
			"path":   entry.Path,
			"sha256": entry.SHA256,
		})
	}
	envs := make([]interface{}, 0, len(c.AllowedEnvironments))
	for _, env := range c.AllowedEnvironments {
		envs = append(envs, env)
	}
	body := map[string]interface{}{
		"subjectCommit":       c.SubjectCommit,
		"tag":                 c.Tag,
		"hashLedger":          ledger,
		"allowedEnvironments": envs,
	}
	if c.Builder != "" {
		body["builder"] = c.Builder
	}
	if c.SBOMReference != nil {
		sbom := map[string]interface{}{"sha256": c.SBOMReference.SHA256}
		if c.SBOMReference.URI != "" {
			sbom["uri"] = c.SBOMReference.URI
		}
		body["sbomReference"] = sbom
	}
	return body
}

// ComputeHash returns the hex SHA-256 of the contract's canonical body.
func (c *ReleaseContract) ComputeHash() (string, error) {
	h, err := canonical.HashHex(c.body())
	if err != nil {
		return "", fmt.Errorf("canonicalize contract: %w", err)
	}
	return h, nil
}

// Verify recomputes the contract hash and compares it against the stored
// one. A mismatch is fatal and is never silently tolerated.
func (c *ReleaseContract) Verify() error {
	computed, err := c.ComputeHash()
	if err != nil {
		return err
	}
	if computed != c.ContractHash {
		return fmt.Errorf("%w: computed=%s stored=%s", ErrContractTampered, computed, c.ContractHash)
	}
	return nil
}

// AllowsEnvironment reports whether env is in the contract's allowed set.
func (c *ReleaseContract) AllowsEnvironment(env string) bool {
	for _, allowed := range c.AllowedEnvironments {
		if allowed == env {
			return true
		}
	}
	return false
}
