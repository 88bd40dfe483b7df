package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/relvault/relvault/internal/gate"
)

// Artifact is one build output supplied by the build collaborator.
type Artifact struct {
	Path string
	Data []byte
}

// BuildMetadata describes the build the contract attests to. DeclaredPaths
// is the authoritative artifact list from the build system; every declared
// path must be present in the supplied artifact set.
type BuildMetadata struct {
	Commit              string
	Tag                 string
	Builder             string
	DeclaredPaths       []string
	SBOM                *SBOMReference
	AllowedEnvironments []string
}

// Seal assembles and seals a ReleaseContract from an ALLOW decision, the
// artifact byte set, and build metadata.
//
// Artifact ordering in the hash ledger is a stable byte-wise sort by path —
// never filesystem enumeration order, which differs across platforms. No
// wall-clock value enters any hashed field, so re-sealing byte-identical
// inputs yields a byte-identical contract hash.
func Seal(tt gate.TruthTable, artifacts []Artifact, meta BuildMetadata) (*ReleaseContract, error) {
	if tt.Decision != gate.DecisionAllow {
		return nil, fmt.Errorf("%w: commit %s blocked by %v", ErrGateBlocked, tt.Commit, tt.BlockingReasons)
	}
	if meta.Commit == "" {
		return nil, fmt.Errorf("build metadata: commit required")
	}
	if tt.Commit != meta.Commit {
		return nil, fmt.Errorf("gate decision is for commit %s, build metadata for %s", tt.Commit, meta.Commit)
	}
	if len(meta.AllowedEnvironments) == 0 {
		return nil, fmt.Errorf("build metadata: allowedEnvironments required")
	}

	byPath := make(map[string]Artifact, len(artifacts))
	for _, a := range artifacts {
		if a.Path == "" {
			return nil, fmt.Errorf("artifact with empty path")
		}
		if _, dup := byPath[a.Path]; dup {
			return nil, fmt.Errorf("duplicate artifact path %q", a.Path)
		}
		byPath[a.Path] = a
	}

	// Copied so the sort below never reorders the caller's slice.
	declared := append([]string(nil), meta.DeclaredPaths...)
	if len(declared) == 0 {
		// No declaration: the supplied set is authoritative.
		declared = make([]string, 0, len(byPath))
		for path := range byPath {
			declared = append(declared, path)
		}
	}
	for _, path := range declared {
		if _, ok := byPath[path]; !ok {
			return nil, fmt.Errorf("%w: declared artifact %q missing from supplied set", ErrIncompleteArtifactSet, path)
		}
	}

	sort.Strings(declared)
	ledger := make([]LedgerEntry, 0, len(declared))
	for _, path := range declared {
		sum := sha256.Sum256(byPath[path].Data)
		ledger = append(ledger, LedgerEntry{Path: path, SHA256: hex.EncodeToString(sum[:])})
	}

	envs := append([]string(nil), meta.AllowedEnvironments...)

	c := &ReleaseContract{
		SubjectCommit:       meta.Commit,
		Tag:                 meta.Tag,
		Builder:             meta.Builder,
		HashLedger:          ledger,
		SBOMReference:       meta.SBOM,
		AllowedEnvironments: envs,
	}
	hash, err := c.ComputeHash()
	if err != nil {
		return nil, err
	}
	c.ContractHash = hash
	return c, nil
}
