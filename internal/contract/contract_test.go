package contract_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/relvault/relvault/internal/checks"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/gate"
	"github.com/relvault/relvault/internal/policy"
)

func allowTable(t *testing.T, commit string) gate.TruthTable {
	t.Helper()
	pol := policy.Default()
	set := checks.ResultSet{}
	for _, name := range pol.RequiredChecks {
		set[name] = checks.CheckResult{Name: name, Status: checks.StatusSuccess}
	}
	tt := gate.Evaluate(commit, set, pol)
	if tt.Decision != gate.DecisionAllow {
		t.Fatalf("fixture gate decision: %s", tt.Decision)
	}
	return tt
}

func sampleArtifacts() []contract.Artifact {
	return []contract.Artifact{
		{Path: "bin/app", Data: []byte("0123456789")},
		{Path: "assets/config.yaml", Data: []byte("01234567890123456789")},
	}
}

func sampleMeta() contract.BuildMetadata {
	return contract.BuildMetadata{
		Commit:              "abc123",
		Tag:                 "v1.2.0",
		Builder:             "builder-7",
		DeclaredPaths:       []string{"bin/app", "assets/config.yaml"},
		SBOM:                &contract.SBOMReference{URI: "s3://sbom/abc123.json", SHA256: "feedface"},
		AllowedEnvironments: []string{"dev", "stage", "prod"},
	}
}

func TestSealDeterministic(t *testing.T) {
	tt := allowTable(t, "abc123")

	first, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal (again): %v", err)
	}
	if first.ContractHash != second.ContractHash {
		t.Fatalf("contract hash not deterministic: %s vs %s", first.ContractHash, second.ContractHash)
	}
	if err := first.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSealLedgerSortedByPath(t *testing.T) {
	tt := allowTable(t, "abc123")

	// Supply artifacts in reverse order; the ledger must not care.
	reversed := sampleArtifacts()
	reversed[0], reversed[1] = reversed[1], reversed[0]

	c, err := contract.Seal(tt, reversed, sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if c.HashLedger[0].Path != "assets/config.yaml" || c.HashLedger[1].Path != "bin/app" {
		t.Fatalf("ledger not byte-wise sorted: %+v", c.HashLedger)
	}
}

func TestSealDoesNotReorderDeclaredPaths(t *testing.T) {
	tt := allowTable(t, "abc123")

	meta := sampleMeta()
	meta.DeclaredPaths = []string{"bin/app", "assets/config.yaml"}

	c, err := contract.Seal(tt, sampleArtifacts(), meta)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if c.HashLedger[0].Path != "assets/config.yaml" {
		t.Fatalf("ledger not sorted: %+v", c.HashLedger)
	}
	if meta.DeclaredPaths[0] != "bin/app" || meta.DeclaredPaths[1] != "assets/config.yaml" {
		t.Fatalf("Seal reordered caller's DeclaredPaths: %v", meta.DeclaredPaths)
	}
}

func TestSealArtifactBytesChangeHash(t *testing.T) {
	tt := allowTable(t, "abc123")

	base, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	mutated := sampleArtifacts()
	mutated[0].Data = append(append([]byte(nil), mutated[0].Data...), 0x00)
	changed, err := contract.Seal(tt, mutated, sampleMeta())
	if err != nil {
		t.Fatalf("Seal (mutated): %v", err)
	}
	if base.ContractHash == changed.ContractHash {
		t.Fatalf("mutating artifact bytes did not change contract hash")
	}
}

func TestSealIncompleteArtifactSet(t *testing.T) {
	tt := allowTable(t, "abc123")
	meta := sampleMeta()
	meta.DeclaredPaths = append(meta.DeclaredPaths, "bin/missing")

	_, err := contract.Seal(tt, sampleArtifacts(), meta)
	if !errors.Is(err, contract.ErrIncompleteArtifactSet) {
		t.Fatalf("expected ErrIncompleteArtifactSet, got %v", err)
	}
}

func TestSealRequiresAllowDecision(t *testing.T) {
	pol := policy.Default()
	tt := gate.Evaluate("abc123", checks.ResultSet{}, pol)
	if tt.Decision != gate.DecisionBlock {
		t.Fatalf("fixture should block")
	}
	_, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if !errors.Is(err, contract.ErrGateBlocked) {
		t.Fatalf("expected ErrGateBlocked, got %v", err)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	tt := allowTable(t, "abc123")
	c, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	c.HashLedger[0].SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	if err := c.Verify(); !errors.Is(err, contract.ErrContractTampered) {
		t.Fatalf("expected ErrContractTampered, got %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	tt := allowTable(t, "abc123")
	c, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	store := contract.NewFileStore(t.TempDir())
	if err := store.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, c.ContractHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SubjectCommit != "abc123" || got.Tag != "v1.2.0" {
		t.Fatalf("unexpected contract: %+v", got)
	}
	if got.SBOMReference == nil || got.SBOMReference.SHA256 != "feedface" {
		t.Fatalf("sbom reference lost: %+v", got.SBOMReference)
	}
}

func TestFileStoreGetDetectsOnDiskTamper(t *testing.T) {
	ctx := context.Background()
	tt := allowTable(t, "abc123")
	c, err := contract.Seal(tt, sampleArtifacts(), sampleMeta())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	dir := t.TempDir()
	store := contract.NewFileStore(dir)
	if err := store.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Flip the tag inside the stored document, keeping the stored hash.
	path := filepath.Join(dir, "contract_"+c.ContractHash+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read contract file: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("parse contract file: %v", err)
	}
	doc["tag"] = "v9.9.9"
	b, _ = json.Marshal(doc)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("rewrite contract file: %v", err)
	}

	if _, err := store.Get(ctx, c.ContractHash); !errors.Is(err, contract.ErrContractTampered) {
		t.Fatalf("expected ErrContractTampered, got %v", err)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store := contract.NewFileStore(t.TempDir())
	_, err := store.Get(context.Background(), "doesnotexist")
	if !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
