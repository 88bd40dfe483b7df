package httpserver_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relvault/relvault/internal/approval"
	"github.com/relvault/relvault/internal/checks"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/httpserver"
	"github.com/relvault/relvault/internal/ledger"
	"github.com/relvault/relvault/internal/policy"
	"github.com/relvault/relvault/internal/service"
	"github.com/relvault/relvault/internal/signer"
)

type env struct {
	ts     *httptest.Server
	issuer *approval.Issuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	sgn := signer.NewEd25519Signer("http-test")
	issuer := approval.NewIssuer(sgn.PrivateKey(), "relvault-approvals", time.Minute)
	verifier := approval.NewVerifier(ed25519.PublicKey(sgn.PublicKey()), "relvault-approvals")

	pol := policy.Default()
	statuses := map[string]checks.Status{}
	for _, name := range pol.RequiredChecks {
		statuses[name] = checks.StatusSuccess
	}
	agg := checks.NewAggregator(checks.NewStaticSource(statuses), checks.AggregatorConfig{})

	contracts := contract.NewMemoryStore()
	store := ledger.NewMemoryStore()
	led, err := ledger.New(ctx, store, contracts, pol, sgn, verifier)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	svc := service.New(agg, pol, contracts, led, nil, nil)

	ts := httptest.NewServer(httpserver.New(svc, store).Router())
	t.Cleanup(ts.Close)
	return &env{ts: ts, issuer: issuer}
}

func (e *env) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *env) seal(t *testing.T, commit, tag string) string {
	t.Helper()
	resp := e.post(t, "/v1/seal", map[string]interface{}{
		"commit":              commit,
		"tag":                 tag,
		"allowedEnvironments": []string{"dev", "stage", "prod"},
		"artifacts": []map[string]string{
			{"path": "bin/app", "dataBase64": base64.StdEncoding.EncodeToString([]byte(commit + tag))},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seal: status %d", resp.StatusCode)
	}
	var c contract.ReleaseContract
	decode(t, resp, &c)
	if c.ContractHash == "" {
		t.Fatalf("sealed contract missing hash")
	}
	return c.ContractHash
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if body["ok"] != true {
		t.Fatalf("health not ok: %v", body)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/v1/verify", map[string]string{"commit": "abc123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d", resp.StatusCode)
	}
	var tt struct {
		Decision string `json:"decision"`
		Rows     []struct {
			Check  string `json:"check"`
			Result struct {
				Status string `json:"status"`
			} `json:"result"`
		} `json:"rows"`
	}
	decode(t, resp, &tt)
	if tt.Decision != "ALLOW" {
		t.Fatalf("expected ALLOW, got %s", tt.Decision)
	}
	if len(tt.Rows) != len(policy.Default().RequiredChecks) {
		t.Fatalf("expected %d rows, got %d", len(policy.Default().RequiredChecks), len(tt.Rows))
	}
}

func TestPromotionFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	hash := e.seal(t, "abc123", "v1.0.0")

	resp := e.post(t, "/v1/promotions", map[string]string{
		"contractHash": hash, "environment": "dev", "requestedBy": "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("promote dev: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// stage without approval: 401 with the typed reason.
	resp = e.post(t, "/v1/promotions", map[string]string{
		"contractHash": hash, "environment": "stage", "requestedBy": "alice",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stage without approval: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	token, err := e.issuer.Issue("bob", "stage", hash)
	if err != nil {
		t.Fatalf("issue approval: %v", err)
	}
	resp = e.post(t, "/v1/promotions", map[string]string{
		"contractHash": hash, "environment": "stage", "requestedBy": "alice", "approvalToken": token,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("promote stage: status %d", resp.StatusCode)
	}
	var rec ledger.PromotionRecord
	decode(t, resp, &rec)
	if rec.ApprovedBy != "bob" || rec.LogicalIndex != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	resp = e.get(t, "/v1/environments/stage/latest")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest: status %d", resp.StatusCode)
	}
	var latest ledger.PromotionRecord
	decode(t, resp, &latest)
	if latest.PromotionHash != rec.PromotionHash {
		t.Fatalf("stage head mismatch")
	}
}

func TestPromotePrerequisiteConflict(t *testing.T) {
	e := newEnv(t)
	hash := e.seal(t, "abc123", "v1.0.0")

	token, err := e.issuer.Issue("bob", "prod", hash)
	if err != nil {
		t.Fatalf("issue approval: %v", err)
	}
	resp := e.post(t, "/v1/promotions", map[string]string{
		"contractHash": hash, "environment": "prod", "requestedBy": "alice", "approvalToken": token,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("direct-to-prod: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetContractAndLineage(t *testing.T) {
	e := newEnv(t)
	hash := e.seal(t, "abc123", "v1.0.0")

	resp := e.get(t, "/v1/contracts/" + hash)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get contract: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.get(t, "/v1/contracts/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing contract: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	e.post(t, "/v1/promotions", map[string]string{
		"contractHash": hash, "environment": "dev", "requestedBy": "alice",
	}).Body.Close()

	resp = e.get(t, "/v1/contracts/" + hash + "/lineage")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lineage: status %d", resp.StatusCode)
	}
	var lineage struct {
		Records []ledger.PromotionRecord `json:"records"`
	}
	decode(t, resp, &lineage)
	if len(lineage.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lineage.Records))
	}
}

// brokenStore fails environment reads to stand in for store-level I/O
// failures.
type brokenStore struct {
	*ledger.MemoryStore
}

func (b *brokenStore) LatestByEnvironment(ctx context.Context, env string) (*ledger.PromotionRecord, error) {
	return nil, fmt.Errorf("read promotion_records: connection reset")
}

func TestStoreFailureMapsTo500(t *testing.T) {
	ctx := context.Background()
	sgn := signer.NewEd25519Signer("http-test")
	pol := policy.Default()
	contracts := contract.NewMemoryStore()
	store := &brokenStore{MemoryStore: ledger.NewMemoryStore()}
	led, err := ledger.New(ctx, store, contracts, pol, sgn,
		approval.NewVerifier(ed25519.PublicKey(sgn.PublicKey()), "relvault-approvals"))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	svc := service.New(nil, pol, contracts, led, nil, nil)
	ts := httptest.NewServer(httpserver.New(svc, store).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/environments/dev/latest")
	if err != nil {
		t.Fatalf("GET latest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("store failure: status %d, want 500", resp.StatusCode)
	}
}

func TestMissingFieldsMapTo400(t *testing.T) {
	e := newEnv(t)
	for path, body := range map[string]map[string]string{
		"/v1/verify":     {},
		"/v1/promotions": {"environment": "dev"},
		"/v1/rollbacks":  {"contractHash": "abc"},
	} {
		resp := e.post(t, path, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s with missing fields: status %d, want 400", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRollbackOverHTTP(t *testing.T) {
	e := newEnv(t)
	good := e.seal(t, "good-commit", "v1.0.0")
	bad := e.seal(t, "bad-commit", "v1.1.0")

	for _, hash := range []string{good, bad} {
		resp := e.post(t, "/v1/promotions", map[string]string{
			"contractHash": hash, "environment": "dev", "requestedBy": "alice",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("promote %s: status %d", hash, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := e.post(t, "/v1/rollbacks", map[string]string{
		"environment": "dev", "contractHash": good, "requestedBy": "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("rollback: status %d", resp.StatusCode)
	}
	var rec ledger.PromotionRecord
	decode(t, resp, &rec)
	if rec.RollbackOf == "" || rec.ContractHash != good {
		t.Fatalf("unexpected rollback record: %+v", rec)
	}
}
