// Command relvault is the operator CLI for the promotion service. Most
// subcommands talk to a running relvaultd; approve mints approval tokens
// locally from the shared service key.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/relvault/relvault/internal/approval"
	"github.com/relvault/relvault/internal/config"
	"github.com/relvault/relvault/internal/ledger"
	"github.com/relvault/relvault/internal/signer"
)

const usage = `usage: relvault <command> [flags]

commands:
  verify    -commit <sha>                       evaluate the gate for a commit
  seal      -commit <sha> -tag <tag> [flags] <file>...   seal a release contract
  promote   -contract <hash> -env <name> -by <user> [-approval <token>]
  rollback  -env <name> -contract <hash> -by <user> [-approval <token>]
  approve   -env <name> -contract <hash> -as <user>      mint an approval token
  latest    -env <name>                         show an environment's head
  lineage   -contract <hash>                    show a release's history
  verify-chain                                  audit the local ledger's hash chain

The service address comes from RELVAULT_URL (default http://localhost:8071).
`

// Exit codes: 1 transport or internal error, 2 usage, 3 promotion blocked
// (gate, prerequisite, environment), 4 approval missing or insufficient,
// 5 contract invalid or tampered.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "verify":
		err = cmdVerify(args)
	case "seal":
		err = cmdSeal(args)
	case "promote":
		err = cmdPromote(args)
	case "rollback":
		err = cmdRollback(args)
	case "approve":
		err = cmdApprove(args)
	case "latest":
		err = cmdLatest(args)
	case "lineage":
		err = cmdLineage(args)
	case "verify-chain":
		err = cmdVerifyChain(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relvault %s: %v\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

// apiError carries the HTTP status so exitCode can map failures without
// string matching.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

// errVerifyBlocked marks a successful verify call whose gate decision was
// BLOCK, so scripts gating on the exit code never see 0 for a blocked commit.
var errVerifyBlocked = errors.New("gate decision is BLOCK")

func exitCode(err error) int {
	if errors.Is(err, errVerifyBlocked) {
		return 3
	}
	var ae *apiError
	if !errors.As(err, &ae) {
		return 1
	}
	switch ae.status {
	case http.StatusConflict:
		return 3
	case http.StatusUnauthorized, http.StatusForbidden:
		return 4
	case http.StatusUnprocessableEntity:
		return 5
	default:
		return 1
	}
}

func serviceURL() string {
	if v := os.Getenv("RELVAULT_URL"); v != "" {
		return v
	}
	return "http://localhost:8071"
}

func call(method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serviceURL()+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 150 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{status: resp.StatusCode, msg: msg}
	}
	if respBody != nil {
		return json.NewDecoder(resp.Body).Decode(respBody)
	}
	return nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	commit := fs.String("commit", "", "commit SHA to evaluate")
	fs.Parse(args)
	if *commit == "" {
		return fmt.Errorf("-commit required")
	}
	var raw json.RawMessage
	if err := call(http.MethodPost, "/v1/verify", map[string]string{"commit": *commit}, &raw); err != nil {
		return err
	}
	if err := printJSON(raw); err != nil {
		return err
	}
	var tt struct {
		Decision        string   `json:"decision"`
		BlockingReasons []string `json:"blockingReasons"`
	}
	if err := json.Unmarshal(raw, &tt); err != nil {
		return fmt.Errorf("decode truth table: %w", err)
	}
	if tt.Decision != "ALLOW" {
		return fmt.Errorf("%w: %s", errVerifyBlocked, strings.Join(tt.BlockingReasons, ", "))
	}
	return nil
}

func cmdSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	commit := fs.String("commit", "", "commit SHA the contract attests to")
	tag := fs.String("tag", "", "release tag")
	builder := fs.String("builder", "", "builder identity")
	envs := fs.String("envs", "dev,stage,prod", "comma-separated allowed environments")
	fs.Parse(args)
	if *commit == "" || *tag == "" {
		return fmt.Errorf("-commit and -tag required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one artifact file required")
	}

	type sealArtifact struct {
		Path       string `json:"path"`
		DataBase64 string `json:"dataBase64"`
	}
	var artifacts []sealArtifact
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", path, err)
		}
		artifacts = append(artifacts, sealArtifact{
			Path:       path,
			DataBase64: base64.StdEncoding.EncodeToString(data),
		})
	}

	var allowed []string
	for _, e := range strings.Split(*envs, ",") {
		if e = strings.TrimSpace(e); e != "" {
			allowed = append(allowed, e)
		}
	}
	var c json.RawMessage
	err := call(http.MethodPost, "/v1/seal", map[string]interface{}{
		"commit":              *commit,
		"tag":                 *tag,
		"builder":             *builder,
		"allowedEnvironments": allowed,
		"artifacts":           artifacts,
	}, &c)
	if err != nil {
		return err
	}
	return printJSON(c)
}

func cmdPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	contractHash := fs.String("contract", "", "contract hash")
	env := fs.String("env", "", "target environment")
	by := fs.String("by", "", "requesting identity")
	token := fs.String("approval", "", "approval token")
	fs.Parse(args)
	if *contractHash == "" || *env == "" || *by == "" {
		return fmt.Errorf("-contract, -env, and -by required")
	}
	var rec json.RawMessage
	err := call(http.MethodPost, "/v1/promotions", map[string]string{
		"contractHash":  *contractHash,
		"environment":   *env,
		"requestedBy":   *by,
		"approvalToken": *token,
	}, &rec)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	env := fs.String("env", "", "environment to roll back")
	contractHash := fs.String("contract", "", "contract hash to restore")
	by := fs.String("by", "", "requesting identity")
	token := fs.String("approval", "", "approval token")
	fs.Parse(args)
	if *contractHash == "" || *env == "" || *by == "" {
		return fmt.Errorf("-env, -contract, and -by required")
	}
	var rec json.RawMessage
	err := call(http.MethodPost, "/v1/rollbacks", map[string]string{
		"environment":   *env,
		"contractHash":  *contractHash,
		"requestedBy":   *by,
		"approvalToken": *token,
	}, &rec)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdApprove(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	env := fs.String("env", "", "environment the approval covers")
	contractHash := fs.String("contract", "", "contract hash the approval covers")
	approver := fs.String("as", "", "approver identity")
	fs.Parse(args)
	if *env == "" || *contractHash == "" || *approver == "" {
		return fmt.Errorf("-env, -contract, and -as required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SignerKeyB64 == "" {
		return fmt.Errorf("RELVAULT_SIGNER_KEY_B64 required to mint approvals")
	}
	sgn, err := signer.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
	if err != nil {
		return err
	}
	issuer := approval.NewIssuer(sgn.PrivateKey(), cfg.ApprovalIssuer, cfg.ApprovalTTL)
	token, err := issuer.Issue(*approver, *env, *contractHash)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func cmdLatest(args []string) error {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	env := fs.String("env", "", "environment name")
	fs.Parse(args)
	if *env == "" {
		return fmt.Errorf("-env required")
	}
	var rec json.RawMessage
	if err := call(http.MethodGet, "/v1/environments/"+*env+"/latest", nil, &rec); err != nil {
		return err
	}
	return printJSON(rec)
}

// cmdVerifyChain reads the ledger store directly (Postgres when DATABASE_URL
// is set, otherwise the data-dir file) and re-verifies every record: index
// monotonicity, hash linkage, promotion hash derivation, and signatures.
func cmdVerifyChain(args []string) error {
	fs := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close()
		store = ledger.NewPGStore(db)
	} else {
		store = ledger.NewFileStore(cfg.DataDir)
	}

	keys := map[string]ed25519.PublicKey{}
	if cfg.SignerKeyB64 != "" {
		sgn, err := signer.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
		if err != nil {
			return err
		}
		keys[cfg.SignerID] = ed25519.PublicKey(sgn.PublicKey())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := ledger.VerifyChain(ctx, store, keys); err != nil {
		return err
	}
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("chain ok: %d records\n", len(records))
	return nil
}

func cmdLineage(args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ExitOnError)
	contractHash := fs.String("contract", "", "contract hash")
	fs.Parse(args)
	if *contractHash == "" {
		return fmt.Errorf("-contract required")
	}
	var lineage json.RawMessage
	if err := call(http.MethodGet, "/v1/contracts/"+*contractHash+"/lineage", nil, &lineage); err != nil {
		return err
	}
	return printJSON(lineage)
}
