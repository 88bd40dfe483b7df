package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relvault/relvault/internal/approval"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/policy"
	"github.com/relvault/relvault/internal/signer"
)

// Typed promotion failures. Every one carries the specific unmet condition;
// "blocked" is never reported without its reason.
var (
	ErrContractInvalid       = errors.New("contract invalid")
	ErrEnvironmentNotAllowed = errors.New("environment not allowed by contract")
	ErrUnknownEnvironment    = errors.New("environment not in policy chain")
	ErrPrerequisiteNotMet    = errors.New("prerequisite environment not promoted")
	ErrApprovalRequired      = errors.New("approval required")
	ErrApprovalInsufficient  = errors.New("approval insufficient")
	ErrRollbackTargetUnknown = errors.New("rollback target not found")
)

// Request asks the ledger to promote a sealed contract into one environment.
type Request struct {
	ContractHash string
	Environment  string
	RequestedBy  string

	// ApprovalToken is the signed approval JWT, required when policy demands
	// approval for the target environment.
	ApprovalToken string

	// RollbackOf marks this request as a rollback reversing the record with
	// that promotion hash.
	RollbackOf string

	// WaivePrerequisite skips the prior-environment check. An explicit
	// operator escape hatch; the waiver is visible in nothing but the
	// absence of the prior record, so use sparingly.
	WaivePrerequisite bool

	// resolveRollbackHead asks RequestPromotion to resolve RollbackOf to the
	// environment's current head under the ledger mutex, so the reversed
	// record can never be stale. Set only by Rollback.
	resolveRollbackHead bool
}

// Ledger serializes all promotion decisions for one record log. The mutex
// guards the full read-validate-append sequence, so two concurrent requests
// can never share a logical index or race past each other's prerequisite
// check.
type Ledger struct {
	mu        sync.Mutex
	store     Store
	contracts contract.Store
	pol       policy.Policy
	sgn       signer.Signer
	approvals *approval.Verifier

	nextIndex uint64
	headHash  string
}

// New builds a Ledger, seeding the logical index counter and chain head from
// the store's current tail. approvals may be nil only when no environment in
// the policy requires approval.
func New(ctx context.Context, store Store, contracts contract.Store, pol policy.Policy, sgn signer.Signer, approvals *approval.Verifier) (*Ledger, error) {
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("promotion policy: %w", err)
	}
	if approvals == nil {
		for _, env := range pol.Environments {
			if env.Approval == policy.ApprovalSingle || env.Approval == policy.ApprovalTwoPerson {
				return nil, fmt.Errorf("policy requires approval for %q but no approval verifier configured", env.Name)
			}
		}
	}

	l := &Ledger{
		store:     store,
		contracts: contracts,
		pol:       pol,
		sgn:       sgn,
		approvals: approvals,
		nextIndex: 1,
	}
	tail, err := store.LatestRecord(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("seed ledger from store: %w", err)
	}
	if tail != nil {
		l.nextIndex = tail.LogicalIndex + 1
		l.headHash = tail.Hash
	}
	return l, nil
}

// RequestPromotion validates the request and, on success, durably appends a
// new PromotionRecord. Validation failures abort before any write.
func (l *Ledger) RequestPromotion(ctx context.Context, req Request) (*PromotionRecord, error) {
	if req.ContractHash == "" || req.Environment == "" {
		return nil, fmt.Errorf("contractHash and environment required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// (a) contract exists and its self-hash check passes
	c, err := l.contracts.Get(ctx, req.ContractHash)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) || errors.Is(err, contract.ErrContractTampered) {
			return nil, fmt.Errorf("%w: %v", ErrContractInvalid, err)
		}
		return nil, fmt.Errorf("load contract %s: %w", req.ContractHash, err)
	}

	// (b) target environment must be known to the policy and allowed by the contract
	rule, ok := l.pol.Environment(req.Environment)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, req.Environment)
	}
	if !c.AllowsEnvironment(req.Environment) {
		return nil, fmt.Errorf("%w: contract %s does not allow %q",
			ErrEnvironmentNotAllowed, req.ContractHash, req.Environment)
	}

	// (c) chain prerequisite: prior environment already holds this contract
	if rule.RequirePrior && !req.WaivePrerequisite {
		if prior, ok := l.pol.Prior(req.Environment); ok {
			held, err := l.store.HasPromotion(ctx, prior, req.ContractHash)
			if err != nil {
				return nil, fmt.Errorf("check prerequisite %s: %w", prior, err)
			}
			if !held {
				return nil, fmt.Errorf("%w: contract %s not promoted to %q",
					ErrPrerequisiteNotMet, req.ContractHash, prior)
			}
		}
	}

	// (d) approval per policy
	approvedBy, err := l.checkApproval(rule, req)
	if err != nil {
		return nil, err
	}

	// Rollback requests must reference a real record in this environment.
	// Head resolution happens here, under the mutex, so a concurrent
	// promotion cannot slip in between the read and the append.
	if req.resolveRollbackHead {
		if err := l.resolveRollbackHead(ctx, &req); err != nil {
			return nil, err
		}
	} else if req.RollbackOf != "" {
		if err := l.validateRollbackTarget(ctx, req); err != nil {
			return nil, err
		}
	}

	index := l.nextIndex
	promotionHash, err := DerivePromotionHash(req.ContractHash, req.Environment, index)
	if err != nil {
		return nil, err
	}

	rec := &PromotionRecord{
		ID:            NewRecordID(),
		ContractHash:  req.ContractHash,
		Environment:   req.Environment,
		LogicalIndex:  index,
		PromotionHash: promotionHash,
		RollbackOf:    req.RollbackOf,
		RequestedBy:   req.RequestedBy,
		ApprovedBy:    approvedBy,
		PrevHash:      l.headHash,
		Ts:            time.Now().UTC(),
	}
	hash, err := rec.ComputeChainHash(l.headHash)
	if err != nil {
		return nil, err
	}
	rec.Hash = hash

	if l.sgn != nil {
		hashBytes, err := hex.DecodeString(hash)
		if err != nil {
			return nil, fmt.Errorf("decode chain hash: %w", err)
		}
		sig, signerId, err := l.sgn.Sign(hashBytes)
		if err != nil {
			return nil, fmt.Errorf("sign record: %w", err)
		}
		rec.Signature = hex.EncodeToString(sig)
		rec.SignerId = signerId
	}

	// Durable write happens before the counter moves: a failed append leaves
	// the ledger exactly as if the promotion never happened.
	if err := l.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append promotion record: %w", err)
	}
	l.nextIndex = index + 1
	l.headHash = rec.Hash

	copied := *rec
	return &copied, nil
}

func (l *Ledger) checkApproval(rule policy.EnvironmentRule, req Request) (string, error) {
	switch rule.Approval {
	case policy.ApprovalNone, "":
		return "", nil
	case policy.ApprovalSingle, policy.ApprovalTwoPerson:
		if req.ApprovalToken == "" {
			return "", fmt.Errorf("%w: environment %q requires %s approval",
				ErrApprovalRequired, req.Environment, rule.Approval)
		}
		a, err := l.approvals.Verify(req.ApprovalToken, req.Environment, req.ContractHash)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrApprovalInsufficient, err)
		}
		if rule.Approval == policy.ApprovalTwoPerson && a.Approver == req.RequestedBy {
			return "", fmt.Errorf("%w: two-person rule for %q requires an approver distinct from requester %q",
				ErrApprovalInsufficient, req.Environment, req.RequestedBy)
		}
		return a.Approver, nil
	default:
		return "", fmt.Errorf("unknown approval mode %q for %q", rule.Approval, req.Environment)
	}
}

// resolveRollbackHead points req.RollbackOf at the environment's current
// head. Caller holds l.mu.
func (l *Ledger) resolveRollbackHead(ctx context.Context, req *Request) error {
	current, err := l.store.LatestByEnvironment(ctx, req.Environment)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: environment %q has no promotion history",
				ErrRollbackTargetUnknown, req.Environment)
		}
		return fmt.Errorf("look up current state of %q: %w", req.Environment, err)
	}
	lineage, err := l.store.LineageByContract(ctx, req.ContractHash)
	if err != nil {
		return fmt.Errorf("look up lineage of %s: %w", req.ContractHash, err)
	}
	if len(lineage) == 0 {
		return fmt.Errorf("%w: contract %s was never promoted anywhere",
			ErrRollbackTargetUnknown, req.ContractHash)
	}
	req.RollbackOf = current.PromotionHash
	return nil
}

func (l *Ledger) validateRollbackTarget(ctx context.Context, req Request) error {
	latest, err := l.store.LatestByEnvironment(ctx, req.Environment)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: environment %q has no promotions to roll back",
				ErrRollbackTargetUnknown, req.Environment)
		}
		return fmt.Errorf("look up rollback target: %w", err)
	}
	// The reversed record must exist in this environment's history.
	records, err := l.store.List(ctx)
	if err != nil {
		return fmt.Errorf("scan ledger for rollback target: %w", err)
	}
	for _, rec := range records {
		if rec.Environment == req.Environment && rec.PromotionHash == req.RollbackOf {
			return nil
		}
	}
	return fmt.Errorf("%w: no record %s in environment %q (current head %s)",
		ErrRollbackTargetUnknown, req.RollbackOf, req.Environment, latest.PromotionHash)
}

// Rollback reverts env to an earlier, previously-validated contract. It is a
// forward operation: the bad record stays untouched and a new record with
// rollbackOf pointing at it is appended. The target contract must have been
// promoted somewhere before — you cannot roll back to something that never
// shipped.
func (l *Ledger) Rollback(ctx context.Context, env, contractHash, requestedBy, approvalToken string) (*PromotionRecord, error) {
	return l.RequestPromotion(ctx, Request{
		ContractHash:  contractHash,
		Environment:   env,
		RequestedBy:   requestedBy,
		ApprovalToken: approvalToken,
		// The contract already satisfied the chain when it first shipped;
		// rolling back must not be blocked by the prior-environment rule.
		WaivePrerequisite:   true,
		resolveRollbackHead: true,
	})
}

// LatestByEnvironment returns env's current deployed state.
func (l *Ledger) LatestByEnvironment(ctx context.Context, env string) (*PromotionRecord, error) {
	return l.store.LatestByEnvironment(ctx, env)
}

// LineageByContract returns one release's full promotion history.
func (l *Ledger) LineageByContract(ctx context.Context, contractHash string) ([]PromotionRecord, error) {
	return l.store.LineageByContract(ctx, contractHash)
}
