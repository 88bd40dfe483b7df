// package service orchestrates the full release flow: aggregate checks,
// evaluate the gate, seal contracts, and drive the promotion ledger. Kafka
// and S3 side effects are best-effort and never gate a promotion.
package service

import (
	"context"
	"fmt"
	"log"

	"github.com/relvault/relvault/internal/archive"
	"github.com/relvault/relvault/internal/checks"
	"github.com/relvault/relvault/internal/contract"
	"github.com/relvault/relvault/internal/gate"
	"github.com/relvault/relvault/internal/ledger"
	"github.com/relvault/relvault/internal/policy"
	"github.com/relvault/relvault/internal/stream"
)

type Service struct {
	agg        *checks.Aggregator
	pol        policy.Policy
	contracts  contract.Store
	ledger     *ledger.Ledger
	publisher  *stream.Publisher
	s3archiver *archive.S3Archiver
}

// New wires the service. agg, publisher, and s3archiver may be nil; the
// service then rejects verification requests or skips the side effect.
func New(agg *checks.Aggregator, pol policy.Policy,
	contracts contract.Store, led *ledger.Ledger,
	publisher *stream.Publisher, s3archiver *archive.S3Archiver) *Service {
	return &Service{
		agg:        agg,
		pol:        pol,
		contracts:  contracts,
		ledger:     led,
		publisher:  publisher,
		s3archiver: s3archiver,
	}
}

// VerifyCommit aggregates the policy's required checks for commit and returns
// the gate truth table.
func (s *Service) VerifyCommit(ctx context.Context, commit string) (gate.TruthTable, error) {
	if commit == "" {
		return gate.TruthTable{}, fmt.Errorf("commit required")
	}
	if s.agg == nil {
		return gate.TruthTable{}, fmt.Errorf("no check source configured")
	}
	results, err := s.agg.Aggregate(ctx, commit, s.pol.RequiredChecks)
	if err != nil {
		return gate.TruthTable{}, fmt.Errorf("aggregate checks for %s: %w", commit, err)
	}
	return gate.Evaluate(commit, results, s.pol), nil
}

// SealRelease verifies the commit, then seals and stores a contract over the
// provided artifacts. The truth table is re-derived here; callers never hand
// in a decision of their own.
func (s *Service) SealRelease(ctx context.Context, artifacts []contract.Artifact, meta contract.BuildMetadata) (*contract.ReleaseContract, error) {
	tt, err := s.VerifyCommit(ctx, meta.Commit)
	if err != nil {
		return nil, err
	}
	c, err := contract.Seal(tt, artifacts, meta)
	if err != nil {
		return nil, err
	}
	if err := s.contracts.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("store contract %s: %w", c.ContractHash, err)
	}

	s.emit(ctx, stream.Event{Type: stream.EventContractSealed, ContractHash: c.ContractHash})
	if s.s3archiver != nil {
		if _, err := s.s3archiver.ArchiveContract(ctx, c); err != nil {
			log.Printf("[service] archive contract %s: %v", c.ContractHash, err)
		}
	}
	return c, nil
}

// Promote records a promotion of contractHash into env.
func (s *Service) Promote(ctx context.Context, req ledger.Request) (*ledger.PromotionRecord, error) {
	rec, err := s.ledger.RequestPromotion(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, stream.Event{
		Type:         stream.EventPromoted,
		ContractHash: rec.ContractHash,
		Environment:  rec.Environment,
		Record:       rec,
	})
	s.archiveRecord(ctx, rec)
	return rec, nil
}

// Rollback reverts env to contractHash by appending a forward record.
func (s *Service) Rollback(ctx context.Context, env, contractHash, requestedBy, approvalToken string) (*ledger.PromotionRecord, error) {
	rec, err := s.ledger.Rollback(ctx, env, contractHash, requestedBy, approvalToken)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, stream.Event{
		Type:         stream.EventRolledBack,
		ContractHash: rec.ContractHash,
		Environment:  rec.Environment,
		Record:       rec,
	})
	s.archiveRecord(ctx, rec)
	return rec, nil
}

// GetContract loads and re-verifies a stored contract.
func (s *Service) GetContract(ctx context.Context, contractHash string) (*contract.ReleaseContract, error) {
	return s.contracts.Get(ctx, contractHash)
}

// LatestByEnvironment returns the environment's current record.
func (s *Service) LatestByEnvironment(ctx context.Context, env string) (*ledger.PromotionRecord, error) {
	return s.ledger.LatestByEnvironment(ctx, env)
}

// LineageByContract returns a release's full promotion history.
func (s *Service) LineageByContract(ctx context.Context, contractHash string) ([]ledger.PromotionRecord, error) {
	return s.ledger.LineageByContract(ctx, contractHash)
}

func (s *Service) emit(ctx context.Context, ev stream.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Printf("[service] publish %s for %s: %v", ev.Type, ev.ContractHash, err)
	}
}

func (s *Service) archiveRecord(ctx context.Context, rec *ledger.PromotionRecord) {
	if s.s3archiver == nil {
		return
	}
	if _, err := s.s3archiver.ArchiveRecord(ctx, rec); err != nil {
		log.Printf("[service] archive record %s: %v", rec.ID, err)
	}
}
