package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PGStore persists promotion records into Postgres. The promotion_records
// table is append-only by convention; nothing in this store updates or
// deletes rows.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the promotion_records table and its indexes if they
// do not exist. The UNIQUE constraints on logical_index and promotion_hash
// back up the in-process serialization at the database level.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS promotion_records (
  id text PRIMARY KEY,
  contract_hash text NOT NULL,
  environment text NOT NULL,
  logical_index bigint NOT NULL UNIQUE,
  promotion_hash text NOT NULL UNIQUE,
  rollback_of text,
  requested_by text,
  approved_by text,
  prev_hash text,
  hash text NOT NULL,
  signature text,
  signer_id text,
  ts timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_promotion_records_env ON promotion_records (environment, logical_index DESC);
CREATE INDEX IF NOT EXISTS idx_promotion_records_contract ON promotion_records (contract_hash, logical_index);
`
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure promotion_records schema: %w", err)
	}
	return nil
}

const recordColumns = `id, contract_hash, environment, logical_index, promotion_hash, rollback_of, requested_by, approved_by, prev_hash, hash, signature, signer_id, ts`

func (p *PGStore) Append(ctx context.Context, rec *PromotionRecord) error {
	q := `
		INSERT INTO promotion_records
		  (id, contract_hash, environment, logical_index, promotion_hash, rollback_of, requested_by, approved_by, prev_hash, hash, signature, signer_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, q,
		rec.ID,
		rec.ContractHash,
		rec.Environment,
		rec.LogicalIndex,
		rec.PromotionHash,
		nullable(rec.RollbackOf),
		nullable(rec.RequestedBy),
		nullable(rec.ApprovedBy),
		nullable(rec.PrevHash),
		rec.Hash,
		nullable(rec.Signature),
		nullable(rec.SignerId),
		rec.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert promotion_record: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PGStore) scanRecord(row interface {
	Scan(dest ...interface{}) error
}) (*PromotionRecord, error) {
	var (
		rec                                                      PromotionRecord
		rollbackOf, requestedBy, approvedBy, prevHash, signature sql.NullString
		signerId                                                 sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.ContractHash,
		&rec.Environment,
		&rec.LogicalIndex,
		&rec.PromotionHash,
		&rollbackOf,
		&requestedBy,
		&approvedBy,
		&prevHash,
		&rec.Hash,
		&signature,
		&signerId,
		&rec.Ts,
	)
	if err != nil {
		return nil, err
	}
	rec.RollbackOf = rollbackOf.String
	rec.RequestedBy = requestedBy.String
	rec.ApprovedBy = approvedBy.String
	rec.PrevHash = prevHash.String
	rec.Signature = signature.String
	rec.SignerId = signerId.String
	return &rec, nil
}

func (p *PGStore) LatestRecord(ctx context.Context) (*PromotionRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM promotion_records ORDER BY logical_index DESC LIMIT 1`
	rec, err := p.scanRecord(p.db.QueryRowContext(ctx, q))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest record: %w", err)
	}
	return rec, nil
}

func (p *PGStore) LatestByEnvironment(ctx context.Context, env string) (*PromotionRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM promotion_records WHERE environment=$1 ORDER BY logical_index DESC LIMIT 1`
	rec, err := p.scanRecord(p.db.QueryRowContext(ctx, q, env))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest record for %s: %w", env, err)
	}
	return rec, nil
}

func (p *PGStore) LineageByContract(ctx context.Context, contractHash string) ([]PromotionRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM promotion_records WHERE contract_hash=$1 ORDER BY logical_index ASC`
	rows, err := p.db.QueryContext(ctx, q, contractHash)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()
	return p.collect(rows)
}

func (p *PGStore) HasPromotion(ctx context.Context, env, contractHash string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM promotion_records WHERE environment=$1 AND contract_hash=$2)`
	var held bool
	if err := p.db.QueryRowContext(ctx, q, env, contractHash).Scan(&held); err != nil {
		return false, fmt.Errorf("query prerequisite: %w", err)
	}
	return held, nil
}

func (p *PGStore) List(ctx context.Context) ([]PromotionRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM promotion_records ORDER BY logical_index ASC`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query promotion_records: %w", err)
	}
	defer rows.Close()
	return p.collect(rows)
}

func (p *PGStore) collect(rows *sql.Rows) ([]PromotionRecord, error) {
	var records []PromotionRecord
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion_record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}
