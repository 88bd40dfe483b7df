package ledger_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvault/relvault/internal/ledger"
)

var recordCols = []string{
	"id", "contract_hash", "environment", "logical_index", "promotion_hash",
	"rollback_of", "requested_by", "approved_by", "prev_hash", "hash",
	"signature", "signer_id", "ts",
}

func TestPGStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO promotion_records").
		WithArgs(
			"rec-1", "abc123", "stage", uint64(7), "promo-hash",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"chain-hash", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := ledger.NewPGStore(db)
	rec := &ledger.PromotionRecord{
		ID:            "rec-1",
		ContractHash:  "abc123",
		Environment:   "stage",
		LogicalIndex:  7,
		PromotionHash: "promo-hash",
		RequestedBy:   "alice",
		ApprovedBy:    "bob",
		Hash:          "chain-hash",
	}
	require.NoError(t, store.Append(context.Background(), rec))
	assert.False(t, rec.Ts.IsZero(), "Append should stamp Ts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreLatestByEnvironment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(recordCols).AddRow(
		"rec-2", "abc123", "prod", uint64(9), "promo-hash",
		nil, "alice", "bob", "prev", "hash", "sig", "signer", now,
	)
	mock.ExpectQuery("SELECT (.+) FROM promotion_records WHERE environment=\\$1 ORDER BY logical_index DESC LIMIT 1").
		WithArgs("prod").
		WillReturnRows(rows)

	store := ledger.NewPGStore(db)
	rec, err := store.LatestByEnvironment(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.LogicalIndex)
	assert.Equal(t, "bob", rec.ApprovedBy)
	assert.Empty(t, rec.RollbackOf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreLatestByEnvironmentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM promotion_records WHERE environment=\\$1").
		WithArgs("prod").
		WillReturnRows(sqlmock.NewRows(recordCols))

	store := ledger.NewPGStore(db)
	_, err = store.LatestByEnvironment(context.Background(), "prod")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPGStoreHasPromotion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("stage", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := ledger.NewPGStore(db)
	held, err := store.HasPromotion(context.Background(), "stage", "abc123")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestPGStoreLineageByContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(recordCols).
		AddRow("rec-1", "abc123", "dev", uint64(1), "p1", nil, "alice", nil, nil, "h1", nil, nil, now).
		AddRow("rec-2", "abc123", "stage", uint64(2), "p2", nil, "alice", "bob", "h1", "h2", nil, nil, now)
	mock.ExpectQuery("SELECT (.+) FROM promotion_records WHERE contract_hash=\\$1 ORDER BY logical_index ASC").
		WithArgs("abc123").
		WillReturnRows(rows)

	store := ledger.NewPGStore(db)
	lineage, err := store.LineageByContract(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, "stage", lineage[1].Environment)
	assert.Equal(t, "h1", lineage[1].PrevHash)
}
