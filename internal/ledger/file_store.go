package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists the promotion log as an append-only JSONL file, one
// record per line, fsynced before Append returns. Suitable for single-node
// deployments; use PGStore when several replicas share a ledger.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore writing to dir/promotions.jsonl.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{path: filepath.Join(dir, "promotions.jsonl")}
}

func (f *FileStore) Append(ctx context.Context, rec *PromotionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(b); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	// The record must be durable before the caller is told the promotion
	// happened.
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	return nil
}

func (f *FileStore) load() ([]PromotionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer file.Close()

	var records []PromotionRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec PromotionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger file: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LogicalIndex < records[j].LogicalIndex
	})
	return records, nil
}

func (f *FileStore) LatestRecord(ctx context.Context) (*PromotionRecord, error) {
	records, err := f.load()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	rec := records[len(records)-1]
	return &rec, nil
}

func (f *FileStore) LatestByEnvironment(ctx context.Context, env string) (*PromotionRecord, error) {
	records, err := f.load()
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Environment == env {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) LineageByContract(ctx context.Context, contractHash string) ([]PromotionRecord, error) {
	records, err := f.load()
	if err != nil {
		return nil, err
	}
	var lineage []PromotionRecord
	for _, rec := range records {
		if rec.ContractHash == contractHash {
			lineage = append(lineage, rec)
		}
	}
	return lineage, nil
}

func (f *FileStore) HasPromotion(ctx context.Context, env, contractHash string) (bool, error) {
	records, err := f.load()
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Environment == env && rec.ContractHash == contractHash {
			return true, nil
		}
	}
	return false, nil
}

func (f *FileStore) List(ctx context.Context) ([]PromotionRecord, error) {
	return f.load()
}

func (f *FileStore) Ping(ctx context.Context) error { return nil }
