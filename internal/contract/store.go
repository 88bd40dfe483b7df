package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the contract lookup surface the promotion ledger validates
// against. Every read re-verifies the contract's self-hash.
type Store interface {
	Put(ctx context.Context, c *ReleaseContract) error
	Get(ctx context.Context, contractHash string) (*ReleaseContract, error)
}

// FileStore keeps sealed contracts as one JSON document per contract hash.
// Suitable for the single-node deployments this engine targets; the
// documents are also what downstream deployment tooling consumes.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) path(contractHash string) string {
	return filepath.Join(f.dir, fmt.Sprintf("contract_%s.json", contractHash))
}

// Put verifies and writes the contract document. An already-sealed contract
// is immutable: writing a different body under an existing hash is refused.
func (f *FileStore) Put(ctx context.Context, c *ReleaseContract) error {
	if err := c.Verify(); err != nil {
		return err
	}
	path := f.path(c.ContractHash)
	if _, err := os.Stat(path); err == nil {
		// Same hash means same content; nothing to rewrite.
		return nil
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write contract: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit contract file: %w", err)
	}
	return nil
}

// Get loads a contract by hash and re-verifies it before returning. A
// document whose recomputed hash mismatches is a fatal integrity violation.
func (f *FileStore) Get(ctx context.Context, contractHash string) (*ReleaseContract, error) {
	b, err := os.ReadFile(f.path(contractHash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read contract: %w", err)
	}
	var c ReleaseContract
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	if c.ContractHash != contractHash {
		return nil, fmt.Errorf("%w: file for %s carries hash %s", ErrContractTampered, contractHash, c.ContractHash)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*ReleaseContract
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: map[string]*ReleaseContract{}}
}

func (m *MemoryStore) Put(ctx context.Context, c *ReleaseContract) error {
	if err := c.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *c
	m.contracts[c.ContractHash] = &stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, contractHash string) (*ReleaseContract, error) {
	m.mu.RLock()
	c, ok := m.contracts[contractHash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	copied := *c
	return &copied, nil
}
