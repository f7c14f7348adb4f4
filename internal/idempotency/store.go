// Package idempotency remembers which off-chain payments were already credited,
// so a redelivered payment never issues tokens twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrEmptyPaymentID = errors.New("empty payment id")

// Record describes a credited payment.
type Record struct {
	PaymentID   string         `json:"paymentId"`
	Sale        common.Address `json:"sale"`
	Recipient   common.Address `json:"recipient"`
	Amount      *big.Int       `json:"amount"`
	Tokens      *big.Int       `json:"tokens"`
	ProcessedAt time.Time      `json:"processedAt"`
}

// Store abstracts processed payment persistence. Get returns nil, nil for an
// unknown payment id. Save of an id already stored keeps the first record.
type Store interface {
	Get(ctx context.Context, paymentID string) (*Record, error)
	Save(ctx context.Context, record Record) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[paymentID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.PaymentID == "" {
		return ErrEmptyPaymentID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[record.PaymentID]; !ok {
		m.data[record.PaymentID] = record
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// FileStore persists records to a JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, paymentID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[paymentID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if record.PaymentID == "" {
		return ErrEmptyPaymentID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[record.PaymentID]; ok {
		return nil
	}
	f.data[record.PaymentID] = record
	if err := f.persist(); err != nil {
		delete(f.data, record.PaymentID)
		return err
	}
	return nil
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func (f *FileStore) Close() error { return nil }
