package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

const createSQLiteTableSQL = `
CREATE TABLE IF NOT EXISTS processed_payments (
    payment_id TEXT PRIMARY KEY,
    sale TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount TEXT NOT NULL,
    tokens TEXT NOT NULL,
    processed_at INTEGER NOT NULL
);
`

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := openDb(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createSQLiteTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func openDb(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// Single writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, paymentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payment_id, sale, recipient, amount, tokens, processed_at
FROM processed_payments
WHERE payment_id = ?
`, paymentID)

	var (
		rec                            Record
		sale, recipient, amount, token string
		processedAt                    int64
	)
	if err := row.Scan(&rec.PaymentID, &sale, &recipient, &amount, &token, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.ProcessedAt = time.UnixMilli(processedAt).UTC()
	if err := decode(&rec, sale, recipient, amount, token); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, record Record) error {
	if record.PaymentID == "" {
		return ErrEmptyPaymentID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_payments (payment_id, sale, recipient, amount, tokens, processed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (payment_id) DO NOTHING
`, record.PaymentID, record.Sale.Hex(), record.Recipient.Hex(),
		bigString(record.Amount), bigString(record.Tokens), record.ProcessedAt.UTC().UnixMilli())
	return err
}
