package idempotency

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS processed_payments (
    payment_id TEXT PRIMARY KEY,
    sale TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount NUMERIC(78, 0) NOT NULL,
    tokens NUMERIC(78, 0) NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT payment_id, sale, recipient, amount::TEXT, tokens::TEXT, processed_at
FROM processed_payments
WHERE payment_id = $1
`, paymentID)

	var (
		rec             Record
		sale, recipient string
		amount, tokens  string
	)
	if err := row.Scan(&rec.PaymentID, &sale, &recipient, &amount, &tokens, &rec.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := decode(&rec, sale, recipient, amount, tokens); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.PaymentID == "" {
		return ErrEmptyPaymentID
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO processed_payments (payment_id, sale, recipient, amount, tokens, processed_at)
VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
ON CONFLICT (payment_id) DO NOTHING
`, record.PaymentID, record.Sale.Hex(), record.Recipient.Hex(),
		bigString(record.Amount), bigString(record.Tokens), record.ProcessedAt)
	return err
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// decode fills the typed fields of rec from their text columns.
func decode(rec *Record, sale, recipient, amount, tokens string) error {
	if !common.IsHexAddress(sale) || !common.IsHexAddress(recipient) {
		return fmt.Errorf("payment %s: malformed address column", rec.PaymentID)
	}
	rec.Sale = common.HexToAddress(sale)
	rec.Recipient = common.HexToAddress(recipient)

	var ok bool
	if rec.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return fmt.Errorf("payment %s: malformed amount %q", rec.PaymentID, amount)
	}
	if rec.Tokens, ok = new(big.Int).SetString(tokens, 10); !ok {
		return fmt.Errorf("payment %s: malformed tokens %q", rec.PaymentID, tokens)
	}
	return nil
}
