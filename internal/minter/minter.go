// Package minter credits payments received outside the sale, such as card or
// bank transfers, exactly once per payment id.
package minter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/idempotency"
	"tokensale/internal/sale"
)

var ErrZeroOwner = errors.New("zero owner address")

// Target is the sale instance credits are issued against. It is resolved on
// every call, so a target that follows the live instance survives migrations.
type Target interface {
	Address() common.Address
	Mint(tx *chain.Tx, caller common.Address, paymentID string, recipient common.Address, amount *big.Int) (sale.Purchase, error)
}

// Result is the outcome of a Mint call. Duplicate is set when the payment id
// was already credited and nothing happened.
type Result struct {
	Purchase  sale.Purchase
	Duplicate bool
}

type Minter struct {
	address   common.Address
	owner     common.Address
	target    Target
	processed map[string]struct{}
	store     idempotency.Store
}

// New creates a minter owned by owner. The minter's own address must be set
// as the target's non-ether controller before it can credit anything.
func New(address, owner common.Address, target Target, store idempotency.Store) (*Minter, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroOwner
	}
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	return &Minter{
		address:   address,
		owner:     owner,
		target:    target,
		processed: make(map[string]struct{}),
		store:     store,
	}, nil
}

func (m *Minter) Address() common.Address {
	return m.address
}

func (m *Minter) Owner() common.Address {
	return m.owner
}

func (m *Minter) Target() common.Address {
	return m.target.Address()
}

// Mint credits amount for paymentID to recipient. Replaying a payment id is a
// successful no-op whatever the amount.
func (m *Minter) Mint(tx *chain.Tx, caller common.Address, paymentID string, recipient common.Address, amount *big.Int) (Result, error) {
	if caller != m.owner {
		return Result{}, fmt.Errorf("%w: %s is not the minter owner", errs.ErrUnauthorized, caller.Hex())
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Result{}, idempotency.ErrEmptyPaymentID
	}

	logger := log.WithFields(log.Fields{
		"payment":   paymentID,
		"recipient": recipient.Hex(),
	})
	done, err := m.seen(tx.Context(), paymentID)
	if err != nil {
		return Result{}, err
	}
	if done {
		logger.Debug("payment already credited")
		return Result{Duplicate: true}, nil
	}

	chain.SetKey(tx, m.processed, paymentID, struct{}{})
	p, err := m.target.Mint(tx, m.address, paymentID, recipient, amount)
	if err != nil {
		return Result{}, err
	}

	rec := idempotency.Record{
		PaymentID:   paymentID,
		Sale:        m.target.Address(),
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		Tokens:      new(big.Int).Set(p.Tokens),
		ProcessedAt: tx.Now(),
	}
	tx.OnCommit(func(ctx context.Context) error {
		if err := m.store.Save(ctx, rec); err != nil {
			// The credit stands but a restart would accept the payment again.
			logger.WithError(err).WithField("sale", rec.Sale.Hex()).Error("failed to persist credited payment")
			return err
		}
		return nil
	})
	return Result{Purchase: p}, nil
}

func (m *Minter) seen(ctx context.Context, paymentID string) (bool, error) {
	if _, ok := m.processed[paymentID]; ok {
		return true, nil
	}
	rec, err := m.store.Get(ctx, paymentID)
	if err != nil {
		return false, fmt.Errorf("lookup payment %s: %w", paymentID, err)
	}
	return rec != nil, nil
}

func (m *Minter) TransferOwnership(tx *chain.Tx, caller, newOwner common.Address) error {
	if caller != m.owner {
		return fmt.Errorf("%w: %s is not the minter owner", errs.ErrUnauthorized, caller.Hex())
	}
	if newOwner == (common.Address{}) {
		return ErrZeroOwner
	}
	chain.Set(tx, &m.owner, newOwner)
	log.WithFields(log.Fields{
		"from": caller.Hex(),
		"to":   newOwner.Hex(),
	}).Info("minter ownership transferred")
	return nil
}

// Processed returns the stored record of paymentID, nil if it was never
// credited.
func (m *Minter) Processed(ctx context.Context, paymentID string) (*idempotency.Record, error) {
	return m.store.Get(ctx, paymentID)
}
