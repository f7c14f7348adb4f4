package sale

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
)

// Migration is what a hot-fixed instance hands over to its successor.
type Migration struct {
	From common.Address
	// Balance is the native balance moved to the successor.
	Balance *big.Int
	// Tokens is the token balance moved to the successor.
	Tokens *big.Int
	// Allocation is the unsold part of the source cap; it becomes the
	// successor's cap.
	Allocation  *big.Int
	Escrow      common.Address
	Distributor common.Address
}

// Successor is an instance that can take over from a hot-fixed sale.
type Successor interface {
	Address() common.Address
	AcceptMigration(tx *chain.Tx, from common.Address, m Migration) error
}

// ApplyHotFix confirms moving the sale's balances and unsold allocation into
// next. The sale must be paused, and the escrow should already be pointed at
// next so it can be initialised right after.
func (s *Sale) ApplyHotFix(tx *chain.Tx, caller common.Address, next Successor) (bool, error) {
	if next == nil || next.Address() == (common.Address{}) {
		return false, fmt.Errorf("%w: no successor", errs.ErrInvalidSuccessor)
	}
	if next.Address() == s.address {
		return false, fmt.Errorf("%w: sale cannot succeed itself", errs.ErrInvalidSuccessor)
	}
	return s.confirm(tx, caller, "applyHotFix", func() error {
		return s.requireLive(Paused)
	}, func() error {
		return s.migrate(tx, next)
	}, next.Address())
}

func (s *Sale) migrate(tx *chain.Tx, next Successor) error {
	to := next.Address()
	m := Migration{
		From:        s.address,
		Balance:     tx.BalanceOf(s.address),
		Tokens:      s.token.BalanceOf(s.address),
		Allocation:  s.allocation(),
		Distributor: s.distributor,
	}
	if s.escrow != nil {
		m.Escrow = s.escrow.Address()
	}

	if err := tx.Transfer(s.address, to, m.Balance); err != nil {
		return fmt.Errorf("move balance: %w", err)
	}
	if m.Tokens.Sign() > 0 {
		if err := s.token.Transfer(tx, s.address, to, m.Tokens); err != nil {
			return fmt.Errorf("move tokens: %w", err)
		}
	}
	if err := next.AcceptMigration(tx, s.address, m); err != nil {
		return err
	}

	chain.Set(tx, &s.maximum, new(big.Int).Set(s.current))
	chain.Set(tx, &s.successor, to)
	log.WithFields(log.Fields{
		"sale":       s.address.Hex(),
		"successor":  to.Hex(),
		"balance":    m.Balance.String(),
		"allocation": m.Allocation.String(),
	}).Info("sale migrated")
	return nil
}

// AcceptMigration takes over the allocation of the configured predecessor.
// It is accepted once, before Init.
func (s *Sale) AcceptMigration(tx *chain.Tx, from common.Address, m Migration) error {
	if s.params.Predecessor == (common.Address{}) || from != s.params.Predecessor {
		return fmt.Errorf("%w: %s is not the predecessor", errs.ErrUnauthorized, from.Hex())
	}
	if s.inbound != nil {
		return fmt.Errorf("%w: migration already accepted", errs.ErrAlreadyInitialized)
	}
	if err := s.requireState(Init); err != nil {
		return err
	}
	if m.Allocation == nil || m.Allocation.Sign() < 0 {
		return fmt.Errorf("%w: negative allocation", errs.ErrInvalidSuccessor)
	}
	accepted := m
	chain.Set(tx, &s.inbound, &accepted)
	chain.Set(tx, &s.maximum, new(big.Int).Set(m.Allocation))
	return nil
}

// Inbound is the migration this instance accepted, nil for a first instance
// or a successor still waiting.
func (s *Sale) Inbound() *Migration {
	if s.inbound == nil {
		return nil
	}
	m := *s.inbound
	return &m
}
