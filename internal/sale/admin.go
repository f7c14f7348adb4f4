package sale

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/governance"
)

// confirm submits caller's confirmation of a sale operation. The sale address
// leads the payload so instances sharing one owner set never collide.
//
// check runs before the confirmation is recorded, so an operation the sale
// cannot take in its current state gathers no confirmations. The confirmation
// that reaches the threshold executes in the same transaction, after check.
func (s *Sale) confirm(tx *chain.Tx, caller common.Address, name string, check, execute func() error, args ...interface{}) (bool, error) {
	if !s.gov.IsOwner(caller) {
		return false, fmt.Errorf("%w: %s is not an owner", errs.ErrUnauthorized, caller.Hex())
	}
	if err := check(); err != nil {
		return false, err
	}
	op, err := governance.NewOperation(name, execute, append([]interface{}{s.address}, args...)...)
	if err != nil {
		return false, err
	}
	return s.gov.Confirm(tx, caller, op)
}

func (s *Sale) requireNotMigrated() error {
	if s.successor != (common.Address{}) {
		return fmt.Errorf("%w: sale migrated to %s", errs.ErrInvalidState, s.successor.Hex())
	}
	return nil
}

// requireLive rejects a migrated sale and one that is not in want.
func (s *Sale) requireLive(want State) error {
	if err := s.requireNotMigrated(); err != nil {
		return err
	}
	return s.requireState(want)
}

// Init binds the sale to its escrow and token distributor and opens it.
// A successor can only be initialised after its predecessor migrated into it,
// and only against the escrow it inherited.
func (s *Sale) Init(tx *chain.Tx, caller common.Address, escrow Escrow, distributor common.Address) (bool, error) {
	if escrow == nil || escrow.Address() == (common.Address{}) || distributor == (common.Address{}) {
		return false, ErrZeroAddress
	}
	check := func() error {
		if s.state != Init {
			return fmt.Errorf("%w: sale is %s", errs.ErrAlreadyInitialized, s.state)
		}
		if s.params.Predecessor != (common.Address{}) {
			if s.inbound == nil {
				return fmt.Errorf("%w: awaiting migration from %s", errs.ErrInvalidState, s.params.Predecessor.Hex())
			}
			if s.inbound.Escrow != escrow.Address() {
				return fmt.Errorf("%w: escrow %s differs from inherited %s",
					errs.ErrInvalidState, escrow.Address().Hex(), s.inbound.Escrow.Hex())
			}
		}
		if escrow.Controller() != s.address {
			return fmt.Errorf("%w: escrow is controlled by %s", errs.ErrInvalidState, escrow.Controller().Hex())
		}
		return nil
	}
	return s.confirm(tx, caller, "init", check, func() error {
		chain.Set(tx, &s.escrow, escrow)
		chain.Set(tx, &s.distributor, distributor)
		return s.setState(tx, Active)
	}, escrow.Address(), distributor)
}

func (s *Sale) Pause(tx *chain.Tx, caller common.Address) (bool, error) {
	return s.confirm(tx, caller, "pause", func() error {
		return s.requireState(Active)
	}, func() error {
		return s.setState(tx, Paused)
	})
}

// Unpause reopens a paused sale. A sale that migrated stays paused.
func (s *Sale) Unpause(tx *chain.Tx, caller common.Address) (bool, error) {
	return s.confirm(tx, caller, "unpause", func() error {
		return s.requireLive(Paused)
	}, func() error {
		return s.setState(tx, Active)
	})
}

// FinishICO ends an active or paused sale successfully. It is a no-op once
// the sale is terminal.
func (s *Sale) FinishICO(tx *chain.Tx, caller common.Address) (bool, error) {
	return s.confirm(tx, caller, "finishICO", s.requireStarted, func() error {
		return s.forceFinish(tx, Succeeded)
	})
}

// FailICO ends an active or paused sale as failed, opening refunds. It is a
// no-op once the sale is terminal.
func (s *Sale) FailICO(tx *chain.Tx, caller common.Address) (bool, error) {
	return s.confirm(tx, caller, "failICO", s.requireStarted, func() error {
		return s.forceFinish(tx, Failed)
	})
}

// requireStarted rejects a migrated sale and one that was never initialised.
func (s *Sale) requireStarted() error {
	if err := s.requireNotMigrated(); err != nil {
		return err
	}
	if s.state == Init {
		return fmt.Errorf("%w: sale is %s", errs.ErrInvalidState, s.state)
	}
	return nil
}

func (s *Sale) forceFinish(tx *chain.Tx, to State) error {
	if s.state.Terminal() {
		log.WithFields(log.Fields{
			"sale":  s.address.Hex(),
			"state": s.state,
		}).Debug("sale already finished")
		return nil
	}
	return s.finish(tx, to)
}

// SetNonEtherController names the principal allowed to call Mint.
func (s *Sale) SetNonEtherController(tx *chain.Tx, caller, controller common.Address) (bool, error) {
	if controller == (common.Address{}) {
		return false, ErrZeroAddress
	}
	return s.confirm(tx, caller, "setNonEtherController", func() error {
		if s.state.Terminal() {
			return fmt.Errorf("%w: sale is %s", errs.ErrInvalidState, s.state)
		}
		return nil
	}, func() error {
		chain.Set(tx, &s.nonEther, controller)
		log.WithFields(log.Fields{
			"sale":       s.address.Hex(),
			"controller": controller.Hex(),
		}).Info("non-ether controller changed")
		return nil
	}, controller)
}

// allocation is the unsold part of the cap.
func (s *Sale) allocation() *big.Int {
	left := s.Remaining()
	if left.Sign() < 0 {
		return new(big.Int)
	}
	return left
}
