// Package escrow custodies the payments collected by the live sale instance.
//
// The escrow outlives individual sale instances: its controller pointer is
// repointed during a migration while the collected balance stays in place.
// Funds leave either as an owner-confirmed payout after the sale succeeded, or
// as depositor refunds after it failed.
package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/governance"
)

var ErrZeroController = errors.New("zero controller address")

type State int

const (
	Gathering State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Gathering:
		return "GATHERING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Escrow struct {
	chain      *chain.Chain
	address    common.Address
	gov        *governance.Set
	state      State
	controller common.Address
	deposits   map[common.Address]*big.Int
	total      *big.Int
}

func New(c *chain.Chain, address common.Address, gov *governance.Set, controller common.Address) (*Escrow, error) {
	if controller == (common.Address{}) {
		return nil, ErrZeroController
	}
	return &Escrow{
		chain:      c,
		address:    address,
		gov:        gov,
		state:      Gathering,
		controller: controller,
		deposits:   make(map[common.Address]*big.Int),
		total:      new(big.Int),
	}, nil
}

func (e *Escrow) Address() common.Address {
	return e.address
}

func (e *Escrow) State() State {
	return e.state
}

func (e *Escrow) Controller() common.Address {
	return e.controller
}

func (e *Escrow) Governance() *governance.Set {
	return e.gov
}

// Balance is the native value currently held by the escrow.
func (e *Escrow) Balance() *big.Int {
	return e.chain.BalanceOf(e.address)
}

// DepositOf is the refundable amount tracked for depositor.
func (e *Escrow) DepositOf(depositor common.Address) *big.Int {
	if d, ok := e.deposits[depositor]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// TotalDeposited is the sum of all tracked, not yet refunded deposits.
func (e *Escrow) TotalDeposited() *big.Int {
	return new(big.Int).Set(e.total)
}

func (e *Escrow) onlyController(caller common.Address) error {
	if caller != e.controller {
		return fmt.Errorf("%w: %s is not the escrow controller", errs.ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (e *Escrow) requireState(want State) error {
	if e.state != want {
		return fmt.Errorf("%w: escrow is %s, needs %s", errs.ErrInvalidState, e.state, want)
	}
	return nil
}

// Deposit moves amount from payer into the escrow on behalf of the
// controller and tracks it as refundable to payer.
func (e *Escrow) Deposit(tx *chain.Tx, caller, payer common.Address, amount *big.Int) error {
	if err := e.onlyController(caller); err != nil {
		return err
	}
	if err := e.requireState(Gathering); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit", errs.ErrZeroAmount)
	}
	if err := tx.Transfer(payer, e.address, amount); err != nil {
		return fmt.Errorf("collect deposit: %w", err)
	}

	chain.SetKey(tx, e.deposits, payer, new(big.Int).Add(e.DepositOf(payer), amount))
	chain.Set(tx, &e.total, new(big.Int).Add(e.total, amount))

	log.WithFields(log.Fields{
		"payer":  payer.Hex(),
		"amount": amount.String(),
	}).Debug("escrow deposit")
	return nil
}

func (e *Escrow) TransitionSucceeded(tx *chain.Tx, caller common.Address) error {
	return e.transition(tx, caller, Succeeded)
}

func (e *Escrow) TransitionFailed(tx *chain.Tx, caller common.Address) error {
	return e.transition(tx, caller, Failed)
}

func (e *Escrow) transition(tx *chain.Tx, caller common.Address, to State) error {
	if err := e.onlyController(caller); err != nil {
		return err
	}
	if err := e.requireState(Gathering); err != nil {
		return err
	}
	chain.Set(tx, &e.state, to)
	log.WithField("state", to).Info("escrow state changed")
	return nil
}

// SendEther confirms a payout of amount to to. The payout executes once the
// owners reach the threshold, and only after the sale succeeded.
func (e *Escrow) SendEther(tx *chain.Tx, caller, to common.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, fmt.Errorf("%w: payout", errs.ErrZeroAmount)
	}
	op, err := governance.NewOperation("sendEther", func() error {
		if err := e.requireState(Succeeded); err != nil {
			return err
		}
		if bal := tx.BalanceOf(e.address); bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: escrow holds %s, payout %s", errs.ErrInsufficientFunds, bal, amount)
		}
		if err := tx.Transfer(e.address, to, amount); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"to":     to.Hex(),
			"amount": amount.String(),
		}).Info("escrow payout")
		return nil
	}, to, amount)
	if err != nil {
		return false, err
	}
	return e.gov.Confirm(tx, caller, op)
}

// WithdrawPayments refunds caller's whole tracked deposit. Refunds exist only
// for a failed sale.
func (e *Escrow) WithdrawPayments(tx *chain.Tx, caller common.Address) (*big.Int, error) {
	if err := e.requireState(Failed); err != nil {
		return nil, err
	}
	payment := e.DepositOf(caller)
	if payment.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrNothingToWithdraw, caller.Hex())
	}

	chain.DeleteKey(tx, e.deposits, caller)
	chain.Set(tx, &e.total, new(big.Int).Sub(e.total, payment))
	if err := tx.Transfer(e.address, caller, payment); err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	log.WithFields(log.Fields{
		"depositor": caller.Hex(),
		"amount":    payment.String(),
	}).Info("escrow refund")
	return payment, nil
}

// SetController confirms repointing the controller, the only principal that
// may deposit and drive state transitions.
func (e *Escrow) SetController(tx *chain.Tx, caller, controller common.Address) (bool, error) {
	if controller == (common.Address{}) {
		return false, ErrZeroController
	}
	op, err := governance.NewOperation("setController", func() error {
		chain.Set(tx, &e.controller, controller)
		log.WithField("controller", controller.Hex()).Info("escrow controller changed")
		return nil
	}, controller)
	if err != nil {
		return false, err
	}
	return e.gov.Confirm(tx, caller, op)
}
