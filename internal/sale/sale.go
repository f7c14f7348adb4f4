// Package sale implements the token sale state machine: pricing, bonus tiers,
// the hard cap, payment and payment-free issuance, lifecycle transitions and
// the hot-fix migration into a successor instance.
package sale

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/governance"
	"tokensale/internal/oracle"
	"tokensale/internal/token"
)

var ErrZeroAddress = errors.New("zero address")

// Escrow is the custody the sale forwards collected payments to.
type Escrow interface {
	Address() common.Address
	Controller() common.Address
	Balance() *big.Int
	Deposit(tx *chain.Tx, caller, payer common.Address, amount *big.Int) error
	TransitionSucceeded(tx *chain.Tx, caller common.Address) error
	TransitionFailed(tx *chain.Tx, caller common.Address) error
}

// Purchase describes the outcome of a Buy or Mint call.
type Purchase struct {
	// Tokens issued to the recipient.
	Tokens *big.Int
	// Paid is the part of the amount consumed by the issuance.
	Paid *big.Int
	// Refund is the part of the amount that was not consumed.
	Refund *big.Int
	Bonus  uint64
	// Finished is set when the call moved the sale into a terminal state.
	Finished bool
}

type Sale struct {
	address common.Address
	chain   *chain.Chain
	gov     *governance.Set
	oracle  *oracle.PriceOracle
	token   token.Token
	params  Params

	state       State
	escrow      Escrow
	distributor common.Address
	nonEther    common.Address
	current     *big.Int
	maximum     *big.Int
	inbound     *Migration
	successor   common.Address
}

func New(
	c *chain.Chain, address common.Address, gov *governance.Set,
	priceOracle *oracle.PriceOracle, tok token.Token, params Params,
) (*Sale, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	maximum := new(big.Int)
	if params.Predecessor == (common.Address{}) {
		maximum.Set(params.MaximumTokensSold)
	}
	return &Sale{
		address: address,
		chain:   c,
		gov:     gov,
		oracle:  priceOracle,
		token:   tok,
		params:  params,
		state:   Init,
		current: new(big.Int),
		maximum: maximum,
	}, nil
}

func (s *Sale) Address() common.Address {
	return s.address
}

func (s *Sale) State() State {
	return s.state
}

func (s *Sale) Governance() *governance.Set {
	return s.gov
}

func (s *Sale) Oracle() *oracle.PriceOracle {
	return s.oracle
}

func (s *Sale) CurrentTokensSold() *big.Int {
	return new(big.Int).Set(s.current)
}

func (s *Sale) MaximumTokensSold() *big.Int {
	return new(big.Int).Set(s.maximum)
}

// Remaining is the allocation still available under the hard cap.
func (s *Sale) Remaining() *big.Int {
	return new(big.Int).Sub(s.maximum, s.current)
}

// Balance is the instance's own native balance (top-ups), not the escrow.
func (s *Sale) Balance() *big.Int {
	return s.chain.BalanceOf(s.address)
}

func (s *Sale) Escrow() Escrow {
	return s.escrow
}

func (s *Sale) TokenDistributor() common.Address {
	return s.distributor
}

func (s *Sale) NonEtherController() common.Address {
	return s.nonEther
}

func (s *Sale) Successor() common.Address {
	return s.successor
}

// Bonus is the bonus percent in force at t.
func (s *Sale) Bonus(t time.Time) uint64 {
	return s.params.Tiers.Lookup(t)
}

func (s *Sale) requireState(want State) error {
	if s.state != want {
		return fmt.Errorf("%w: sale is %s, needs %s", errs.ErrInvalidState, s.state, want)
	}
	return nil
}

func (s *Sale) setState(tx *chain.Tx, to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: sale cannot move from %s to %s", errs.ErrInvalidState, s.state, to)
	}
	log.WithFields(log.Fields{
		"sale": s.address.Hex(),
		"from": s.state,
		"to":   to,
	}).Info("sale state changed")
	chain.Set(tx, &s.state, to)
	return nil
}

// Buy collects amount wei from payer and issues tokens for it.
func (s *Sale) Buy(tx *chain.Tx, payer common.Address, amount *big.Int) (Purchase, error) {
	if err := s.requireState(Active); err != nil {
		return Purchase{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Purchase{}, fmt.Errorf("%w: payment", errs.ErrZeroAmount)
	}
	return s.issue(tx, payer, amount, true)
}

// Mint issues tokens for a payment settled outside the sale. Only the
// configured non-ether controller may call it; governance owners may not.
func (s *Sale) Mint(tx *chain.Tx, caller common.Address, paymentID string, recipient common.Address, amount *big.Int) (Purchase, error) {
	if s.nonEther == (common.Address{}) || caller != s.nonEther {
		return Purchase{}, fmt.Errorf("%w: %s is not the non-ether controller", errs.ErrUnauthorized, caller.Hex())
	}
	if err := s.requireState(Active); err != nil {
		return Purchase{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Purchase{}, fmt.Errorf("%w: payment %s", errs.ErrZeroAmount, paymentID)
	}
	p, err := s.issue(tx, recipient, amount, false)
	if err != nil {
		return Purchase{}, err
	}
	log.WithFields(log.Fields{
		"payment":   paymentID,
		"recipient": recipient.Hex(),
		"tokens":    p.Tokens.String(),
	}).Info("off-chain payment credited")
	return p, nil
}

// issue runs the pricing, bonus, cap and timeout logic shared by Buy and Mint.
// collect controls whether the consumed amount is taken into the escrow.
func (s *Sale) issue(tx *chain.Tx, recipient common.Address, amount *big.Int, collect bool) (Purchase, error) {
	now := tx.Now()
	if now.After(s.params.EndTime) {
		if err := s.finishByTimeout(tx); err != nil {
			return Purchase{}, err
		}
		return Purchase{
			Tokens:   new(big.Int),
			Paid:     new(big.Int),
			Refund:   new(big.Int).Set(amount),
			Finished: true,
		}, nil
	}

	remaining := s.Remaining()
	if remaining.Sign() <= 0 {
		if err := s.finish(tx, Succeeded); err != nil {
			return Purchase{}, err
		}
		return Purchase{
			Tokens:   new(big.Int),
			Paid:     new(big.Int),
			Refund:   new(big.Int).Set(amount),
			Finished: true,
		}, nil
	}

	price, err := s.oracle.Price()
	if err != nil {
		return Purchase{}, err
	}
	bonus := s.params.Tiers.Lookup(now)
	tokens := s.tokensFor(amount, price, bonus)
	if tokens.Sign() == 0 {
		return Purchase{}, fmt.Errorf("%w: payment too small to buy a token unit", errs.ErrZeroAmount)
	}

	allowed := tokens
	paid := new(big.Int).Set(amount)
	if tokens.Cmp(remaining) > 0 {
		allowed = remaining
		paid.Mul(amount, allowed).Div(paid, tokens)
	}

	if collect && paid.Sign() > 0 {
		if err := s.escrow.Deposit(tx, s.address, recipient, paid); err != nil {
			return Purchase{}, err
		}
	}
	if err := s.token.Mint(tx, s.address, recipient, allowed); err != nil {
		return Purchase{}, err
	}
	current := new(big.Int).Add(s.current, allowed)
	chain.Set(tx, &s.current, current)

	p := Purchase{
		Tokens: new(big.Int).Set(allowed),
		Paid:   paid,
		Refund: new(big.Int).Sub(amount, paid),
		Bonus:  bonus,
	}
	if current.Cmp(s.maximum) == 0 {
		if err := s.finish(tx, Succeeded); err != nil {
			return Purchase{}, err
		}
		p.Finished = true
	}
	return p, nil
}

// tokensFor prices amount wei at price cents per ETH with bonus percent.
func (s *Sale) tokensFor(amount *big.Int, price uint64, bonus uint64) *big.Int {
	tokens := new(big.Int).Mul(amount, new(big.Int).SetUint64(price))
	tokens.Div(tokens, new(big.Int).SetUint64(s.params.TokenPriceCents))
	tokens.Mul(tokens, new(big.Int).SetUint64(100+bonus))
	return tokens.Div(tokens, big.NewInt(100))
}

// finishByTimeout ends a sale whose end time passed. A sale that never
// issued anything and holds no collected funds fails; any other succeeds.
func (s *Sale) finishByTimeout(tx *chain.Tx) error {
	if s.current.Sign() == 0 && s.escrow.Balance().Sign() == 0 {
		return s.finish(tx, Failed)
	}
	return s.finish(tx, Succeeded)
}

func (s *Sale) finish(tx *chain.Tx, to State) error {
	if err := s.setState(tx, to); err != nil {
		return err
	}
	if to == Failed {
		return s.escrow.TransitionFailed(tx, s.address)
	}
	if err := s.escrow.TransitionSucceeded(tx, s.address); err != nil {
		return err
	}
	return s.distributeUnsold(tx)
}

// distributeUnsold hands the token distributor every token the sale still
// holds plus the supply that was never issued.
func (s *Sale) distributeUnsold(tx *chain.Tx) error {
	held := s.token.BalanceOf(s.address)
	if held.Sign() > 0 {
		if err := s.token.Transfer(tx, s.address, s.distributor, held); err != nil {
			return fmt.Errorf("distribute held tokens: %w", err)
		}
	}
	unissued := s.token.Unissued()
	if unissued.Sign() > 0 {
		if err := s.token.Mint(tx, s.address, s.distributor, unissued); err != nil {
			return fmt.Errorf("distribute unsold supply: %w", err)
		}
	}
	log.WithFields(log.Fields{
		"sale":        s.address.Hex(),
		"distributor": s.distributor.Hex(),
		"held":        held.String(),
		"unissued":    unissued.String(),
	}).Info("unsold tokens distributed")
	return nil
}

// TopUp adds to the instance's own native balance, which a hot-fix carries
// over to the successor.
func (s *Sale) TopUp(tx *chain.Tx, payer common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: top-up", errs.ErrZeroAmount)
	}
	if s.successor != (common.Address{}) {
		return fmt.Errorf("%w: sale migrated to %s", errs.ErrInvalidState, s.successor.Hex())
	}
	return tx.Transfer(payer, s.address, amount)
}

// Snapshot is a point-in-time view of the instance.
type Snapshot struct {
	Address            common.Address
	State              State
	CurrentTokensSold  *big.Int
	MaximumTokensSold  *big.Int
	Balance            *big.Int
	Escrow             common.Address
	TokenDistributor   common.Address
	NonEtherController common.Address
	Predecessor        common.Address
	Successor          common.Address
	EndTime            time.Time
}

func (s *Sale) Snapshot() Snapshot {
	snap := Snapshot{
		Address:            s.address,
		State:              s.state,
		CurrentTokensSold:  s.CurrentTokensSold(),
		MaximumTokensSold:  s.MaximumTokensSold(),
		Balance:            s.Balance(),
		TokenDistributor:   s.distributor,
		NonEtherController: s.nonEther,
		Predecessor:        s.params.Predecessor,
		Successor:          s.successor,
		EndTime:            s.params.EndTime,
	}
	if s.escrow != nil {
		snap.Escrow = s.escrow.Address()
	}
	return snap
}
