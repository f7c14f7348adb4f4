package token

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
)

// Ledger is a fixed-supply token held in memory. Only addresses allowed as
// minters may issue, and total issuance never exceeds the supply.
type Ledger struct {
	supply   *big.Int
	issued   *big.Int
	balances map[common.Address]*big.Int
	minters  map[common.Address]bool
}

func NewLedger(supply *big.Int) *Ledger {
	return &Ledger{
		supply:   new(big.Int).Set(supply),
		issued:   new(big.Int),
		balances: make(map[common.Address]*big.Int),
		minters:  make(map[common.Address]bool),
	}
}

// AllowMinter grants or revokes issuance rights for a sale instance.
func (l *Ledger) AllowMinter(tx *chain.Tx, addr common.Address, allowed bool) {
	if allowed {
		chain.SetKey(tx, l.minters, addr, true)
		return
	}
	chain.DeleteKey(tx, l.minters, addr)
}

func (l *Ledger) IsMinter(addr common.Address) bool {
	return l.minters[addr]
}

func (l *Ledger) Mint(tx *chain.Tx, minter, to common.Address, amount *big.Int) error {
	if !l.minters[minter] {
		return fmt.Errorf("%w: %s may not mint", errs.ErrUnauthorized, minter.Hex())
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount", errs.ErrZeroAmount)
	}
	issued := new(big.Int).Add(l.issued, amount)
	if issued.Cmp(l.supply) > 0 {
		return fmt.Errorf("%w: %s issued, supply %s", ErrSupplyExhausted, l.issued, l.supply)
	}

	chain.Set(tx, &l.issued, issued)
	chain.SetKey(tx, l.balances, to, new(big.Int).Add(l.BalanceOf(to), amount))
	return nil
}

func (l *Ledger) Transfer(tx *chain.Tx, from, to common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 || from == to {
		return nil
	}
	fromBal := l.BalanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s tokens, needs %s", errs.ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	chain.SetKey(tx, l.balances, from, new(big.Int).Sub(fromBal, amount))
	chain.SetKey(tx, l.balances, to, new(big.Int).Add(l.BalanceOf(to), amount))
	return nil
}

func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) TotalIssued() *big.Int {
	return new(big.Int).Set(l.issued)
}

func (l *Ledger) Unissued() *big.Int {
	return new(big.Int).Sub(l.supply, l.issued)
}

func (l *Ledger) Supply() *big.Int {
	return new(big.Int).Set(l.supply)
}
