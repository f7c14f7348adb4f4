// Package token is the boundary to the fungible asset ledger the sale issues
// from. The sale only needs Mint, Transfer, BalanceOf and Unissued; Ledger is the
// in-process implementation and ChainMirror replays committed issuance to an
// ERC-20 contract.
package token

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"tokensale/internal/chain"
)

// Decimals of the sale token; one whole token is 10^18 units.
const Decimals = 18

var ErrSupplyExhausted = errors.New("token supply exhausted")

type Token interface {
	Mint(tx *chain.Tx, minter, to common.Address, amount *big.Int) error
	Transfer(tx *chain.Tx, from, to common.Address, amount *big.Int) error
	BalanceOf(addr common.Address) *big.Int
	// Unissued is the part of the supply nobody has minted yet.
	Unissued() *big.Int
}

// Units converts whole tokens to token units.
func Units(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), big.NewInt(params.Ether))
}
