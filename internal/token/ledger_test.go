package token

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
)

var (
	sale  = common.HexToAddress("0x5a1e000000000000000000000000000000000001")
	buyer = common.HexToAddress("0xb0000000000000000000000000000000000000b1")
)

func TestLedgerMintRespectsSupplyAndMinters(t *testing.T) {
	c := chain.New()
	l := NewLedger(Units(100))
	ctx := context.Background()

	err := c.Execute(ctx, func(tx *chain.Tx) error {
		return l.Mint(tx, sale, buyer, Units(1))
	})
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	require.NoError(t, c.Execute(ctx, func(tx *chain.Tx) error {
		l.AllowMinter(tx, sale, true)
		return l.Mint(tx, sale, buyer, Units(60))
	}))
	require.Equal(t, Units(60).String(), l.BalanceOf(buyer).String())
	require.Equal(t, Units(40).String(), l.Unissued().String())

	err = c.Execute(ctx, func(tx *chain.Tx) error {
		return l.Mint(tx, sale, buyer, Units(41))
	})
	require.ErrorIs(t, err, ErrSupplyExhausted)
	require.Equal(t, Units(60).String(), l.TotalIssued().String())
}

func TestLedgerTransfer(t *testing.T) {
	c := chain.New()
	l := NewLedger(Units(100))
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, func(tx *chain.Tx) error {
		l.AllowMinter(tx, sale, true)
		return l.Mint(tx, sale, sale, Units(10))
	}))

	err := c.Execute(ctx, func(tx *chain.Tx) error {
		return l.Transfer(tx, sale, buyer, Units(11))
	})
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	require.NoError(t, c.Execute(ctx, func(tx *chain.Tx) error {
		return l.Transfer(tx, sale, buyer, Units(4))
	}))
	require.Equal(t, Units(6).String(), l.BalanceOf(sale).String())
	require.Equal(t, Units(4).String(), l.BalanceOf(buyer).String())
	require.Zero(t, l.BalanceOf(common.Address{}).Sign())
}
