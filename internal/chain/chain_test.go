package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tokensale/internal/errs"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func TestTransferCommits(t *testing.T) {
	c := New()
	c.Fund(alice, big.NewInt(100))

	err := c.Execute(context.Background(), func(tx *Tx) error {
		return tx.Transfer(alice, bob, big.NewInt(40))
	})
	require.NoError(t, err)
	require.Equal(t, int64(60), c.BalanceOf(alice).Int64())
	require.Equal(t, int64(40), c.BalanceOf(bob).Int64())
}

func TestFailedOperationRevertsEverything(t *testing.T) {
	c := New()
	c.Fund(alice, big.NewInt(100))

	counter := 1
	state := map[string]int{"a": 1}
	committed := false
	boom := errors.New("boom")

	err := c.Execute(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.Transfer(alice, bob, big.NewInt(70)))
		Set(tx, &counter, 5)
		SetKey(tx, state, "b", 2)
		DeleteKey(tx, state, "a")
		tx.OnCommit(func(context.Context) error {
			committed = true
			return nil
		})
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Equal(t, int64(100), c.BalanceOf(alice).Int64())
	require.Zero(t, c.BalanceOf(bob).Sign())
	require.Equal(t, 1, counter)
	require.Equal(t, map[string]int{"a": 1}, state)
	require.False(t, committed)
}

func TestTransferInsufficientFunds(t *testing.T) {
	c := New()
	c.Fund(alice, big.NewInt(10))

	err := c.Execute(context.Background(), func(tx *Tx) error {
		return tx.Transfer(alice, bob, big.NewInt(11))
	})
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	require.Equal(t, int64(10), c.BalanceOf(alice).Int64())
}

func TestTransferToSelfIsNoop(t *testing.T) {
	c := New()
	c.Fund(alice, big.NewInt(10))

	err := c.Execute(context.Background(), func(tx *Tx) error {
		return tx.Transfer(alice, alice, big.NewInt(10))
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), c.BalanceOf(alice).Int64())
}

func TestBlockTimeIsPinned(t *testing.T) {
	c := New()
	c.SetTime(1538341198)

	err := c.Execute(context.Background(), func(tx *Tx) error {
		require.Equal(t, int64(1538341198), tx.Now().Unix())
		return nil
	})
	require.NoError(t, err)
}

func TestNewAddressIsDeterministic(t *testing.T) {
	c1, c2 := New(), New()
	a1 := c1.NewAddress(alice)
	a2 := c1.NewAddress(alice)

	require.NotEqual(t, a1, a2)
	require.Equal(t, a1, c2.NewAddress(alice))
}
