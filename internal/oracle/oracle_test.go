package oracle

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/governance"
)

var owners = []common.Address{
	common.HexToAddress("0x1000000000000000000000000000000000000000"),
	common.HexToAddress("0x1000000000000000000000000000000000000001"),
	common.HexToAddress("0x1000000000000000000000000000000000000002"),
}

func setPrice(t *testing.T, c *chain.Chain, o *PriceOracle, caller common.Address, cents uint64) (bool, error) {
	t.Helper()
	var executed bool
	err := c.Execute(context.Background(), func(tx *chain.Tx) error {
		var err error
		executed, err = o.SetPrice(tx, caller, cents)
		return err
	})
	return executed, err
}

func TestPriceNeedsConsensus(t *testing.T) {
	gov, err := governance.New(owners, 2)
	require.NoError(t, err)
	c := chain.New()
	c.SetTime(1538341198)
	o := New(gov)

	_, err = o.Price()
	require.ErrorIs(t, err, errs.ErrNotInitialized)

	executed, err := setPrice(t, c, o, owners[0], 30000)
	require.NoError(t, err)
	require.False(t, executed)
	_, err = o.Price()
	require.ErrorIs(t, err, errs.ErrNotInitialized)

	executed, err = setPrice(t, c, o, owners[1], 30000)
	require.NoError(t, err)
	require.True(t, executed)

	price, err := o.Price()
	require.NoError(t, err)
	require.Equal(t, uint64(30000), price)
	require.Equal(t, int64(1538341198), o.Updated().Unix())
}

func TestRejectsZeroPrice(t *testing.T) {
	gov, err := governance.New(owners, 2)
	require.NoError(t, err)
	o := New(gov)

	_, err = setPrice(t, chain.New(), o, owners[0], 0)
	require.ErrorIs(t, err, errs.ErrZeroAmount)
	require.Empty(t, gov.Pending())
}
