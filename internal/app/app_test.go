package app

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/sale"
	"tokensale/internal/token"
)

var (
	owners = []common.Address{
		common.HexToAddress("0x1000000000000000000000000000000000000000"),
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x1000000000000000000000000000000000000002"),
	}
	investor = common.HexToAddress("0xb0000000000000000000000000000000000000b1")
)

func testOptions() Options {
	return Options{
		Owners:          owners,
		Threshold:       2,
		Supply:          token.Units(36_000_000),
		CapPercent:      sale.DefaultCapPercent,
		TokenPriceCents: sale.DefaultTokenPriceCents,
		EndTime:         sale.DefaultEndTime,
		Tiers:           sale.DefaultTiers(),
		EthPriceCents:   30000,
		Bootstrap:       true,
		Clock:           func() time.Time { return time.Unix(1541019600, 0) },
	}
}

func newDeployment(t *testing.T) *Deployment {
	t.Helper()
	d, err := New(context.Background(), testOptions())
	require.NoError(t, err)
	d.Chain.Fund(investor, new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether)))
	return d
}

func credit(d *Deployment, caller common.Address, id string) (sale.Purchase, bool, error) {
	var (
		p   sale.Purchase
		dup bool
	)
	err := d.Chain.Execute(context.Background(), func(tx *chain.Tx) error {
		res, err := d.Minter.Mint(tx, caller, id, investor, big.NewInt(params.Ether))
		p, dup = res.Purchase, res.Duplicate
		return err
	})
	return p, dup, err
}

func TestBootstrapOpensSale(t *testing.T) {
	d := newDeployment(t)
	live := d.Live()
	require.Equal(t, sale.Active, live.State())
	require.Equal(t, d.Minter.Address(), live.NonEtherController())
	require.Equal(t, live.Address(), d.Escrow.Controller())
	price, err := d.Oracle.Price()
	require.NoError(t, err)
	require.EqualValues(t, 30000, price)
}

func TestMinterOwnershipHandover(t *testing.T) {
	d := newDeployment(t)
	require.NoError(t, d.Chain.Execute(context.Background(), func(tx *chain.Tx) error {
		return d.Minter.TransferOwnership(tx, owners[0], owners[2])
	}))

	for _, caller := range owners[:2] {
		_, _, err := credit(d, caller, "pay-1")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	// Owners cannot bypass the minter either.
	err := d.Chain.Execute(context.Background(), func(tx *chain.Tx) error {
		_, err := d.Live().Mint(tx, owners[2], "pay-1", investor, big.NewInt(params.Ether))
		return err
	})
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	p, dup, err := credit(d, owners[2], "pay-1")
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, token.Units(150).String(), p.Tokens.String())

	_, dup, err = credit(d, owners[2], "pay-1")
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, token.Units(150).String(), d.Ledger.BalanceOf(investor).String())
}

func TestMigrateMovesLiveSaleAndMinter(t *testing.T) {
	d := newDeployment(t)
	ctx := context.Background()
	source := d.Live()

	require.NoError(t, d.Chain.Execute(ctx, func(tx *chain.Tx) error {
		_, err := source.Buy(tx, investor, big.NewInt(params.Ether))
		return err
	}))

	next, err := d.DeploySuccessor(ctx)
	require.NoError(t, err)
	require.Equal(t, source.Address(), d.Live().Address())

	report, err := d.Migrate(ctx, next, owners[1:])
	require.NoError(t, err)
	require.NoError(t, report.Verify())

	require.Equal(t, next.Address(), d.Live().Address())
	require.Equal(t, d.Minter.Address(), next.NonEtherController())
	require.Equal(t, new(big.Int).Sub(sale.HardCap(d.Ledger.Supply(), sale.DefaultCapPercent), token.Units(150)).String(),
		next.MaximumTokensSold().String())

	_, _, err = credit(d, owners[0], "pay-after-migration")
	require.NoError(t, err)
	require.Equal(t, token.Units(150).String(), next.CurrentTokensSold().String())

	rec, err := d.Minter.Processed(ctx, "pay-after-migration")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, next.Address(), rec.Sale)
	require.Len(t, d.Sales(), 2)
}

func TestDeploySuccessorWhileLiveSaleChanges(t *testing.T) {
	d := newDeployment(t)
	ctx := context.Background()
	source := d.Live()

	toggle := func(op func(*chain.Tx, common.Address) (bool, error)) error {
		return d.Chain.Execute(ctx, func(tx *chain.Tx) error {
			for _, owner := range owners[:2] {
				if _, err := op(tx, owner); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var (
		wg                   sync.WaitGroup
		toggleErr, deployErr error
	)
	deployed := make([]*sale.Sale, 0, 20)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20 && toggleErr == nil; i++ {
			if toggleErr = toggle(source.Pause); toggleErr == nil {
				toggleErr = toggle(source.Unpause)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			next, err := d.DeploySuccessor(ctx)
			if err != nil {
				deployErr = err
				return
			}
			deployed = append(deployed, next)
		}
	}()
	wg.Wait()

	require.NoError(t, toggleErr)
	require.NoError(t, deployErr)
	require.Len(t, deployed, 20)
	d.Chain.Read(func() {
		require.Equal(t, source.Address(), d.Live().Address())
		require.Equal(t, sale.Active, source.State())
		for _, next := range deployed {
			require.Equal(t, source.Address(), next.Snapshot().Predecessor)
		}
	})
}

func TestSaleLookup(t *testing.T) {
	d := newDeployment(t)
	_, err := d.Sale(investor)
	require.ErrorIs(t, err, ErrUnknownSale)

	s, err := d.Sale(d.Live().Address())
	require.NoError(t, err)
	require.Equal(t, d.Live(), s)
}
