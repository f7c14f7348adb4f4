package governance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
)

var (
	owner0   = common.HexToAddress("0x1000000000000000000000000000000000000000")
	owner1   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	owner2   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	stranger = common.HexToAddress("0x2000000000000000000000000000000000000000")
)

type harness struct {
	chain *chain.Chain
	set   *Set
	runs  map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	set, err := New([]common.Address{owner0, owner1, owner2}, DefaultThreshold)
	require.NoError(t, err)
	return &harness{chain: chain.New(), set: set, runs: map[string]int{}}
}

func (h *harness) confirm(t *testing.T, caller common.Address, name string, value int64) (bool, error) {
	t.Helper()
	var executed bool
	err := h.chain.Execute(context.Background(), func(tx *chain.Tx) error {
		op, err := NewOperation(name, func() error {
			h.runs[name+":"+big.NewInt(value).String()]++
			return nil
		}, big.NewInt(value))
		require.NoError(t, err)
		executed, err = h.set.Confirm(tx, caller, op)
		return err
	})
	return executed, err
}

func TestExecutesAtThreshold(t *testing.T) {
	h := newHarness(t)

	executed, err := h.confirm(t, owner0, "setPrice", 30000)
	require.NoError(t, err)
	require.False(t, executed)
	require.Len(t, h.set.Pending(), 1)

	executed, err = h.confirm(t, owner1, "setPrice", 30000)
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, 1, h.runs["setPrice:30000"])
	require.Empty(t, h.set.Pending())

	// a fresh round starts from zero confirmations
	executed, err = h.confirm(t, owner2, "setPrice", 30000)
	require.NoError(t, err)
	require.False(t, executed)
	require.Equal(t, 1, h.runs["setPrice:30000"])
}

func TestRepeatedConfirmationIsNoop(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		executed, err := h.confirm(t, owner0, "pause", 0)
		require.NoError(t, err)
		require.False(t, executed)
	}
	pending := h.set.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, []common.Address{owner0}, pending[0].Confirmations)
}

func TestDifferentPayloadReplacesConfirmation(t *testing.T) {
	h := newHarness(t)

	_, err := h.confirm(t, owner0, "setPrice", 30000)
	require.NoError(t, err)
	_, err = h.confirm(t, owner0, "setPrice", 40000)
	require.NoError(t, err)

	pending := h.set.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, []common.Address{owner0}, pending[0].Confirmations)

	// owner0 no longer backs 30000, so owner1 alone cannot reach the threshold
	executed, err := h.confirm(t, owner1, "setPrice", 30000)
	require.NoError(t, err)
	require.False(t, executed)
	require.Zero(t, h.runs["setPrice:30000"])

	executed, err = h.confirm(t, owner2, "setPrice", 40000)
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, 1, h.runs["setPrice:40000"])
}

func TestRejectsNonOwner(t *testing.T) {
	h := newHarness(t)

	_, err := h.confirm(t, stranger, "pause", 0)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Empty(t, h.set.Pending())
}

func TestFailedExecutionKeepsConfirmations(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")

	run := func(caller common.Address) error {
		return h.chain.Execute(context.Background(), func(tx *chain.Tx) error {
			op, err := NewOperation("finish", func() error { return boom })
			require.NoError(t, err)
			_, err = h.set.Confirm(tx, caller, op)
			return err
		})
	}

	require.NoError(t, run(owner0))
	require.ErrorIs(t, run(owner1), boom)

	pending := h.set.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, []common.Address{owner0}, pending[0].Confirmations)
}

func TestNewValidatesOwners(t *testing.T) {
	_, err := New(nil, 1)
	require.Error(t, err)

	_, err = New([]common.Address{owner0, owner0}, 2)
	require.Error(t, err)

	_, err = New([]common.Address{owner0, {}}, 1)
	require.Error(t, err)

	_, err = New([]common.Address{owner0, owner1}, 3)
	require.Error(t, err)
}
