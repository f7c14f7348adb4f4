// Package chain is the sequential execution substrate every sale component runs on.
//
// A Chain applies operations one at a time, in submission order. Each operation
// receives a Tx frame; mutations made through the frame (or journaled with
// OnRevert) are rolled back together when the operation returns an error, so an
// operation either fully commits or has no effect at all. The Chain also keeps
// the native value balances of every principal and component address.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/errs"
)

type Chain struct {
	mu  sync.Mutex // serialises operations
	bmu sync.RWMutex

	now      func() time.Time
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
}

func New() *Chain {
	return &Chain{
		now:      time.Now,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

// SetClock replaces the time source used for new operations.
func (c *Chain) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetTime pins the clock to the given unix timestamp.
func (c *Chain) SetTime(unix int64) {
	t := time.Unix(unix, 0).UTC()
	c.SetClock(func() time.Time { return t })
}

// Now reads the clock without locking; call it from Read when the clock may be
// replaced concurrently.
func (c *Chain) Now() time.Time {
	return c.now().UTC()
}

// Fund credits amount to addr outside of any operation (genesis allocation).
func (c *Chain) Fund(addr common.Address, amount *big.Int) {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	c.balances[addr] = new(big.Int).Add(c.balanceLocked(addr), amount)
}

// BalanceOf returns a copy of the native balance held by addr.
func (c *Chain) BalanceOf(addr common.Address) *big.Int {
	c.bmu.RLock()
	defer c.bmu.RUnlock()
	return new(big.Int).Set(c.balanceLocked(addr))
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

// NewAddress derives the next component address for deployer the same way a
// contract creation would.
func (c *Chain) NewAddress(deployer common.Address) common.Address {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	nonce := c.nonces[deployer]
	c.nonces[deployer] = nonce + 1
	return crypto.CreateAddress(deployer, nonce)
}

// Read runs fn while no operation is executing, giving it a consistent view
// of every component.
func (c *Chain) Read(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Execute runs fn as a single atomic operation. A non-nil error from fn
// reverts every journaled mutation and skips the commit hooks.
func (c *Chain) Execute(ctx context.Context, fn func(tx *Tx) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &Tx{ctx: ctx, chain: c, now: c.now().UTC()}
	defer func() {
		if r := recover(); r != nil {
			tx.revert()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.revert()
		return err
	}

	for _, hook := range tx.commits {
		if hookErr := hook(ctx); hookErr != nil {
			log.WithError(hookErr).Warn("commit hook failed")
		}
	}
	return nil
}

// Tx is the frame of one operation.
type Tx struct {
	ctx     context.Context
	chain   *Chain
	now     time.Time
	undo    []func()
	commits []func(context.Context) error
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Now is the block time of the operation; it does not move while the
// operation runs.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// OnRevert journals fn to be run if the operation fails.
func (tx *Tx) OnRevert(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// OnCommit registers fn to run once the operation has committed. Hook errors
// are logged; the operation itself is already final.
func (tx *Tx) OnCommit(fn func(ctx context.Context) error) {
	tx.commits = append(tx.commits, fn)
}

func (tx *Tx) BalanceOf(addr common.Address) *big.Int {
	return tx.chain.BalanceOf(addr)
}

// Transfer moves native value between two addresses. A zero amount is a no-op.
func (tx *Tx) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount %s", amount)
	}
	if from == to {
		return nil
	}

	c := tx.chain
	c.bmu.Lock()
	defer c.bmu.Unlock()

	fromBal := c.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", errs.ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	toBal := c.balanceLocked(to)

	c.balances[from] = new(big.Int).Sub(fromBal, amount)
	c.balances[to] = new(big.Int).Add(toBal, amount)

	tx.OnRevert(func() {
		c.bmu.Lock()
		defer c.bmu.Unlock()
		c.balances[from] = fromBal
		c.balances[to] = toBal
	})
	return nil
}

func (tx *Tx) revert() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.commits = nil
}

// Set assigns v to *p and journals the previous value.
func Set[T any](tx *Tx, p *T, v T) {
	old := *p
	*p = v
	tx.OnRevert(func() { *p = old })
}

// SetKey assigns m[k] = v and journals the previous entry.
func SetKey[K comparable, V any](tx *Tx, m map[K]V, k K, v V) {
	old, had := m[k]
	m[k] = v
	tx.OnRevert(func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

// DeleteKey removes m[k] and journals the previous entry.
func DeleteKey[K comparable, V any](tx *Tx, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	tx.OnRevert(func() { m[k] = old })
}
