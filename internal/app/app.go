// Package app assembles a running deployment: the execution substrate, the
// token, governance, oracle, escrow, every sale instance and the off-chain
// credit minter.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/escrow"
	"tokensale/internal/governance"
	"tokensale/internal/idempotency"
	"tokensale/internal/migration"
	"tokensale/internal/minter"
	"tokensale/internal/oracle"
	"tokensale/internal/sale"
	"tokensale/internal/token"
)

var ErrUnknownSale = errors.New("unknown sale")

type Options struct {
	Owners    []common.Address
	Threshold int
	// Supply is the total token supply in token units.
	Supply          *big.Int
	CapPercent      uint64
	TokenPriceCents uint64
	EndTime         time.Time
	Tiers           sale.Tiers
	Distributor     common.Address
	MinterOwner     common.Address

	// EthPriceCents, when set together with Bootstrap, is confirmed as the
	// initial oracle price.
	EthPriceCents uint64
	// Bootstrap has the first Threshold owners confirm the initial price,
	// point the sale at the minter and open it.
	Bootstrap bool

	Store  idempotency.Store
	Mirror *token.MirrorConfig
	Clock  func() time.Time
}

type Deployment struct {
	Chain      *chain.Chain
	Ledger     *token.Ledger
	Token      token.Token
	Governance *governance.Set
	Oracle     *oracle.PriceOracle
	Escrow     *escrow.Escrow
	Minter     *minter.Minter
	Store      idempotency.Store

	deployer    common.Address
	distributor common.Address
	base        sale.Params

	mu    sync.RWMutex
	sales map[common.Address]*sale.Sale
	order []common.Address
}

func New(ctx context.Context, opts Options) (*Deployment, error) {
	if len(opts.Owners) == 0 {
		return nil, errors.New("app: no owners")
	}
	if opts.Supply == nil || opts.Supply.Sign() <= 0 {
		return nil, errors.New("app: token supply required")
	}
	gov, err := governance.New(opts.Owners, opts.Threshold)
	if err != nil {
		return nil, err
	}

	c := chain.New()
	if opts.Clock != nil {
		c.SetClock(opts.Clock)
	}
	ledger := token.NewLedger(opts.Supply)
	var tok token.Token = ledger
	if opts.Mirror != nil {
		mirror, err := token.NewChainMirror(ctx, ledger, *opts.Mirror)
		if err != nil {
			return nil, fmt.Errorf("token mirror: %w", err)
		}
		tok = mirror
	}
	store := opts.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	d := &Deployment{
		Chain:       c,
		Ledger:      ledger,
		Token:       tok,
		Governance:  gov,
		Oracle:      oracle.New(gov),
		Store:       store,
		deployer:    opts.Owners[0],
		distributor: opts.Distributor,
		base: sale.Params{
			TokenPriceCents: opts.TokenPriceCents,
			EndTime:         opts.EndTime,
			Tiers:           opts.Tiers,
		},
		sales: make(map[common.Address]*sale.Sale),
	}
	if d.distributor == (common.Address{}) {
		d.distributor = d.deployer
	}

	first := d.base
	first.MaximumTokensSold = sale.HardCap(opts.Supply, opts.CapPercent)
	s, err := d.deploy(ctx, first)
	if err != nil {
		return nil, err
	}
	d.Escrow, err = escrow.New(c, c.NewAddress(d.deployer), gov, s.Address())
	if err != nil {
		return nil, err
	}

	minterOwner := opts.MinterOwner
	if minterOwner == (common.Address{}) {
		minterOwner = d.deployer
	}
	d.Minter, err = minter.New(c.NewAddress(d.deployer), minterOwner, liveTarget{d}, store)
	if err != nil {
		return nil, err
	}

	if opts.Bootstrap {
		if err := d.bootstrap(ctx, s, opts.EthPriceCents); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}
	log.WithFields(log.Fields{
		"sale":   s.Address().Hex(),
		"escrow": d.Escrow.Address().Hex(),
		"minter": d.Minter.Address().Hex(),
	}).Info("deployment ready")
	return d, nil
}

// deploy creates a sale instance and allows it to mint.
func (d *Deployment) deploy(ctx context.Context, params sale.Params) (*sale.Sale, error) {
	addr := d.Chain.NewAddress(d.deployer)
	s, err := sale.New(d.Chain, addr, d.Governance, d.Oracle, d.Token, params)
	if err != nil {
		return nil, err
	}
	if err := d.Chain.Execute(ctx, func(tx *chain.Tx) error {
		d.Ledger.AllowMinter(tx, addr, true)
		return nil
	}); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.sales[addr] = s
	d.order = append(d.order, addr)
	d.mu.Unlock()
	return s, nil
}

func (d *Deployment) bootstrap(ctx context.Context, s *sale.Sale, ethPriceCents uint64) error {
	signers := d.Governance.Owners()[:d.Governance.Threshold()]
	return d.Chain.Execute(ctx, func(tx *chain.Tx) error {
		for _, owner := range signers {
			if ethPriceCents > 0 {
				if _, err := d.Oracle.SetPrice(tx, owner, ethPriceCents); err != nil {
					return err
				}
			}
			if _, err := s.SetNonEtherController(tx, owner, d.Minter.Address()); err != nil {
				return err
			}
			if _, err := s.Init(tx, owner, d.Escrow, d.distributor); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sale looks up an instance by address.
func (d *Deployment) Sale(addr common.Address) (*sale.Sale, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sales[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSale, addr.Hex())
	}
	return s, nil
}

// Sales lists every instance in deployment order.
func (d *Deployment) Sales() []*sale.Sale {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*sale.Sale, 0, len(d.order))
	for _, addr := range d.order {
		out = append(out, d.sales[addr])
	}
	return out
}

// Live is the newest instance that has been initialised, or the first
// instance while none has. It reads sale state, so callers hold the chain
// lock through Chain.Read or Chain.Execute.
func (d *Deployment) Live() *sale.Sale {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := len(d.order) - 1; i >= 0; i-- {
		if s := d.sales[d.order[i]]; s.State() != sale.Init {
			return s
		}
	}
	return d.sales[d.order[0]]
}

// DeploySuccessor creates an instance that only the current live instance
// may migrate into.
func (d *Deployment) DeploySuccessor(ctx context.Context) (*sale.Sale, error) {
	params := d.base
	d.Chain.Read(func() {
		params.Predecessor = d.Live().Address()
	})
	s, err := d.deploy(ctx, params)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"sale":        s.Address().Hex(),
		"predecessor": params.Predecessor.Hex(),
	}).Info("successor deployed")
	return s, nil
}

// Migrate runs the whole hot-fix runbook from the live instance into target
// with the confirmations of signers, then hands the minter role over to the
// successor.
func (d *Deployment) Migrate(ctx context.Context, target *sale.Sale, signers []common.Address) (migration.Report, error) {
	var (
		source      *sale.Sale
		distributor common.Address
	)
	d.Chain.Read(func() {
		source = d.Live()
		distributor = source.TokenDistributor()
	})
	ctl, err := migration.New(d.Chain, source, target, d.Escrow, distributor, signers)
	if err != nil {
		return migration.Report{}, err
	}
	report, err := ctl.Run(ctx)
	if err != nil {
		return report, err
	}
	err = d.Chain.Execute(ctx, func(tx *chain.Tx) error {
		for _, signer := range signers {
			executed, err := target.SetNonEtherController(tx, signer, d.Minter.Address())
			if err != nil || executed {
				return err
			}
		}
		return migration.ErrNoQuorum
	})
	return report, err
}

// liveTarget routes minter credits to whichever instance is live.
type liveTarget struct {
	d *Deployment
}

func (t liveTarget) Address() common.Address {
	return t.d.Live().Address()
}

func (t liveTarget) Mint(tx *chain.Tx, caller common.Address, paymentID string, recipient common.Address, amount *big.Int) (sale.Purchase, error) {
	return t.d.Live().Mint(tx, caller, paymentID, recipient, amount)
}

// Close releases the idempotency store.
func (d *Deployment) Close() error {
	return d.Store.Close()
}
