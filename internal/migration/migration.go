// Package migration drives the hot-fix of a live sale into a successor
// instance as an ordered runbook, then checks nothing was lost on the way.
package migration

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/escrow"
	"tokensale/internal/sale"
)

var (
	ErrOutOfOrder   = errors.New("migration step out of order")
	ErrNoQuorum     = errors.New("signers did not reach the threshold")
	ErrConservation = errors.New("migration did not conserve state")
)

type Step int

const (
	PauseSource Step = iota
	RepointEscrow
	ApplyHotFix
	InitSuccessor
	Done
)

func (s Step) String() string {
	switch s {
	case PauseSource:
		return "pause-source"
	case RepointEscrow:
		return "repoint-escrow"
	case ApplyHotFix:
		return "apply-hotfix"
	case InitSuccessor:
		return "init-successor"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Controller moves source into target using the confirmations of signers.
// Every step is one chain operation in which each signer confirms in turn.
type Controller struct {
	chain       *chain.Chain
	source      *sale.Sale
	target      *sale.Sale
	escrow      *escrow.Escrow
	distributor common.Address
	signers     []common.Address

	next   Step
	before *snapshot
}

type snapshot struct {
	sourceBalance    *big.Int
	targetBalance    *big.Int
	sourceAllocation *big.Int
	sourceSold       *big.Int
}

func New(c *chain.Chain, source, target *sale.Sale, e *escrow.Escrow, distributor common.Address, signers []common.Address) (*Controller, error) {
	if source == nil || target == nil || e == nil {
		return nil, errors.New("migration: source, target and escrow required")
	}
	if len(signers) == 0 {
		return nil, errors.New("migration: no signers")
	}
	if distributor == (common.Address{}) {
		c.Read(func() {
			distributor = source.TokenDistributor()
		})
	}
	return &Controller{
		chain:       c,
		source:      source,
		target:      target,
		escrow:      e,
		distributor: distributor,
		signers:     append([]common.Address(nil), signers...),
	}, nil
}

// Next is the step the controller will run next.
func (c *Controller) Next() Step {
	return c.next
}

func (c *Controller) expect(step Step) error {
	if c.next != step {
		return fmt.Errorf("%w: %s attempted, next is %s", ErrOutOfOrder, step, c.next)
	}
	return nil
}

// confirm has every signer confirm op within one chain operation and fails
// unless one of them executed it.
func (c *Controller) confirm(ctx context.Context, step Step, op func(tx *chain.Tx, caller common.Address) (bool, error)) error {
	err := c.chain.Execute(ctx, func(tx *chain.Tx) error {
		for _, signer := range c.signers {
			executed, err := op(tx, signer)
			if err != nil {
				return err
			}
			if executed {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNoQuorum, step)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	log.WithFields(log.Fields{
		"step":   step,
		"source": c.source.Address().Hex(),
		"target": c.target.Address().Hex(),
	}).Info("migration step done")
	c.next = step + 1
	return nil
}

func (c *Controller) Pause(ctx context.Context) error {
	if err := c.expect(PauseSource); err != nil {
		return err
	}
	return c.confirm(ctx, PauseSource, c.source.Pause)
}

func (c *Controller) RepointEscrow(ctx context.Context) error {
	if err := c.expect(RepointEscrow); err != nil {
		return err
	}
	return c.confirm(ctx, RepointEscrow, func(tx *chain.Tx, caller common.Address) (bool, error) {
		return c.escrow.SetController(tx, caller, c.target.Address())
	})
}

func (c *Controller) ApplyHotFix(ctx context.Context) error {
	if err := c.expect(ApplyHotFix); err != nil {
		return err
	}
	var before snapshot
	c.chain.Read(func() {
		before = snapshot{
			sourceBalance:    c.source.Balance(),
			targetBalance:    c.target.Balance(),
			sourceAllocation: c.source.Remaining(),
			sourceSold:       c.source.CurrentTokensSold(),
		}
	})
	if err := c.confirm(ctx, ApplyHotFix, func(tx *chain.Tx, caller common.Address) (bool, error) {
		return c.source.ApplyHotFix(tx, caller, c.target)
	}); err != nil {
		return err
	}
	c.before = &before
	return nil
}

func (c *Controller) InitSuccessor(ctx context.Context) error {
	if err := c.expect(InitSuccessor); err != nil {
		return err
	}
	return c.confirm(ctx, InitSuccessor, func(tx *chain.Tx, caller common.Address) (bool, error) {
		return c.target.Init(tx, caller, c.escrow, c.distributor)
	})
}

// Run executes the remaining steps in order and returns the conservation
// report once the successor is live.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	steps := []func(context.Context) error{c.Pause, c.RepointEscrow, c.ApplyHotFix, c.InitSuccessor}
	for c.next < Done {
		if err := steps[c.next](ctx); err != nil {
			return Report{}, err
		}
	}
	report, err := c.Report()
	if err != nil {
		return report, err
	}
	return report, report.Verify()
}

// Report compares the balances and allocation before and after the hot-fix.
type Report struct {
	Source common.Address
	Target common.Address

	BalanceBefore    *big.Int
	SourceBalance    *big.Int
	TargetBalance    *big.Int
	AllocationBefore *big.Int
	TargetAllocation *big.Int
	SourceSold       *big.Int
	SourceMaximum    *big.Int
}

func (c *Controller) Report() (Report, error) {
	if c.next != Done || c.before == nil {
		return Report{}, fmt.Errorf("%w: report needs a finished migration, next is %s", ErrOutOfOrder, c.next)
	}
	r := Report{
		Source:           c.source.Address(),
		Target:           c.target.Address(),
		BalanceBefore:    new(big.Int).Add(c.before.sourceBalance, c.before.targetBalance),
		AllocationBefore: new(big.Int).Set(c.before.sourceAllocation),
		SourceSold:       new(big.Int).Set(c.before.sourceSold),
	}
	c.chain.Read(func() {
		r.SourceBalance = c.source.Balance()
		r.TargetBalance = c.target.Balance()
		r.TargetAllocation = c.target.Remaining()
		r.SourceMaximum = c.source.MaximumTokensSold()
	})
	return r, nil
}

// Verify checks the conservation properties of a finished migration.
func (r Report) Verify() error {
	var problems []error
	total := new(big.Int).Add(r.SourceBalance, r.TargetBalance)
	if total.Cmp(r.BalanceBefore) != 0 {
		problems = append(problems, fmt.Errorf("balances sum to %s, was %s", total, r.BalanceBefore))
	}
	if r.SourceBalance.Sign() != 0 {
		problems = append(problems, fmt.Errorf("source still holds %s", r.SourceBalance))
	}
	if r.TargetAllocation.Cmp(r.AllocationBefore) != 0 {
		problems = append(problems, fmt.Errorf("successor allocation %s, source had %s", r.TargetAllocation, r.AllocationBefore))
	}
	if r.SourceMaximum.Cmp(r.SourceSold) != 0 {
		problems = append(problems, fmt.Errorf("source cap %s not closed at %s sold", r.SourceMaximum, r.SourceSold))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConservation, errors.Join(problems...))
}
