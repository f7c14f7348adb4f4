// Package oracle holds the manually attested ETH price used to value payments.
package oracle

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
	"tokensale/internal/governance"
)

// PriceOracle stores US cents per 1 ETH. Updates need owner consensus.
type PriceOracle struct {
	gov     *governance.Set
	cents   uint64
	updated time.Time
}

func New(gov *governance.Set) *PriceOracle {
	return &PriceOracle{gov: gov}
}

// SetPrice confirms a new price on behalf of caller. It reports whether the
// price took effect in this call.
func (o *PriceOracle) SetPrice(tx *chain.Tx, caller common.Address, cents uint64) (bool, error) {
	if cents == 0 {
		return false, fmt.Errorf("%w: price must be positive", errs.ErrZeroAmount)
	}
	op, err := governance.NewOperation("setPrice", func() error {
		chain.Set(tx, &o.cents, cents)
		chain.Set(tx, &o.updated, tx.Now())
		log.WithField("cents", cents).Info("eth price updated")
		return nil
	}, cents)
	if err != nil {
		return false, err
	}
	return o.gov.Confirm(tx, caller, op)
}

// Price returns the last confirmed price in cents.
func (o *PriceOracle) Price() (uint64, error) {
	if o.cents == 0 {
		return 0, fmt.Errorf("%w: eth price never set", errs.ErrNotInitialized)
	}
	return o.cents, nil
}

// Updated is the block time of the last confirmed update.
func (o *PriceOracle) Updated() time.Time {
	return o.updated
}
