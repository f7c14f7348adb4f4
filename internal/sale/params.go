package sale

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Params configure one sale instance.
type Params struct {
	// TokenPriceCents is the price of one whole token in US cents.
	TokenPriceCents uint64
	// EndTime is the last second purchases are accepted.
	EndTime time.Time
	Tiers   Tiers
	// MaximumTokensSold is the hard cap of a first instance. A successor
	// receives its cap from the migration instead.
	MaximumTokensSold *big.Int
	// Predecessor is the only instance allowed to migrate into this one.
	Predecessor common.Address
}

// Defaults of the Boomstarter sale.
const (
	DefaultTokenPriceCents = 200
	DefaultCapPercent      = 75
)

// DefaultEndTime is the last second purchases are accepted.
var DefaultEndTime = time.Unix(1893445199, 0).UTC() // 2029-12-31 20:59:59 UTC

// DefaultTiers is the single 15% week starting 2018-10-07 21:00 UTC. Further
// tiers come from configuration.
func DefaultTiers() Tiers {
	return Tiers{
		{Start: time.Unix(1538946000, 0).UTC(), End: time.Unix(1539550799, 0).UTC(), Percent: 15},
	}
}

// HardCap is percent of supply, the cap of a first instance.
func HardCap(supply *big.Int, percent uint64) *big.Int {
	limit := new(big.Int).Mul(supply, new(big.Int).SetUint64(percent))
	return limit.Div(limit, big.NewInt(100))
}

func (p Params) validate() error {
	if p.TokenPriceCents == 0 {
		return fmt.Errorf("sale: token price must be positive")
	}
	if p.EndTime.IsZero() {
		return fmt.Errorf("sale: end time required")
	}
	if p.Predecessor == (common.Address{}) {
		if p.MaximumTokensSold == nil || p.MaximumTokensSold.Sign() <= 0 {
			return fmt.Errorf("sale: hard cap must be positive")
		}
	}
	if _, err := NewTiers(p.Tiers...); err != nil {
		return fmt.Errorf("sale: %w", err)
	}
	return nil
}
