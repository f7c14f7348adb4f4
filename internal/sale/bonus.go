package sale

import (
	"fmt"
	"time"
)

// Tier grants Percent extra tokens to purchases made between Start and End,
// both inclusive.
type Tier struct {
	Start   time.Time
	End     time.Time
	Percent uint64
}

// Tiers is a time ordered, non-overlapping bonus schedule.
type Tiers []Tier

func NewTiers(tiers ...Tier) (Tiers, error) {
	for i, t := range tiers {
		if t.End.Before(t.Start) {
			return nil, fmt.Errorf("bonus tier %d ends before it starts", i)
		}
		if i > 0 && !t.Start.After(tiers[i-1].End) {
			return nil, fmt.Errorf("bonus tier %d overlaps or precedes tier %d", i, i-1)
		}
	}
	return append(Tiers(nil), tiers...), nil
}

// Lookup returns the bonus percent in force at t, zero outside every tier.
func (ts Tiers) Lookup(t time.Time) uint64 {
	for _, tier := range ts {
		if t.Before(tier.Start) {
			return 0
		}
		if !t.After(tier.End) {
			return tier.Percent
		}
	}
	return 0
}
