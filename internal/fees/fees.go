package fees

import (
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/models"
)

// Tier is one 30-day-volume fee tier. Tiers are kept in descending
// threshold order; lookup takes the first tier whose threshold the
// volume meets.
type Tier struct {
	VolumeUSD decimal.Decimal
	Maker     decimal.Decimal
	Taker     decimal.Decimal
}

// Calculator maps a 30-day volume to maker/taker rates and computes
// absolute fees for a notional.
type Calculator struct {
	tiers []Tier
}

// DefaultTiers anchors the top tier at maker 0.16% / taker 0.26%,
// stepping down to 0.10%/0.20% at $1M 30-day volume.
func DefaultTiers() []Tier {
	return []Tier{
		{VolumeUSD: decimal.NewFromInt(1000000), Maker: decimal.NewFromFloat(0.0010), Taker: decimal.NewFromFloat(0.0020)},
		{VolumeUSD: decimal.NewFromInt(500000), Maker: decimal.NewFromFloat(0.0012), Taker: decimal.NewFromFloat(0.0022)},
		{VolumeUSD: decimal.NewFromInt(100000), Maker: decimal.NewFromFloat(0.0014), Taker: decimal.NewFromFloat(0.0024)},
		{VolumeUSD: decimal.Zero, Maker: decimal.NewFromFloat(0.0016), Taker: decimal.NewFromFloat(0.0026)},
	}
}

// NewCalculator builds a calculator from a descending-threshold table.
// Passing nil uses the default tiers.
func NewCalculator(tiers []Tier) *Calculator {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	return &Calculator{tiers: tiers}
}

// Rate returns the maker/taker rates for the given 30-day volume.
func (c *Calculator) Rate(volume30d decimal.Decimal) models.FeeRate {
	for _, t := range c.tiers {
		if volume30d.GreaterThanOrEqual(t.VolumeUSD) {
			return models.FeeRate{Maker: t.Maker, Taker: t.Taker}
		}
	}
	// The base tier has a zero threshold, so this is only reachable
	// with a negative volume; treat it as the base tier.
	last := c.tiers[len(c.tiers)-1]
	return models.FeeRate{Maker: last.Maker, Taker: last.Taker}
}

// Fee returns the absolute fee for a notional. fee(0) == 0 and
// fee(n) <= n * maxTakerRate hold for every tier table.
func (c *Calculator) Fee(notional decimal.Decimal, isMaker bool, volume30d decimal.Decimal) decimal.Decimal {
	if notional.IsZero() {
		return decimal.Zero
	}
	rate := c.Rate(volume30d)
	if isMaker {
		return notional.Abs().Mul(rate.Maker)
	}
	return notional.Abs().Mul(rate.Taker)
}

// MaxTakerRate returns the highest taker rate in the table, the bound
// used by the fee contract.
func (c *Calculator) MaxTakerRate() decimal.Decimal {
	max := decimal.Zero
	for _, t := range c.tiers {
		if t.Taker.GreaterThan(max) {
			max = t.Taker
		}
	}
	return max
}
