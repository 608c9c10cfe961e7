// Package pricing computes request cost from token usage and maintains the
// in-process cache of the latest per-model price.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/relaygate/relaygate/internal/store"
)

// CostScale is the number of fractional digits kept in every computed cost.
const CostScale = 15

// Missing cache prices fall back to ratios of the base token costs.
var (
	cacheCreateFactor = decimal.NewFromFloat(1.1)
	cacheReadFactor   = decimal.NewFromFloat(0.1)
)

// Calculate returns the USD cost of a usage record under the given price and
// provider multiplier. All arithmetic is done in arbitrary-precision decimal;
// the result is rounded half-up to CostScale fractional digits. The function
// is pure: identical inputs always produce an identical decimal.
func Calculate(u store.Usage, price store.PriceData, multiplier float64) decimal.Decimal {
	inputCost := decimal.NewFromFloat(price.InputCostPerToken)
	outputCost := decimal.NewFromFloat(price.OutputCostPerToken)

	cacheCreateCost := inputCost.Mul(cacheCreateFactor)
	if price.CacheCreateCostPerToken != nil {
		cacheCreateCost = decimal.NewFromFloat(*price.CacheCreateCostPerToken)
	}
	cacheReadCost := outputCost.Mul(cacheReadFactor)
	if price.CacheReadCostPerToken != nil {
		cacheReadCost = decimal.NewFromFloat(*price.CacheReadCostPerToken)
	}

	total := inputCost.Mul(decimal.NewFromInt(u.InputTokens)).
		Add(outputCost.Mul(decimal.NewFromInt(u.OutputTokens))).
		Add(cacheCreateCost.Mul(decimal.NewFromInt(u.CacheCreateTokens))).
		Add(cacheReadCost.Mul(decimal.NewFromInt(u.CacheReadTokens))).
		Mul(decimal.NewFromFloat(multiplier))

	return total.Round(CostScale)
}

// CalculateString is Calculate formatted with exactly CostScale fractional
// digits, the representation persisted in usage records.
func CalculateString(u store.Usage, price store.PriceData, multiplier float64) string {
	return Calculate(u, price, multiplier).StringFixed(CostScale)
}

// Zero is the persisted cost string for requests with no priced usage.
func Zero() string {
	return decimal.Zero.StringFixed(CostScale)
}
