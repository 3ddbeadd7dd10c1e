package math

import (
	sdkmath "cosmossdk.io/math"
)

// ComputeFundingPayment returns what a position owes for the funding index
// movement since its last settlement.
// Returns: payment amount (positive = position pays, negative = position receives)
func ComputeFundingPayment(cumulativeRate, lastFunding, baseAmount sdkmath.Int) sdkmath.Int {
	return MulX18(cumulativeRate.Sub(lastFunding), baseAmount)
}

// Realization is the outcome of applying a trade to an existing position.
type Realization struct {
	Closed   sdkmath.Int // base quantity closed, unsigned
	Realized sdkmath.Int // signed PnL leaving the position's quote balance
}

// ComputeRealization splits a trade (deltaBase, deltaQuote) against an
// existing position (base, quote). Only the closed quantity realizes:
//
//	realized = quote*closed/|base| + deltaQuote*closed/|deltaBase|
//
// which equals closed*(exit - avgEntry) with fees carried proportionally.
// A trade in the direction of the position realizes nothing.
func ComputeRealization(base, quote, deltaBase, deltaQuote sdkmath.Int) Realization {
	if base.IsZero() || deltaBase.IsZero() || SameSign(base, deltaBase) {
		return Realization{Closed: Zero(), Realized: Zero()}
	}

	absBase := base.Abs()
	absDelta := deltaBase.Abs()
	closed := sdkmath.MinInt(absBase, absDelta)

	// Exact close of the whole position: everything realizes, no rounding residual.
	if closed.Equal(absBase) && closed.Equal(absDelta) {
		return Realization{Closed: closed, Realized: quote.Add(deltaQuote)}
	}

	fromPosition := MulDiv(quote, closed, absBase)
	fromTrade := MulDiv(deltaQuote, closed, absDelta)
	return Realization{Closed: closed, Realized: fromPosition.Add(fromTrade)}
}
