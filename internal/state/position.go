package state

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpSettlement/internal/math"
)

// Position is an account's exposure in one perpetual product.
// BaseAmount > 0 is long, < 0 short. QuoteBalance carries the open cost basis
// (entry notional plus folded fees and unrealized funding), signed.
type Position struct {
	BaseAmount   sdkmath.Int
	QuoteBalance sdkmath.Int
	LastFunding  sdkmath.Int // cumulative funding rate at last settlement
}

func flatPosition() Position {
	return Position{BaseAmount: fpmath.Zero(), QuoteBalance: fpmath.Zero(), LastFunding: fpmath.Zero()}
}

func (p Position) IsFlat() bool {
	return p.BaseAmount.IsZero() && p.QuoteBalance.IsZero()
}

// AverageEntryPrice returns |quote| / |base| in 18-decimal fixed point, zero when flat.
func (p Position) AverageEntryPrice() sdkmath.Int {
	if p.BaseAmount.IsZero() {
		return fpmath.Zero()
	}
	return fpmath.DivX18(p.QuoteBalance.Abs(), p.BaseAmount.Abs())
}

// MarketMetrics is the shared state of a product.
type MarketMetrics struct {
	CumulativeFundingRate sdkmath.Int
	OpenInterest          sdkmath.Int // long side only
}

// Product is a registered perpetual market.
type Product struct {
	Index  uint8
	Symbol string
}

type PositionKey struct {
	ProductIndex uint8
	Account      common.Address
}
