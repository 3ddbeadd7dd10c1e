package state

import (
	"slices"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/journal"
	fpmath "PerpSettlement/internal/math"
)

// PerpBook manages positions, the per-product funding index and open interest.
// Funding is settled lazily whenever a position is touched.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type PerpBook struct {
	auth      auth.Provider
	journal   *journal.Journal
	events    *event.Buffer
	products  map[uint8]Product
	metrics   map[uint8]MarketMetrics
	positions map[PositionKey]Position
}

func NewPerpBook(p auth.Provider, j *journal.Journal, events *event.Buffer) *PerpBook {
	return &PerpBook{
		auth:      p,
		journal:   j,
		events:    events,
		products:  make(map[uint8]Product),
		metrics:   make(map[uint8]MarketMetrics),
		positions: make(map[PositionKey]Position),
	}
}

// RegisterProduct opens a market with a zero funding index.
func (b *PerpBook) RegisterProduct(caller common.Address, index uint8, symbol string) error {
	if err := auth.Require(b.auth, caller, auth.CapAdmin); err != nil {
		return err
	}
	if _, ok := b.products[index]; ok {
		return errorsmod.Wrapf(ErrProductExists, "product %d", index)
	}
	journal.Set(b.journal, b.products, index, Product{Index: index, Symbol: symbol})
	journal.Set(b.journal, b.metrics, index, MarketMetrics{
		CumulativeFundingRate: fpmath.Zero(),
		OpenInterest:          fpmath.Zero(),
	})
	return nil
}

func (b *PerpBook) IsRegistered(index uint8) bool {
	_, ok := b.products[index]
	return ok
}

// Products returns the registered products ordered by index.
func (b *PerpBook) Products() []Product {
	out := make([]Product, 0, len(b.products))
	for _, p := range b.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y Product) int { return int(x.Index) - int(y.Index) })
	return out
}

// GetOpenPosition returns the stored position, flat when none exists.
func (b *PerpBook) GetOpenPosition(index uint8, account common.Address) Position {
	pos, ok := b.positions[PositionKey{ProductIndex: index, Account: account}]
	if !ok {
		return flatPosition()
	}
	return pos
}

func (b *PerpBook) GetMarketMetrics(index uint8) (MarketMetrics, bool) {
	m, ok := b.metrics[index]
	return m, ok
}

// HasOpenPosition reports whether account holds a non-flat position in any product.
func (b *PerpBook) HasOpenPosition(account common.Address) bool {
	for index := range b.products {
		if _, ok := b.positions[PositionKey{ProductIndex: index, Account: account}]; ok {
			return true
		}
	}
	return false
}

// CumulateFundingRate moves the shared funding index. Positions pick the
// change up on their next settlement.
func (b *PerpBook) CumulateFundingRate(caller common.Address, index uint8, rateDelta sdkmath.Int) (sdkmath.Int, error) {
	if err := auth.Require(b.auth, caller, auth.CapPerpWriter); err != nil {
		return sdkmath.Int{}, err
	}
	m, ok := b.metrics[index]
	if !ok {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrUnknownProduct, "product %d", index)
	}
	if rateDelta.IsNil() {
		return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidAmount, "nil rate delta")
	}

	m.CumulativeFundingRate = m.CumulativeFundingRate.Add(rateDelta)
	journal.Set(b.journal, b.metrics, index, m)

	b.events.Emit(&event.FundingRateUpdated{
		ProductIndex:          index,
		RateDelta:             rateDelta,
		CumulativeFundingRate: m.CumulativeFundingRate,
	})
	return m.CumulativeFundingRate, nil
}

// SettlePositionPnl settles outstanding funding, applies the trade deltas and
// returns the realized PnL the caller must credit in the collateral token.
func (b *PerpBook) SettlePositionPnl(
	caller common.Address,
	index uint8,
	account common.Address,
	deltaBase, deltaQuote sdkmath.Int,
) (sdkmath.Int, error) {
	if err := auth.Require(b.auth, caller, auth.CapPerpWriter); err != nil {
		return sdkmath.Int{}, err
	}
	m, ok := b.metrics[index]
	if !ok {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrUnknownProduct, "product %d", index)
	}
	if deltaBase.IsNil() || deltaQuote.IsNil() {
		return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidAmount, "nil position delta")
	}

	key := PositionKey{ProductIndex: index, Account: account}
	pos := b.GetOpenPosition(index, account)
	oldBase := pos.BaseAmount

	// Step 1: lazy funding, charged to the quote balance before anything realizes
	fundingFee := fpmath.ComputeFundingPayment(m.CumulativeFundingRate, pos.LastFunding, oldBase)
	quote := pos.QuoteBalance.Sub(fundingFee)

	// Step 2: realize the closed portion
	r := fpmath.ComputeRealization(oldBase, quote, deltaBase, deltaQuote)
	realized := r.Realized

	newBase := oldBase.Add(deltaBase)
	newQuote := quote.Add(deltaQuote).Sub(realized)

	// Step 3: a flat position carries no quote; fold any residual into PnL
	if newBase.IsZero() && !newQuote.IsZero() {
		realized = realized.Add(newQuote)
		newQuote = fpmath.Zero()
	}

	// Step 4: open interest tracks the long side only
	m.OpenInterest = m.OpenInterest.
		Add(fpmath.PositivePart(newBase)).
		Sub(fpmath.PositivePart(oldBase))
	journal.Set(b.journal, b.metrics, index, m)

	next := Position{
		BaseAmount:   newBase,
		QuoteBalance: newQuote,
		LastFunding:  m.CumulativeFundingRate,
	}
	if next.IsFlat() {
		journal.Delete(b.journal, b.positions, key)
	} else {
		journal.Set(b.journal, b.positions, key, next)
	}

	b.events.Emit(&event.PositionUpdated{
		ProductIndex: index,
		Account:      account,
		BaseAmount:   newBase,
		QuoteBalance: newQuote,
		LastFunding:  m.CumulativeFundingRate,
		FundingPaid:  fundingFee,
		RealizedPnl:  realized,
		OpenInterest: m.OpenInterest,
	})
	return realized, nil
}

// ForEachPosition visits every open position in unspecified order.
func (b *PerpBook) ForEachPosition(fn func(key PositionKey, pos Position)) {
	for k, p := range b.positions {
		fn(k, p)
	}
}
