package matching

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
)

// Side represents trade direction
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Order is a signed maker or taker order, already matched upstream.
type Order struct {
	Sender        common.Address
	Size          sdkmath.Int
	Price         sdkmath.Int
	Nonce         uint64
	ProductIndex  uint8
	Side          Side
	Signature     []byte
	Signer        common.Address
	IsLiquidation bool
	Fee           sdkmath.Int // signed: negative is a maker rebate
}

var orderTypeHash = auth.TypeHash(
	"Order(address sender,uint128 size,uint128 price,uint64 nonce,uint8 productIndex,uint8 orderSide,address signer)",
)

// StructHash is the typed-data hash wallets sign. Fee and liquidation flag
// are assigned by the sequencer and not signed.
func (o Order) StructHash() common.Hash {
	return auth.HashStruct(orderTypeHash,
		auth.AddressWord(o.Sender),
		auth.UintWord(o.Size),
		auth.UintWord(o.Price),
		auth.Uint64Word(o.Nonce),
		auth.Uint64Word(uint64(o.ProductIndex)),
		auth.Uint64Word(uint64(o.Side)),
		auth.AddressWord(o.Signer),
	)
}

// Fees are the match-level charges decided by the sequencer.
type Fees struct {
	Referrer           common.Address
	ReferralRebate     sdkmath.Int
	LiquidationPenalty sdkmath.Int
}

// MatchRequest is one maker/taker fill.
type MatchRequest struct {
	Maker        Order
	Taker        Order
	ProductIndex uint8
	SequencerFee sdkmath.Int
	Fees         Fees
	Liquidation  bool
}

// Limits bound the fees the sequencer may charge.
type Limits struct {
	MaxTradingFeeRate         sdkmath.Int // fraction of notional, 18 decimals
	MaxSequencerFee           sdkmath.Int // absolute, collateral token
	MaxLiquidationPenaltyRate sdkmath.Int // fraction of notional, 18 decimals
}

// MatchResult is returned to the caller for logging and metrics.
type MatchResult struct {
	Notional         sdkmath.Int
	MakerRealizedPnl sdkmath.Int
	TakerRealizedPnl sdkmath.Int
	NetTradingFee    sdkmath.Int
}

type matchKey struct {
	maker      common.Address
	makerNonce uint64
	taker      common.Address
	takerNonce uint64
}
