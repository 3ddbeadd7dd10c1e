package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// OrderMatched carries the settled trade with its full fee breakdown.
type OrderMatched struct {
	ProductIndex       uint8          `json:"productIndex"`
	Maker              common.Address `json:"maker"`
	Taker              common.Address `json:"taker"`
	MakerNonce         uint64         `json:"makerNonce"`
	TakerNonce         uint64         `json:"takerNonce"`
	TakerIsBuyer       bool           `json:"takerIsBuyer"`
	Size               sdkmath.Int    `json:"size"`
	Price              sdkmath.Int    `json:"price"`
	Notional           sdkmath.Int    `json:"notional"`
	MakerFee           sdkmath.Int    `json:"makerFee"`
	TakerFee           sdkmath.Int    `json:"takerFee"`
	SequencerFee       sdkmath.Int    `json:"sequencerFee"`
	Referrer           common.Address `json:"referrer"`
	ReferralRebate     sdkmath.Int    `json:"referralRebate"`
	LiquidationPenalty sdkmath.Int    `json:"liquidationPenalty"`
	MakerRealizedPnl   sdkmath.Int    `json:"makerRealizedPnl"`
	TakerRealizedPnl   sdkmath.Int    `json:"takerRealizedPnl"`
	IsLiquidation      bool           `json:"isLiquidation"`
}

func (e *OrderMatched) EventType() EventType { return EventTypeOrderMatched }
func (e *OrderMatched) PartitionKey() string { return e.Taker.Hex() }
