package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// FundingRateUpdated records a shared funding index move.
type FundingRateUpdated struct {
	ProductIndex          uint8       `json:"productIndex"`
	RateDelta             sdkmath.Int `json:"rateDelta"`
	CumulativeFundingRate sdkmath.Int `json:"cumulativeFundingRate"`
}

func (e *FundingRateUpdated) EventType() EventType { return EventTypeFundingRateUpdated }
func (e *FundingRateUpdated) PartitionKey() string { return "product" }

// PositionUpdated is raised on every position settlement.
type PositionUpdated struct {
	ProductIndex uint8          `json:"productIndex"`
	Account      common.Address `json:"account"`
	BaseAmount   sdkmath.Int    `json:"baseAmount"`
	QuoteBalance sdkmath.Int    `json:"quoteBalance"`
	LastFunding  sdkmath.Int    `json:"lastFunding"`
	FundingPaid  sdkmath.Int    `json:"fundingPaid"`
	RealizedPnl  sdkmath.Int    `json:"realizedPnl"`
	OpenInterest sdkmath.Int    `json:"openInterest"`
}

func (e *PositionUpdated) EventType() EventType { return EventTypePositionUpdated }
func (e *PositionUpdated) PartitionKey() string { return e.Account.Hex() }
