package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// InsuranceFundUpdated is raised on admin deposits and withdrawals.
type InsuranceFundUpdated struct {
	Delta   sdkmath.Int    `json:"delta"`
	Balance sdkmath.Int    `json:"balance"`
	Admin   common.Address `json:"admin"`
}

func (e *InsuranceFundUpdated) EventType() EventType { return EventTypeInsuranceFundUpdated }
func (e *InsuranceFundUpdated) PartitionKey() string { return "insurance" }

type LiquidationFeeCollected struct {
	Account     common.Address `json:"account"`
	Nonce       uint64         `json:"nonce"`
	Amount      sdkmath.Int    `json:"amount"`
	FundBalance sdkmath.Int    `json:"fundBalance"`
}

func (e *LiquidationFeeCollected) EventType() EventType { return EventTypeLiquidationFeeCollected }
func (e *LiquidationFeeCollected) PartitionKey() string { return e.Account.Hex() }

type LossCovered struct {
	Account     common.Address `json:"account"`
	Token       common.Address `json:"token"`
	Amount      sdkmath.Int    `json:"amount"`
	FundBalance sdkmath.Int    `json:"fundBalance"`
}

func (e *LossCovered) EventType() EventType { return EventTypeLossCovered }
func (e *LossCovered) PartitionKey() string { return e.Account.Hex() }

// YieldSwapped records a conversion between an underlying and its vault share.
type YieldSwapped struct {
	Account           common.Address `json:"account"`
	From              common.Address `json:"from"`
	To                common.Address `json:"to"`
	AmountIn          sdkmath.Int    `json:"amountIn"`
	AmountOut         sdkmath.Int    `json:"amountOut"`
	AverageSharePrice sdkmath.Int    `json:"averageSharePrice"`
	Automatic         bool           `json:"automatic"`
}

func (e *YieldSwapped) EventType() EventType { return EventTypeYieldSwapped }
func (e *YieldSwapped) PartitionKey() string { return e.Account.Hex() }
