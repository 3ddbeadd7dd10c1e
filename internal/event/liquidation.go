package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// CollateralLiquidated is raised per successful swap execution.
type CollateralLiquidated struct {
	Account      common.Address `json:"account"`
	Nonce        uint64         `json:"nonce"`
	Asset        common.Address `json:"asset"`
	AmountIn     sdkmath.Int    `json:"amountIn"`
	Proceeds     sdkmath.Int    `json:"proceeds"`
	Fee          sdkmath.Int    `json:"fee"`
	NetProceeds  sdkmath.Int    `json:"netProceeds"`
	SettledToken common.Address `json:"settledToken"`
}

func (e *CollateralLiquidated) EventType() EventType { return EventTypeCollateralLiquidated }
func (e *CollateralLiquidated) PartitionKey() string { return e.Account.Hex() }

// LiquidationProcessed summarises one liquidation record.
type LiquidationProcessed struct {
	Account  common.Address `json:"account"`
	Nonce    uint64         `json:"nonce"`
	Status   Status         `json:"status"`
	Executed int            `json:"executed"`
	Failed   int            `json:"failed"`
	Reason   string         `json:"reason,omitempty"`
}

func (e *LiquidationProcessed) EventType() EventType { return EventTypeLiquidationProcessed }
func (e *LiquidationProcessed) PartitionKey() string { return e.Account.Hex() }
