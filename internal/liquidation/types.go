package liquidation

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/event"
)

// SwapRouter sells amountIn of assetIn for at least minAmountOut of assetOut.
type SwapRouter interface {
	Swap(assetIn, assetOut common.Address, amountIn, minAmountOut sdkmath.Int) (sdkmath.Int, error)
}

// Execution sells the account's whole balance of Asset.
type Execution struct {
	Asset        common.Address
	MinAmountOut sdkmath.Int
}

// Record is one account to liquidate.
type Record struct {
	Account    common.Address
	FeePips    uint64
	Nonce      uint64
	Executions []Execution
}

// Outcome is the per-record result. Err aggregates every failed execution
// or carries the record-level rejection.
type Outcome struct {
	Account     common.Address
	Nonce       uint64
	Status      event.Status
	Executed    int
	Failed      int
	NetProceeds sdkmath.Int
	Fees        sdkmath.Int
	Err         error
}
