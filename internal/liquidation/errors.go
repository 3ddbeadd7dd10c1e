package liquidation

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "liquidation"

var (
	ErrEmptyExecutions = errorsmod.Register(Codespace, 2, "liquidation has no executions")
	ErrFeeTooHigh      = errorsmod.Register(Codespace, 3, "liquidation fee exceeds cap")
	ErrAssetNotAllowed = errorsmod.Register(Codespace, 4, "asset not whitelisted for liquidation")
	ErrNothingToSell   = errorsmod.Register(Codespace, 5, "no positive balance to liquidate")
	ErrSwapFailed      = errorsmod.Register(Codespace, 6, "swap failed")
	ErrNoneExecuted    = errorsmod.Register(Codespace, 7, "no execution succeeded")
	ErrSettlementAsset = errorsmod.Register(Codespace, 8, "cannot liquidate the settlement token")
)
