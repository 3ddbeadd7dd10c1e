package clearing

import (
	errorsmod "cosmossdk.io/errors"

	"PerpSettlement/internal/state"
)

const Codespace = "clearing"

var (
	ErrZeroAmount        = errorsmod.Register(Codespace, 2, "amount must be positive")
	ErrUnsupportedToken  = errorsmod.Register(Codespace, 3, "unsupported token")
	ErrNoLossToCover     = errorsmod.Register(Codespace, 4, "no loss to cover")
	ErrUnknownYieldAsset = errorsmod.Register(Codespace, 5, "unknown yield asset")
	ErrYieldAssetExists  = errorsmod.Register(Codespace, 6, "yield asset already registered")
	ErrNothingToClaim    = errorsmod.Register(Codespace, 7, "nothing to claim")
	ErrInvalidWithdraw   = errorsmod.Register(Codespace, 8, "invalid withdraw")

	// ErrInsufficientFund is raised when the insurance fund cannot cover a request.
	ErrInsufficientFund = state.ErrInsufficientFund
)
