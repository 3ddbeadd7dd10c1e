package state

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "state"

var (
	ErrNonceUsed        = errorsmod.Register(Codespace, 2, "nonce already used")
	ErrUnknownProduct   = errorsmod.Register(Codespace, 3, "unknown product")
	ErrProductExists    = errorsmod.Register(Codespace, 4, "product already registered")
	ErrInsufficientFund = errorsmod.Register(Codespace, 5, "insurance fund insufficient")
	ErrInvalidAmount    = errorsmod.Register(Codespace, 6, "invalid amount")
)
