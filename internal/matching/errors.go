package matching

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "matching"

var (
	ErrSameAccount        = errorsmod.Register(Codespace, 2, "maker and taker are the same account")
	ErrSideMismatch       = errorsmod.Register(Codespace, 3, "orders are not on opposite sides")
	ErrProductMismatch    = errorsmod.Register(Codespace, 4, "orders are for different products")
	ErrSizeMismatch       = errorsmod.Register(Codespace, 5, "order sizes differ or are zero")
	ErrPriceNotCrossing   = errorsmod.Register(Codespace, 6, "order prices do not cross")
	ErrAccountInactive    = errorsmod.Register(Codespace, 7, "account is not active")
	ErrBadSignature       = errorsmod.Register(Codespace, 8, "order signature invalid")
	ErrFeeTooHigh         = errorsmod.Register(Codespace, 9, "fee exceeds limit")
	ErrInvalidRebate      = errorsmod.Register(Codespace, 10, "invalid referral rebate")
	ErrInvalidLiquidation = errorsmod.Register(Codespace, 11, "invalid liquidation match")
	ErrAlreadyMatched     = errorsmod.Register(Codespace, 12, "orders already matched")
	ErrInvalidOrder       = errorsmod.Register(Codespace, 13, "malformed order")
)
