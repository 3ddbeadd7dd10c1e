package ledger

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "ledger"

var (
	ErrInvalidDelta          = errorsmod.Register(Codespace, 2, "invalid balance delta")
	ErrTotalBalanceCap       = errorsmod.Register(Codespace, 3, "total balance cap exceeded")
	ErrTotalBalanceUnderflow = errorsmod.Register(Codespace, 4, "total balance would become negative")
	ErrPriceUnavailable      = errorsmod.Register(Codespace, 5, "token price unavailable")
	ErrAccountExists         = errorsmod.Register(Codespace, 6, "account already exists")
	ErrAccountNotFound       = errorsmod.Register(Codespace, 7, "account not found")
	ErrAccountDeleted        = errorsmod.Register(Codespace, 8, "account is deleted")
	ErrNotMainAccount        = errorsmod.Register(Codespace, 9, "account is not a main account")
	ErrNotSubaccount         = errorsmod.Register(Codespace, 10, "account is not a subaccount")
	ErrNotOwner              = errorsmod.Register(Codespace, 11, "subaccount not owned by main account")
	ErrSignerExists          = errorsmod.Register(Codespace, 12, "signer already registered")
	ErrInsufficientBalance   = errorsmod.Register(Codespace, 13, "insufficient balance")
	ErrVaultAccount          = errorsmod.Register(Codespace, 14, "operation not allowed for vault accounts")
	ErrInvariantViolation    = errorsmod.Register(Codespace, 15, "ledger invariant violated")
)
