package auth

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "auth"

var (
	ErrUnauthorized     = errorsmod.Register(Codespace, 2, "caller lacks capability")
	ErrInvalidSignature = errorsmod.Register(Codespace, 3, "invalid signature")
)
