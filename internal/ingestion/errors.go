package ingestion

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "codec"

var (
	ErrTruncated        = errorsmod.Register(Codespace, 2, "record truncated")
	ErrTrailingBytes    = errorsmod.Register(Codespace, 3, "trailing bytes after payload")
	ErrOverflow         = errorsmod.Register(Codespace, 4, "value does not fit wire width")
	ErrUnknownOperation = errorsmod.Register(Codespace, 5, "unknown operation type")
	ErrInvalidValue     = errorsmod.Register(Codespace, 6, "invalid enum or bool value")
)
