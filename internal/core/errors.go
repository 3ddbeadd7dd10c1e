package core

import (
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/ingestion"
)

const Codespace = "core"

var (
	ErrPaused                 = errorsmod.Register(Codespace, 2, "processing is paused")
	ErrMalformedRecord        = errorsmod.Register(Codespace, 3, "malformed operation record")
	ErrTxIDMismatch           = errorsmod.Register(Codespace, 4, "transaction id out of sequence")
	ErrInternal               = errorsmod.Register(Codespace, 5, "internal error")
	ErrFeeTooHigh             = errorsmod.Register(Codespace, 6, "fee exceeds limit")
	ErrInvalidAmount          = errorsmod.Register(Codespace, 7, "invalid amount")
	ErrCrossFamilyTransfer    = errorsmod.Register(Codespace, 8, "transfer outside the account family")
	ErrFastSettlementDisabled = errorsmod.Register(Codespace, 9, "fast settlement account not configured")
	ErrOpenPositions          = errorsmod.Register(Codespace, 10, "account has open positions")
	ErrNegativeBalance        = errorsmod.Register(Codespace, 11, "account has a negative balance")
	ErrUnknownAdminCommand    = errorsmod.Register(Codespace, 12, "unknown admin command")
	ErrTxCounterExhausted     = errorsmod.Register(Codespace, 13, "transaction counter exhausted")
	ErrSelfTransfer           = errorsmod.Register(Codespace, 14, "source and destination are the same account")
	ErrPauseUnchanged         = errorsmod.Register(Codespace, 15, "pause state unchanged")

	// ErrUnknownOperation is raised for an unassigned opType tag.
	ErrUnknownOperation = ingestion.ErrUnknownOperation
)

// fatalError marks an error that aborts the whole batch.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as batch-aborting.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

var fatalKinds = []error{
	ErrPaused,
	ErrMalformedRecord,
	ErrTxIDMismatch,
	ErrInternal,
	ErrUnknownOperation,
	ErrTxCounterExhausted,
	auth.ErrUnauthorized,
}

// IsFatal reports whether err aborts the batch rather than failing one record.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var f *fatalError
	if errors.As(err, &f) {
		return true
	}
	for _, kind := range fatalKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// PartialCommitError reports a batch that hit a fatal error after records
// with external effects. The first Committed records are applied and
// committed; the rest were reverted and the counter points at the first of
// them.
type PartialCommitError struct {
	Committed int
	Err       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("batch committed through record %d: %v", e.Committed-1, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// ErrorCode extracts the registered codespace and code, or ("", 0) for an
// unregistered error.
func ErrorCode(err error) (string, uint32) {
	var reg *errorsmod.Error
	if errors.As(err, &reg) {
		return reg.Codespace(), reg.ABCICode()
	}
	return "", 0
}
