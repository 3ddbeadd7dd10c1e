package state

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"PerpSettlement/internal/journal"
	fpmath "PerpSettlement/internal/math"
)

// InsuranceFund is the pooled collateral that absorbs liquidation fees and
// covers negative balances. It sits outside the spot balance set.
type InsuranceFund struct {
	balance sdkmath.Int
	journal *journal.Journal
}

func NewInsuranceFund(j *journal.Journal) *InsuranceFund {
	return &InsuranceFund{balance: fpmath.Zero(), journal: j}
}

func (f *InsuranceFund) Balance() sdkmath.Int {
	return f.balance
}

// CanCoverDeficit checks if the fund holds at least deficit.
func (f *InsuranceFund) CanCoverDeficit(deficit sdkmath.Int) bool {
	return f.balance.GTE(deficit)
}

func (f *InsuranceFund) Credit(amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return errorsmod.Wrap(ErrInvalidAmount, "insurance credit must be non-negative")
	}
	journal.Assign(f.journal, &f.balance, f.balance.Add(amount))
	return nil
}

func (f *InsuranceFund) Debit(amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return errorsmod.Wrap(ErrInvalidAmount, "insurance debit must be non-negative")
	}
	if !f.CanCoverDeficit(amount) {
		return errorsmod.Wrapf(ErrInsufficientFund, "fund %s < %s", f.balance, amount)
	}
	journal.Assign(f.journal, &f.balance, f.balance.Sub(amount))
	return nil
}

// FeeAccumulators hold trading and sequencer fees in the collateral token
// until they are claimed.
type FeeAccumulators struct {
	trading   sdkmath.Int
	sequencer sdkmath.Int
	journal   *journal.Journal
}

func NewFeeAccumulators(j *journal.Journal) *FeeAccumulators {
	return &FeeAccumulators{trading: fpmath.Zero(), sequencer: fpmath.Zero(), journal: j}
}

func (a *FeeAccumulators) Trading() sdkmath.Int   { return a.trading }
func (a *FeeAccumulators) Sequencer() sdkmath.Int { return a.sequencer }

// AddTrading may be negative: rebates reduce the accumulator.
func (a *FeeAccumulators) AddTrading(delta sdkmath.Int) {
	journal.Assign(a.journal, &a.trading, a.trading.Add(delta))
}

func (a *FeeAccumulators) AddSequencer(delta sdkmath.Int) {
	journal.Assign(a.journal, &a.sequencer, a.sequencer.Add(delta))
}

// TakeTrading zeroes the trading accumulator and returns what it held.
func (a *FeeAccumulators) TakeTrading() sdkmath.Int {
	v := a.trading
	journal.Assign(a.journal, &a.trading, fpmath.Zero())
	return v
}

func (a *FeeAccumulators) TakeSequencer() sdkmath.Int {
	v := a.sequencer
	journal.Assign(a.journal, &a.sequencer, fpmath.Zero())
	return v
}
