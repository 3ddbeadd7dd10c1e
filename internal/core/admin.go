package core

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/liquidation"
)

// AdminKind names an admin entry point.
type AdminKind string

const (
	AdminDeposit               AdminKind = "deposit"
	AdminDepositInsuranceFund  AdminKind = "deposit_insurance_fund"
	AdminWithdrawInsuranceFund AdminKind = "withdraw_insurance_fund"
	AdminLiquidateCollateral   AdminKind = "liquidate_collateral"
	AdminClaimTradingFees      AdminKind = "claim_trading_fees"
	AdminClaimSequencerFees    AdminKind = "claim_sequencer_fees"
	AdminPause                 AdminKind = "pause"
	AdminUnpause               AdminKind = "unpause"
	AdminRegisterProduct       AdminKind = "register_product"
	AdminRegisterVault         AdminKind = "register_vault"
	AdminRegisterYieldAsset    AdminKind = "register_yield_asset"
	AdminSetTotalBalanceCap    AdminKind = "set_total_balance_cap"
)

// AdminCommand is the serialisable form of an admin call, as submitted over
// the API and stored in the WAL.
type AdminCommand struct {
	Kind         AdminKind            `json:"kind"`
	Caller       common.Address       `json:"caller"`
	Account      common.Address       `json:"account"`
	Token        common.Address       `json:"token"`
	Wrapper      common.Address       `json:"wrapper"`
	Recipient    common.Address       `json:"recipient"`
	Amount       sdkmath.Int          `json:"amount"`
	ProductIndex uint8                `json:"productIndex"`
	Symbol       string               `json:"symbol,omitempty"`
	Liquidations []liquidation.Record `json:"liquidations,omitempty"`
}

// ExecuteAdmin routes a command to its typed entry point.
func (x *Exchange) ExecuteAdmin(ctx context.Context, cmd AdminCommand) error {
	switch cmd.Kind {
	case AdminDeposit:
		return x.Deposit(cmd.Caller, cmd.Account, cmd.Token, cmd.Amount)
	case AdminDepositInsuranceFund:
		return x.DepositInsuranceFund(cmd.Caller, cmd.Amount)
	case AdminWithdrawInsuranceFund:
		return x.WithdrawInsuranceFund(cmd.Caller, cmd.Amount)
	case AdminLiquidateCollateral:
		_, err := x.LiquidateCollateralBatch(ctx, cmd.Caller, cmd.Liquidations)
		return err
	case AdminClaimTradingFees:
		_, err := x.ClaimTradingFees(cmd.Caller, cmd.Recipient)
		return err
	case AdminClaimSequencerFees:
		_, err := x.ClaimSequencerFees(cmd.Caller, cmd.Recipient)
		return err
	case AdminPause:
		return x.Pause(cmd.Caller)
	case AdminUnpause:
		return x.Unpause(cmd.Caller)
	case AdminRegisterProduct:
		return x.RegisterProduct(cmd.Caller, cmd.ProductIndex, cmd.Symbol)
	case AdminRegisterVault:
		return x.RegisterVault(cmd.Caller, cmd.Account)
	case AdminRegisterYieldAsset:
		vault, ok := x.vaults[cmd.Wrapper]
		if !ok {
			return errorsmod.Wrapf(clearing.ErrUnsupportedToken, "no vault configured for wrapper %s", cmd.Wrapper.Hex())
		}
		return x.RegisterYieldAsset(cmd.Caller, cmd.Token, cmd.Wrapper, vault)
	case AdminSetTotalBalanceCap:
		return x.SetTotalBalanceCap(cmd.Caller, cmd.Token, cmd.Amount)
	default:
		return errorsmod.Wrapf(ErrUnknownAdminCommand, "%q", cmd.Kind)
	}
}

// admin runs fn as its own commit unit: all of its mutations are reverted
// when it fails.
func (x *Exchange) admin(kind AdminKind, fn func() error) (err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	mark := x.journal.Mark()
	effects := x.effects.n
	x.events.SetTx(event.NoTx)
	defer func() {
		if r := recover(); r != nil {
			err = errorsmod.Wrapf(ErrInternal, "panic: %v", r)
			x.revertAdmin(kind, mark, effects, err)
		}
	}()

	if err := fn(); err != nil {
		x.revertAdmin(kind, mark, effects, err)
		return err
	}
	if err := x.finish(); err != nil {
		x.revertAdmin(kind, mark, effects, err)
		return err
	}
	if x.metrics != nil {
		x.metrics.AdminCalls.WithLabelValues(string(kind), "ok").Inc()
	}
	return nil
}

// revertAdmin undoes a failed admin call. Every entry point makes its
// external call the last step that can fail, so effects only move here on a
// panic or an invariant failure in finish.
func (x *Exchange) revertAdmin(kind AdminKind, mark journal.Mark, effects uint64, err error) {
	x.journal.RevertTo(mark)
	x.events.Drain()
	if x.metrics != nil {
		x.metrics.AdminCalls.WithLabelValues(string(kind), "error").Inc()
	}
	if x.effects.n != effects {
		x.logger.Error().Err(err).Str("command", string(kind)).
			Uint64("external_effects", x.effects.n-effects).
			Msg("admin call reverted after external effects")
		return
	}
	x.logger.Warn().Err(err).Str("command", string(kind)).Msg("admin call failed")
}

func (x *Exchange) requireNotPaused() error {
	if x.paused {
		return ErrPaused
	}
	return nil
}

// Deposit mirrors an external deposit into the ledger. The caller is the
// deposit relayer and needs the Clearing capability.
func (x *Exchange) Deposit(caller, account, token common.Address, amount sdkmath.Int) error {
	return x.admin(AdminDeposit, func() error {
		if err := x.requireNotPaused(); err != nil {
			return err
		}
		return x.clearing.Deposit(caller, account, token, amount)
	})
}

func (x *Exchange) DepositInsuranceFund(caller common.Address, amount sdkmath.Int) error {
	return x.admin(AdminDepositInsuranceFund, func() error {
		return x.clearing.DepositInsuranceFund(caller, amount)
	})
}

func (x *Exchange) WithdrawInsuranceFund(caller common.Address, amount sdkmath.Int) error {
	return x.admin(AdminWithdrawInsuranceFund, func() error {
		return x.clearing.WithdrawInsuranceFund(caller, amount)
	})
}

// LiquidateCollateralBatch runs the liquidation records. Per-record and
// per-execution failures are reported in the outcomes; only an authorization
// failure or cancellation fails the call.
func (x *Exchange) LiquidateCollateralBatch(ctx context.Context, caller common.Address, records []liquidation.Record) ([]liquidation.Outcome, error) {
	var outcomes []liquidation.Outcome
	err := x.admin(AdminLiquidateCollateral, func() error {
		if err := x.requireNotPaused(); err != nil {
			return err
		}
		var err error
		outcomes, err = x.liquidate.LiquidateCollateralBatch(ctx, caller, records)
		return err
	})
	if err != nil {
		return nil, err
	}
	if x.metrics != nil {
		for _, o := range outcomes {
			x.metrics.Liquidations.WithLabelValues(o.Status.String()).Inc()
		}
	}
	return outcomes, nil
}

func (x *Exchange) ClaimTradingFees(caller, recipient common.Address) (sdkmath.Int, error) {
	var amount sdkmath.Int
	err := x.admin(AdminClaimTradingFees, func() error {
		var err error
		amount, err = x.clearing.ClaimTradingFees(caller, recipient)
		return err
	})
	return amount, err
}

func (x *Exchange) ClaimSequencerFees(caller, recipient common.Address) (sdkmath.Int, error) {
	var amount sdkmath.Int
	err := x.admin(AdminClaimSequencerFees, func() error {
		var err error
		amount, err = x.clearing.ClaimSequencerFees(caller, recipient)
		return err
	})
	return amount, err
}

func (x *Exchange) Pause(caller common.Address) error {
	return x.admin(AdminPause, func() error { return x.setPaused(caller, true) })
}

func (x *Exchange) Unpause(caller common.Address) error {
	return x.admin(AdminUnpause, func() error { return x.setPaused(caller, false) })
}

func (x *Exchange) setPaused(caller common.Address, paused bool) error {
	if err := auth.Require(x.auth, caller, auth.CapAdmin); err != nil {
		return err
	}
	if x.paused == paused {
		return errorsmod.Wrapf(ErrPauseUnchanged, "already paused=%t", paused)
	}
	journal.Assign(x.journal, &x.paused, paused)
	x.events.Emit(&event.PauseChanged{Paused: paused, By: caller})
	x.logger.Info().Bool("paused", paused).Str("by", caller.Hex()).Msg("pause state changed")
	return nil
}

func (x *Exchange) RegisterProduct(caller common.Address, index uint8, symbol string) error {
	return x.admin(AdminRegisterProduct, func() error {
		return x.perp.RegisterProduct(caller, index, symbol)
	})
}

// RegisterVault declares a contract-controlled account whose signatures are
// validated by the account itself.
func (x *Exchange) RegisterVault(caller, account common.Address) error {
	return x.admin(AdminRegisterVault, func() error {
		if err := auth.Require(x.auth, caller, auth.CapAdmin); err != nil {
			return err
		}
		return x.registry.RegisterVault(account)
	})
}

func (x *Exchange) RegisterYieldAsset(caller, underlying, wrapper common.Address, vault clearing.Vault) error {
	return x.admin(AdminRegisterYieldAsset, func() error {
		if vault != nil {
			vault = trackedVault{Vault: vault, effects: x.effects}
		}
		return x.clearing.RegisterYieldAsset(caller, underlying, wrapper, vault)
	})
}

func (x *Exchange) SetTotalBalanceCap(caller, token common.Address, capUSD sdkmath.Int) error {
	return x.admin(AdminSetTotalBalanceCap, func() error {
		return x.book.SetTotalBalanceCap(caller, token, capUSD)
	})
}
