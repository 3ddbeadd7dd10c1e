package core

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/ledger"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
)

// handleMatchOrders settles a fill. Any matching failure aborts the batch.
func (x *Exchange) handleMatchOrders(caller common.Address, o *ingestion.MatchOrdersOp) error {
	res, err := x.matching.MatchOrders(caller, o.Request)
	if err != nil {
		return Fatal(err)
	}
	x.logger.Debug().
		Uint8("product", o.Request.ProductIndex).
		Str("maker", o.Request.Maker.Sender.Hex()).
		Str("taker", o.Request.Taker.Sender.Hex()).
		Str("notional", fpmath.FormatDecimal(res.Notional)).
		Bool("liquidation", o.Request.Liquidation).
		Msg("orders matched")
	return nil
}

func (x *Exchange) handleWithdraw(o *ingestion.WithdrawOp) error {
	if err := x.nonces.Check(state.NamespaceWithdraw, o.Sender, o.Nonce); err != nil {
		return err
	}
	if err := x.requireActive(o.Sender); err != nil {
		return err
	}
	if !x.clearing.IsSupported(o.Token) {
		return errorsmod.Wrapf(clearing.ErrUnsupportedToken, "%s", o.Token.Hex())
	}
	if err := x.verifyAccountSignature(o.Sender, o.StructHash(), o.Signature); err != nil {
		return err
	}
	fee := fpmath.OrZero(o.Fee)
	if fee.GT(x.cfg.MaxWithdrawFee) {
		return errorsmod.Wrapf(ErrFeeTooHigh, "withdraw fee %s > max %s", fee, x.cfg.MaxWithdrawFee)
	}
	if !o.Amount.GT(fee) {
		return errorsmod.Wrapf(ErrInvalidAmount, "amount %s must exceed fee %s", o.Amount, fee)
	}
	if err := x.nonces.Use(state.NamespaceWithdraw, o.Sender, o.Nonce); err != nil {
		return err
	}
	return x.clearing.Withdraw(auth.ExchangeIdentity, o.Sender, o.Token, o.Amount, fee, o.Nonce)
}

func (x *Exchange) handleTransfer(o *ingestion.TransferOp) error {
	if err := x.nonces.Check(state.NamespaceTransfer, o.From, o.Nonce); err != nil {
		return err
	}
	if o.From == o.To {
		return errorsmod.Wrapf(ErrSelfTransfer, "%s", o.From.Hex())
	}
	for _, addr := range []common.Address{o.From, o.To} {
		if err := x.requireTransferable(addr); err != nil {
			return err
		}
	}
	if !x.registry.SameFamily(o.From, o.To) {
		return errorsmod.Wrapf(ErrCrossFamilyTransfer, "%s -> %s", o.From.Hex(), o.To.Hex())
	}
	if err := x.verifyAccountSignature(o.From, o.StructHash(), o.Signature); err != nil {
		return err
	}
	return x.move(o.From, o.To, o.Token, o.Amount, o.Nonce, false)
}

func (x *Exchange) handleFastSettlement(o *ingestion.FastSettlementOp) error {
	target := x.cfg.FastSettlementAccount
	if target == (common.Address{}) {
		return ErrFastSettlementDisabled
	}
	if err := x.nonces.Check(state.NamespaceTransfer, o.Account, o.Nonce); err != nil {
		return err
	}
	if o.Account == target {
		return errorsmod.Wrapf(ErrSelfTransfer, "%s", o.Account.Hex())
	}
	if err := x.requireTransferable(o.Account); err != nil {
		return err
	}
	if err := x.verifyAccountSignature(o.Account, o.StructHash(), o.Signature); err != nil {
		return err
	}
	return x.move(o.Account, target, o.Token, o.Amount, o.Nonce, true)
}

// move consumes the transfer nonce and moves amount between two ledger accounts.
func (x *Exchange) move(from, to, token common.Address, amount sdkmath.Int, nonce uint64, fast bool) error {
	if !amount.IsPositive() {
		return errorsmod.Wrapf(ErrInvalidAmount, "transfer amount %s", amount)
	}
	if !x.clearing.IsSupported(token) {
		return errorsmod.Wrapf(clearing.ErrUnsupportedToken, "%s", token.Hex())
	}
	if bal := x.book.GetBalance(token, from); bal.LT(amount) {
		return errorsmod.Wrapf(ledger.ErrInsufficientBalance, "balance %s < %s", bal, amount)
	}
	if err := x.nonces.Use(state.NamespaceTransfer, from, nonce); err != nil {
		return err
	}
	x.registry.Ensure(to)
	if err := x.book.ApplyDeltas(auth.ExchangeIdentity, []ledger.Delta{
		{Token: token, Account: from, Amount: amount.Neg()},
		{Token: token, Account: to, Amount: amount},
	}); err != nil {
		return err
	}
	x.events.Emit(&event.Transferred{
		From:           from,
		To:             to,
		Token:          token,
		Amount:         amount,
		Nonce:          nonce,
		FastSettlement: fast,
	})
	return nil
}

func (x *Exchange) handleCreateSubaccount(o *ingestion.CreateSubaccountOp) error {
	main := x.registry.Lookup(o.Main)
	if !main.IsActive() {
		return errorsmod.Wrapf(ledger.ErrAccountDeleted, "%s", o.Main.Hex())
	}
	if main.Type != ledger.AccountTypeMain {
		return errorsmod.Wrapf(ledger.ErrNotMainAccount, "%s is %s", o.Main.Hex(), main.Type)
	}
	if _, ok := x.registry.Get(o.Subaccount); ok {
		return errorsmod.Wrapf(ledger.ErrAccountExists, "%s", o.Subaccount.Hex())
	}

	hash := o.StructHash()
	if err := x.verifyAccountSignature(o.Main, hash, o.MainSignature); err != nil {
		return err
	}
	if err := x.verifyKeySignature(o.Subaccount, hash, o.SubaccountSignature); err != nil {
		return err
	}
	if err := x.registry.CreateSubaccount(o.Main, o.Subaccount); err != nil {
		return err
	}
	x.events.Emit(&event.SubaccountCreated{Main: o.Main, Subaccount: o.Subaccount})
	return nil
}

// handleDeleteSubaccount sweeps every positive balance to the main account
// before flipping the subaccount to Deleted.
func (x *Exchange) handleDeleteSubaccount(o *ingestion.DeleteSubaccountOp) error {
	if _, err := x.registry.CheckOwnedActiveSubaccount(o.Main, o.Subaccount); err != nil {
		return err
	}
	if err := x.verifyAccountSignature(o.Main, o.StructHash(), o.MainSignature); err != nil {
		return err
	}
	if x.perp.HasOpenPosition(o.Subaccount) {
		return errorsmod.Wrapf(ErrOpenPositions, "%s", o.Subaccount.Hex())
	}

	tokens := x.book.TokensOf(o.Subaccount)
	sweep := make([]ledger.Delta, 0, 2*len(tokens))
	for _, token := range tokens {
		bal := x.book.GetBalance(token, o.Subaccount)
		if bal.IsNegative() {
			return errorsmod.Wrapf(ErrNegativeBalance, "%s holds %s of %s", o.Subaccount.Hex(), bal, token.Hex())
		}
		sweep = append(sweep,
			ledger.Delta{Token: token, Account: o.Subaccount, Amount: bal.Neg()},
			ledger.Delta{Token: token, Account: o.Main, Amount: bal},
		)
	}
	if len(sweep) > 0 {
		if err := x.book.ApplyDeltas(auth.ExchangeIdentity, sweep); err != nil {
			return err
		}
	}
	if err := x.registry.DeleteSubaccount(o.Main, o.Subaccount); err != nil {
		return err
	}
	x.events.Emit(&event.SubaccountDeleted{Main: o.Main, Subaccount: o.Subaccount})
	return nil
}

func (x *Exchange) handleRegisterSubaccountSigner(o *ingestion.RegisterSubaccountSignerOp) error {
	if _, err := x.registry.CheckOwnedActiveSubaccount(o.Main, o.Subaccount); err != nil {
		return err
	}
	if err := x.nonces.Check(state.NamespaceSignerRegistration, o.Subaccount, o.Nonce); err != nil {
		return err
	}
	hash := o.StructHash()
	if err := x.verifyAccountSignature(o.Main, hash, o.MainSignature); err != nil {
		return err
	}
	if err := x.verifyKeySignature(o.Signer, hash, o.SignerSignature); err != nil {
		return err
	}
	if err := x.nonces.Use(state.NamespaceSignerRegistration, o.Subaccount, o.Nonce); err != nil {
		return err
	}
	if err := x.registry.AddSigner(o.Subaccount, o.Signer); err != nil {
		return err
	}
	x.events.Emit(&event.SignerRegistered{Account: o.Subaccount, Signer: o.Signer, Nonce: o.Nonce})
	return nil
}

func (x *Exchange) handleAddSigningWallet(o *ingestion.AddSigningWalletOp) error {
	acc := x.registry.Lookup(o.Sender)
	if !acc.IsActive() {
		return errorsmod.Wrapf(ledger.ErrAccountDeleted, "%s", o.Sender.Hex())
	}
	if acc.Type != ledger.AccountTypeMain {
		return errorsmod.Wrapf(ledger.ErrNotMainAccount, "%s is %s", o.Sender.Hex(), acc.Type)
	}
	if err := x.nonces.Check(state.NamespaceSignerRegistration, o.Sender, o.Nonce); err != nil {
		return err
	}
	hash := o.StructHash()
	if err := x.verifyKeySignature(o.Sender, hash, o.WalletSignature); err != nil {
		return err
	}
	if err := x.verifyKeySignature(o.Signer, hash, o.SignerSignature); err != nil {
		return err
	}
	if err := x.nonces.Use(state.NamespaceSignerRegistration, o.Sender, o.Nonce); err != nil {
		return err
	}
	x.registry.Ensure(o.Sender)
	if err := x.registry.AddSigner(o.Sender, o.Signer); err != nil {
		return err
	}
	x.events.Emit(&event.SignerRegistered{Account: o.Sender, Signer: o.Signer, Nonce: o.Nonce})
	return nil
}

func (x *Exchange) handleCoverLoss(o *ingestion.CoverLossOp) error {
	return x.clearing.CoverLossWithInsuranceFund(auth.ExchangeIdentity, o.Account, o.Token)
}

func (x *Exchange) handleUpdateFundingRate(o *ingestion.UpdateFundingRateOp) error {
	_, err := x.perp.CumulateFundingRate(auth.ExchangeIdentity, o.ProductIndex, o.RateDelta)
	return err
}

// --- Account checks ---

func (x *Exchange) requireActive(addr common.Address) error {
	if acc := x.registry.Lookup(addr); !acc.IsActive() {
		return errorsmod.Wrapf(ledger.ErrAccountDeleted, "%s", addr.Hex())
	}
	return nil
}

func (x *Exchange) requireTransferable(addr common.Address) error {
	acc := x.registry.Lookup(addr)
	if !acc.IsActive() {
		return errorsmod.Wrapf(ledger.ErrAccountDeleted, "%s", addr.Hex())
	}
	if acc.Type == ledger.AccountTypeVault {
		return errorsmod.Wrapf(ledger.ErrVaultAccount, "%s", addr.Hex())
	}
	return nil
}

// verifyAccountSignature accepts a signature by any authorized signer of
// account. Subaccounts also accept their main account's key. Vaults validate
// the signature themselves.
func (x *Exchange) verifyAccountSignature(account common.Address, structHash common.Hash, sig []byte) error {
	digest := x.cfg.Domain.Digest(structHash)
	if x.registry.SignerKind(account) == auth.SignerContract {
		if !x.verifier.Verify(auth.SignerContract, account, digest, sig) {
			return errorsmod.Wrapf(auth.ErrInvalidSignature, "vault %s rejected signature", account.Hex())
		}
		return nil
	}
	signer, err := x.verifier.Recover(digest, sig)
	if err != nil {
		return errorsmod.Wrapf(auth.ErrInvalidSignature, "%v", err)
	}
	if x.registry.IsAuthorizedSigner(account, signer) {
		return nil
	}
	return errorsmod.Wrapf(auth.ErrInvalidSignature, "%s is not a signer of %s", signer.Hex(), account.Hex())
}

// verifyKeySignature requires a raw-key signature by exactly signer.
func (x *Exchange) verifyKeySignature(signer common.Address, structHash common.Hash, sig []byte) error {
	digest := x.cfg.Domain.Digest(structHash)
	if !x.verifier.Verify(auth.SignerKey, signer, digest, sig) {
		return errorsmod.Wrapf(auth.ErrInvalidSignature, "expected signature by %s", signer.Hex())
	}
	return nil
}
