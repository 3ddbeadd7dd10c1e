package clearing

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/extcall"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	fpmath "PerpSettlement/internal/math"
)

type yieldAsset struct {
	underlying common.Address
	wrapper    common.Address
	vault      Vault
}

type avgKey struct {
	account common.Address
	wrapper common.Address
}

// YieldPosition is an account's holding of a yield asset valued in the underlying.
type YieldPosition struct {
	Underlying        common.Address
	Wrapper           common.Address
	Shares            sdkmath.Int
	Assets            sdkmath.Int
	AverageSharePrice sdkmath.Int
}

// RegisterYieldAsset pairs an underlying token with its vault share token.
func (s *Service) RegisterYieldAsset(caller, underlying, wrapper common.Address, vault Vault) error {
	if err := auth.Require(s.auth, caller, auth.CapAdmin); err != nil {
		return err
	}
	if _, ok := s.yieldByUnderlying[underlying]; ok {
		return errorsmod.Wrapf(ErrYieldAssetExists, "underlying %s", underlying.Hex())
	}
	if _, ok := s.yieldByWrapper[wrapper]; ok {
		return errorsmod.Wrapf(ErrYieldAssetExists, "wrapper %s", wrapper.Hex())
	}
	y := yieldAsset{underlying: underlying, wrapper: wrapper, vault: vault}
	journal.Set(s.journal, s.yieldByUnderlying, underlying, y)
	journal.Set(s.journal, s.yieldByWrapper, wrapper, y)
	if !s.IsSupported(wrapper) {
		journal.Set(s.journal, s.supported, wrapper, struct{}{})
	}
	return nil
}

// AverageSharePrice returns the running average price paid per share.
func (s *Service) AverageSharePrice(account, wrapper common.Address) sdkmath.Int {
	return fpmath.OrZero(s.avgSharePrice[avgKey{account: account, wrapper: wrapper}])
}

// EarnYieldAsset converts amount of underlying into vault shares.
func (s *Service) EarnYieldAsset(caller, account, underlying common.Address, amount sdkmath.Int) (sdkmath.Int, error) {
	y, ok := s.yieldByUnderlying[underlying]
	if !ok {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrUnknownYieldAsset, "underlying %s", underlying.Hex())
	}
	return s.Swap(caller, account, y.underlying, y.wrapper, amount)
}

// Swap converts between an underlying and its wrapper in either direction.
// The vault is called first; the ledger only moves once the result is known.
func (s *Service) Swap(caller, account, from, to common.Address, amount sdkmath.Int) (sdkmath.Int, error) {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return sdkmath.Int{}, err
	}
	if err := s.checkAmount(amount); err != nil {
		return sdkmath.Int{}, err
	}
	if bal := s.book.GetBalance(from, account); bal.LT(amount) {
		return sdkmath.Int{}, errorsmod.Wrapf(ledger.ErrInsufficientBalance, "%s balance %s < %s", from.Hex(), bal, amount)
	}

	if y, ok := s.yieldByUnderlying[from]; ok && y.wrapper == to {
		return s.depositToVault(account, y, amount, false)
	}
	if y, ok := s.yieldByWrapper[from]; ok && y.underlying == to {
		return s.redeemFromVault(account, y, amount, false)
	}
	return sdkmath.Int{}, errorsmod.Wrapf(ErrUnknownYieldAsset, "no vault route %s -> %s", from.Hex(), to.Hex())
}

// LiquidateYieldAssetIfNecessary redeems just enough shares to bring a
// negative underlying balance back towards zero. No-op when the balance is
// non-negative, no vault is registered or the account holds no shares.
func (s *Service) LiquidateYieldAssetIfNecessary(caller, account, underlying common.Address) (sdkmath.Int, error) {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return sdkmath.Int{}, err
	}
	y, ok := s.yieldByUnderlying[underlying]
	if !ok {
		return fpmath.Zero(), nil
	}
	bal := s.book.GetBalance(underlying, account)
	if !bal.IsNegative() {
		return fpmath.Zero(), nil
	}
	shares := s.book.GetBalance(y.wrapper, account)
	if !shares.IsPositive() {
		return fpmath.Zero(), nil
	}

	needed := extcall.Call("vault.previewWithdraw", func() (sdkmath.Int, error) {
		return y.vault.PreviewWithdraw(bal.Abs())
	})
	if !needed.OK() {
		return sdkmath.Int{}, needed.Err
	}
	redeem := sdkmath.MinInt(needed.Value, shares)
	if !redeem.IsPositive() {
		return fpmath.Zero(), nil
	}
	return s.redeemFromVault(account, y, redeem, true)
}

// YieldPositionOf values the account's shares of the vault over underlying.
func (s *Service) YieldPositionOf(account, underlying common.Address) (YieldPosition, error) {
	y, ok := s.yieldByUnderlying[underlying]
	if !ok {
		return YieldPosition{}, errorsmod.Wrapf(ErrUnknownYieldAsset, "underlying %s", underlying.Hex())
	}
	shares := s.book.GetBalance(y.wrapper, account)
	assets := fpmath.Zero()
	if shares.IsPositive() {
		res := extcall.Call("vault.convertToAssets", func() (sdkmath.Int, error) {
			return y.vault.ConvertToAssets(shares)
		})
		if !res.OK() {
			return YieldPosition{}, res.Err
		}
		assets = res.Value
	}
	return YieldPosition{
		Underlying:        y.underlying,
		Wrapper:           y.wrapper,
		Shares:            shares,
		Assets:            assets,
		AverageSharePrice: s.AverageSharePrice(account, y.wrapper),
	}, nil
}

func (s *Service) depositToVault(account common.Address, y yieldAsset, assets sdkmath.Int, automatic bool) (sdkmath.Int, error) {
	res := extcall.Call("vault.deposit", func() (sdkmath.Int, error) { return y.vault.Deposit(assets) })
	if !res.OK() {
		return sdkmath.Int{}, res.Err
	}
	shares := fpmath.OrZero(res.Value)
	if !shares.IsPositive() {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrZeroAmount, "vault minted %s shares", shares)
	}

	// Running average: (held*avg + paid) / (held + minted)
	key := avgKey{account: account, wrapper: y.wrapper}
	held := fpmath.PositivePart(s.book.GetBalance(y.wrapper, account))
	cost := fpmath.MulX18(held, s.AverageSharePrice(account, y.wrapper)).Add(assets)
	avg := fpmath.DivX18(cost, held.Add(shares))

	err := s.book.ApplyDeltas(auth.ClearingIdentity, []ledger.Delta{
		{Token: y.underlying, Account: account, Amount: assets.Neg()},
		{Token: y.wrapper, Account: account, Amount: shares},
	})
	if err != nil {
		return sdkmath.Int{}, err
	}
	journal.Set(s.journal, s.avgSharePrice, key, avg)

	s.events.Emit(&event.YieldSwapped{
		Account:           account,
		From:              y.underlying,
		To:                y.wrapper,
		AmountIn:          assets,
		AmountOut:         shares,
		AverageSharePrice: avg,
		Automatic:         automatic,
	})
	return shares, nil
}

func (s *Service) redeemFromVault(account common.Address, y yieldAsset, shares sdkmath.Int, automatic bool) (sdkmath.Int, error) {
	res := extcall.Call("vault.redeem", func() (sdkmath.Int, error) { return y.vault.Redeem(shares) })
	if !res.OK() {
		return sdkmath.Int{}, res.Err
	}
	assets := fpmath.OrZero(res.Value)
	if assets.IsNegative() {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrZeroAmount, "vault returned %s assets", assets)
	}

	err := s.book.ApplyDeltas(auth.ClearingIdentity, []ledger.Delta{
		{Token: y.wrapper, Account: account, Amount: shares.Neg()},
		{Token: y.underlying, Account: account, Amount: assets},
	})
	if err != nil {
		return sdkmath.Int{}, err
	}

	key := avgKey{account: account, wrapper: y.wrapper}
	if !s.book.GetBalance(y.wrapper, account).IsPositive() {
		journal.Delete(s.journal, s.avgSharePrice, key)
	}

	s.events.Emit(&event.YieldSwapped{
		Account:           account,
		From:              y.wrapper,
		To:                y.underlying,
		AmountIn:          shares,
		AmountOut:         assets,
		AverageSharePrice: s.AverageSharePrice(account, y.wrapper),
		Automatic:         automatic,
	})
	return assets, nil
}
