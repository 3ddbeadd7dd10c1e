package clearing

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/extcall"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
)

// Config holds the clearing parameters.
type Config struct {
	CollateralToken common.Address
	SupportedTokens []common.Address
}

// Service owns the insurance fund, mirrors external deposits and withdrawals
// into the ledger and converts balances to and from yield assets.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type Service struct {
	auth       auth.Provider
	book       *ledger.SpotBook
	registry   *ledger.Registry
	fund       *state.InsuranceFund
	fees       *state.FeeAccumulators
	mover      AssetMover
	journal    *journal.Journal
	events     *event.Buffer
	logger     zerolog.Logger
	collateral common.Address
	supported  map[common.Address]struct{}

	yieldByUnderlying map[common.Address]yieldAsset
	yieldByWrapper    map[common.Address]yieldAsset
	avgSharePrice     map[avgKey]sdkmath.Int
}

func NewService(
	cfg Config,
	p auth.Provider,
	book *ledger.SpotBook,
	registry *ledger.Registry,
	fund *state.InsuranceFund,
	fees *state.FeeAccumulators,
	mover AssetMover,
	j *journal.Journal,
	events *event.Buffer,
	logger zerolog.Logger,
) *Service {
	supported := make(map[common.Address]struct{}, len(cfg.SupportedTokens)+1)
	supported[cfg.CollateralToken] = struct{}{}
	for _, t := range cfg.SupportedTokens {
		supported[t] = struct{}{}
	}
	return &Service{
		auth:              p,
		book:              book,
		registry:          registry,
		fund:              fund,
		fees:              fees,
		mover:             mover,
		journal:           j,
		events:            events,
		logger:            logger,
		collateral:        cfg.CollateralToken,
		supported:         supported,
		yieldByUnderlying: make(map[common.Address]yieldAsset),
		yieldByWrapper:    make(map[common.Address]yieldAsset),
		avgSharePrice:     make(map[avgKey]sdkmath.Int),
	}
}

func (s *Service) CollateralToken() common.Address { return s.collateral }

// IsSupported reports whether token may be deposited, withdrawn or transferred.
func (s *Service) IsSupported(token common.Address) bool {
	_, ok := s.supported[token]
	return ok
}

func (s *Service) InsuranceFundBalance() sdkmath.Int { return s.fund.Balance() }

func (s *Service) credit(token, account common.Address, amount sdkmath.Int) error {
	return s.book.ApplyDeltas(auth.ClearingIdentity, []ledger.Delta{{Token: token, Account: account, Amount: amount}})
}

func (s *Service) checkAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errorsmod.Wrapf(ErrZeroAmount, "got %v", amount)
	}
	return nil
}

func (s *Service) checkToken(token common.Address) error {
	if !s.IsSupported(token) {
		return errorsmod.Wrapf(ErrUnsupportedToken, "%s", token.Hex())
	}
	return nil
}

// Deposit credits amount of token 1:1 and pulls it from the account's
// wallet. A failed pull is returned; the caller reverts to its mark.
func (s *Service) Deposit(caller, account, token common.Address, amount sdkmath.Int) error {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return err
	}
	if err := s.checkAmount(amount); err != nil {
		return err
	}
	if err := s.checkToken(token); err != nil {
		return err
	}
	if acc := s.registry.Ensure(account); !acc.IsActive() {
		return errorsmod.Wrapf(ledger.ErrAccountDeleted, "%s", account.Hex())
	}

	// Credit first: the pull is the last step that can fail, so a rejected
	// credit never leaves pulled tokens behind.
	mark := s.journal.Mark()
	if err := s.credit(token, account, amount); err != nil {
		return err
	}
	if err := extcall.Do("asset.pull", func() error { return s.mover.Pull(token, account, amount) }); err != nil {
		s.journal.RevertTo(mark)
		return err
	}
	s.events.Emit(&event.Deposited{Account: account, Token: token, Amount: amount})
	return nil
}

// Withdraw debits amount first, then pushes amount-fee to the account. The fee
// (collateral token only) accrues to the sequencer-fee accumulator. A failed
// push is returned; the caller reverts to its mark.
func (s *Service) Withdraw(caller, account, token common.Address, amount, fee sdkmath.Int, nonce uint64) error {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return err
	}
	if err := s.checkAmount(amount); err != nil {
		return err
	}
	if err := s.checkToken(token); err != nil {
		return err
	}
	fee = fpmath.OrZero(fee)
	if fee.IsNegative() || fee.GTE(amount) {
		return errorsmod.Wrapf(ErrInvalidWithdraw, "fee %s must be in [0, amount %s)", fee, amount)
	}
	if fee.IsPositive() && token != s.collateral {
		return errorsmod.Wrapf(ErrInvalidWithdraw, "fee only chargeable in collateral, got %s", token.Hex())
	}
	if bal := s.book.GetBalance(token, account); bal.LT(amount) {
		return errorsmod.Wrapf(ledger.ErrInsufficientBalance, "balance %s < %s", bal, amount)
	}

	// Step 1: debit before the external call
	if err := s.credit(token, account, amount.Neg()); err != nil {
		return err
	}
	if fee.IsPositive() {
		s.fees.AddSequencer(fee)
	}

	// Step 2: push the net amount
	net := amount.Sub(fee)
	if err := extcall.Do("asset.push", func() error { return s.mover.Push(token, account, net) }); err != nil {
		s.logger.Warn().Err(err).
			Str("account", account.Hex()).
			Str("token", token.Hex()).
			Str("amount", fpmath.FormatDecimal(net)).
			Msg("withdraw push failed")
		return err
	}
	s.events.Emit(&event.Withdrawn{Account: account, Token: token, Amount: amount, Fee: fee, Nonce: nonce})
	return nil
}

// DepositInsuranceFund pulls collateral from the admin into the fund.
func (s *Service) DepositInsuranceFund(caller common.Address, amount sdkmath.Int) error {
	if err := auth.Require(s.auth, caller, auth.CapInsuranceAdmin); err != nil {
		return err
	}
	if err := s.checkAmount(amount); err != nil {
		return err
	}
	mark := s.journal.Mark()
	if err := s.fund.Credit(amount); err != nil {
		return err
	}
	if err := extcall.Do("asset.pull", func() error { return s.mover.Pull(s.collateral, caller, amount) }); err != nil {
		s.journal.RevertTo(mark)
		return err
	}
	s.events.Emit(&event.InsuranceFundUpdated{Delta: amount, Balance: s.fund.Balance(), Admin: caller})
	return nil
}

// WithdrawInsuranceFund pays collateral out of the fund to the admin.
func (s *Service) WithdrawInsuranceFund(caller common.Address, amount sdkmath.Int) error {
	if err := auth.Require(s.auth, caller, auth.CapInsuranceAdmin); err != nil {
		return err
	}
	if err := s.checkAmount(amount); err != nil {
		return err
	}
	if err := s.fund.Debit(amount); err != nil {
		return err
	}
	if err := extcall.Do("asset.push", func() error { return s.mover.Push(s.collateral, caller, amount) }); err != nil {
		return err
	}
	s.events.Emit(&event.InsuranceFundUpdated{Delta: amount.Neg(), Balance: s.fund.Balance(), Admin: caller})
	return nil
}

// CollectLiquidationFee routes a liquidation penalty or fee into the fund.
func (s *Service) CollectLiquidationFee(caller, account common.Address, nonce uint64, amount sdkmath.Int) error {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return err
	}
	if err := s.fund.Credit(amount); err != nil {
		return err
	}
	s.events.Emit(&event.LiquidationFeeCollected{
		Account:     account,
		Nonce:       nonce,
		Amount:      amount,
		FundBalance: s.fund.Balance(),
	})
	return nil
}

// CoverLossWithInsuranceFund brings a negative collateral balance back to zero
// out of the fund.
func (s *Service) CoverLossWithInsuranceFund(caller, account, token common.Address) error {
	if err := auth.Require(s.auth, caller, auth.CapClearing); err != nil {
		return err
	}
	if token != s.collateral {
		return errorsmod.Wrapf(ErrUnsupportedToken, "insurance covers collateral only, got %s", token.Hex())
	}
	bal := s.book.GetBalance(token, account)
	if !bal.IsNegative() {
		return errorsmod.Wrapf(ErrNoLossToCover, "%s balance %s", account.Hex(), bal)
	}
	loss := bal.Abs()
	if !s.fund.CanCoverDeficit(loss) {
		return errorsmod.Wrapf(ErrInsufficientFund, "loss %s > fund %s", loss, s.fund.Balance())
	}

	if err := s.fund.Debit(loss); err != nil {
		return err
	}
	if err := s.credit(token, account, loss); err != nil {
		return err
	}
	s.events.Emit(&event.LossCovered{
		Account:     account,
		Token:       token,
		Amount:      loss,
		FundBalance: s.fund.Balance(),
	})
	return nil
}

// ClaimTradingFees moves the trading-fee accumulator to recipient.
func (s *Service) ClaimTradingFees(caller, recipient common.Address) (sdkmath.Int, error) {
	return s.claim(caller, recipient, "trading", s.fees.Trading, s.fees.TakeTrading)
}

// ClaimSequencerFees moves the sequencer-fee accumulator to recipient.
func (s *Service) ClaimSequencerFees(caller, recipient common.Address) (sdkmath.Int, error) {
	return s.claim(caller, recipient, "sequencer", s.fees.Sequencer, s.fees.TakeSequencer)
}

func (s *Service) claim(caller, recipient common.Address, kind string, peek, take func() sdkmath.Int) (sdkmath.Int, error) {
	if err := auth.Require(s.auth, caller, auth.CapAdmin); err != nil {
		return sdkmath.Int{}, err
	}
	if amount := peek(); !amount.IsPositive() {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrNothingToClaim, "%s accumulator %s", kind, amount)
	}
	amount := take()
	if err := s.credit(s.collateral, recipient, amount); err != nil {
		return sdkmath.Int{}, err
	}
	s.events.Emit(&event.FeesClaimed{Kind: kind, Recipient: recipient, Amount: amount})
	return amount, nil
}
