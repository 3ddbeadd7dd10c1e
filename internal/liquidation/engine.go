package liquidation

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/extcall"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
)

// DefaultMaxFeePips caps the liquidation fee at 5% of proceeds.
const DefaultMaxFeePips uint64 = 50_000

// Config holds the liquidation parameters.
type Config struct {
	SettlementToken common.Address
	MaxFeePips      uint64
	Whitelist       []common.Address
}

// Engine converts an account's collateral into the settlement token through
// an external router. Executions fail independently of each other.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type Engine struct {
	auth       auth.Provider
	book       *ledger.SpotBook
	clearing   *clearing.Service
	nonces     *state.NonceRegistry
	router     SwapRouter
	journal    *journal.Journal
	events     *event.Buffer
	logger     zerolog.Logger
	settlement common.Address
	maxFeePips uint64
	whitelist  map[common.Address]struct{}
}

func NewEngine(
	cfg Config,
	p auth.Provider,
	book *ledger.SpotBook,
	clearingSvc *clearing.Service,
	nonces *state.NonceRegistry,
	router SwapRouter,
	j *journal.Journal,
	events *event.Buffer,
	logger zerolog.Logger,
) *Engine {
	if cfg.MaxFeePips == 0 {
		cfg.MaxFeePips = DefaultMaxFeePips
	}
	whitelist := make(map[common.Address]struct{}, len(cfg.Whitelist))
	for _, a := range cfg.Whitelist {
		whitelist[a] = struct{}{}
	}
	return &Engine{
		auth:       p,
		book:       book,
		clearing:   clearingSvc,
		nonces:     nonces,
		router:     router,
		journal:    j,
		events:     events,
		logger:     logger,
		settlement: cfg.SettlementToken,
		maxFeePips: cfg.MaxFeePips,
		whitelist:  whitelist,
	}
}

// IsWhitelisted reports whether asset may be liquidated.
func (e *Engine) IsWhitelisted(asset common.Address) bool {
	_, ok := e.whitelist[asset]
	return ok
}

// LiquidateCollateralBatch processes records in order. Record and execution
// failures are reported in the outcomes; only authorization or a context
// cancelled before the first record return an error.
func (e *Engine) LiquidateCollateralBatch(ctx context.Context, caller common.Address, records []Record) ([]Outcome, error) {
	if err := auth.Require(e.auth, caller, auth.CapLiquidator); err != nil {
		return nil, err
	}

	// Cancellation is only honoured before the first record: swaps already
	// executed by the router cannot be reverted.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(records))
	for _, rec := range records {
		out := e.liquidate(rec)
		outcomes = append(outcomes, out)

		processed := &event.LiquidationProcessed{
			Account:  rec.Account,
			Nonce:    rec.Nonce,
			Status:   out.Status,
			Executed: out.Executed,
			Failed:   out.Failed,
		}
		if out.Err != nil {
			processed.Reason = out.Err.Error()
		}
		e.events.Emit(processed)

		if out.Status != event.StatusSuccess {
			e.logger.Warn().
				Str("account", rec.Account.Hex()).
				Uint64("nonce", rec.Nonce).
				Str("status", out.Status.String()).
				Err(out.Err).
				Msg("liquidation incomplete")
		}
	}
	return outcomes, nil
}

func (e *Engine) validateRecord(rec Record) error {
	if err := e.nonces.Check(state.NamespaceLiquidation, rec.Account, rec.Nonce); err != nil {
		return err
	}
	if len(rec.Executions) == 0 {
		return errorsmod.Wrapf(ErrEmptyExecutions, "account %s nonce %d", rec.Account.Hex(), rec.Nonce)
	}
	if rec.FeePips > e.maxFeePips {
		return errorsmod.Wrapf(ErrFeeTooHigh, "%d pips > %d", rec.FeePips, e.maxFeePips)
	}
	return nil
}

func (e *Engine) liquidate(rec Record) Outcome {
	out := Outcome{
		Account:     rec.Account,
		Nonce:       rec.Nonce,
		Status:      event.StatusFailure,
		NetProceeds: fpmath.Zero(),
		Fees:        fpmath.Zero(),
	}
	if err := e.validateRecord(rec); err != nil {
		out.Err = err
		out.Failed = len(rec.Executions)
		return out
	}
	if err := e.nonces.Use(state.NamespaceLiquidation, rec.Account, rec.Nonce); err != nil {
		out.Err = err
		return out
	}

	var errs *multierror.Error
	for i, ex := range rec.Executions {
		mark := e.journal.Mark()
		net, fee, err := e.execute(rec, ex)
		if err != nil {
			e.journal.RevertTo(mark)
			errs = multierror.Append(errs, errorsmod.Wrapf(err, "execution %d (%s)", i, ex.Asset.Hex()))
			out.Failed++
			continue
		}
		out.Executed++
		out.NetProceeds = out.NetProceeds.Add(net)
		out.Fees = out.Fees.Add(fee)
	}

	switch {
	case out.Failed == 0:
		out.Status = event.StatusSuccess
	case out.Executed > 0:
		out.Status = event.StatusPartial
	default:
		out.Status = event.StatusFailure
		errs = multierror.Append(errs, ErrNoneExecuted)
	}
	out.Err = errs.ErrorOrNil()
	return out
}

func (e *Engine) execute(rec Record, ex Execution) (sdkmath.Int, sdkmath.Int, error) {
	if !e.IsWhitelisted(ex.Asset) {
		return sdkmath.Int{}, sdkmath.Int{}, errorsmod.Wrapf(ErrAssetNotAllowed, "%s", ex.Asset.Hex())
	}
	if ex.Asset == e.settlement {
		return sdkmath.Int{}, sdkmath.Int{}, ErrSettlementAsset
	}
	amount := e.book.GetBalance(ex.Asset, rec.Account)
	if !amount.IsPositive() {
		return sdkmath.Int{}, sdkmath.Int{}, errorsmod.Wrapf(ErrNothingToSell, "balance %s", amount)
	}

	// Step 1: take the asset out of the account before the router sees it
	err := e.book.ApplyDeltas(auth.LiquidationIdentity, []ledger.Delta{
		{Token: ex.Asset, Account: rec.Account, Amount: amount.Neg()},
	})
	if err != nil {
		return sdkmath.Int{}, sdkmath.Int{}, err
	}

	// Step 2: swap
	minOut := fpmath.OrZero(ex.MinAmountOut)
	res := extcall.Call("router.swap", func() (sdkmath.Int, error) {
		return e.router.Swap(ex.Asset, e.settlement, amount, minOut)
	})
	if !res.OK() {
		return sdkmath.Int{}, sdkmath.Int{}, errorsmod.Wrap(ErrSwapFailed, res.Err.Error())
	}
	proceeds := res.Value
	if proceeds.IsNil() || proceeds.IsNegative() || proceeds.LT(minOut) {
		return sdkmath.Int{}, sdkmath.Int{}, errorsmod.Wrapf(ErrSwapFailed, "router returned %s, min %s", proceeds, minOut)
	}

	// Step 3: fee to the fund, remainder to the account
	fee := fpmath.ApplyPips(proceeds, rec.FeePips)
	net := proceeds.Sub(fee)
	if fee.IsPositive() {
		if err := e.clearing.CollectLiquidationFee(auth.LiquidationIdentity, rec.Account, rec.Nonce, fee); err != nil {
			return sdkmath.Int{}, sdkmath.Int{}, err
		}
	}
	if net.IsPositive() {
		err := e.book.ApplyDeltas(auth.LiquidationIdentity, []ledger.Delta{
			{Token: e.settlement, Account: rec.Account, Amount: net},
		})
		if err != nil {
			return sdkmath.Int{}, sdkmath.Int{}, err
		}
	}

	e.events.Emit(&event.CollateralLiquidated{
		Account:      rec.Account,
		Nonce:        rec.Nonce,
		Asset:        ex.Asset,
		AmountIn:     amount,
		Proceeds:     proceeds,
		Fee:          fee,
		NetProceeds:  net,
		SettledToken: e.settlement,
	})
	return net, fee, nil
}
