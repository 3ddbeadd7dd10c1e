package matching

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
)

// Config holds the matching parameters.
type Config struct {
	Domain          auth.Domain
	Limits          Limits
	CollateralToken common.Address
}

// Engine validates and settles maker/taker fills. A match is all-or-nothing:
// every precondition is checked before the first mutation.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type Engine struct {
	cfg      Config
	auth     auth.Provider
	registry *ledger.Registry
	book     *ledger.SpotBook
	perp     *state.PerpBook
	clearing *clearing.Service
	nonces   *state.NonceRegistry
	fees     *state.FeeAccumulators
	verifier *auth.SignatureVerifier
	journal  *journal.Journal
	events   *event.Buffer
	logger   zerolog.Logger
	matched  map[matchKey]struct{}
}

func NewEngine(
	cfg Config,
	p auth.Provider,
	registry *ledger.Registry,
	book *ledger.SpotBook,
	perp *state.PerpBook,
	clearingSvc *clearing.Service,
	nonces *state.NonceRegistry,
	fees *state.FeeAccumulators,
	verifier *auth.SignatureVerifier,
	j *journal.Journal,
	events *event.Buffer,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		auth:     p,
		registry: registry,
		book:     book,
		perp:     perp,
		clearing: clearingSvc,
		nonces:   nonces,
		fees:     fees,
		verifier: verifier,
		journal:  j,
		events:   events,
		logger:   logger,
		matched:  make(map[matchKey]struct{}),
	}
}

// IsMatched reports whether the maker/taker nonce pair was settled.
func (e *Engine) IsMatched(maker common.Address, makerNonce uint64, taker common.Address, takerNonce uint64) bool {
	_, ok := e.matched[matchKey{maker: maker, makerNonce: makerNonce, taker: taker, takerNonce: takerNonce}]
	return ok
}

// MatchOrders settles one fill. Any returned error means nothing was applied
// by this call up to the failing step; callers treat it as fatal.
func (e *Engine) MatchOrders(caller common.Address, req MatchRequest) (*MatchResult, error) {
	if err := auth.Require(e.auth, caller, auth.CapBatchOperator); err != nil {
		return nil, err
	}

	req = normalize(req)
	notional, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	return e.execute(req, notional)
}

func normalize(req MatchRequest) MatchRequest {
	req.Maker.Fee = fpmath.OrZero(req.Maker.Fee)
	req.Taker.Fee = fpmath.OrZero(req.Taker.Fee)
	req.SequencerFee = fpmath.OrZero(req.SequencerFee)
	req.Fees.ReferralRebate = fpmath.OrZero(req.Fees.ReferralRebate)
	req.Fees.LiquidationPenalty = fpmath.OrZero(req.Fees.LiquidationPenalty)
	if req.Maker.Signer == (common.Address{}) {
		req.Maker.Signer = req.Maker.Sender
	}
	if req.Taker.Signer == (common.Address{}) {
		req.Taker.Signer = req.Taker.Sender
	}
	return req
}

func (e *Engine) validate(req MatchRequest) (sdkmath.Int, error) {
	maker, taker := req.Maker, req.Taker

	// Step 1: shape
	for _, o := range []Order{maker, taker} {
		if o.Size.IsNil() || o.Price.IsNil() {
			return sdkmath.Int{}, errorsmod.Wrapf(ErrInvalidOrder, "order %d of %s missing size or price", o.Nonce, o.Sender.Hex())
		}
		if !o.Price.IsPositive() {
			return sdkmath.Int{}, errorsmod.Wrapf(ErrInvalidOrder, "order %d price %s", o.Nonce, o.Price)
		}
	}
	if maker.Sender == taker.Sender {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrSameAccount, "%s", maker.Sender.Hex())
	}
	if maker.Side == taker.Side {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrSideMismatch, "both %s", maker.Side)
	}
	if maker.ProductIndex != req.ProductIndex || taker.ProductIndex != req.ProductIndex {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrProductMismatch, "maker %d taker %d match %d",
			maker.ProductIndex, taker.ProductIndex, req.ProductIndex)
	}
	if !e.perp.IsRegistered(req.ProductIndex) {
		return sdkmath.Int{}, errorsmod.Wrapf(state.ErrUnknownProduct, "product %d", req.ProductIndex)
	}
	if !maker.Size.IsPositive() || !maker.Size.Equal(taker.Size) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrSizeMismatch, "maker %s taker %s", maker.Size, taker.Size)
	}
	buy, sell := maker, taker
	if maker.Side == SideSell {
		buy, sell = taker, maker
	}
	if buy.Price.LT(sell.Price) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrPriceNotCrossing, "buy %s < sell %s", buy.Price, sell.Price)
	}

	// Step 2: liquidation flags
	if req.Liquidation {
		if !taker.IsLiquidation || maker.IsLiquidation {
			return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidLiquidation, "taker must be the liquidated order, maker must not")
		}
	} else {
		if taker.IsLiquidation || maker.IsLiquidation {
			return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidLiquidation, "liquidation order outside liquidation match")
		}
		if !req.Fees.LiquidationPenalty.IsZero() {
			return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidLiquidation, "penalty on a regular match")
		}
	}

	// Step 3: replay protection
	if e.IsMatched(maker.Sender, maker.Nonce, taker.Sender, taker.Nonce) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrAlreadyMatched, "nonces %d/%d", maker.Nonce, taker.Nonce)
	}
	if err := e.nonces.Check(state.NamespaceOrder, maker.Sender, maker.Nonce); err != nil {
		return sdkmath.Int{}, err
	}
	if err := e.nonces.Check(state.NamespaceOrder, taker.Sender, taker.Nonce); err != nil {
		return sdkmath.Int{}, err
	}

	// Step 4: accounts and signatures
	for _, o := range []Order{maker, taker} {
		if acc := e.registry.Lookup(o.Sender); !acc.IsActive() {
			return sdkmath.Int{}, errorsmod.Wrapf(ErrAccountInactive, "%s is %s", o.Sender.Hex(), acc.State)
		}
	}
	if !e.verifyOrder(maker) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrBadSignature, "maker order %d of %s", maker.Nonce, maker.Sender.Hex())
	}
	if !req.Liquidation && !e.verifyOrder(taker) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrBadSignature, "taker order %d of %s", taker.Nonce, taker.Sender.Hex())
	}

	// Step 5: fee limits
	notional := fpmath.MulX18(maker.Size, maker.Price)
	maxFee := fpmath.MulX18(notional, e.cfg.Limits.MaxTradingFeeRate)
	for _, o := range []Order{maker, taker} {
		if o.Fee.Abs().GT(maxFee) {
			return sdkmath.Int{}, errorsmod.Wrapf(ErrFeeTooHigh, "order %d fee %s > %s", o.Nonce, o.Fee, maxFee)
		}
	}
	if req.SequencerFee.IsNegative() || req.SequencerFee.GT(e.cfg.Limits.MaxSequencerFee) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrFeeTooHigh, "sequencer fee %s", req.SequencerFee)
	}
	rebate := req.Fees.ReferralRebate
	if rebate.IsNegative() || rebate.GT(fpmath.PositivePart(maker.Fee.Add(taker.Fee))) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrInvalidRebate, "rebate %s vs fees %s+%s", rebate, maker.Fee, taker.Fee)
	}
	if rebate.IsPositive() {
		if req.Fees.Referrer == (common.Address{}) {
			return sdkmath.Int{}, errorsmod.Wrap(ErrInvalidRebate, "rebate without referrer")
		}
		if acc := e.registry.Lookup(req.Fees.Referrer); !acc.IsActive() {
			return sdkmath.Int{}, errorsmod.Wrapf(ErrAccountInactive, "referrer %s is %s", req.Fees.Referrer.Hex(), acc.State)
		}
	}
	penalty := req.Fees.LiquidationPenalty
	maxPenalty := fpmath.MulX18(notional, e.cfg.Limits.MaxLiquidationPenaltyRate)
	if penalty.IsNegative() || penalty.GT(maxPenalty) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrFeeTooHigh, "liquidation penalty %s > %s", penalty, maxPenalty)
	}
	return notional, nil
}

func (e *Engine) verifyOrder(o Order) bool {
	digest := e.cfg.Domain.Digest(o.StructHash())
	if e.registry.SignerKind(o.Sender) == auth.SignerContract {
		return e.verifier.Verify(auth.SignerContract, o.Sender, digest, o.Signature)
	}
	if !e.registry.IsAuthorizedSigner(o.Sender, o.Signer) {
		return false
	}
	return e.verifier.Verify(auth.SignerKey, o.Signer, digest, o.Signature)
}

// legs returns the position deltas of a side: buyer (+size, -notional),
// seller (-size, +notional).
func legs(side Side, size, notional sdkmath.Int) (sdkmath.Int, sdkmath.Int) {
	if side == SideBuy {
		return size, notional.Neg()
	}
	return size.Neg(), notional
}

func (e *Engine) execute(req MatchRequest, notional sdkmath.Int) (*MatchResult, error) {
	maker, taker := req.Maker, req.Taker
	collateral := e.cfg.CollateralToken

	// Step 1: consume nonces
	if err := e.nonces.Use(state.NamespaceOrder, maker.Sender, maker.Nonce); err != nil {
		return nil, err
	}
	if err := e.nonces.Use(state.NamespaceOrder, taker.Sender, taker.Nonce); err != nil {
		return nil, err
	}
	e.registry.Ensure(maker.Sender)
	e.registry.Ensure(taker.Sender)
	if req.Fees.ReferralRebate.IsPositive() {
		e.registry.Ensure(req.Fees.Referrer)
	}

	// Step 2: position deltas with positive fees folded into quote
	makerBase, makerQuote := legs(maker.Side, maker.Size, notional)
	takerBase, takerQuote := legs(taker.Side, taker.Size, notional)
	makerQuote = makerQuote.Sub(fpmath.PositivePart(maker.Fee))
	takerQuote = takerQuote.
		Sub(fpmath.PositivePart(taker.Fee)).
		Sub(req.SequencerFee).
		Sub(req.Fees.LiquidationPenalty)

	makerPnl, err := e.perp.SettlePositionPnl(auth.MatchingIdentity, req.ProductIndex, maker.Sender, makerBase, makerQuote)
	if err != nil {
		return nil, err
	}
	takerPnl, err := e.perp.SettlePositionPnl(auth.MatchingIdentity, req.ProductIndex, taker.Sender, takerBase, takerQuote)
	if err != nil {
		return nil, err
	}

	// Step 3: realized PnL and rebates to the ledger
	var deltas []ledger.Delta
	add := func(account common.Address, amount sdkmath.Int) {
		if !amount.IsZero() {
			deltas = append(deltas, ledger.Delta{Token: collateral, Account: account, Amount: amount})
		}
	}
	add(maker.Sender, makerPnl)
	add(taker.Sender, takerPnl)
	if maker.Fee.IsNegative() {
		add(maker.Sender, maker.Fee.Abs())
	}
	if taker.Fee.IsNegative() {
		add(taker.Sender, taker.Fee.Abs())
	}
	add(req.Fees.Referrer, req.Fees.ReferralRebate)
	if len(deltas) > 0 {
		if err := e.book.ApplyDeltas(auth.MatchingIdentity, deltas); err != nil {
			return nil, err
		}
	}

	// Step 4: fee routing
	netTrading := maker.Fee.Add(taker.Fee).Sub(req.Fees.ReferralRebate)
	if !netTrading.IsZero() {
		e.fees.AddTrading(netTrading)
	}
	if req.SequencerFee.IsPositive() {
		e.fees.AddSequencer(req.SequencerFee)
	}
	if req.Fees.LiquidationPenalty.IsPositive() {
		if err := e.clearing.CollectLiquidationFee(auth.MatchingIdentity, taker.Sender, taker.Nonce, req.Fees.LiquidationPenalty); err != nil {
			return nil, err
		}
	}

	journal.Set(e.journal, e.matched, matchKey{
		maker: maker.Sender, makerNonce: maker.Nonce,
		taker: taker.Sender, takerNonce: taker.Nonce,
	}, struct{}{})

	e.events.Emit(&event.OrderMatched{
		ProductIndex:       req.ProductIndex,
		Maker:              maker.Sender,
		Taker:              taker.Sender,
		MakerNonce:         maker.Nonce,
		TakerNonce:         taker.Nonce,
		TakerIsBuyer:       taker.Side == SideBuy,
		Size:               maker.Size,
		Price:              maker.Price,
		Notional:           notional,
		MakerFee:           maker.Fee,
		TakerFee:           taker.Fee,
		SequencerFee:       req.SequencerFee,
		Referrer:           req.Fees.Referrer,
		ReferralRebate:     req.Fees.ReferralRebate,
		LiquidationPenalty: req.Fees.LiquidationPenalty,
		MakerRealizedPnl:   makerPnl,
		TakerRealizedPnl:   takerPnl,
		IsLiquidation:      req.Liquidation,
	})

	// Step 5: cover negative collateral out of yield shares where possible
	for _, account := range []common.Address{maker.Sender, taker.Sender} {
		if _, err := e.clearing.LiquidateYieldAssetIfNecessary(auth.MatchingIdentity, account, collateral); err != nil {
			e.logger.Warn().Err(err).Str("account", account.Hex()).Msg("yield auto-redeem skipped")
		}
	}

	return &MatchResult{
		Notional:         notional,
		MakerRealizedPnl: makerPnl,
		TakerRealizedPnl: takerPnl,
		NetTradingFee:    netTrading,
	}, nil
}
