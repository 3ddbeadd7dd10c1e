package matching_test

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/custody"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
	"PerpSettlement/internal/testutil"
)

const btc uint8 = 1

var (
	operator = common.HexToAddress("0x0bee")
	usdc     = common.HexToAddress("0x1001")
	referrer = common.HexToAddress("0x4ef")
	domain   = auth.Domain{Name: "settle", Version: "1", ChainID: 31337}
)

type fixture struct {
	engine   *matching.Engine
	book     *ledger.SpotBook
	perp     *state.PerpBook
	registry *ledger.Registry
	fees     *state.FeeAccumulators
	fund     *state.InsuranceFund
	nonces   *state.NonceRegistry
	accounts *custody.ContractAccounts
	events   *event.Buffer
	maker    *testutil.Wallet
	taker    *testutil.Wallet
}

func newFixture(t testutil.TB) *fixture {
	t.Helper()
	p := auth.NewDefaultProvider()
	p.Grant(operator, auth.CapBatchOperator, auth.CapAdmin)

	j := journal.New()
	events := event.NewBuffer(j)
	book := ledger.NewSpotBook(p, nil, j, events)
	registry := ledger.NewRegistry(j)
	perp := state.NewPerpBook(p, j, events)
	nonces := state.NewNonceRegistry(j)
	fund := state.NewInsuranceFund(j)
	fees := state.NewFeeAccumulators(j)
	clearingSvc := clearing.NewService(clearing.Config{CollateralToken: usdc}, p, book, registry, fund, fees,
		custody.NewCustodian(), j, events, zerolog.Nop())
	accounts := custody.NewContractAccounts()

	engine := matching.NewEngine(
		matching.Config{
			Domain:          domain,
			CollateralToken: usdc,
			Limits: matching.Limits{
				MaxTradingFeeRate:         fpmath.One.QuoRaw(100), // 1%
				MaxSequencerFee:           fpmath.Units(10),
				MaxLiquidationPenaltyRate: fpmath.One.QuoRaw(20), // 5%
			},
		},
		p, registry, book, perp, clearingSvc, nonces, fees, auth.NewSignatureVerifier(accounts), j, events, zerolog.Nop(),
	)
	if err := perp.RegisterProduct(operator, btc, "BTC-PERP"); err != nil {
		t.Fatalf("register product: %v", err)
	}

	f := &fixture{
		engine: engine, book: book, perp: perp, registry: registry, fees: fees, fund: fund,
		nonces: nonces, accounts: accounts, events: events,
		maker: testutil.NewWallet(t), taker: testutil.NewWallet(t),
	}
	// Seed collateral so realized losses never drive the total negative.
	err := book.ApplyDeltas(auth.ClearingIdentity, []ledger.Delta{
		{Token: usdc, Account: f.maker.Address, Amount: fpmath.Units(100_000)},
		{Token: usdc, Account: f.taker.Address, Amount: fpmath.Units(100_000)},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func order(t testutil.TB, w *testutil.Wallet, side matching.Side, size, price sdkmath.Int, nonce uint64) matching.Order {
	o := matching.Order{
		Sender:       w.Address,
		Size:         size,
		Price:        price,
		Nonce:        nonce,
		ProductIndex: btc,
		Side:         side,
		Signer:       w.Address,
		Fee:          fpmath.Zero(),
	}
	o.Signature = w.Sign(t, domain.Digest(o.StructHash()))
	return o
}

func (f *fixture) match(t testutil.TB, makerOrder, takerOrder matching.Order) (*matching.MatchResult, error) {
	return f.engine.MatchOrders(operator, matching.MatchRequest{
		Maker:        makerOrder,
		Taker:        takerOrder,
		ProductIndex: btc,
	})
}

func assertInt(t *testing.T, want, got sdkmath.Int) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %s, got %s", want, got)
}

func (f *fixture) requireTotals(t *testing.T) {
	t.Helper()
	require.NoError(t, ledger.NewInvariantValidator(f.book).ValidateTotals())
}

// ============================================================================
// Scenarios
// ============================================================================

func TestMatchOrders_OpenAndClose(t *testing.T) {
	f := newFixture(t)

	// open: maker buys 2 @ 75000
	_, err := f.match(t,
		order(t, f.maker, matching.SideBuy, fpmath.Units(2), fpmath.Units(75000), 1),
		order(t, f.taker, matching.SideSell, fpmath.Units(2), fpmath.Units(75000), 1),
	)
	require.NoError(t, err)

	mp := f.perp.GetOpenPosition(btc, f.maker.Address)
	tp := f.perp.GetOpenPosition(btc, f.taker.Address)
	assertInt(t, fpmath.Units(2), mp.BaseAmount)
	assertInt(t, fpmath.Units(-150000), mp.QuoteBalance)
	assertInt(t, fpmath.Units(-2), tp.BaseAmount)
	assertInt(t, fpmath.Units(150000), tp.QuoteBalance)
	assertInt(t, fpmath.Units(100_000), f.book.GetBalance(usdc, f.maker.Address))
	assertInt(t, fpmath.Units(100_000), f.book.GetBalance(usdc, f.taker.Address))

	// close at 80000
	_, err = f.match(t,
		order(t, f.maker, matching.SideSell, fpmath.Units(2), fpmath.Units(80000), 2),
		order(t, f.taker, matching.SideBuy, fpmath.Units(2), fpmath.Units(80000), 2),
	)
	require.NoError(t, err)

	assert.True(t, f.perp.GetOpenPosition(btc, f.maker.Address).IsFlat())
	assert.True(t, f.perp.GetOpenPosition(btc, f.taker.Address).IsFlat())
	assertInt(t, fpmath.Units(110_000), f.book.GetBalance(usdc, f.maker.Address))
	assertInt(t, fpmath.Units(90_000), f.book.GetBalance(usdc, f.taker.Address))
	assert.True(t, f.engine.IsMatched(f.maker.Address, 2, f.taker.Address, 2))
	f.requireTotals(t)
}

func TestMatchOrders_FeeRouting(t *testing.T) {
	f := newFixture(t)
	mk := order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1)
	tk := order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(1000), 1)
	mk.Fee = fpmath.Units(-1) // maker rebate
	tk.Fee = fpmath.Units(5)

	res, err := f.engine.MatchOrders(operator, matching.MatchRequest{
		Maker: mk, Taker: tk, ProductIndex: btc,
		SequencerFee: fpmath.Units(2),
		Fees:         matching.Fees{Referrer: referrer, ReferralRebate: fpmath.Units(1)},
	})
	require.NoError(t, err)

	// maker rebate is paid immediately in collateral
	assertInt(t, fpmath.Units(100_001), f.book.GetBalance(usdc, f.maker.Address))
	assertInt(t, fpmath.Units(1), f.book.GetBalance(usdc, referrer))
	// positive taker fee and sequencer fee fold into the taker's quote
	assertInt(t, fpmath.Units(1000-5-2), f.perp.GetOpenPosition(btc, f.taker.Address).QuoteBalance)
	// net trading fee = -1 + 5 - 1
	assertInt(t, fpmath.Units(3), f.fees.Trading())
	assertInt(t, fpmath.Units(3), res.NetTradingFee)
	assertInt(t, fpmath.Units(2), f.fees.Sequencer())
	f.requireTotals(t)
}

func TestMatchOrders_LiquidationPenaltyToInsuranceFund(t *testing.T) {
	f := newFixture(t)
	mk := order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1)
	tk := matching.Order{ // liquidated taker: no signature required
		Sender: f.taker.Address, Size: fpmath.Units(1), Price: fpmath.Units(1000),
		Nonce: 9, ProductIndex: btc, Side: matching.SideSell, IsLiquidation: true,
	}

	_, err := f.engine.MatchOrders(operator, matching.MatchRequest{
		Maker: mk, Taker: tk, ProductIndex: btc, Liquidation: true,
		Fees: matching.Fees{LiquidationPenalty: fpmath.Units(20)},
	})
	require.NoError(t, err)
	assertInt(t, fpmath.Units(20), f.fund.Balance())
	assertInt(t, fpmath.Units(980), f.perp.GetOpenPosition(btc, f.taker.Address).QuoteBalance)
	assert.True(t, f.nonces.IsUsed(state.NamespaceOrder, f.taker.Address, 9))
	assert.False(t, f.nonces.IsUsed(state.NamespaceLiquidation, f.taker.Address, 9),
		"collateral liquidation nonces are a separate space")
}

func TestMatchOrders_LiquidatedTakerNonceIsAnOrderNonce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.nonces.Use(state.NamespaceOrder, f.taker.Address, 9))

	mk := order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1)
	tk := matching.Order{
		Sender: f.taker.Address, Size: fpmath.Units(1), Price: fpmath.Units(1000),
		Nonce: 9, ProductIndex: btc, Side: matching.SideSell, IsLiquidation: true,
	}
	_, err := f.engine.MatchOrders(operator, matching.MatchRequest{
		Maker: mk, Taker: tk, ProductIndex: btc, Liquidation: true,
	})
	require.ErrorIs(t, err, state.ErrNonceUsed)
}

func TestMatchOrders_ReferrerAccount(t *testing.T) {
	f := newFixture(t)
	mk := order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1)
	tk := order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(1000), 1)
	tk.Fee = fpmath.Units(2)
	tk.Signature = f.taker.Sign(t, domain.Digest(tk.StructHash()))
	req := matching.MatchRequest{
		Maker: mk, Taker: tk, ProductIndex: btc,
		Fees: matching.Fees{Referrer: referrer, ReferralRebate: fpmath.Units(1)},
	}

	_, ok := f.registry.Get(referrer)
	require.False(t, ok)
	_, err := f.engine.MatchOrders(operator, req)
	require.NoError(t, err)
	acc, ok := f.registry.Get(referrer)
	require.True(t, ok, "a paid referrer is registered")
	assert.True(t, acc.IsActive())

	// a deleted subaccount cannot collect rebates
	main := common.HexToAddress("0x3a1")
	sub := common.HexToAddress("0x5b1")
	require.NoError(t, f.registry.CreateSubaccount(main, sub))
	require.NoError(t, f.registry.DeleteSubaccount(main, sub))
	req.Maker = order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 2)
	req.Taker = order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(1000), 2)
	req.Taker.Fee = fpmath.Units(2)
	req.Taker.Signature = f.taker.Sign(t, domain.Digest(req.Taker.StructHash()))
	req.Fees.Referrer = sub
	_, err = f.engine.MatchOrders(operator, req)
	require.ErrorIs(t, err, matching.ErrAccountInactive)
	assert.True(t, f.book.GetBalance(usdc, sub).IsZero())
}

func TestMatchOrders_RegisteredSignerAndVault(t *testing.T) {
	f := newFixture(t)
	hot := testutil.NewWallet(t)
	require.NoError(t, f.registry.AddSigner(f.maker.Address, hot.Address))

	mk := matching.Order{
		Sender: f.maker.Address, Size: fpmath.Units(1), Price: fpmath.Units(100),
		Nonce: 1, ProductIndex: btc, Side: matching.SideBuy, Signer: hot.Address,
	}
	mk.Signature = hot.Sign(t, domain.Digest(mk.StructHash()))

	// taker is a vault whose owner key signs on its behalf
	vault := common.HexToAddress("0x7a017")
	owner := testutil.NewWallet(t)
	require.NoError(t, f.registry.RegisterVault(vault))
	f.accounts.SetOwner(vault, owner.Address)
	tk := matching.Order{
		Sender: vault, Size: fpmath.Units(1), Price: fpmath.Units(100),
		Nonce: 1, ProductIndex: btc, Side: matching.SideSell, Signer: vault,
	}
	tk.Signature = owner.Sign(t, domain.Digest(tk.StructHash()))

	_, err := f.match(t, mk, tk)
	require.NoError(t, err)
}

func TestMatchOrders_SubaccountSignedByFamily(t *testing.T) {
	f := newFixture(t)
	main := testutil.NewWallet(t)
	sub := testutil.NewWallet(t)
	hot := testutil.NewWallet(t)
	require.NoError(t, f.registry.CreateSubaccount(main.Address, sub.Address))
	require.NoError(t, f.registry.AddSigner(main.Address, hot.Address))

	subOrder := func(signer *testutil.Wallet, nonce uint64) matching.Order {
		o := matching.Order{
			Sender: sub.Address, Size: fpmath.Units(1), Price: fpmath.Units(100),
			Nonce: nonce, ProductIndex: btc, Side: matching.SideBuy, Signer: signer.Address,
		}
		o.Signature = signer.Sign(t, domain.Digest(o.StructHash()))
		return o
	}

	// the main wallet signs for its subaccount
	_, err := f.match(t, subOrder(main, 1), order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(100), 1))
	require.NoError(t, err)
	// so does a signer registered on the main account
	_, err = f.match(t, subOrder(hot, 2), order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(100), 2))
	require.NoError(t, err)

	stranger := testutil.NewWallet(t)
	_, err = f.match(t, subOrder(stranger, 3), order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(100), 3))
	require.ErrorIs(t, err, matching.ErrBadSignature)
	assertInt(t, fpmath.Units(2), f.perp.GetOpenPosition(btc, sub.Address).BaseAmount)
}

// ============================================================================
// Fatal preconditions
// ============================================================================

func TestMatchOrders_Preconditions(t *testing.T) {
	one, px := fpmath.Units(1), fpmath.Units(100)

	tests := []struct {
		name   string
		mutate func(f *fixture, mk, tk *matching.Order, req *matching.MatchRequest)
		want   error
	}{
		{"same account", func(f *fixture, mk, tk *matching.Order, _ *matching.MatchRequest) {
			*tk = order(t, f.maker, matching.SideSell, one, px, 2)
		}, matching.ErrSameAccount},
		{"same side", func(f *fixture, _, tk *matching.Order, _ *matching.MatchRequest) {
			*tk = order(t, f.taker, matching.SideBuy, one, px, 1)
		}, matching.ErrSideMismatch},
		{"size mismatch", func(f *fixture, _, tk *matching.Order, _ *matching.MatchRequest) {
			*tk = order(t, f.taker, matching.SideSell, fpmath.Units(2), px, 1)
		}, matching.ErrSizeMismatch},
		{"not crossing", func(f *fixture, _, tk *matching.Order, _ *matching.MatchRequest) {
			*tk = order(t, f.taker, matching.SideSell, one, fpmath.Units(101), 1)
		}, matching.ErrPriceNotCrossing},
		{"product mismatch", func(_ *fixture, _, _ *matching.Order, req *matching.MatchRequest) {
			req.ProductIndex = 2
		}, matching.ErrProductMismatch},
		{"bad signature", func(_ *fixture, mk, _ *matching.Order, _ *matching.MatchRequest) {
			mk.Nonce = 77 // signed over nonce 1
		}, matching.ErrBadSignature},
		{"fee too high", func(_ *fixture, mk, _ *matching.Order, _ *matching.MatchRequest) {
			mk.Fee = fpmath.Units(2) // 1% of 100 is 1
		}, matching.ErrFeeTooHigh},
		{"sequencer fee too high", func(_ *fixture, _, _ *matching.Order, req *matching.MatchRequest) {
			req.SequencerFee = fpmath.Units(11)
		}, matching.ErrFeeTooHigh},
		{"rebate without referrer", func(_ *fixture, mk, _ *matching.Order, req *matching.MatchRequest) {
			mk.Fee = fpmath.One.QuoRaw(2)
			req.Fees.ReferralRebate = fpmath.One.QuoRaw(4)
		}, matching.ErrInvalidRebate},
		{"rebate above fees", func(_ *fixture, _, _ *matching.Order, req *matching.MatchRequest) {
			req.Fees.Referrer = referrer
			req.Fees.ReferralRebate = fpmath.One
		}, matching.ErrInvalidRebate},
		{"penalty outside liquidation", func(_ *fixture, _, _ *matching.Order, req *matching.MatchRequest) {
			req.Fees.LiquidationPenalty = fpmath.One
		}, matching.ErrInvalidLiquidation},
		{"nonce reused", func(f *fixture, _, _ *matching.Order, _ *matching.MatchRequest) {
			require.NoError(t, f.nonces.Use(state.NamespaceOrder, f.maker.Address, 1))
		}, state.ErrNonceUsed},
		{"unauthorized signer", func(f *fixture, mk, _ *matching.Order, _ *matching.MatchRequest) {
			stranger := testutil.NewWallet(t)
			mk.Signer = stranger.Address
			mk.Signature = stranger.Sign(t, domain.Digest(mk.StructHash()))
		}, matching.ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			mk := order(t, f.maker, matching.SideBuy, one, px, 1)
			tk := order(t, f.taker, matching.SideSell, one, px, 1)
			req := matching.MatchRequest{ProductIndex: btc}
			tt.mutate(f, &mk, &tk, &req)
			req.Maker, req.Taker = mk, tk

			before := f.events.Len()
			_, err := f.engine.MatchOrders(operator, req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.events.Len(), "failed match must not emit")
			assert.True(t, f.perp.GetOpenPosition(btc, f.maker.Address).IsFlat())
		})
	}
}

func TestMatchOrders_Unauthorized(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.MatchOrders(f.maker.Address, matching.MatchRequest{
		Maker:        order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1), 1),
		Taker:        order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(1), 1),
		ProductIndex: btc,
	})
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestMatchOrders_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	mk := order(t, f.maker, matching.SideBuy, fpmath.Units(1), fpmath.Units(1), 1)
	tk := order(t, f.taker, matching.SideSell, fpmath.Units(1), fpmath.Units(1), 1)
	mk.ProductIndex, tk.ProductIndex = 5, 5
	_, err := f.engine.MatchOrders(operator, matching.MatchRequest{Maker: mk, Taker: tk, ProductIndex: 5})
	require.ErrorIs(t, err, state.ErrUnknownProduct)
}

// With zero fees, every fill moves base and quote between the two
// counterparties without creating or destroying value.
func TestMatchOrders_ConservationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		fills := rapid.IntRange(1, 8).Draw(rt, "fills")
		for i := 0; i < fills; i++ {
			size := fpmath.Units(rapid.Int64Range(1, 10).Draw(rt, "size"))
			price := fpmath.Units(rapid.Int64Range(1, 5_000).Draw(rt, "price"))
			side := matching.Side(rapid.IntRange(0, 1).Draw(rt, "side"))
			other := matching.SideSell
			if side == matching.SideSell {
				other = matching.SideBuy
			}
			_, err := f.match(rt,
				order(rt, f.maker, side, size, price, uint64(i)),
				order(rt, f.taker, other, size, price, uint64(i)),
			)
			if err != nil {
				rt.Fatalf("fill %d: %v", i, err)
			}
		}

		mp := f.perp.GetOpenPosition(btc, f.maker.Address)
		tp := f.perp.GetOpenPosition(btc, f.taker.Address)
		if !mp.BaseAmount.Add(tp.BaseAmount).IsZero() {
			rt.Fatalf("base: %s + %s", mp.BaseAmount, tp.BaseAmount)
		}
		spot := f.book.GetBalance(usdc, f.maker.Address).Add(f.book.GetBalance(usdc, f.taker.Address))
		value := spot.Add(mp.QuoteBalance).Add(tp.QuoteBalance)
		if !value.Equal(fpmath.Units(200_000)) {
			rt.Fatalf("value not conserved: %s", value)
		}
		if err := ledger.NewInvariantValidator(f.book).ValidateTotals(); err != nil {
			rt.Fatalf("totals: %v", err)
		}
	})
}
